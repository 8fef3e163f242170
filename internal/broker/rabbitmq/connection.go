package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/taskq/internal/broker"
)

// Connection — обёртка над AMQP соединением.
//
// Переподключения нет: обрыв соединения фатален для сессии
// и отдаётся наружу через Done()/Err(). Политика retry — забота деплоя.
type Connection struct {
	logger *slog.Logger
	conn   *amqp.Connection

	mu     sync.RWMutex
	closed bool
	err    error
	done   chan struct{}
}

var _ broker.Connection = (*Connection)(nil)

// Dial устанавливает соединение с RabbitMQ.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("%w: dial amqp: %v", broker.ErrConnection, err)
	}

	c := &Connection{
		logger: logger,
		conn:   conn,
		done:   make(chan struct{}),
	}

	// Следим за закрытием соединения
	go c.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))

	logger.Info("connected to RabbitMQ")

	return c, nil
}

// watch ждёт закрытия соединения и запоминает причину.
func (c *Connection) watch(notify <-chan *amqp.Error) {
	amqpErr, ok := <-notify

	c.mu.Lock()
	if ok && amqpErr != nil {
		c.err = fmt.Errorf("%w: %v", broker.ErrConnection, amqpErr)
		c.logger.Error("connection lost", "error", amqpErr)
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
}

// Channel открывает новый AMQP канал.
func (c *Connection) Channel(ctx context.Context) (broker.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch, err := c.conn.Channel()
	if err != nil {
		if c.conn.IsClosed() {
			return nil, fmt.Errorf("%w: open channel: %v", broker.ErrConnection, err)
		}
		return nil, fmt.Errorf("open channel: %w", err)
	}

	return newChannel(c, ch), nil
}

// Done закрывается при закрытии соединения.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err возвращает причину обрыва соединения.
func (c *Connection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Close закрывает соединение.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("close connection: %w", err)
	}

	c.logger.Info("connection closed")
	return nil
}
