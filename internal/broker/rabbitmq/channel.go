package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/taskq/internal/broker"
)

// Channel — broker.Channel поверх *amqp.Channel.
type Channel struct {
	id   string
	conn *Connection
	ch   *amqp.Channel

	mu   sync.RWMutex
	err  error
	done chan struct{}
}

var _ broker.Channel = (*Channel)(nil)

func newChannel(conn *Connection, ch *amqp.Channel) *Channel {
	c := &Channel{
		id:   uuid.NewString(),
		conn: conn,
		ch:   ch,
		done: make(chan struct{}),
	}

	go c.watch(ch.NotifyClose(make(chan *amqp.Error, 1)))

	return c
}

// watch ждёт закрытия канала и классифицирует причину.
func (c *Channel) watch(notify <-chan *amqp.Error) {
	amqpErr, ok := <-notify

	if ok && amqpErr != nil {
		c.setErr(c.classify(amqpErr))
		c.conn.logger.Warn("channel closed by broker",
			"channel_id", c.id,
			"code", amqpErr.Code,
			"reason", amqpErr.Reason,
		)
	}

	close(c.done)
}

// classify переводит AMQP ошибку закрытия в таксономию broker.
func (c *Channel) classify(amqpErr *amqp.Error) error {
	switch {
	case c.conn.conn.IsClosed():
		return fmt.Errorf("%w: %v", broker.ErrConnection, amqpErr)
	case amqpErr.Code == amqp.PreconditionFailed:
		// unknown delivery tag, повторный ack и т.п.
		return fmt.Errorf("%w: %v", broker.ErrProtocolViolation, amqpErr)
	default:
		return fmt.Errorf("%w: %v", broker.ErrChannelClosed, amqpErr)
	}
}

func (c *Channel) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// ID возвращает идентификатор канала.
func (c *Channel) ID() string {
	return c.id
}

// DeclareQueue объявляет очередь (не exclusive, не auto-delete).
func (c *Channel) DeclareQueue(_ context.Context, name string, durable bool) error {
	_, err := c.ch.QueueDeclare(
		name,    // name
		durable, // durable
		false,   // delete when unused
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
			// RabbitMQ закрывает канал после 406
			err = fmt.Errorf("%w: queue %s: %v", broker.ErrIncompatibleDeclaration, name, amqpErr.Reason)
			c.setErr(err)
			return err
		}
		return c.wrap(fmt.Sprintf("declare queue %s", name), err)
	}

	return nil
}

// Publish публикует сообщение через default exchange с routing key = имя очереди.
func (c *Channel) Publish(ctx context.Context, queue string, msg broker.Message) error {
	mode := amqp.Transient
	if msg.Persistent {
		mode = amqp.Persistent
	}

	err := c.ch.PublishWithContext(
		ctx,
		"",    // default exchange
		queue, // routing key
		false, // mandatory: немаршрутизируемые сообщения отбрасываются
		false, // immediate
		amqp.Publishing{
			ContentType:  msg.ContentType,
			DeliveryMode: mode,
			MessageId:    msg.MessageID,
			Timestamp:    msg.Timestamp,
			Body:         msg.Body,
		},
	)
	if err != nil {
		return c.wrap(fmt.Sprintf("publish to %s", queue), err)
	}

	return nil
}

// SetPrefetch устанавливает basic.qos для канала.
func (c *Channel) SetPrefetch(n int) error {
	if err := c.ch.Qos(n, 0, false); err != nil {
		return c.wrap("set qos", err)
	}
	return nil
}

// Consume подписывается на очередь с ручным ack.
func (c *Channel) Consume(ctx context.Context, queue, consumerTag string) (<-chan broker.Delivery, error) {
	raw, err := c.ch.Consume(
		queue,       // queue
		consumerTag, // consumer tag
		false,       // auto-ack (ack вручную)
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return nil, c.wrap(fmt.Sprintf("consume %s", queue), err)
	}

	out := make(chan broker.Delivery)
	go c.forward(ctx, queue, raw, out)

	return out, nil
}

// forward переводит amqp.Delivery в broker.Delivery.
func (c *Channel) forward(ctx context.Context, queue string, raw <-chan amqp.Delivery, out chan<- broker.Delivery) {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-raw:
			if !ok {
				return
			}

			delivery := broker.Delivery{
				Tag:         d.DeliveryTag,
				Redelivered: d.Redelivered,
				Body:        d.Body,
				MessageID:   d.MessageId,
				Queue:       queue,
				ChannelID:   c.id,
			}

			select {
			case out <- delivery:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Ack подтверждает доставку. Неизвестный tag RabbitMQ обнаружит сам
// и закроет канал с 406 (см. classify).
func (c *Channel) Ack(tag uint64, multiple bool) error {
	if err := c.ch.Ack(tag, multiple); err != nil {
		return c.wrap("ack", err)
	}
	return nil
}

// InspectQueue возвращает состояние очереди через passive declare.
// RabbitMQ отдаёт только ready и consumers, Unacked всегда 0.
func (c *Channel) InspectQueue(_ context.Context, name string) (broker.QueueStats, error) {
	q, err := c.ch.QueueDeclarePassive(name, false, false, false, false, nil)
	if err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
			err = fmt.Errorf("inspect queue %s: %w", name, broker.ErrQueueNotFound)
			c.setErr(err)
			return broker.QueueStats{}, err
		}
		return broker.QueueStats{}, c.wrap(fmt.Sprintf("inspect queue %s", name), err)
	}

	return broker.QueueStats{
		Name:      q.Name,
		Ready:     q.Messages,
		Consumers: q.Consumers,
	}, nil
}

// NotifyClose закрывается при закрытии канала.
func (c *Channel) NotifyClose() <-chan struct{} {
	return c.done
}

// Err возвращает причину закрытия канала.
func (c *Channel) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Close закрывает канал.
func (c *Channel) Close() error {
	if c.ch.IsClosed() {
		return nil
	}
	if err := c.ch.Close(); err != nil {
		return fmt.Errorf("close channel: %w", err)
	}
	return nil
}

// wrap оборачивает ошибку операции, учитывая состояние канала.
func (c *Channel) wrap(op string, err error) error {
	if errors.Is(err, amqp.ErrClosed) {
		if cause := c.Err(); cause != nil {
			return fmt.Errorf("%s: %w", op, cause)
		}
		return fmt.Errorf("%s: %w", op, broker.ErrChannelClosed)
	}
	return fmt.Errorf("%s: %w", op, err)
}
