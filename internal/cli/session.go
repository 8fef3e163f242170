package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shaiso/taskq/internal/broker"
	"github.com/shaiso/taskq/internal/config"
	"github.com/shaiso/taskq/internal/mq"
)

// DefaultMessage — тело задачи, если в командной строке ничего не передано.
const DefaultMessage = "Hello World!"

// Session — соединение CLI с брокером и один канал для команд.
type Session struct {
	cfg     config.Config
	conn    broker.Connection
	ch      broker.Channel
	closeFn func() error
	logger  *slog.Logger
}

// Open подключается к брокеру по конфигурации.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, closeFn, err := cfg.Connect(ctx, logger)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel(ctx)
	if err != nil {
		closeFn()
		return nil, err
	}

	return &Session{
		cfg:     cfg,
		conn:    conn,
		ch:      ch,
		closeFn: closeFn,
		logger:  logger,
	}, nil
}

// QueueName возвращает имя очереди задач.
func (s *Session) QueueName() string {
	return s.cfg.Queue
}

// NewTask объявляет очередь и публикует persistent задачу.
func (s *Session) NewTask(ctx context.Context, text string) error {
	ref, err := mq.DeclareQueue(ctx, s.ch, s.cfg.Queue, s.cfg.QueueDurable)
	if err != nil {
		return err
	}

	return mq.NewPublisher(s.ch, s.logger, nil).PublishText(ctx, ref, text)
}

// Stats возвращает состояние очереди, не объявляя её.
func (s *Session) Stats(ctx context.Context) (broker.QueueStats, error) {
	ref := mq.QueueRef{Name: s.cfg.Queue, Durable: s.cfg.QueueDurable}

	stats, err := mq.InspectQueue(ctx, s.ch, ref)
	if err != nil {
		if errors.Is(err, broker.ErrQueueNotFound) {
			return broker.QueueStats{}, fmt.Errorf("queue %q does not exist: %w", ref.Name, err)
		}
		return broker.QueueStats{}, err
	}

	return stats, nil
}

// Close закрывает канал и соединение.
func (s *Session) Close() error {
	s.ch.Close()
	return s.closeFn()
}
