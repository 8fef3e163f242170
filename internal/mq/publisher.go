package mq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/taskq/internal/broker"
	"github.com/shaiso/taskq/internal/telemetry"
)

// ContentTypeText — content type задач из командной строки.
const ContentTypeText = "text/plain"

// Publisher публикует задачи в очередь.
//
// Публикация fire-and-forget: подтверждения от брокера не ждём
// (publisher confirms не используются). Ошибка возвращается только
// при локальном сбое — закрытый канал, отменённый контекст.
type Publisher struct {
	ch      broker.Channel
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(ch broker.Channel, logger *slog.Logger, metrics *telemetry.Metrics) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Publisher{
		ch:      ch,
		logger:  logger,
		metrics: metrics,
	}
}

// Publish публикует payload в очередь.
//
// persistent=true — брокер пишет сообщение на диск. Это не гарантирует
// сохранность сообщений, которые ещё не сброшены на диск в момент падения.
// Если очереди не существует, сообщение молча отбрасывается брокером.
func (p *Publisher) Publish(ctx context.Context, ref QueueRef, payload []byte, persistent bool) error {
	return p.publish(ctx, ref, broker.Message{
		Body:       payload,
		Persistent: persistent,
	})
}

// PublishText публикует текстовую задачу как persistent.
func (p *Publisher) PublishText(ctx context.Context, ref QueueRef, text string) error {
	return p.publish(ctx, ref, broker.Message{
		Body:        []byte(text),
		Persistent:  true,
		ContentType: ContentTypeText,
	})
}

func (p *Publisher) publish(ctx context.Context, ref QueueRef, msg broker.Message) error {
	if ref.Name == "" {
		return ErrEmptyQueueName
	}

	msg.MessageID = uuid.NewString()
	msg.Timestamp = time.Now()

	if err := p.ch.Publish(ctx, ref.Name, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", ref.Name, err)
	}

	p.metrics.TaskPublished(ref.Name, msg.Persistent)

	p.logger.Debug("published task",
		"queue", ref.Name,
		"message_id", msg.MessageID,
		"persistent", msg.Persistent,
		"size", len(msg.Body),
	)

	return nil
}
