package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/taskq/internal/broker"
	"github.com/shaiso/taskq/internal/mq"
	"github.com/shaiso/taskq/internal/telemetry"
)

// DefaultPrefetch — лимит справедливости по умолчанию:
// одна неподтверждённая задача на воркер.
const DefaultPrefetch = 1

// Worker — цикл обработки задач на одном канале.
//
// На каждую доставку:
//   - выполняет задачу (синхронно, без таймаута)
//   - при успехе отправляет ack ровно один раз
//   - при ошибке ack не отправляет и закрывает канал,
//     чтобы брокер вернул задачу в очередь
//
// После ошибки экземпляр Worker завершён: Run возвращает ErrTaskExecution,
// новый Worker создаётся на новом канале.
type Worker struct {
	disp     *mq.DispatchChannel
	queue    mq.QueueRef
	prefetch int
	tag      string
	executor Executor

	logger  *slog.Logger
	metrics *telemetry.Metrics

	state     atomic.Int32
	processed atomic.Int64
}

// Config — конфигурация Worker.
type Config struct {
	// Channel — открытый канал брокера. Worker владеет им до конца Run.
	Channel broker.Channel

	// Queue — объявленная очередь задач.
	Queue mq.QueueRef

	// Prefetch — лимит справедливости (default: 1).
	Prefetch int

	// ConsumerTag (default: "worker-<uuid>").
	ConsumerTag string

	// Executor выполняет тело задачи.
	Executor Executor

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// New создаёт Worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Channel == nil {
		return nil, ErrNoChannel
	}
	if cfg.Executor == nil {
		return nil, ErrNoExecutor
	}
	if cfg.Queue.Name == "" {
		return nil, mq.ErrEmptyQueueName
	}

	prefetch := cfg.Prefetch
	if prefetch == 0 {
		prefetch = DefaultPrefetch
	}

	tag := cfg.ConsumerTag
	if tag == "" {
		tag = "worker-" + uuid.NewString()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = telemetry.WithConsumer(telemetry.WithQueue(logger, cfg.Queue.Name), tag)

	return &Worker{
		disp:     mq.NewDispatchChannel(cfg.Channel, logger, cfg.Metrics),
		queue:    cfg.Queue,
		prefetch: prefetch,
		tag:      tag,
		executor: cfg.Executor,
		logger:   logger,
		metrics:  cfg.Metrics,
	}, nil
}

// State возвращает текущее состояние.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Processed возвращает число подтверждённых задач.
func (w *Worker) Processed() int64 {
	return w.processed.Load()
}

// ConsumerTag возвращает тег подписки.
func (w *Worker) ConsumerTag() string {
	return w.tag
}

// Run потребляет задачи до отмены ctx или ошибки.
// При выходе канал закрывается, неподтверждённые доставки возвращаются в очередь.
//
// Возвращает ctx.Err() при отмене, ошибку с ErrTaskExecution при падении
// задачи, ошибку канала, если брокер закрыл канал.
func (w *Worker) Run(ctx context.Context) error {
	defer w.closeChannel()

	if err := w.disp.SetFairnessLimit(w.prefetch); err != nil {
		return err
	}

	deliveries, err := w.disp.Consume(ctx, w.queue, w.tag)
	if err != nil {
		return err
	}

	ctx = telemetry.WithLogger(ctx, w.logger)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case d, ok := <-deliveries:
			if !ok {
				return w.stopped(ctx)
			}

			if err := w.handle(ctx, d); err != nil {
				return err
			}

			w.transition(StateIdle)
		}
	}
}

// stopped определяет, почему закрылся поток доставок.
func (w *Worker) stopped(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := w.disp.Err(); err != nil {
		return fmt.Errorf("deliveries stopped: %w", err)
	}
	return fmt.Errorf("deliveries stopped: %w", broker.ErrChannelClosed)
}

// handle проводит одну доставку через Processing → Acked | FailedUnacked.
func (w *Worker) handle(ctx context.Context, d broker.Delivery) error {
	w.transition(StateProcessing)

	logger := w.logger.With(
		"delivery_tag", d.Tag,
		"message_id", d.MessageID,
	)
	logger.Info("received task",
		"body", string(d.Body),
		"redelivered", d.Redelivered,
	)

	start := time.Now()
	err := w.execute(ctx, d)
	elapsed := time.Since(start)
	w.metrics.ObserveTaskDuration(d.Queue, elapsed)

	if err != nil {
		w.transition(StateFailedUnacked)
		w.metrics.TaskFailed(d.Queue)

		logger.Error("task failed, leaving unacknowledged",
			"error", err,
			"duration", elapsed,
		)

		// Закрываем канал: брокер вернёт задачу в очередь
		w.closeChannel()

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: delivery %d: %w", ErrTaskExecution, d.Tag, err)
	}

	if err := w.disp.Ack(d); err != nil {
		return err
	}

	w.transition(StateAcked)
	w.processed.Add(1)

	logger.Info("task done", "duration", elapsed)
	return nil
}

func (w *Worker) closeChannel() {
	if err := w.disp.Close(); err != nil {
		w.logger.Warn("failed to close channel", "error", err)
	}
}

// execute вызывает executor, превращая панику в ошибку.
func (w *Worker) execute(ctx context.Context, d broker.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("task panicked",
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return w.executor.Execute(ctx, d)
}

func (w *Worker) transition(to State) {
	from := w.State()
	if !CanTransition(from, to) {
		w.logger.Error("invalid state transition", "from", from, "to", to)
	}
	w.state.Store(int32(to))
}

// IsRestartable — можно ли продолжить работу на новом канале после err.
func IsRestartable(err error) bool {
	return errors.Is(err, ErrTaskExecution) ||
		errors.Is(err, broker.ErrProtocolViolation) ||
		errors.Is(err, broker.ErrChannelClosed)
}
