package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/taskq/internal/broker"
	"github.com/shaiso/taskq/internal/mq"
	"github.com/shaiso/taskq/internal/telemetry"
)

// Default configuration values.
const (
	defaultConcurrency  = 1
	defaultRestartDelay = time.Second
)

// Pool — несколько воркеров на одном соединении, каждый на своём канале.
//
// Воркеры конкурируют за одну очередь; брокер раздаёт задачи
// по кругу с учётом лимита справедливости каждого канала.
// Упавший воркер (ошибка задачи, нарушение протокола) пересоздаётся
// на новом канале. Ошибка соединения останавливает весь пул.
type Pool struct {
	conn            broker.Connection
	queue           string
	durable         bool
	concurrency     int
	prefetch        int
	executor        Executor
	restartDelay    time.Duration
	inspectInterval time.Duration

	logger  *slog.Logger
	metrics *telemetry.Metrics

	restarts atomic.Int64
}

// PoolConfig — конфигурация Pool.
type PoolConfig struct {
	Conn broker.Connection

	// Queue — имя очереди; каждый воркер объявляет её сам.
	Queue   string
	Durable bool

	Concurrency int // число воркеров (default: 1)
	Prefetch    int // лимит справедливости на воркер (default: 1)

	Executor Executor

	// RestartDelay — пауза перед пересозданием воркера (default: 1s).
	RestartDelay time.Duration

	// InspectInterval — период опроса глубины очереди; 0 отключает опрос.
	InspectInterval time.Duration

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// NewPool создаёт Pool.
func NewPool(cfg PoolConfig) *Pool {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	restartDelay := cfg.RestartDelay
	if restartDelay <= 0 {
		restartDelay = defaultRestartDelay
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		conn:            cfg.Conn,
		queue:           cfg.Queue,
		durable:         cfg.Durable,
		concurrency:     concurrency,
		prefetch:        cfg.Prefetch,
		executor:        cfg.Executor,
		restartDelay:    restartDelay,
		inspectInterval: cfg.InspectInterval,
		logger:          logger,
		metrics:         cfg.Metrics,
	}
}

// Restarts возвращает число пересозданных воркеров.
func (p *Pool) Restarts() int64 {
	return p.restarts.Load()
}

// Run запускает воркеров и блокируется до отмены ctx или фатальной ошибки.
// Отмена ctx — штатная остановка, Run возвращает nil.
func (p *Pool) Run(ctx context.Context) error {
	if p.conn == nil {
		return ErrNoConnection
	}
	if p.executor == nil {
		return ErrNoExecutor
	}

	p.logger.Info("starting worker pool",
		"queue", p.queue,
		"concurrency", p.concurrency,
		"prefetch", p.prefetch,
	)

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < p.concurrency; i++ {
		slot := i
		g.Go(func() error {
			return p.runSlot(gctx, slot)
		})
	}

	if p.inspectInterval > 0 {
		g.Go(func() error {
			p.inspectLoop(gctx)
			return nil
		})
	}

	err := g.Wait()

	p.logger.Info("worker pool stopped", "restarts", p.Restarts())

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runSlot держит один воркер живым, пересоздавая его после восстановимых ошибок.
func (p *Pool) runSlot(ctx context.Context, slot int) error {
	for {
		err := p.runWorker(ctx, slot)

		if ctx.Err() != nil {
			return nil
		}

		if !IsRestartable(err) {
			return fmt.Errorf("worker %d: %w", slot, err)
		}

		p.restarts.Add(1)
		p.logger.Warn("restarting worker",
			"slot", slot,
			"error", err,
			"delay", p.restartDelay,
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.restartDelay):
		}
	}
}

// runWorker открывает канал, объявляет очередь и запускает Worker.
func (p *Pool) runWorker(ctx context.Context, slot int) error {
	ch, err := p.conn.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	ref, err := mq.DeclareQueue(ctx, ch, p.queue, p.durable)
	if err != nil {
		return err
	}

	w, err := New(Config{
		Channel:     ch,
		Queue:       ref,
		Prefetch:    p.prefetch,
		ConsumerTag: fmt.Sprintf("%s-worker-%d-%s", p.queue, slot, ch.ID()[:8]),
		Executor:    p.executor,
		Logger:      p.logger.With("slot", slot),
		Metrics:     p.metrics,
	})
	if err != nil {
		return err
	}

	return w.Run(ctx)
}

// inspectLoop периодически публикует глубину очереди в метрики.
func (p *Pool) inspectLoop(ctx context.Context) {
	ticker := time.NewTicker(p.inspectInterval)
	defer ticker.Stop()

	var ch broker.Channel
	defer func() {
		if ch != nil {
			ch.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if ch == nil {
			var err error
			if ch, err = p.conn.Channel(ctx); err != nil {
				p.logger.Warn("failed to open inspect channel", "error", err)
				ch = nil
				continue
			}
		}

		stats, err := mq.InspectQueue(ctx, ch, mq.QueueRef{Name: p.queue, Durable: p.durable})
		if err != nil {
			p.logger.Warn("failed to inspect queue", "queue", p.queue, "error", err)
			// 404 в RabbitMQ закрывает канал; откроем новый на следующем тике
			ch.Close()
			ch = nil
			continue
		}

		p.metrics.SetQueueStats(stats)
		p.logger.Debug("queue stats",
			"queue", stats.Name,
			"ready", stats.Ready,
			"unacked", stats.Unacked,
			"consumers", stats.Consumers,
		)
	}
}
