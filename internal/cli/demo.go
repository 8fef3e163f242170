package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shaiso/taskq/internal/broker"
	"github.com/shaiso/taskq/internal/broker/embedded"
	"github.com/shaiso/taskq/internal/mq"
	"github.com/shaiso/taskq/internal/worker"
)

const (
	demoQueue        = "task_queue"
	demoRestartDelay = 10 * time.Millisecond
	demoPollInterval = 10 * time.Millisecond
)

var errDemoFailure = errors.New("simulated failure")

// DemoOptions — параметры демонстрации.
type DemoOptions struct {
	Workers  int
	Tasks    int
	Prefetch int

	// DotUnit — длительность одной точки в теле задачи.
	DotUnit time.Duration

	// FailEvery — первая доставка каждой FailEvery-й задачи падает (0 — без сбоев).
	FailEvery int

	Logger *slog.Logger
}

// DemoReceipt — одна доставка, как её увидел воркер.
type DemoReceipt struct {
	Worker      string `json:"worker"`
	Task        string `json:"task"`
	Redelivered bool   `json:"redelivered"`
	Failed      bool   `json:"failed"`
}

// DemoResult — итог демонстрации.
type DemoResult struct {
	Receipts []DemoReceipt `json:"receipts"`
	Restarts int64         `json:"restarts"`
	Elapsed  time.Duration `json:"elapsed_ns"`
}

// RunDemo поднимает встроенный брокер, публикует задачи "task-N." с 1–3 точками
// и обрабатывает их пулом воркеров до опустошения очереди.
func RunDemo(ctx context.Context, opts DemoOptions) (*DemoResult, error) {
	if opts.Workers <= 0 || opts.Tasks <= 0 {
		return nil, fmt.Errorf("workers and tasks must be positive")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b, err := embedded.New(embedded.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	defer b.Close()

	conn, err := b.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ch, err := conn.Channel(ctx)
	if err != nil {
		return nil, err
	}

	ref, err := mq.DeclareQueue(ctx, ch, demoQueue, true)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, opts.Tasks)
	pub := mq.NewPublisher(ch, logger, nil)
	for i := 1; i <= opts.Tasks; i++ {
		body := fmt.Sprintf("task-%d%s", i, strings.Repeat(".", (i-1)%3+1))
		index[body] = i
		if err := pub.PublishText(ctx, ref, body); err != nil {
			return nil, err
		}
	}

	rec := &demoRecorder{labels: make(map[string]string)}
	dots := &worker.DotExecutor{Unit: opts.DotUnit}

	exec := worker.ExecutorFunc(func(ctx context.Context, d broker.Delivery) error {
		fail := opts.FailEvery > 0 && !d.Redelivered && index[string(d.Body)]%opts.FailEvery == 0
		rec.record(d, fail)
		if fail {
			return errDemoFailure
		}
		return dots.Execute(ctx, d)
	})

	pool := worker.NewPool(worker.PoolConfig{
		Conn:         conn,
		Queue:        demoQueue,
		Durable:      true,
		Concurrency:  opts.Workers,
		Prefetch:     opts.Prefetch,
		Executor:     exec,
		RestartDelay: demoRestartDelay,
		Logger:       logger,
	})

	start := time.Now()
	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(poolCtx) }()

	ticker := time.NewTicker(demoPollInterval)
	defer ticker.Stop()

	for drained := false; !drained; {
		select {
		case <-ctx.Done():
			cancel()
			<-errCh
			return nil, ctx.Err()
		case err := <-errCh:
			if err == nil {
				err = errors.New("worker pool stopped early")
			}
			return nil, err
		case <-ticker.C:
			stats, _ := b.Stats(demoQueue)
			drained = stats.Ready == 0 && stats.Unacked == 0 && rec.succeeded() == opts.Tasks
		}
	}

	cancel()
	if err := <-errCh; err != nil {
		return nil, err
	}

	return &DemoResult{
		Receipts: rec.receipts(),
		Restarts: pool.Restarts(),
		Elapsed:  time.Since(start),
	}, nil
}

// demoRecorder раздаёт каналам имена worker-1, worker-2, ... в порядке первой доставки.
type demoRecorder struct {
	mu     sync.Mutex
	labels map[string]string
	list   []DemoReceipt
	ok     int
}

func (r *demoRecorder) record(d broker.Delivery, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	label, found := r.labels[d.ChannelID]
	if !found {
		label = fmt.Sprintf("worker-%d", len(r.labels)+1)
		r.labels[d.ChannelID] = label
	}

	r.list = append(r.list, DemoReceipt{
		Worker:      label,
		Task:        string(d.Body),
		Redelivered: d.Redelivered,
		Failed:      failed,
	})
	if !failed {
		r.ok++
	}
}

func (r *demoRecorder) succeeded() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ok
}

func (r *demoRecorder) receipts() []DemoReceipt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DemoReceipt(nil), r.list...)
}
