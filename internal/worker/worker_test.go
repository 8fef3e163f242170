package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/taskq/internal/broker"
	"github.com/shaiso/taskq/internal/broker/embedded"
	"github.com/shaiso/taskq/internal/mq"
	"github.com/shaiso/taskq/internal/telemetry"
)

const (
	testQueue   = "task_queue"
	waitTimeout = 3 * time.Second
	waitTick    = 5 * time.Millisecond
)

// --- helpers ---

type testEnv struct {
	b    *embedded.Broker
	conn broker.Connection
	ref  mq.QueueRef
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	b, err := embedded.New(embedded.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	env := &testEnv{b: b}
	env.conn = env.connect(t)

	ref, err := mq.DeclareQueue(context.Background(), env.channel(t), testQueue, true)
	require.NoError(t, err)
	env.ref = ref

	return env
}

func (e *testEnv) connect(t *testing.T) broker.Connection {
	t.Helper()

	conn, err := e.b.Connect(context.Background())
	require.NoError(t, err)
	return conn
}

func (e *testEnv) channel(t *testing.T) broker.Channel {
	t.Helper()

	ch, err := e.conn.Channel(context.Background())
	require.NoError(t, err)
	return ch
}

func (e *testEnv) publish(t *testing.T, bodies ...string) {
	t.Helper()

	p := mq.NewPublisher(e.channel(t), nil, nil)
	for _, body := range bodies {
		require.NoError(t, p.PublishText(context.Background(), e.ref, body))
	}
}

func (e *testEnv) stats(t *testing.T) broker.QueueStats {
	t.Helper()

	stats, ok := e.b.Stats(testQueue)
	require.True(t, ok)
	return stats
}

func (e *testEnv) newWorker(t *testing.T, conn broker.Connection, exec Executor) *Worker {
	t.Helper()

	ch, err := conn.Channel(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })

	w, err := New(Config{Channel: ch, Queue: e.ref, Executor: exec})
	require.NoError(t, err)
	return w
}

func start(ctx context.Context, w *Worker) <-chan error {
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for worker to stop")
		return nil
	}
}

func taskBodies(from, to int) []string {
	var bodies []string
	for i := from; i <= to; i++ {
		bodies = append(bodies, fmt.Sprintf("task-%d", i))
	}
	return bodies
}

// recorder запоминает обработанные доставки.
type recorder struct {
	mu   sync.Mutex
	seen []broker.Delivery
	next Executor
}

func (r *recorder) Execute(ctx context.Context, d broker.Delivery) error {
	r.mu.Lock()
	r.seen = append(r.seen, d)
	r.mu.Unlock()

	if r.next != nil {
		return r.next.Execute(ctx, d)
	}
	return nil
}

func (r *recorder) deliveries() []broker.Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]broker.Delivery(nil), r.seen...)
}

func (r *recorder) bodies() []string {
	var out []string
	for _, d := range r.deliveries() {
		out = append(out, string(d.Body))
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

// --- State ---

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateProcessing, "processing"},
		{StateAcked, "acked"},
		{StateFailedUnacked, "failed_unacked"},
		{State(42), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateProcessing, true},
		{StateProcessing, StateAcked, true},
		{StateProcessing, StateFailedUnacked, true},
		{StateAcked, StateIdle, true},
		{StateIdle, StateAcked, false},
		{StateAcked, StateFailedUnacked, false},
		{StateFailedUnacked, StateIdle, false},
		{StateFailedUnacked, StateAcked, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}

	assert.True(t, StateFailedUnacked.IsTerminal())
	assert.False(t, StateAcked.IsTerminal())
}

// --- DotExecutor ---

func TestDotExecutor_DurationPerDot(t *testing.T) {
	exec := &DotExecutor{Unit: 20 * time.Millisecond}

	start := time.Now()
	require.NoError(t, exec.Execute(context.Background(), broker.Delivery{Body: []byte("B..")}))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	start = time.Now()
	require.NoError(t, exec.Execute(context.Background(), broker.Delivery{Body: []byte("C")}))
	assert.Less(t, time.Since(start), 20*time.Millisecond)
}

func TestDotExecutor_ContextCancel(t *testing.T) {
	exec := &DotExecutor{Unit: time.Hour}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := exec.Execute(ctx, broker.Delivery{Body: []byte("slow.")})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// --- Worker ---

func TestNew_Validation(t *testing.T) {
	env := newTestEnv(t)
	ch := env.channel(t)
	exec := ExecutorFunc(func(context.Context, broker.Delivery) error { return nil })

	_, err := New(Config{Queue: env.ref, Executor: exec})
	require.ErrorIs(t, err, ErrNoChannel)

	_, err = New(Config{Channel: ch, Queue: env.ref})
	require.ErrorIs(t, err, ErrNoExecutor)

	_, err = New(Config{Channel: ch, Executor: exec})
	require.ErrorIs(t, err, mq.ErrEmptyQueueName)

	w, err := New(Config{Channel: ch, Queue: env.ref, Executor: exec})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, w.State())
	assert.NotEmpty(t, w.ConsumerTag())
}

func TestWorker_ProcessesInOrderAndAcks(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, "A.", "B..", "C")

	rec := &recorder{next: &DotExecutor{Unit: 5 * time.Millisecond}}
	w := env.newWorker(t, env.conn, rec)

	ctx, cancel := context.WithCancel(context.Background())
	begin := time.Now()
	done := start(ctx, w)

	require.Eventually(t, func() bool { return w.Processed() == 3 }, waitTimeout, waitTick)
	assert.GreaterOrEqual(t, time.Since(begin), 3*5*time.Millisecond)

	cancel()
	require.ErrorIs(t, waitErr(t, done), context.Canceled)

	assert.Equal(t, []string{"A.", "B..", "C"}, rec.bodies())
	for _, d := range rec.deliveries() {
		assert.False(t, d.Redelivered)
	}

	stats := env.stats(t)
	assert.Equal(t, 0, stats.Ready)
	assert.Equal(t, 0, stats.Unacked)
}

func TestWorker_FailureLeavesTaskUnacked(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, "task-1")

	reg := prometheus.NewRegistry()
	metrics, err := telemetry.NewMetrics(reg)
	require.NoError(t, err)

	boom := errors.New("boom")
	ch := env.channel(t)
	w, err := New(Config{
		Channel: ch,
		Queue:   env.ref,
		Executor: ExecutorFunc(func(context.Context, broker.Delivery) error {
			return boom
		}),
		Metrics: metrics,
	})
	require.NoError(t, err)

	err = waitErr(t, start(context.Background(), w))
	require.ErrorIs(t, err, ErrTaskExecution)
	require.ErrorIs(t, err, boom)

	assert.Equal(t, StateFailedUnacked, w.State())
	assert.Equal(t, int64(0), w.Processed())

	// Канал закрыт, задача вернулась в очередь
	select {
	case <-ch.NotifyClose():
	default:
		t.Fatal("channel should be closed after failure")
	}
	stats := env.stats(t)
	assert.Equal(t, 1, stats.Ready)
	assert.Equal(t, 0, stats.Unacked)

	count, err := testutil.GatherAndCount(reg, "taskq_task_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Новый воркер получает ту же задачу повторно
	rec := &recorder{}
	next := env.newWorker(t, env.conn, rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, next)
	require.Eventually(t, func() bool { return next.Processed() == 1 }, waitTimeout, waitTick)
	cancel()
	waitErr(t, done)

	got := rec.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, "task-1", string(got[0].Body))
	assert.True(t, got[0].Redelivered)
}

func TestWorker_PanicIsTaskFailure(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, "task-1")

	w := env.newWorker(t, env.conn, ExecutorFunc(func(context.Context, broker.Delivery) error {
		panic("unexpected")
	}))

	err := waitErr(t, start(context.Background(), w))
	require.ErrorIs(t, err, ErrTaskExecution)
	assert.Contains(t, err.Error(), "unexpected")
	assert.Equal(t, StateFailedUnacked, w.State())

	assert.Equal(t, 1, env.stats(t).Ready)
}

func TestWorker_KilledMidTaskRedeliversInOrder(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, taskBodies(1, 10)...)

	started := make(chan struct{})
	rec := &recorder{next: ExecutorFunc(func(ctx context.Context, d broker.Delivery) error {
		if string(d.Body) == "task-5" {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})}

	// Первый воркер на отдельном соединении: «убиваем» его посреди task-5
	conn := env.connect(t)
	first := env.newWorker(t, conn, rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, first)

	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("task-5 was not delivered")
	}
	assert.Equal(t, int64(4), first.Processed())
	assert.Equal(t, StateProcessing, first.State())

	require.NoError(t, conn.Close())
	cancel()
	waitErr(t, done)

	// Второй воркер забирает остаток, начиная с task-5
	rest := &recorder{}
	second := env.newWorker(t, env.conn, rest)

	ctx2, cancel2 := context.WithCancel(context.Background())
	done2 := start(ctx2, second)
	require.Eventually(t, func() bool { return second.Processed() == 6 }, waitTimeout, waitTick)
	cancel2()
	waitErr(t, done2)

	assert.Equal(t, taskBodies(5, 10), rest.bodies())

	got := rest.deliveries()
	assert.True(t, got[0].Redelivered, "task-5 must be flagged as redelivered")
	for _, d := range got[1:] {
		assert.False(t, d.Redelivered, string(d.Body))
	}

	stats := env.stats(t)
	assert.Equal(t, 0, stats.Ready)
	assert.Equal(t, 0, stats.Unacked)
}

func TestWorker_FairDispatch(t *testing.T) {
	env := newTestEnv(t)

	release := make(chan struct{})
	rec := &recorder{next: ExecutorFunc(func(ctx context.Context, d broker.Delivery) error {
		if string(d.Body) == "heavy" {
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w1 := env.newWorker(t, env.conn, rec)
	w2 := env.newWorker(t, env.conn, rec)
	done1 := start(ctx, w1)
	done2 := start(ctx, w2)

	require.Eventually(t, func() bool { return env.stats(t).Consumers == 2 }, waitTimeout, waitTick)

	env.publish(t, "heavy", "light-1", "light-2", "light-3")

	// Занятый воркер не получает новых задач: все лёгкие уходят свободному
	require.Eventually(t, func() bool { return rec.count() == 4 }, waitTimeout, waitTick)

	channels := make(map[string]string)
	for _, d := range rec.deliveries() {
		channels[string(d.Body)] = d.ChannelID
	}
	assert.Equal(t, channels["light-1"], channels["light-2"])
	assert.Equal(t, channels["light-1"], channels["light-3"])
	assert.NotEqual(t, channels["heavy"], channels["light-1"])

	// В работе остаётся только тяжёлая задача
	require.Eventually(t, func() bool {
		stats := env.stats(t)
		return stats.Ready == 0 && stats.Unacked == 1
	}, waitTimeout, waitTick)

	close(release)
	require.Eventually(t, func() bool { return w1.Processed()+w2.Processed() == 4 }, waitTimeout, waitTick)

	cancel()
	waitErr(t, done1)
	waitErr(t, done2)
}

func TestWorker_EachWorkerGetsOneBeforeSecond(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, taskBodies(1, 5)...)

	// Каждый воркер держит первую задачу, пока оба не получили по одной
	var firstRound sync.WaitGroup
	firstRound.Add(2)
	var seen sync.Map
	rec := &recorder{next: ExecutorFunc(func(ctx context.Context, d broker.Delivery) error {
		if _, loaded := seen.LoadOrStore(d.ChannelID, true); !loaded {
			firstRound.Done()
		}
		firstRound.Wait()
		return nil
	})}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w1 := env.newWorker(t, env.conn, rec)
	w2 := env.newWorker(t, env.conn, rec)
	done1 := start(ctx, w1)
	done2 := start(ctx, w2)

	require.Eventually(t, func() bool { return w1.Processed()+w2.Processed() == 5 }, waitTimeout, waitTick)

	got := rec.deliveries()
	require.Len(t, got, 5)
	assert.NotEqual(t, got[0].ChannelID, got[1].ChannelID)
	assert.ElementsMatch(t, []string{"task-1", "task-2"}, []string{string(got[0].Body), string(got[1].Body)})

	cancel()
	waitErr(t, done1)
	waitErr(t, done2)
}

func TestWorker_BrokerRestartStopsWorker(t *testing.T) {
	env := newTestEnv(t)
	w := env.newWorker(t, env.conn, &recorder{})

	done := start(context.Background(), w)
	require.Eventually(t, func() bool { return env.stats(t).Consumers == 1 }, waitTimeout, waitTick)

	require.NoError(t, env.b.Restart())

	err := waitErr(t, done)
	require.ErrorIs(t, err, broker.ErrConnection)
	assert.False(t, IsRestartable(err))
}

func TestWorker_AckFailureReleasesInFlight(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, "task-1")

	reg := prometheus.NewRegistry()
	metrics, err := telemetry.NewMetrics(reg)
	require.NoError(t, err)

	// Соединение рвётся во время задачи: ack уже некуда отправить
	conn := env.connect(t)
	ch, err := conn.Channel(context.Background())
	require.NoError(t, err)

	w, err := New(Config{
		Channel: ch,
		Queue:   env.ref,
		Executor: ExecutorFunc(func(context.Context, broker.Delivery) error {
			return conn.Close()
		}),
		Metrics: metrics,
	})
	require.NoError(t, err)

	err = waitErr(t, start(context.Background(), w))
	require.ErrorIs(t, err, broker.ErrChannelClosed)
	assert.True(t, IsRestartable(err))
	assert.Equal(t, 1, strings.Count(err.Error(), "ack delivery"))
	assert.Equal(t, int64(0), w.Processed())

	stats := env.stats(t)
	assert.Equal(t, 1, stats.Ready)
	assert.Equal(t, 0, stats.Unacked)

	expected := `
# HELP taskq_worker_in_flight Deliveries received but not yet acknowledged
# TYPE taskq_worker_in_flight gauge
taskq_worker_in_flight{queue="task_queue"} 0
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "taskq_worker_in_flight"))
}

func TestWorker_RunClosesChannel(t *testing.T) {
	env := newTestEnv(t)

	ch := env.channel(t)
	w, err := New(Config{Channel: ch, Queue: env.ref, Executor: &recorder{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, w)
	require.Eventually(t, func() bool { return env.stats(t).Consumers == 1 }, waitTimeout, waitTick)

	cancel()
	require.ErrorIs(t, waitErr(t, done), context.Canceled)

	select {
	case <-ch.NotifyClose():
	default:
		t.Fatal("channel should be closed after Run returns")
	}
	assert.Equal(t, 0, env.stats(t).Consumers)
}

func TestIsRestartable(t *testing.T) {
	assert.True(t, IsRestartable(fmt.Errorf("x: %w", ErrTaskExecution)))
	assert.True(t, IsRestartable(fmt.Errorf("x: %w", broker.ErrProtocolViolation)))
	assert.True(t, IsRestartable(broker.ErrChannelClosed))
	assert.False(t, IsRestartable(broker.ErrConnection))
	assert.False(t, IsRestartable(broker.ErrQueueNotFound))
	assert.False(t, IsRestartable(context.Canceled))
}

// --- Pool ---

func TestPool_ProcessesAll(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, taskBodies(1, 20)...)

	var processed atomic.Int64
	pool := NewPool(PoolConfig{
		Conn:            env.conn,
		Queue:           testQueue,
		Durable:         true,
		Concurrency:     3,
		InspectInterval: 10 * time.Millisecond,
		Executor: ExecutorFunc(func(context.Context, broker.Delivery) error {
			processed.Add(1)
			return nil
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool { return processed.Load() == 20 }, waitTimeout, waitTick)
	require.Eventually(t, func() bool { return env.stats(t).Unacked == 0 }, waitTimeout, waitTick)

	cancel()
	require.NoError(t, waitErr(t, done))

	assert.Equal(t, 0, env.stats(t).Ready)
	assert.Equal(t, int64(0), pool.Restarts())
}

func TestPool_RestartsAfterTaskFailure(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, "flaky", "steady")

	var failed atomic.Bool
	rec := &recorder{next: ExecutorFunc(func(_ context.Context, d broker.Delivery) error {
		if string(d.Body) == "flaky" && failed.CompareAndSwap(false, true) {
			return errors.New("transient")
		}
		return nil
	})}

	pool := NewPool(PoolConfig{
		Conn:         env.conn,
		Queue:        testQueue,
		Durable:      true,
		RestartDelay: 10 * time.Millisecond,
		Executor:     rec,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool { return rec.count() == 3 }, waitTimeout, waitTick)
	require.Eventually(t, func() bool { return env.stats(t).Unacked == 0 }, waitTimeout, waitTick)

	cancel()
	require.NoError(t, waitErr(t, done))

	assert.Equal(t, []string{"flaky", "flaky", "steady"}, rec.bodies())
	assert.True(t, rec.deliveries()[1].Redelivered)
	assert.Equal(t, int64(1), pool.Restarts())
}

func TestPool_ConnectionErrorIsFatal(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.conn.Close())

	pool := NewPool(PoolConfig{
		Conn:     env.conn,
		Queue:    testQueue,
		Executor: &recorder{},
	})

	err := pool.Run(context.Background())
	require.ErrorIs(t, err, broker.ErrConnection)
}

func TestPool_Validation(t *testing.T) {
	err := NewPool(PoolConfig{Executor: &recorder{}}).Run(context.Background())
	require.ErrorIs(t, err, ErrNoConnection)

	env := newTestEnv(t)
	err = NewPool(PoolConfig{Conn: env.conn}).Run(context.Background())
	require.ErrorIs(t, err, ErrNoExecutor)
}
