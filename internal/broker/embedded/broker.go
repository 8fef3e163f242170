package embedded

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cockroachdb/pebble/vfs"

	"github.com/shaiso/taskq/internal/broker"
)

const defaultDataDir = "taskq-data"

// Options — настройки встроенного брокера.
type Options struct {
	// DataDir — каталог Pebble. Если пусто — хранилище в памяти
	// (переживает Restart, но не перезапуск процесса).
	DataDir string

	// FS — файловая система для Pebble (опционально).
	// По умолчанию vfs.Default для DataDir и vfs.NewMem() без него.
	FS vfs.FS

	// Logger (опционально).
	Logger *slog.Logger
}

// Broker — брокер внутри процесса.
//
// Все мутации очередей сериализованы одним мьютексом: издатели
// и воркеры никогда не координируются напрямую.
type Broker struct {
	dir    string
	fs     vfs.FS
	logger *slog.Logger

	mu     sync.Mutex
	store  *store
	queues map[string]*queue
	conns  map[*Connection]struct{}
	seq    uint64
	closed bool
}

// New открывает хранилище и восстанавливает durable состояние.
func New(opts Options) (*Broker, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dir := opts.DataDir
	fs := opts.FS
	if fs == nil {
		if dir == "" {
			fs = vfs.NewMem()
		} else {
			fs = vfs.Default
		}
	}
	if dir == "" {
		dir = defaultDataDir
	}

	b := &Broker{
		dir:    dir,
		fs:     fs,
		logger: logger,
		conns:  make(map[*Connection]struct{}),
	}

	if err := b.open(); err != nil {
		return nil, err
	}

	return b, nil
}

// open открывает хранилище и загружает из него очереди. Вызывается под mu
// (или до публикации Broker).
func (b *Broker) open() error {
	st, err := openStore(b.dir, b.fs)
	if err != nil {
		return err
	}

	queues, seq, err := st.load()
	if err != nil {
		st.close()
		return err
	}

	b.store = st
	b.queues = queues
	b.seq = seq

	b.logger.Info("embedded broker started",
		"data_dir", b.dir,
		"queues", len(queues),
	)

	return nil
}

// Connect открывает соединение.
func (b *Broker) Connect(ctx context.Context) (broker.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("%w: broker is closed", broker.ErrConnection)
	}

	conn := &Connection{
		b:        b,
		channels: make(map[*Channel]struct{}),
		done:     make(chan struct{}),
	}
	b.conns[conn] = struct{}{}

	return conn, nil
}

// Restart имитирует перезапуск брокера: все соединения рвутся,
// transient очереди и non-persistent сообщения теряются,
// durable состояние перечитывается из хранилища.
func (b *Broker) Restart() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New("broker is closed")
	}

	b.dropConnsLocked(fmt.Errorf("%w: broker restarted", broker.ErrConnection))

	if err := b.store.close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}

	if err := b.open(); err != nil {
		b.closed = true
		return fmt.Errorf("reopen store: %w", err)
	}

	b.logger.Info("embedded broker restarted")
	return nil
}

// Close рвёт все соединения и закрывает хранилище.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	b.dropConnsLocked(fmt.Errorf("%w: broker closed", broker.ErrConnection))

	if err := b.store.close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}

	return nil
}

func (b *Broker) dropConnsLocked(cause error) {
	for conn := range b.conns {
		conn.closeLocked(cause)
	}
}

// dispatchLocked раздаёт ready-сообщения очереди подписчикам,
// пока есть сообщения и есть подписчики со свободным prefetch.
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 {
		c := q.pick()
		if c == nil {
			return
		}

		msg := q.ready[0]
		q.ready[0] = nil
		q.ready = q.ready[1:]

		c.push(q, msg)
	}
}

func (b *Broker) dispatchAllLocked() {
	for _, q := range b.queues {
		b.dispatchLocked(q)
	}
}

// declareLocked объявляет очередь.
func (b *Broker) declareLocked(name string, durable bool) error {
	if q, ok := b.queues[name]; ok {
		if q.durable != durable {
			return fmt.Errorf("%w: queue %s: durable=%t, requested durable=%t",
				broker.ErrIncompatibleDeclaration, name, q.durable, durable)
		}
		return nil
	}

	if durable {
		if err := b.store.putQueue(name); err != nil {
			return err
		}
	}

	b.queues[name] = newQueue(name, durable)
	b.logger.Debug("queue declared", "queue", name, "durable", durable)

	return nil
}

// publishLocked кладёт сообщение в очередь. Нет очереди — сообщение теряется.
func (b *Broker) publishLocked(name string, msg broker.Message) error {
	q, ok := b.queues[name]
	if !ok {
		b.logger.Debug("message dropped: no such queue", "queue", name, "message_id", msg.MessageID)
		return nil
	}

	b.seq++
	m := &message{
		seq:         b.seq,
		id:          msg.MessageID,
		body:        append([]byte(nil), msg.Body...),
		contentType: msg.ContentType,
		persistent:  msg.Persistent,
	}

	if q.stored(m) {
		if err := b.store.putMessage(q.name, m); err != nil {
			return err
		}
	}

	q.ready = append(q.ready, m)
	b.dispatchLocked(q)

	return nil
}

// ackedLocked удаляет подтверждённое сообщение навсегда.
func (b *Broker) ackedLocked(f *inflight) error {
	f.q.unacked--
	if f.q.stored(f.msg) {
		return b.store.deleteMessage(f.q.name, f.msg.seq)
	}
	return nil
}

// requeueLocked возвращает неподтверждённое сообщение в очередь.
func (b *Broker) requeueLocked(f *inflight) {
	f.q.unacked--
	f.msg.redelivered = true

	if f.q.stored(f.msg) {
		if err := b.store.putMessage(f.q.name, f.msg); err != nil {
			b.logger.Warn("failed to persist redelivered flag",
				"queue", f.q.name,
				"error", err,
			)
		}
	}

	f.q.requeue(f.msg)
}

// Stats возвращает состояние очереди.
func (b *Broker) Stats(name string) (broker.QueueStats, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return broker.QueueStats{}, false
	}
	return q.stats(), true
}
