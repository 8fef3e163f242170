package embedded

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/shaiso/taskq/internal/broker"
)

// Connection — соединение со встроенным брокером.
type Connection struct {
	b *Broker

	// Поля ниже защищены b.mu
	channels map[*Channel]struct{}
	closed   bool
	err      error
	done     chan struct{}
}

var _ broker.Connection = (*Connection)(nil)

// Channel открывает новый канал.
func (c *Connection) Channel(ctx context.Context) (broker.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		if c.err != nil {
			return nil, fmt.Errorf("open channel: %w", c.err)
		}
		return nil, fmt.Errorf("open channel: %w: connection closed", broker.ErrConnection)
	}

	ch := &Channel{
		id:   uuid.NewString(),
		conn: c,
		b:    c.b,
		done: make(chan struct{}),
	}
	c.channels[ch] = struct{}{}

	return ch, nil
}

// Done закрывается при закрытии соединения.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err возвращает причину закрытия соединения (nil при штатном закрытии).
func (c *Connection) Err() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.err
}

// Close закрывает соединение: все неподтверждённые доставки возвращаются в очереди.
func (c *Connection) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	c.closeLocked(nil)
	return nil
}

func (c *Connection) closeLocked(cause error) {
	if c.closed {
		return
	}
	c.closed = true
	c.err = cause

	for ch := range c.channels {
		ch.closeLocked(cause)
	}

	delete(c.b.conns, c)
	close(c.done)
}

// Channel — канал встроенного брокера.
//
// Держит собственную нумерацию delivery tag (с 1) и список
// неподтверждённых доставок в порядке tag.
type Channel struct {
	id   string
	conn *Connection
	b    *Broker

	// Поля ниже защищены b.mu
	prefetch  int
	nextTag   uint64
	unacked   []*inflight
	consumers []*consumer
	closed    bool
	err       error
	done      chan struct{}
}

var _ broker.Channel = (*Channel)(nil)

// ID возвращает идентификатор канала.
func (ch *Channel) ID() string {
	return ch.id
}

// canAccept — можно ли доставить ещё одно сообщение (prefetch 0 — без лимита).
func (ch *Channel) canAccept() bool {
	return !ch.closed && (ch.prefetch == 0 || len(ch.unacked) < ch.prefetch)
}

// checkLocked возвращает ошибку, если канал закрыт.
func (ch *Channel) checkLocked() error {
	if !ch.closed {
		return nil
	}
	if ch.err != nil {
		return ch.err
	}
	return broker.ErrChannelClosed
}

// DeclareQueue объявляет очередь. Несовпадение durable закрывает канал,
// как это делает RabbitMQ.
func (ch *Channel) DeclareQueue(_ context.Context, name string, durable bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if err := ch.checkLocked(); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}

	if err := ch.b.declareLocked(name, durable); err != nil {
		if errors.Is(err, broker.ErrIncompatibleDeclaration) {
			ch.closeLocked(err)
		}
		return err
	}

	return nil
}

// Publish публикует сообщение в очередь.
func (ch *Channel) Publish(ctx context.Context, queue string, msg broker.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if err := ch.checkLocked(); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}

	return ch.b.publishLocked(queue, msg)
}

// SetPrefetch устанавливает лимит неподтверждённых доставок.
func (ch *Channel) SetPrefetch(n int) error {
	if n < 0 {
		return fmt.Errorf("set qos: negative prefetch %d", n)
	}

	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if err := ch.checkLocked(); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	ch.prefetch = n
	ch.b.dispatchAllLocked()

	return nil
}

// Consume подписывается на очередь.
// Отмена ctx снимает подписку; уже доставленное остаётся неподтверждённым.
func (ch *Channel) Consume(ctx context.Context, queue, consumerTag string) (<-chan broker.Delivery, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if err := ch.checkLocked(); err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}

	q, ok := ch.b.queues[queue]
	if !ok {
		err := fmt.Errorf("consume %s: %w", queue, broker.ErrQueueNotFound)
		ch.closeLocked(err)
		return nil, err
	}

	if consumerTag == "" {
		consumerTag = "ctag-" + uuid.NewString()
	}

	c := &consumer{
		tag:    consumerTag,
		ch:     ch,
		q:      q,
		notify: make(chan struct{}, 1),
		out:    make(chan broker.Delivery),
	}
	ch.consumers = append(ch.consumers, c)
	q.consumers = append(q.consumers, c)

	go c.pump(ctx)

	ch.b.dispatchLocked(q)

	return c.out, nil
}

// Ack подтверждает доставку. Неизвестный tag (повторный ack, чужой канал)
// — нарушение протокола: канал закрывается, его доставки возвращаются в очередь.
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if err := ch.checkLocked(); err != nil {
		return fmt.Errorf("ack: %w", err)
	}

	i := sort.Search(len(ch.unacked), func(i int) bool {
		return ch.unacked[i].tag >= tag
	})
	if i == len(ch.unacked) || ch.unacked[i].tag != tag {
		err := fmt.Errorf("%w: unknown delivery tag %d", broker.ErrProtocolViolation, tag)
		ch.closeLocked(err)
		return err
	}

	from := i
	if multiple {
		from = 0
	}

	var storeErr error
	for _, f := range ch.unacked[from : i+1] {
		if err := ch.b.ackedLocked(f); err != nil && storeErr == nil {
			storeErr = err
		}
	}
	ch.unacked = append(ch.unacked[:from], ch.unacked[i+1:]...)

	ch.b.dispatchAllLocked()

	if storeErr != nil {
		return fmt.Errorf("ack: %w", storeErr)
	}
	return nil
}

// InspectQueue возвращает состояние очереди.
func (ch *Channel) InspectQueue(_ context.Context, name string) (broker.QueueStats, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if err := ch.checkLocked(); err != nil {
		return broker.QueueStats{}, fmt.Errorf("inspect queue %s: %w", name, err)
	}

	q, ok := ch.b.queues[name]
	if !ok {
		return broker.QueueStats{}, fmt.Errorf("inspect queue %s: %w", name, broker.ErrQueueNotFound)
	}

	return q.stats(), nil
}

// NotifyClose закрывается при закрытии канала.
func (ch *Channel) NotifyClose() <-chan struct{} {
	return ch.done
}

// Err возвращает причину закрытия канала.
func (ch *Channel) Err() error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	return ch.err
}

// Close закрывает канал штатно.
func (ch *Channel) Close() error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	ch.closeLocked(nil)
	return nil
}

// closeLocked закрывает канал: снимает подписки и возвращает
// все неподтверждённые доставки в очереди с redelivered=true.
func (ch *Channel) closeLocked(cause error) {
	if ch.closed {
		return
	}
	ch.closed = true
	ch.err = cause

	for _, c := range ch.consumers {
		c.q.removeConsumer(c)
	}
	ch.consumers = nil

	for _, f := range ch.unacked {
		ch.b.requeueLocked(f)
	}
	ch.unacked = nil

	delete(ch.conn.channels, ch)
	close(ch.done)

	if cause != nil {
		ch.b.logger.Warn("channel closed", "channel_id", ch.id, "error", cause)
	}

	ch.b.dispatchAllLocked()
}

// consumer — подписка канала на очередь.
type consumer struct {
	tag string
	ch  *Channel
	q   *queue

	// buf защищён b.mu
	buf    []broker.Delivery
	notify chan struct{}
	out    chan broker.Delivery
}

// push регистрирует доставку на канале и ставит её в буфер подписчика.
func (c *consumer) push(q *queue, msg *message) {
	ch := c.ch
	ch.nextTag++
	tag := ch.nextTag

	ch.unacked = append(ch.unacked, &inflight{tag: tag, msg: msg, q: q})
	q.unacked++

	c.buf = append(c.buf, broker.Delivery{
		Tag:         tag,
		Redelivered: msg.redelivered,
		Body:        msg.body,
		MessageID:   msg.id,
		Queue:       q.name,
		ChannelID:   ch.id,
	})

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// pump отдаёт буфер в out, не держа мьютекс брокера во время отправки.
func (c *consumer) pump(ctx context.Context) {
	defer close(c.out)

	b := c.ch.b
	for {
		b.mu.Lock()
		if len(c.buf) == 0 {
			b.mu.Unlock()

			select {
			case <-c.notify:
				continue
			case <-c.ch.done:
				return
			case <-ctx.Done():
				c.cancel()
				return
			}
		}

		d := c.buf[0]
		c.buf = c.buf[1:]
		b.mu.Unlock()

		select {
		case c.out <- d:
		case <-c.ch.done:
			return
		case <-ctx.Done():
			c.cancel()
			return
		}
	}
}

// cancel снимает подписку (basic.cancel).
func (c *consumer) cancel() {
	b := c.ch.b
	b.mu.Lock()
	defer b.mu.Unlock()

	c.q.removeConsumer(c)
	for i, cur := range c.ch.consumers {
		if cur == c {
			c.ch.consumers = append(c.ch.consumers[:i], c.ch.consumers[i+1:]...)
			break
		}
	}
	c.buf = nil
}
