package mq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shaiso/taskq/internal/broker"
	"github.com/shaiso/taskq/internal/telemetry"
)

// DispatchChannel — канал одного воркера с лимитом справедливости (prefetch).
//
// Брокер не держит на канале больше Limit() неподтверждённых доставок.
// С лимитом 1 следующая задача не уходит воркеру, пока он не подтвердит
// текущую, и достаётся свободному воркеру. Большие значения обменивают
// справедливость на пропускную способность.
//
// Подтверждать доставку можно только на том канале, где она получена.
// Любое нарушение (чужой канал, повторный ack) фатально для канала:
// он закрывается, все его неподтверждённые доставки возвращаются в очередь.
type DispatchChannel struct {
	ch      broker.Channel
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu          sync.Mutex
	limit       int
	consuming   bool
	outstanding map[uint64]string // tag → queue
}

// NewDispatchChannel создаёт DispatchChannel поверх открытого канала.
func NewDispatchChannel(ch broker.Channel, logger *slog.Logger, metrics *telemetry.Metrics) *DispatchChannel {
	if logger == nil {
		logger = slog.Default()
	}

	return &DispatchChannel{
		ch:          ch,
		logger:      logger.With("channel_id", ch.ID()),
		metrics:     metrics,
		outstanding: make(map[uint64]string),
	}
}

// ID возвращает идентификатор канала.
func (d *DispatchChannel) ID() string {
	return d.ch.ID()
}

// SetFairnessLimit задаёт максимум неподтверждённых доставок на канал.
// Вызывается до Consume; повторная настройка в процессе потребления запрещена.
func (d *DispatchChannel) SetFairnessLimit(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidFairnessLimit, n)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.consuming {
		return ErrAlreadyConsuming
	}

	if err := d.ch.SetPrefetch(n); err != nil {
		return fmt.Errorf("set fairness limit: %w", err)
	}

	d.limit = n
	return nil
}

// Limit возвращает текущий лимит (0 — не задан).
func (d *DispatchChannel) Limit() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.limit
}

// Consume подписывается на очередь. Доставки приходят в порядке,
// в котором брокер отправил их в этот канал.
func (d *DispatchChannel) Consume(ctx context.Context, ref QueueRef, consumerTag string) (<-chan broker.Delivery, error) {
	d.mu.Lock()
	if d.limit == 0 {
		d.mu.Unlock()
		return nil, ErrFairnessLimitNotSet
	}
	d.mu.Unlock()

	raw, err := d.ch.Consume(ctx, ref.Name, consumerTag)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", ref.Name, err)
	}

	d.mu.Lock()
	d.consuming = true
	d.mu.Unlock()

	out := make(chan broker.Delivery)
	go d.forward(ctx, raw, out)

	d.logger.Info("consumer started", "prefetch", d.Limit())

	return out, nil
}

// forward запоминает каждую доставку как outstanding и передаёт дальше.
func (d *DispatchChannel) forward(ctx context.Context, raw <-chan broker.Delivery, out chan<- broker.Delivery) {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return
		case del, ok := <-raw:
			if !ok {
				return
			}

			d.mu.Lock()
			d.outstanding[del.Tag] = del.Queue
			d.mu.Unlock()

			d.metrics.DeliveryReceived(del.Queue, del.Redelivered)

			select {
			case out <- del:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Ack подтверждает ровно одну доставку.
func (d *DispatchChannel) Ack(del broker.Delivery) error {
	return d.ack(del, false)
}

// AckMultiple подтверждает все outstanding доставки до del.Tag включительно.
func (d *DispatchChannel) AckMultiple(del broker.Delivery) error {
	return d.ack(del, true)
}

func (d *DispatchChannel) ack(del broker.Delivery, multiple bool) error {
	if del.ChannelID != d.ch.ID() {
		return d.violation(fmt.Errorf("%w: delivery %d belongs to channel %s",
			broker.ErrProtocolViolation, del.Tag, del.ChannelID))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.outstanding[del.Tag]; !ok {
		return d.violationLocked(fmt.Errorf("%w: delivery %d is not outstanding",
			broker.ErrProtocolViolation, del.Tag))
	}

	if err := d.ch.Ack(del.Tag, multiple); err != nil {
		// Канал уже не принимает ack: брокер вернёт всё неподтверждённое
		d.abandonLocked()
		return fmt.Errorf("ack delivery %d: %w", del.Tag, err)
	}

	acked := make(map[string]int)
	if multiple {
		for tag, queue := range d.outstanding {
			if tag <= del.Tag {
				acked[queue]++
				delete(d.outstanding, tag)
			}
		}
	} else {
		acked[d.outstanding[del.Tag]]++
		delete(d.outstanding, del.Tag)
	}

	for queue, n := range acked {
		d.metrics.DeliveriesAcked(queue, n)
	}

	return nil
}

func (d *DispatchChannel) violation(err error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.violationLocked(err)
}

// violationLocked закрывает канал после нарушения протокола.
func (d *DispatchChannel) violationLocked(err error) error {
	d.metrics.ProtocolViolation()
	d.logger.Error("protocol violation, closing channel", "error", err)

	d.abandonLocked()
	if closeErr := d.ch.Close(); closeErr != nil {
		d.logger.Warn("failed to close channel", "error", closeErr)
	}

	return err
}

// abandonLocked забывает outstanding доставки: брокер вернёт их в очередь.
func (d *DispatchChannel) abandonLocked() {
	abandoned := make(map[string]int)
	for tag, queue := range d.outstanding {
		abandoned[queue]++
		delete(d.outstanding, tag)
	}
	for queue, n := range abandoned {
		d.metrics.DeliveriesAbandoned(queue, n)
	}
}

// Outstanding возвращает число полученных, но не подтверждённых доставок.
func (d *DispatchChannel) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.outstanding)
}

// Done закрывается при закрытии канала.
func (d *DispatchChannel) Done() <-chan struct{} {
	return d.ch.NotifyClose()
}

// Err возвращает причину закрытия канала.
func (d *DispatchChannel) Err() error {
	return d.ch.Err()
}

// Close закрывает канал. Неподтверждённые доставки брокер вернёт в очередь.
func (d *DispatchChannel) Close() error {
	d.mu.Lock()
	d.abandonLocked()
	d.mu.Unlock()

	return d.ch.Close()
}
