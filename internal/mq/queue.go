package mq

import (
	"context"
	"fmt"

	"github.com/shaiso/taskq/internal/broker"
)

// QueueRef — ссылка на объявленную очередь.
// Производители и потребители ссылаются на очередь по имени,
// владеет очередью брокер.
type QueueRef struct {
	// Name — имя очереди.
	Name string

	// Durable — очередь переживает рестарт брокера.
	Durable bool
}

// String возвращает имя очереди.
func (r QueueRef) String() string {
	return r.Name
}

// DeclareQueue объявляет очередь на канале.
//
// Идемпотентно: повторное объявление с теми же параметрами — no-op.
// Очередь с тем же именем и другой durability — broker.ErrIncompatibleDeclaration;
// существующая очередь никогда не пересоздаётся.
//
// Durable очередь переживает рестарт брокера вместе с persistent сообщениями.
// Transient очередь и всё её содержимое теряются при рестарте — это
// документированное свойство, а не ошибка.
func DeclareQueue(ctx context.Context, ch broker.Channel, name string, durable bool) (QueueRef, error) {
	if name == "" {
		return QueueRef{}, ErrEmptyQueueName
	}

	if err := ch.DeclareQueue(ctx, name, durable); err != nil {
		return QueueRef{}, fmt.Errorf("declare queue %s: %w", name, err)
	}

	return QueueRef{Name: name, Durable: durable}, nil
}

// InspectQueue возвращает backlog очереди: ready, unacked, consumers.
func InspectQueue(ctx context.Context, ch broker.Channel, ref QueueRef) (broker.QueueStats, error) {
	stats, err := ch.InspectQueue(ctx, ref.Name)
	if err != nil {
		return broker.QueueStats{}, err
	}
	if stats.Name == "" {
		stats.Name = ref.Name
	}
	return stats, nil
}
