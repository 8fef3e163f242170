package embedded

import (
	"sort"

	"github.com/shaiso/taskq/internal/broker"
)

// message — задача внутри брокера.
type message struct {
	seq         uint64
	id          string
	body        []byte
	contentType string
	persistent  bool
	redelivered bool
}

// queue — очередь: ready-сообщения в порядке seq и подписчики.
type queue struct {
	name    string
	durable bool

	ready   []*message
	unacked int

	consumers []*consumer
	next      int // индекс round-robin
}

func newQueue(name string, durable bool) *queue {
	return &queue{name: name, durable: durable}
}

// stored — true, если сообщение должно лежать в хранилище.
func (q *queue) stored(m *message) bool {
	return q.durable && m.persistent
}

// requeue возвращает сообщение на его исходное место (по seq).
func (q *queue) requeue(m *message) {
	i := sort.Search(len(q.ready), func(i int) bool {
		return q.ready[i].seq > m.seq
	})
	q.ready = append(q.ready, nil)
	copy(q.ready[i+1:], q.ready[i:])
	q.ready[i] = m
}

// pick выбирает следующего подписчика round-robin среди тех,
// чей канал ещё не исчерпал prefetch.
func (q *queue) pick() *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		idx := (q.next + i) % n
		c := q.consumers[idx]
		if c.ch.canAccept() {
			q.next = (idx + 1) % n
			return c
		}
	}
	return nil
}

func (q *queue) removeConsumer(c *consumer) {
	for i, cur := range q.consumers {
		if cur == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			if q.next > i {
				q.next--
			}
			break
		}
	}
	if len(q.consumers) == 0 || q.next >= len(q.consumers) {
		q.next = 0
	}
}

func (q *queue) stats() broker.QueueStats {
	return broker.QueueStats{
		Name:      q.name,
		Ready:     len(q.ready),
		Unacked:   q.unacked,
		Consumers: len(q.consumers),
	}
}

// inflight — доставленное, но не подтверждённое сообщение.
type inflight struct {
	tag uint64
	msg *message
	q   *queue
}
