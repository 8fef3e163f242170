package telemetry

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shaiso/taskq/internal/broker"
)

const namespace = "taskq"

// Metrics — Prometheus метрики издателя и воркеров.
//
// Nil *Metrics допустим: все методы ничего не делают.
type Metrics struct {
	tasksPublished     *prometheus.CounterVec
	deliveries         *prometheus.CounterVec
	acks               *prometheus.CounterVec
	failures           *prometheus.CounterVec
	protocolViolations prometheus.Counter
	inFlight           *prometheus.GaugeVec
	taskDuration       *prometheus.HistogramVec

	// Состояние очереди (см. InspectQueue)
	queueReady     *prometheus.GaugeVec
	queueUnacked   *prometheus.GaugeVec
	queueConsumers *prometheus.GaugeVec
}

// NewMetrics создаёт метрики и регистрирует их в reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		tasksPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_published_total",
			Help:      "Total tasks handed to the broker",
		}, []string{"queue", "persistent"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Total deliveries received by workers",
		}, []string{"queue", "redelivered"}),
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_total",
			Help:      "Total deliveries acknowledged",
		}, []string{"queue"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_failures_total",
			Help:      "Total tasks that failed and were left unacknowledged",
		}, []string{"queue"}),
		protocolViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Total channel-level protocol violations",
		}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_in_flight",
			Help:      "Deliveries received but not yet acknowledged",
		}, []string{"queue"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution time",
			Buckets:   []float64{.01, .05, .1, .5, 1, 2, 5, 10, 30, 60},
		}, []string{"queue"}),
		queueReady: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_ready_messages",
			Help:      "Messages waiting in the queue",
		}, []string{"queue"}),
		queueUnacked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_unacked_messages",
			Help:      "Messages delivered but not acknowledged",
		}, []string{"queue"}),
		queueConsumers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_consumers",
			Help:      "Consumers subscribed to the queue",
		}, []string{"queue"}),
	}

	collectors := []prometheus.Collector{
		m.tasksPublished,
		m.deliveries,
		m.acks,
		m.failures,
		m.protocolViolations,
		m.inFlight,
		m.taskDuration,
		m.queueReady,
		m.queueUnacked,
		m.queueConsumers,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}

	return m, nil
}

// TaskPublished учитывает опубликованную задачу.
func (m *Metrics) TaskPublished(queue string, persistent bool) {
	if m == nil {
		return
	}
	m.tasksPublished.WithLabelValues(queue, strconv.FormatBool(persistent)).Inc()
}

// DeliveryReceived учитывает полученную доставку.
func (m *Metrics) DeliveryReceived(queue string, redelivered bool) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(queue, strconv.FormatBool(redelivered)).Inc()
	m.inFlight.WithLabelValues(queue).Inc()
}

// DeliveriesAcked учитывает n подтверждённых доставок.
func (m *Metrics) DeliveriesAcked(queue string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.acks.WithLabelValues(queue).Add(float64(n))
	m.inFlight.WithLabelValues(queue).Sub(float64(n))
}

// DeliveriesAbandoned учитывает n доставок, возвращённых брокеру без ack
// (закрытие канала).
func (m *Metrics) DeliveriesAbandoned(queue string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.inFlight.WithLabelValues(queue).Sub(float64(n))
}

// TaskFailed учитывает задачу, завершившуюся ошибкой.
func (m *Metrics) TaskFailed(queue string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(queue).Inc()
}

// ProtocolViolation учитывает нарушение протокола на канале.
func (m *Metrics) ProtocolViolation() {
	if m == nil {
		return
	}
	m.protocolViolations.Inc()
}

// ObserveTaskDuration записывает время выполнения задачи.
func (m *Metrics) ObserveTaskDuration(queue string, d time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(queue).Observe(d.Seconds())
}

// SetQueueStats обновляет gauges состояния очереди.
func (m *Metrics) SetQueueStats(stats broker.QueueStats) {
	if m == nil {
		return
	}
	m.queueReady.WithLabelValues(stats.Name).Set(float64(stats.Ready))
	m.queueUnacked.WithLabelValues(stats.Name).Set(float64(stats.Unacked))
	m.queueConsumers.WithLabelValues(stats.Name).Set(float64(stats.Consumers))
}
