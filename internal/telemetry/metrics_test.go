package telemetry

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/taskq/internal/broker"
)

func TestNewMetrics_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()

	_, err := NewMetrics(reg)
	require.NoError(t, err)

	_, err = NewMetrics(reg)
	require.Error(t, err)
}

func TestMetrics_DeliveryLifecycle(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.DeliveryReceived("task_queue", false)
	m.DeliveryReceived("task_queue", true)
	m.DeliveryReceived("task_queue", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.deliveries.WithLabelValues("task_queue", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("task_queue", "true")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.inFlight.WithLabelValues("task_queue")))

	m.DeliveriesAcked("task_queue", 2)
	m.DeliveriesAbandoned("task_queue", 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.acks.WithLabelValues("task_queue")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight.WithLabelValues("task_queue")))
}

func TestMetrics_QueueStats(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.SetQueueStats(broker.QueueStats{Name: "task_queue", Ready: 7, Unacked: 2, Consumers: 3})

	assert.Equal(t, 7.0, testutil.ToFloat64(m.queueReady.WithLabelValues("task_queue")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.queueUnacked.WithLabelValues("task_queue")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.queueConsumers.WithLabelValues("task_queue")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	// Не должно паниковать
	m.TaskPublished("q", true)
	m.DeliveryReceived("q", false)
	m.DeliveriesAcked("q", 1)
	m.DeliveriesAbandoned("q", 1)
	m.TaskFailed("q")
	m.ProtocolViolation()
	m.ObserveTaskDuration("q", time.Second)
	m.SetQueueStats(broker.QueueStats{Name: "q"})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"", slog.LevelInfo},
		{"garbage", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestNewLogger_Formats(t *testing.T) {
	var buf bytes.Buffer

	NewLogger(&buf, "json", slog.LevelInfo).Info("hello", "queue", "task_queue")
	assert.True(t, strings.HasPrefix(buf.String(), "{"), "json output expected, got %q", buf.String())

	buf.Reset()
	NewLogger(&buf, "text", slog.LevelInfo).Info("hello", "queue", "task_queue")
	assert.Contains(t, buf.String(), "queue=task_queue")

	buf.Reset()
	NewLogger(&buf, "text", slog.LevelWarn).Info("hidden")
	assert.Empty(t, buf.String())
}
