package worker

import (
	"bytes"
	"context"
	"time"

	"github.com/shaiso/taskq/internal/broker"
	"github.com/shaiso/taskq/internal/telemetry"
)

// DefaultDotUnit — «работа» на одну точку в теле задачи.
const DefaultDotUnit = time.Second

// DotExecutor имитирует работу: спит Unit на каждую '.' в теле задачи.
// "A." — одна единица, "B.." — две, "C" — мгновенно.
//
// Поддерживает отмену через context.
type DotExecutor struct {
	// Unit — длительность одной точки (default: 1s).
	Unit time.Duration
}

// Execute выполняет задержку.
func (e *DotExecutor) Execute(ctx context.Context, d broker.Delivery) error {
	unit := e.Unit
	if unit <= 0 {
		unit = DefaultDotUnit
	}

	dots := bytes.Count(d.Body, []byte("."))
	duration := time.Duration(dots) * unit

	telemetry.FromContext(ctx).Debug("working",
		"delivery_tag", d.Tag,
		"dots", dots,
		"duration", duration,
	)

	if duration == 0 {
		return nil
	}

	// Context-aware ожидание
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
