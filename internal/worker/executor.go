package worker

import (
	"context"

	"github.com/shaiso/taskq/internal/broker"
)

// Executor выполняет тело задачи.
//
// Выполнение синхронное и без встроенного таймаута: долгая задача
// просто задерживает следующую доставку этому воркеру.
// Ошибка (или паника) означает, что задача не будет подтверждена.
type Executor interface {
	Execute(ctx context.Context, d broker.Delivery) error
}

// ExecutorFunc — адаптер функции к Executor.
type ExecutorFunc func(ctx context.Context, d broker.Delivery) error

// Execute вызывает f.
func (f ExecutorFunc) Execute(ctx context.Context, d broker.Delivery) error {
	return f(ctx, d)
}
