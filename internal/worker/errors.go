package worker

import "errors"

// Ошибки воркера.
var (
	// ErrTaskExecution — задача завершилась ошибкой или паникой.
	// Ack не отправлен, задача будет доставлена снова.
	ErrTaskExecution = errors.New("task execution failed")

	// ErrNoChannel — в Config не задан канал.
	ErrNoChannel = errors.New("worker channel is required")

	// ErrNoConnection — в PoolConfig не задано соединение.
	ErrNoConnection = errors.New("pool connection is required")

	// ErrNoExecutor — в Config не задан executor.
	ErrNoExecutor = errors.New("worker executor is required")
)
