package mq

import "errors"

// Ошибки ядра доставки.
var (
	// ErrEmptyQueueName — имя очереди не задано.
	ErrEmptyQueueName = errors.New("queue name is empty")

	// ErrInvalidFairnessLimit — prefetch должен быть положительным.
	ErrInvalidFairnessLimit = errors.New("fairness limit must be positive")

	// ErrFairnessLimitNotSet — Consume до SetFairnessLimit.
	ErrFairnessLimitNotSet = errors.New("fairness limit is not set")

	// ErrAlreadyConsuming — лимит нельзя менять после начала потребления.
	ErrAlreadyConsuming = errors.New("channel is already consuming")
)
