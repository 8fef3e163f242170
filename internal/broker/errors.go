package broker

import "errors"

// Ошибки на границе с брокером.
var (
	// ErrConnection — сетевая ошибка или ошибка аутентификации.
	// Фатальна для сессии, ядро её не ретраит.
	ErrConnection = errors.New("broker connection error")

	// ErrIncompatibleDeclaration — очередь уже существует с другими параметрами.
	ErrIncompatibleDeclaration = errors.New("incompatible queue declaration")

	// ErrProtocolViolation — нарушение протокола на канале
	// (ack на чужом канале, повторный ack). Канал нужно открыть заново.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrChannelClosed — операция на закрытом канале.
	ErrChannelClosed = errors.New("channel closed")

	// ErrQueueNotFound — очередь не объявлена.
	ErrQueueNotFound = errors.New("queue not found")
)
