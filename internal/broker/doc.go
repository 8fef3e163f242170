// Package broker описывает границу между ядром и брокером сообщений.
//
// Ядро (internal/mq, internal/worker) работает только через интерфейсы
// Connection и Channel. Реализации:
//   - rabbitmq — AMQP 0-9-1 (RabbitMQ)
//   - embedded — брокер внутри процесса (тесты, локальная разработка, demo)
//
// Ошибки:
//   - ErrConnection              — сеть/аутентификация, фатально для сессии
//   - ErrIncompatibleDeclaration — очередь объявлена с другими параметрами
//   - ErrProtocolViolation       — нарушение протокола, канал нужно пересоздать
//   - ErrChannelClosed           — операция на закрытом канале
//   - ErrQueueNotFound           — очередь не объявлена
package broker
