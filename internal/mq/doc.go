// Package mq — протокол доставки и подтверждения задач.
//
// Структура:
//   - queue.go     — объявление очередей (DeclareQueue, QueueRef), backlog
//   - publisher.go — публикация задач (fire-and-forget)
//   - dispatch.go  — канал воркера: лимит справедливости, потребление, ack
//
// Пакет работает только через broker.Channel и не знает, RabbitMQ
// за ним или встроенный брокер.
//
// Поток данных:
//
//	Publisher → очередь (брокер) → DispatchChannel (prefetch) → worker → Ack
//
// Без ack задача возвращается в очередь при закрытии канала
// или соединения и доставляется снова с redelivered=true.
package mq
