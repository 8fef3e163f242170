// Package embedded — брокер сообщений внутри процесса.
//
// Реализует broker.Connection/broker.Channel с той же семантикой,
// что ядро ожидает от RabbitMQ:
//   - FIFO внутри очереди, round-robin между подписчиками
//   - prefetch на канал: не больше N неподтверждённых доставок
//   - delivery tag уникален в пределах канала и растёт с 1
//   - закрытие канала/соединения возвращает неподтверждённое в очередь
//     на исходное место с redelivered=true
//   - ack неизвестного tag закрывает канал с broker.ErrProtocolViolation
//
// Durable очереди и их persistent сообщения пишутся в Pebble
// (pebble.Sync) и переживают Restart. Transient очереди
// и non-persistent сообщения при Restart теряются.
package embedded
