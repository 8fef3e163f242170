package broker

import (
	"context"
	"time"
)

// Connection — соединение с брокером.
// Каналы одного соединения независимы, но закрываются вместе с ним.
type Connection interface {
	// Channel открывает новый логический канал.
	Channel(ctx context.Context) (Channel, error)

	// Done закрывается, когда соединение закрыто (штатно или из-за обрыва).
	Done() <-chan struct{}

	// Err возвращает причину обрыва (ErrConnection) или nil.
	Err() error

	// Close закрывает соединение и все его каналы.
	// Все неподтверждённые доставки возвращаются в очереди.
	Close() error
}

// Channel — логический канал поверх соединения.
//
// Доставки и подтверждения в пределах одного канала строго упорядочены.
// Подтверждение (Ack) допустимо только на том канале, где была получена доставка.
type Channel interface {
	// ID — идентификатор канала, уникальный в пределах процесса.
	ID() string

	// DeclareQueue объявляет очередь. Идемпотентно при совпадении параметров,
	// ErrIncompatibleDeclaration при несовпадении.
	DeclareQueue(ctx context.Context, name string, durable bool) error

	// Publish публикует сообщение напрямую в очередь (default exchange).
	// Если очереди нет, сообщение молча отбрасывается.
	Publish(ctx context.Context, queue string, msg Message) error

	// SetPrefetch ограничивает число неподтверждённых доставок на канал.
	SetPrefetch(n int) error

	// Consume подписывается на очередь без auto-ack.
	// Канал доставок закрывается вместе с Channel.
	Consume(ctx context.Context, queue, consumerTag string) (<-chan Delivery, error)

	// Ack подтверждает доставку tag (multiple=true — все до tag включительно).
	Ack(tag uint64, multiple bool) error

	// InspectQueue возвращает текущее состояние очереди.
	InspectQueue(ctx context.Context, name string) (QueueStats, error)

	// NotifyClose закрывается, когда канал закрыт (штатно или из-за ошибки).
	NotifyClose() <-chan struct{}

	// Err возвращает причину закрытия канала (nil при штатном закрытии).
	Err() error

	// Close закрывает канал. Неподтверждённые доставки возвращаются в очередь.
	Close() error
}

// Message — публикуемая задача. Тело прозрачно для транспорта.
type Message struct {
	// Body — полезная нагрузка.
	Body []byte

	// Persistent — брокер пишет сообщение на диск (для durable очередей).
	Persistent bool

	// MessageID — идентификатор, назначенный издателем.
	MessageID string

	// ContentType — MIME-тип тела.
	ContentType string

	// Timestamp — время публикации.
	Timestamp time.Time
}

// Delivery — одна доставка задачи конкретному потребителю.
type Delivery struct {
	// Tag — идентификатор доставки, уникален в пределах жизни канала.
	Tag uint64

	// Redelivered — true, если задача уже доставлялась и не была подтверждена.
	Redelivered bool

	// Body — тело задачи.
	Body []byte

	// MessageID — идентификатор сообщения от издателя (может быть пустым).
	MessageID string

	// Queue — имя очереди, из которой пришла доставка.
	Queue string

	// ChannelID — канал, на котором получена доставка.
	ChannelID string
}

// QueueStats — состояние очереди для наблюдаемости.
type QueueStats struct {
	Name      string `json:"queue"`
	Ready     int    `json:"ready"`
	Unacked   int    `json:"unacked"`
	Consumers int    `json:"consumers"`
}
