package worker

// State — состояние цикла воркера.
//
//	Idle → Processing → Acked → Idle
//	                  ↘ FailedUnacked (терминальное)
type State int32

const (
	// StateIdle — ждём следующую доставку.
	StateIdle State = iota

	// StateProcessing — выполняем задачу.
	StateProcessing

	// StateAcked — задача выполнена и подтверждена.
	StateAcked

	// StateFailedUnacked — задача упала, ack не отправлен.
	// Брокер вернёт её в очередь после закрытия канала.
	StateFailedUnacked
)

// String возвращает имя состояния.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	case StateAcked:
		return "acked"
	case StateFailedUnacked:
		return "failed_unacked"
	default:
		return "unknown"
	}
}

// IsTerminal — из состояния нет переходов для этого экземпляра воркера.
func (s State) IsTerminal() bool {
	return s == StateFailedUnacked
}

// transitions — допустимые переходы.
var transitions = map[State][]State{
	StateIdle:       {StateProcessing},
	StateProcessing: {StateAcked, StateFailedUnacked},
	StateAcked:      {StateIdle},
}

// CanTransition проверяет, допустим ли переход from → to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
