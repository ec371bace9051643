package domain

import (
	"errors"
	"time"
)

// Статусы State Machine сессии
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended" // Обратного перехода нет
)

// EventStatus переходит только pending → flushed, откат запрещен.
type EventStatus string

const (
	EventPending EventStatus = "pending"
	EventFlushed EventStatus = "flushed"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionEnded   = errors.New("session already ended")
)

// BufferedEvent — событие в очереди сессии, ожидающее флаша наверх.
type BufferedEvent struct {
	ID         string       `json:"id"`
	Type       EventType    `json:"type"`
	Payload    EventPayload `json:"payload"`
	Status     EventStatus  `json:"status"`
	Retries    int          `json:"retries"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
}

// FlushCause — классификация причины проваленного флаша.
type FlushCause string

const (
	CauseNetworkTimeout FlushCause = "network_timeout"
	CauseMemoryPressure FlushCause = "memory_pressure"
	CauseServerError    FlushCause = "server_error"
	CauseUnknown        FlushCause = "unknown"
)

// FlushIssue — зафиксированный отказ; список в сессии ограничен по размеру,
// записи никогда не мутируются.
type FlushIssue struct {
	Cause     FlushCause `json:"cause"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
	Attempt   int        `json:"attempt"`
}

// SessionStats — счетчики доставки. Инвариант: Pending == Total - Flushed
// после любой операции.
type SessionStats struct {
	Total            int `json:"total"`
	Flushed          int `json:"flushed"`
	Pending          int `json:"pending"`
	FailedFlushes    int `json:"failed_flushes"`
	SucceededFlushes int `json:"succeeded_flushes"`
}

// ForwardOutcome — результат одного проброса наверх, приписанный сессии.
type ForwardOutcome struct {
	Success    bool      `json:"success"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// NetworkCondition — флаг симуляции сетевых условий (fault injection).
type NetworkCondition string

const (
	NetworkNormal NetworkCondition = "normal"
	NetworkPoor   NetworkCondition = "poor"
)

// SessionView — снимок состояния сессии для debug-поверхности.
// Отдаем копию, чтобы хэндлеры не трогали живую очередь.
type SessionView struct {
	ID           string           `json:"id"`
	Status       SessionStatus    `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
	LastActivity time.Time        `json:"last_activity"`
	Network      NetworkCondition `json:"network"`
	Attempts     int              `json:"flush_attempts"`
	Stats        SessionStats     `json:"stats"`
	Events       []BufferedEvent  `json:"events"`
	Issues       []FlushIssue     `json:"issues"`
	Forwards     []ForwardOutcome `json:"forwards"`
}
