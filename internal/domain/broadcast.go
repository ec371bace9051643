package domain

import "time"

// BroadcastEvent — уведомление о заметном действии реле (event_added,
// flush_succeeded, flush_failed, validation_warning и т.д.).
// Пишется в глобальный кольцевой буфер и рассылается живым подписчикам.
type BroadcastEvent struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"session_id,omitempty"`
	Kind      string                 `json:"kind"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Типы уведомлений
const (
	BroadcastEventAdded        = "event_added"
	BroadcastBatchAdded        = "batch_added"
	BroadcastFlushSucceeded    = "flush_succeeded"
	BroadcastFlushFailed       = "flush_failed"
	BroadcastValidationWarning = "validation_warning"
	BroadcastSessionEnded      = "session_ended"
	BroadcastSessionEvicted    = "session_evicted"
	BroadcastFaultInjected     = "fault_injected"
)
