package ledger

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/telemetry-relay/internal/domain"
	"go.uber.org/zap"
)

// Sink — необязательный потребитель записей (например, архив в Postgres).
// Реестр не ждет его и не зависит от его ошибок.
type Sink interface {
	Record(entry domain.InterceptedEvent)
}

// Ledger — ограниченный реестр всего, что прошло через обогатитель.
// Ключ — сгенерированный id записи; порядок вставки сохраняется для
// time-ordered выборок, при переполнении выселяется самая старая запись.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]domain.InterceptedEvent
	order   []string // FIFO-порядок для выборок и выселения
	max     int

	sink   Sink
	logger *zap.Logger
}

func New(maxEntries int, sink Sink, logger *zap.Logger) *Ledger {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &Ledger{
		entries: make(map[string]domain.InterceptedEvent),
		max:     maxEntries,
		sink:    sink,
		logger:  logger.Named("ledger"),
	}
}

// Record создает запись реестра и возвращает её id.
func (l *Ledger) Record(sessionID string, et domain.EventType, original, enriched domain.EventPayload, headers map[string]string) string {
	entry := domain.InterceptedEvent{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      et,
		Original:  original,
		Enriched:  enriched,
		Headers:   headers,
		Timestamp: time.Now().UTC(),
	}

	l.mu.Lock()
	l.entries[entry.ID] = entry
	l.order = append(l.order, entry.ID)
	for len(l.order) > l.max {
		evicted := l.order[0]
		l.order = l.order[1:]
		delete(l.entries, evicted)
	}
	l.mu.Unlock()

	if l.sink != nil {
		l.sink.Record(entry)
	}
	return entry.ID
}

// Get возвращает запись по id.
func (l *Ledger) Get(id string) (domain.InterceptedEvent, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	return e, ok
}

// List возвращает записи в порядке перехвата, опционально отфильтрованные
// по сессии. limit <= 0 означает «без ограничения».
func (l *Ledger) List(sessionID string, limit int) []domain.InterceptedEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.InterceptedEvent, 0, len(l.order))
	for _, id := range l.order {
		e := l.entries[id]
		if sessionID != "" && e.SessionID != sessionID {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		// хвост — самые свежие записи
		out = out[len(out)-limit:]
	}
	return out
}

// Len — текущее количество записей.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// ClearSession убирает записи одной сессии, возвращает число удаленных.
func (l *Ledger) ClearSession(sessionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.order[:0]
	removed := 0
	for _, id := range l.order {
		if l.entries[id].SessionID == sessionID {
			delete(l.entries, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	l.order = kept
	if removed > 0 {
		l.logger.Debug("ledger session cleared",
			zap.String("session_id", sessionID), zap.Int("removed", removed))
	}
	return removed
}

// Clear полностью очищает реестр, возвращает число удаленных записей.
func (l *Ledger) Clear() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.order)
	l.entries = make(map[string]domain.InterceptedEvent)
	l.order = nil
	return n
}
