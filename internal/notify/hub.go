package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/telemetry-relay/internal/domain"
	"go.uber.org/zap"
)

// Subscriber — живой push-канал наблюдателя сессии.
// Закрытый канал молча пропускается при рассылке, это не ошибка.
type Subscriber interface {
	Send(ctx context.Context, evt domain.BroadcastEvent) error
	IsOpen() bool
}

// Hub раздает уведомления двумя путями сразу: push всем подписчикам
// сессии и запись в глобальный кольцевой буфер для poll-читателей.
// Оба пути видят один и тот же поток событий.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[Subscriber]struct{}

	ring       []domain.BroadcastEvent
	maxEntries int
	retention  time.Duration

	logger *zap.Logger
}

func NewHub(maxEntries int, retention time.Duration, logger *zap.Logger) *Hub {
	if maxEntries <= 0 {
		maxEntries = 500
	}
	return &Hub{
		subs:       make(map[string]map[Subscriber]struct{}),
		maxEntries: maxEntries,
		retention:  retention,
		logger:     logger.Named("notify"),
	}
}

// Subscribe регистрирует push-канал на сессию.
func (h *Hub) Subscribe(sessionID string, s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[Subscriber]struct{})
	}
	h.subs[sessionID][s] = struct{}{}
}

func (h *Hub) Unsubscribe(sessionID string, s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[sessionID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, sessionID)
		}
	}
}

// Notify формирует событие, кладет его в буфер и рассылает подписчикам.
// Запись в буфер происходит независимо от наличия подписчиков.
func (h *Hub) Notify(sessionID, kind string, payload map[string]interface{}) domain.BroadcastEvent {
	evt := domain.BroadcastEvent{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	h.mu.Lock()
	h.ring = append(h.ring, evt)
	if overflow := len(h.ring) - h.maxEntries; overflow > 0 {
		h.ring = h.ring[overflow:]
	}
	var targets []Subscriber
	for s := range h.subs[sessionID] {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		if !s.IsOpen() {
			continue // мертвые каналы вычищаются при Unsubscribe
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.Send(ctx, evt); err != nil {
			h.logger.Debug("push delivery failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		cancel()
	}
	return evt
}

// Recent возвращает события для poll-читателей: опциональный фильтр по
// сессии и лимит с хвоста (самые свежие).
func (h *Hub) Recent(sessionID string, limit int) []domain.BroadcastEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]domain.BroadcastEvent, 0, len(h.ring))
	for _, evt := range h.ring {
		if sessionID != "" && evt.SessionID != sessionID {
			continue
		}
		out = append(out, evt)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// TrimExpired выбрасывает события старше окна хранения.
// Вызывается из Cleanup() планировщика сессий.
func (h *Hub) TrimExpired(now time.Time) int {
	if h.retention <= 0 {
		return 0
	}
	cutoff := now.Add(-h.retention)

	h.mu.Lock()
	defer h.mu.Unlock()

	idx := 0
	for idx < len(h.ring) && h.ring[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		h.ring = append([]domain.BroadcastEvent(nil), h.ring[idx:]...)
	}
	return idx
}

// Backlog — текущая заполненность кольцевого буфера.
func (h *Hub) Backlog() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.ring)
}

// SubscriberCount — число живых подписчиков сессии (для debug-снимков).
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}
