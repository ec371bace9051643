package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/telemetry-relay/internal/domain"
	"github.com/xela07ax/telemetry-relay/internal/infra"
	"go.uber.org/zap"
)

// Notifier — контракт на fan-out уведомлений (реализуется notify.Hub).
type Notifier interface {
	Notify(sessionID, kind string, payload map[string]interface{}) domain.BroadcastEvent
	TrimExpired(now time.Time) int
	Backlog() int
}

// Incoming — событие, готовое к постановке в очередь сессии.
type Incoming struct {
	Type    domain.EventType
	Payload domain.EventPayload
}

// session — внутреннее состояние одной логической сессии.
// Все поля защищены мьютексом Store.
type session struct {
	id           string
	status       domain.SessionStatus
	createdAt    time.Time
	lastActivity time.Time

	events   []*domain.BufferedEvent
	attempts int
	stats    domain.SessionStats
	issues   []domain.FlushIssue
	forwards []domain.ForwardOutcome

	network        domain.NetworkCondition
	memoryPressure bool // инъекция memory_pressure
	threshold      int  // порог батча; fault batch_limit снижает до 1

	flushing    bool   // флаш в полете (ретрай по таймеру против ручного)
	cancelTimer func() // активный таймер: автофлаш или ретрай
}

// Store владеет очередями событий по сессиям и решает, когда их флашить.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*session

	cfg        infra.RelayConfig
	sched      Scheduler
	classifier OutcomeClassifier
	hub        Notifier
	metrics    *Metrics
	logger     *zap.Logger
}

func NewStore(cfg infra.RelayConfig, sched Scheduler, classifier OutcomeClassifier, hub Notifier, metrics *Metrics, logger *zap.Logger) *Store {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Store{
		sessions:   make(map[string]*session),
		cfg:        cfg,
		sched:      sched,
		classifier: classifier,
		hub:        hub,
		metrics:    metrics,
		logger:     logger.Named("relay"),
	}
}

// SetClassifier подменяет классификатор исходов (например, на боевой
// upstream-вызов). Вызывается один раз при сборке процесса, до трафика.
func (st *Store) SetClassifier(c OutcomeClassifier) {
	st.mu.Lock()
	st.classifier = c
	st.mu.Unlock()
}

// getOrCreateLocked возвращает сессию, создавая её при первом обращении.
// Новая сессия сразу получает таймер автоматического флаша.
func (st *Store) getOrCreateLocked(id string) *session {
	if s, ok := st.sessions[id]; ok {
		return s
	}
	now := time.Now().UTC()
	s := &session{
		id:           id,
		status:       domain.SessionActive,
		createdAt:    now,
		lastActivity: now,
		network:      domain.NetworkNormal,
		threshold:    st.cfg.BatchThreshold,
	}
	st.sessions[id] = s
	st.scheduleLocked(s, st.cfg.FlushInterval)
	st.metrics.ActiveSessions.Inc()
	st.logger.Info("session created", zap.String("session_id", id))
	return s
}

// GetOrCreate создает сессию при необходимости и возвращает её снимок.
func (st *Store) GetOrCreate(id string) domain.SessionView {
	st.mu.Lock()
	s := st.getOrCreateLocked(id)
	view := st.viewLocked(s)
	st.mu.Unlock()
	return view
}

// AddEvent ставит событие в очередь. Достижение порога батча запускает
// ровно один немедленный нефорсированный флаш до возврата — это и есть
// backpressure: продюсер не может бесконтрольно растить очередь.
func (st *Store) AddEvent(sessionID string, in Incoming) (domain.BufferedEvent, error) {
	st.mu.Lock()
	s := st.getOrCreateLocked(sessionID)
	if s.status == domain.SessionEnded {
		st.mu.Unlock()
		return domain.BufferedEvent{}, domain.ErrSessionEnded
	}
	evt := st.appendLocked(s, in)
	trigger := st.pendingLocked(s) >= s.threshold
	st.mu.Unlock()

	st.metrics.EventsIngested.WithLabelValues(string(in.Type)).Inc()
	st.hub.Notify(sessionID, domain.BroadcastEventAdded, map[string]interface{}{
		"event_id": evt.ID,
		"type":     string(in.Type),
	})

	if trigger {
		if _, err := st.Flush(sessionID, false); err != nil {
			st.logger.Warn("threshold flush failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return evt, nil
}

// AddBatch ставит в очередь все элементы батча и проверяет порог один раз.
func (st *Store) AddBatch(sessionID string, items []Incoming) ([]domain.BufferedEvent, error) {
	st.mu.Lock()
	s := st.getOrCreateLocked(sessionID)
	if s.status == domain.SessionEnded {
		st.mu.Unlock()
		return nil, domain.ErrSessionEnded
	}
	out := make([]domain.BufferedEvent, 0, len(items))
	for _, in := range items {
		out = append(out, st.appendLocked(s, in))
	}
	trigger := st.pendingLocked(s) >= s.threshold
	st.mu.Unlock()

	for _, in := range items {
		st.metrics.EventsIngested.WithLabelValues(string(in.Type)).Inc()
	}
	st.hub.Notify(sessionID, domain.BroadcastBatchAdded, map[string]interface{}{
		"count": len(items),
	})

	if trigger {
		if _, err := st.Flush(sessionID, false); err != nil {
			st.logger.Warn("threshold flush failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return out, nil
}

func (st *Store) appendLocked(s *session, in Incoming) domain.BufferedEvent {
	evt := &domain.BufferedEvent{
		ID:         uuid.New().String(),
		Type:       in.Type,
		Payload:    in.Payload,
		Status:     domain.EventPending,
		EnqueuedAt: time.Now().UTC(),
	}
	s.events = append(s.events, evt)
	s.stats.Total++
	s.recount()
	s.lastActivity = time.Now().UTC()
	return *evt
}

// recount поддерживает инвариант pending = total - flushed.
func (s *session) recount() {
	s.stats.Pending = s.stats.Total - s.stats.Flushed
}

// pendingLocked пересчитывает pending по статусам событий, а не по кэшу:
// так конкурирующий флаш, которому ничего не досталось, безопасно
// вырождается в no-op вместо двойной отправки.
func (st *Store) pendingLocked(s *session) int {
	n := 0
	for _, e := range s.events {
		if e.Status == domain.EventPending {
			n++
		}
	}
	return n
}

// EndSession делает форсированный финальный флаш, снимает таймер
// и переводит сессию в ended. Обратного перехода нет; id остается
// доступным для запросов до выселения по TTL.
func (st *Store) EndSession(sessionID string) (FlushResult, error) {
	res, err := st.Flush(sessionID, true)
	if err != nil {
		return FlushResult{}, err
	}

	st.mu.Lock()
	s, ok := st.sessions[sessionID]
	if ok && s.status == domain.SessionActive {
		st.cancelTimerLocked(s)
		s.status = domain.SessionEnded
		st.metrics.ActiveSessions.Dec()
	}
	st.mu.Unlock()

	st.hub.Notify(sessionID, domain.BroadcastSessionEnded, map[string]interface{}{
		"flush_result": res.Result,
	})
	st.logger.Info("session ended", zap.String("session_id", sessionID))
	return res, nil
}

// Cleanup выселяет сессии, простаивающие дольше TTL, и подрезает
// историю уведомлений старше окна хранения.
func (st *Store) Cleanup() int {
	now := time.Now().UTC()

	st.mu.Lock()
	var evicted []string
	for id, s := range st.sessions {
		if now.Sub(s.lastActivity) > st.cfg.SessionTTL {
			st.cancelTimerLocked(s)
			if s.status == domain.SessionActive {
				st.metrics.ActiveSessions.Dec()
			}
			delete(st.sessions, id)
			evicted = append(evicted, id)
		}
	}
	st.mu.Unlock()

	for _, id := range evicted {
		st.hub.Notify(id, domain.BroadcastSessionEvicted, nil)
	}
	trimmed := st.hub.TrimExpired(now)
	st.metrics.BroadcastBufferFill.Set(float64(st.hub.Backlog()))

	if len(evicted) > 0 || trimmed > 0 {
		st.logger.Info("cleanup pass",
			zap.Int("evicted_sessions", len(evicted)),
			zap.Int("trimmed_broadcasts", trimmed))
	}
	return len(evicted)
}

// InjectFault включает именованное fault-условие для сессии.
func (st *Store) InjectFault(sessionID, fault string) error {
	st.mu.Lock()
	s := st.getOrCreateLocked(sessionID)
	switch fault {
	case "timeout", "network_error":
		s.network = domain.NetworkPoor
	case "memory_pressure":
		s.memoryPressure = true
	case "batch_limit":
		// следующее же событие пробьет порог и вызовет флаш
		s.threshold = 1
	default:
		st.mu.Unlock()
		return fmt.Errorf("unknown fault condition %q", fault)
	}
	st.mu.Unlock()

	st.hub.Notify(sessionID, domain.BroadcastFaultInjected, map[string]interface{}{
		"fault": fault,
	})
	st.logger.Info("fault injected",
		zap.String("session_id", sessionID), zap.String("fault", fault))
	return nil
}

// RecordForward приписывает исход проброса сессии (ограниченная история).
func (st *Store) RecordForward(sessionID string, o domain.ForwardOutcome) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return
	}
	s.forwards = append(s.forwards, o)
	if max := st.cfg.MaxForwards; max > 0 && len(s.forwards) > max {
		s.forwards = s.forwards[len(s.forwards)-max:]
	}
}

// View возвращает снимок состояния сессии.
func (st *Store) View(sessionID string) (domain.SessionView, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return domain.SessionView{}, domain.ErrUnknownSession
	}
	return st.viewLocked(s), nil
}

// Sessions возвращает снимки всех известных сессий.
func (st *Store) Sessions() []domain.SessionView {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]domain.SessionView, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, st.viewLocked(s))
	}
	return out
}

// ActiveCount — число сессий в статусе active (для health-поверхности).
func (st *Store) ActiveCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for _, s := range st.sessions {
		if s.status == domain.SessionActive {
			n++
		}
	}
	return n
}

func (st *Store) viewLocked(s *session) domain.SessionView {
	events := make([]domain.BufferedEvent, len(s.events))
	for i, e := range s.events {
		events[i] = *e
	}
	return domain.SessionView{
		ID:           s.id,
		Status:       s.status,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		Network:      s.network,
		Attempts:     s.attempts,
		Stats:        s.stats,
		Events:       events,
		Issues:       append([]domain.FlushIssue(nil), s.issues...),
		Forwards:     append([]domain.ForwardOutcome(nil), s.forwards...),
	}
}
