package relay

import (
	"context"
	"time"

	"github.com/xela07ax/telemetry-relay/internal/domain"
	"go.uber.org/zap"
)

// Итоги флаша (поле Result в FlushResult)
const (
	ResultSuccess  = "success"
	ResultNoEvents = "no_events"
)

// FlushResult — результат одной попытки флаша.
type FlushResult struct {
	Result  string `json:"result"` // success | no_events | причина отказа
	Flushed int    `json:"flushed"`
	Pending int    `json:"pending"`
	Attempt int    `json:"attempt,omitempty"`
	Forced  bool   `json:"forced,omitempty"`
}

// Flush пытается отправить наверх все pending-события сессии.
// Pending пересчитывается по статусам в момент старта; пустой набор без
// force — безопасный no-op. Force (конец сессии) пробивает этот шорткат
// и гарантирует финальную best-effort попытку доставки.
func (st *Store) Flush(sessionID string, force bool) (FlushResult, error) {
	st.mu.Lock()
	s, ok := st.sessions[sessionID]
	if !ok {
		st.mu.Unlock()
		return FlushResult{}, domain.ErrUnknownSession
	}
	if s.flushing {
		// Конкурирующий флаш уже в полете, статусы пересчитает он
		res := FlushResult{Result: ResultNoEvents, Pending: st.pendingLocked(s)}
		st.mu.Unlock()
		return res, nil
	}

	batch := make([]domain.BufferedEvent, 0, len(s.events))
	ids := make(map[string]struct{})
	for _, e := range s.events {
		if e.Status == domain.EventPending {
			batch = append(batch, *e)
			ids[e.ID] = struct{}{}
		}
	}

	if len(batch) == 0 && !force {
		// Пустой прогон не должен убивать расписание: перевешиваем
		// автофлаш, иначе события ниже порога зависнут до TTL
		if s.status == domain.SessionActive {
			st.scheduleLocked(s, st.cfg.FlushInterval)
		}
		res := FlushResult{Result: ResultNoEvents}
		st.mu.Unlock()
		st.metrics.FlushTotal.WithLabelValues(ResultNoEvents).Inc()
		return res, nil
	}

	s.flushing = true
	fc := FlushContext{
		SessionID:      s.id,
		Network:        s.network,
		MemoryPressure: s.memoryPressure,
		Attempt:        s.attempts + 1,
	}
	classifier := st.classifier
	st.mu.Unlock()

	// Классификатор может ходить в сеть — мьютекс на это время отпущен
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	outcome := classifier.Classify(ctx, fc, batch)
	cancel()

	st.mu.Lock()
	if cur, ok := st.sessions[sessionID]; !ok || cur != s {
		// Сессию выселили, пока батч был в полете: её состояние
		// больше не наше, таймеры на призраке не перевешиваем
		st.mu.Unlock()
		return FlushResult{}, domain.ErrUnknownSession
	}
	s.flushing = false
	s.lastActivity = time.Now().UTC()

	var res FlushResult
	if outcome.OK {
		// Переводим в flushed ровно те события, что попали в батч;
		// добавленные во время отправки остаются pending
		n := 0
		for _, e := range s.events {
			if _, hit := ids[e.ID]; hit && e.Status == domain.EventPending {
				e.Status = domain.EventFlushed
				n++
			}
		}
		s.stats.Flushed += n
		s.recount()
		s.attempts = 0
		s.stats.SucceededFlushes++
		st.scheduleLocked(s, st.cfg.FlushInterval)
		res = FlushResult{Result: ResultSuccess, Flushed: n, Pending: st.pendingLocked(s), Forced: force}
	} else {
		s.attempts++
		s.stats.FailedFlushes++
		for _, e := range s.events {
			if _, hit := ids[e.ID]; hit {
				e.Retries++
			}
		}
		issue := domain.FlushIssue{
			Cause:     outcome.Cause,
			Message:   outcome.Message,
			Timestamp: time.Now().UTC(),
			Attempt:   s.attempts,
		}
		s.issues = append(s.issues, issue)
		if max := st.cfg.MaxIssues; max > 0 && len(s.issues) > max {
			s.issues = s.issues[len(s.issues)-max:]
		}

		if s.attempts < st.cfg.MaxAttempts {
			// Линейный бэкофф: baseDelay × номер попытки
			st.scheduleLocked(s, st.cfg.RetryBaseDelay*time.Duration(s.attempts))
		} else {
			// Потолок ретраев: события остаются pending до форса
			// или следующего порогового триггера
			st.cancelTimerLocked(s)
		}
		res = FlushResult{
			Result:  string(outcome.Cause),
			Pending: st.pendingLocked(s),
			Attempt: s.attempts,
			Forced:  force,
		}
	}
	st.mu.Unlock()

	st.metrics.FlushTotal.WithLabelValues(res.Result).Inc()
	if outcome.OK {
		st.hub.Notify(sessionID, domain.BroadcastFlushSucceeded, map[string]interface{}{
			"flushed": res.Flushed,
			"forced":  force,
		})
		st.logger.Debug("flush succeeded",
			zap.String("session_id", sessionID), zap.Int("flushed", res.Flushed))
	} else {
		st.hub.Notify(sessionID, domain.BroadcastFlushFailed, map[string]interface{}{
			"cause":   string(outcome.Cause),
			"attempt": res.Attempt,
		})
		st.logger.Warn("flush failed",
			zap.String("session_id", sessionID),
			zap.String("cause", string(outcome.Cause)),
			zap.Int("attempt", res.Attempt))
	}
	return res, nil
}

// scheduleLocked перевешивает таймер сессии (автофлаш или ретрай).
// Предыдущий таймер всегда снимается: активен максимум один.
func (st *Store) scheduleLocked(s *session, d time.Duration) {
	st.cancelTimerLocked(s)
	if st.sched == nil || d <= 0 {
		return
	}
	id := s.id
	s.cancelTimer = st.sched.Schedule(d, func() {
		if _, err := st.Flush(id, false); err != nil {
			st.logger.Debug("scheduled flush skipped", zap.String("session_id", id), zap.Error(err))
		}
	})
}

func (st *Store) cancelTimerLocked(s *session) {
	if s.cancelTimer != nil {
		s.cancelTimer()
		s.cancelTimer = nil
	}
}
