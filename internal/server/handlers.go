package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/xela07ax/telemetry-relay/internal/domain"
	"github.com/xela07ax/telemetry-relay/internal/enrich"
	"github.com/xela07ax/telemetry-relay/internal/proxy"
	"github.com/xela07ax/telemetry-relay/internal/relay"
	"go.uber.org/zap"
)

const maxBodySize = 1 << 20 // 1 MiB на запрос

// ingestResponse — ответ поверхности приема.
type ingestResponse struct {
	Success    bool           `json:"success"`
	SessionID  string         `json:"session_id"`
	EventID    string         `json:"event_id,omitempty"`
	Count      int            `json:"count,omitempty"`
	Validation *enrich.Result `json:"validation,omitempty"`
	Forward    *forwardInfo   `json:"forward,omitempty"`
}

type forwardInfo struct {
	Status      int  `json:"status"`
	Intercepted bool `json:"intercepted"`
}

// handleEvent строит хэндлер одиночного эндпоинта (track, identify, ...).
// Поток: декодирование → обогащение → валидация (non-fatal) → реестр →
// очередь сессии → независимый проброс наверх.
func (s *Server) handleEvent(eventType string) http.HandlerFunc {
	et := domain.EventType(eventType)
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read body")
			return
		}
		defer r.Body.Close()

		var payload domain.EventPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "malformed JSON body")
			return
		}

		sessionID := enrich.DeriveSessionID(r, &payload)
		enriched := s.enricher.EnrichSingle(payload, et, r)

		// Валидация не блокирует прием: ошибки и PII уходят
		// предупреждением в fan-out
		vr := enrich.Validate(enriched, et)
		s.notifyValidation(sessionID, et, vr)

		evt, err := s.store.AddEvent(sessionID, relay.Incoming{Type: et, Payload: enriched})
		if err != nil {
			if errors.Is(err, domain.ErrSessionEnded) {
				writeError(w, http.StatusConflict, "session already ended")
				return
			}
			s.logger.Error("add event failed", zap.String("session_id", sessionID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		// Реестр пополняется только принятыми событиями: отклоненный
		// запрос (например, в ended-сессию) следов не оставляет
		s.ledger.Record(sessionID, et, payload, enriched, enrich.SanitizeHeaders(r.Header))

		resp := ingestResponse{
			Success:    true,
			SessionID:  sessionID,
			EventID:    evt.ID,
			Validation: &vr,
		}

		// Независимый per-request проброс: исход не влияет на буферизацию
		fwdBody, _ := json.Marshal(enriched)
		fres, ferr := s.forwarder.Forward(r.Context(), r, fwdBody, "/"+eventType, sessionID)
		if ferr != nil {
			var shaped *proxy.ShapedError
			if errors.As(ferr, &shaped) {
				writeJSON(w, shaped.StatusCode, map[string]interface{}{
					"success":    false,
					"session_id": sessionID,
					"event_id":   evt.ID,
					"error":      shaped.Message,
				})
				return
			}
			writeError(w, http.StatusServiceUnavailable, "upstream service unavailable")
			return
		}
		resp.Forward = &forwardInfo{Status: fres.StatusCode, Intercepted: fres.Intercepted}

		writeJSON(w, http.StatusOK, resp)
	}
}

// handleBatch принимает конверт с массивом batch. Кривой конверт
// (отсутствующее или не-массивное поле) отклоняется целиком — никакой
// частичной обработки и никаких следов в реестре.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read body")
		return
	}
	defer r.Body.Close()

	var env domain.BatchEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Batch == nil {
		writeError(w, http.StatusBadRequest, "malformed batch envelope: batch array is required")
		return
	}

	var first *domain.EventPayload
	if len(env.Batch) > 0 {
		first = &env.Batch[0]
	}
	sessionID := enrich.DeriveSessionID(r, first)

	headers := enrich.SanitizeHeaders(r.Header)
	type batchItem struct {
		et       domain.EventType
		original domain.EventPayload
		enriched domain.EventPayload
	}
	prepared := make([]batchItem, 0, len(env.Batch))
	items := make([]relay.Incoming, 0, len(env.Batch))
	for i, p := range env.Batch {
		et := domain.EventType(p.Type)
		if et == "" {
			et = domain.TypeTrack
		}
		enriched := s.enricher.EnrichBatchItem(p, et, r, i)

		vr := enrich.Validate(enriched, et)
		s.notifyValidation(sessionID, et, vr)

		prepared = append(prepared, batchItem{et: et, original: p, enriched: enriched})
		items = append(items, relay.Incoming{Type: et, Payload: enriched})
	}

	if _, err := s.store.AddBatch(sessionID, items); err != nil {
		if errors.Is(err, domain.ErrSessionEnded) {
			writeError(w, http.StatusConflict, "session already ended")
			return
		}
		s.logger.Error("add batch failed", zap.String("session_id", sessionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Отклоненный батч следов в реестре не оставляет
	for _, it := range prepared {
		s.ledger.Record(sessionID, it.et, it.original, it.enriched, headers)
	}

	resp := ingestResponse{Success: true, SessionID: sessionID, Count: len(items)}

	fres, ferr := s.forwarder.Forward(r.Context(), r, body, "/batch", sessionID)
	if ferr != nil {
		var shaped *proxy.ShapedError
		if errors.As(ferr, &shaped) {
			writeJSON(w, shaped.StatusCode, map[string]interface{}{
				"success":    false,
				"session_id": sessionID,
				"count":      len(items),
				"error":      shaped.Message,
			})
			return
		}
		writeError(w, http.StatusServiceUnavailable, "upstream service unavailable")
		return
	}
	resp.Forward = &forwardInfo{Status: fres.StatusCode, Intercepted: fres.Intercepted}

	writeJSON(w, http.StatusOK, resp)
}

// notifyValidation шлет предупреждение в fan-out, если валидация нашла
// ошибки или вероятный PII. Событие при этом всё равно принято.
func (s *Server) notifyValidation(sessionID string, et domain.EventType, vr enrich.Result) {
	if vr.Valid && len(vr.Warnings) == 0 {
		return
	}
	s.hub.Notify(sessionID, domain.BroadcastValidationWarning, map[string]interface{}{
		"type":     string(et),
		"errors":   vr.Errors,
		"warnings": vr.Warnings,
	})
}

// handlePoll — pull-доступ к потоку уведомлений.
// GET /v1/events/poll?session_id=...&limit=N
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	limit := parseLimit(r.URL.Query().Get("limit"), 50)
	writeJSON(w, http.StatusOK, s.hub.Recent(sessionID, limit))
}

// handleHealth отдает статус сервиса, число живых сессий
// и достижимость upstream-а.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"active_sessions": s.store.ActiveCount(),
		"upstream":        s.forwarder.HealthCheck(r.Context()),
	})
}

func parseLimit(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
