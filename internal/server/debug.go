package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/xela07ax/telemetry-relay/internal/domain"
	"go.uber.org/zap"
)

// handleLogin выдает admin-токен по паролю оператора.
// POST /debug/auth/token
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	token, err := s.authSvc.GenerateToken(req.Password)
	if err != nil {
		s.logger.Warn("login rejected", zap.Error(err))
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, token)
}

// GET /debug/sessions
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	views := s.store.Sessions()
	// Очереди событий в листинге не нужны, их смотрят точечно
	type listItem struct {
		ID           string               `json:"id"`
		Status       domain.SessionStatus `json:"status"`
		Stats        domain.SessionStats  `json:"stats"`
		LastActivity string               `json:"last_activity"`
	}
	out := make([]listItem, 0, len(views))
	for _, v := range views {
		out = append(out, listItem{
			ID:           v.ID,
			Status:       v.Status,
			Stats:        v.Stats,
			LastActivity: v.LastActivity.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /debug/sessions/{id}
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := s.store.View(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// POST /debug/sessions/{id}/flush — форсированный флаш.
func (s *Server) handleForceFlush(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.store.Flush(id, true)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownSession) {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		writeError(w, http.StatusInternalServerError, "flush failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /debug/sessions/{id}/end
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.store.EndSession(id)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownSession) {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		writeError(w, http.StatusInternalServerError, "end session failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /debug/sessions/{id}/fault — инъекция fault-условия.
// Тело: {"fault": "timeout" | "network_error" | "batch_limit" | "memory_pressure"}
func (s *Server) handleInjectFault(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Fault string `json:"fault"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Fault == "" {
		writeError(w, http.StatusBadRequest, "fault name is required")
		return
	}

	if err := s.store.InjectFault(id, req.Fault); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "injected", "fault": req.Fault})
}

// GET /debug/intercepted?session_id=...&limit=N
func (s *Server) handleListIntercepted(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	limit := parseLimit(r.URL.Query().Get("limit"), 100)
	writeJSON(w, http.StatusOK, s.ledger.List(sessionID, limit))
}

// DELETE /debug/intercepted?session_id=... — без session_id чистим всё.
func (s *Server) handleClearIntercepted(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	var removed int
	if sessionID == "" {
		removed = s.ledger.Clear()
	} else {
		removed = s.ledger.ClearSession(sessionID)
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// GET /debug/proxy/stats
func (s *Server) handleProxyStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.forwarder.Stats().Snapshot())
}

// POST /debug/proxy/stats/reset
func (s *Server) handleProxyStatsReset(w http.ResponseWriter, r *http.Request) {
	s.forwarder.Stats().Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
