package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/xela07ax/telemetry-relay/internal/auth"
	"github.com/xela07ax/telemetry-relay/internal/enrich"
	"github.com/xela07ax/telemetry-relay/internal/infra"
	"github.com/xela07ax/telemetry-relay/internal/ledger"
	"github.com/xela07ax/telemetry-relay/internal/notify"
	"github.com/xela07ax/telemetry-relay/internal/proxy"
	"github.com/xela07ax/telemetry-relay/internal/relay"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Типизированный ключ контекста (избегаем коллизий)
type ctxKey string

const traceIDKey ctxKey = "trace_id"

// Server — HTTP-поверхность реле: прием событий, debug/admin и health.
type Server struct {
	router *chi.Mux
	logger *zap.Logger
	cfg    *infra.Config

	enricher  *enrich.Enricher
	ledger    *ledger.Ledger
	store     *relay.Store
	forwarder *proxy.Forwarder
	hub       *notify.Hub
	authSvc   *auth.Service

	// Лимитер на поверхность приема
	limiter *rate.Limiter
}

func NewServer(
	cfg *infra.Config,
	logger *zap.Logger,
	enricher *enrich.Enricher,
	led *ledger.Ledger,
	store *relay.Store,
	forwarder *proxy.Forwarder,
	hub *notify.Hub,
	authSvc *auth.Service,
) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.Named("http"),
		cfg:       cfg,
		enricher:  enricher,
		ledger:    led,
		store:     store,
		forwarder: forwarder,
		hub:       hub,
		authSvc:   authSvc,
		limiter:   rate.NewLimiter(rate.Limit(cfg.Server.IngestRate), cfg.Server.IngestBurst),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(tracingMiddleware)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/debug/auth/token", s.handleLogin)
	})

	// --- 3. Прием событий (лимитируется) ---
	r.Group(func(r chi.Router) {
		r.Use(s.rateLimitMiddleware)

		for _, et := range []string{"track", "identify", "page", "screen", "group", "alias"} {
			et := et
			r.Post("/v1/"+et, s.handleEvent(et))
		}
		r.Post("/v1/batch", s.handleBatch)
	})

	// --- 4. Наблюдатели (push + poll) ---
	r.Get("/v1/events/subscribe", notify.WSHandler(s.hub, s.logger))
	r.Get("/v1/events/poll", s.handlePoll)

	// --- 5. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (debug/admin) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authSvc, s.logger))

		r.Route("/debug", func(r chi.Router) {
			r.Get("/sessions", s.handleListSessions)
			r.Route("/sessions/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Post("/flush", s.handleForceFlush)
				r.Post("/end", s.handleEndSession)
				r.Post("/fault", s.handleInjectFault)
			})

			r.Get("/intercepted", s.handleListIntercepted)
			r.Delete("/intercepted", s.handleClearIntercepted)

			r.Get("/proxy/stats", s.handleProxyStats)
			r.Post("/proxy/stats/reset", s.handleProxyStatsReset)
		})
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// rateLimitMiddleware прикрывает поверхность приема от залпового трафика.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// tracingMiddleware присваивает X-Trace-ID каждому запросу.
func tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Пытаемся достать ID из заголовка (если пришел от SDK/прокси)
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = uuid.New().String()
		}

		ctx := context.WithValue(r.Context(), traceIDKey, traceID)

		// Возвращаем в ответ, чтобы клиент знал ID своего запроса
		w.Header().Set("X-Trace-ID", traceID)
		r.Header.Set("X-Trace-ID", traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
