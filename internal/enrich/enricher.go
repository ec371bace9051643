package enrich

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/telemetry-relay/internal/domain"
	"go.uber.org/zap"
)

// Enricher нормализует сырые события SDK перед буферизацией и пробросом.
// Сам по себе stateless: всё состояние живет в SessionStore и Ledger.
type Enricher struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Enricher {
	return &Enricher{logger: logger.Named("enricher")}
}

// DeriveSessionID вычисляет идентификатор логической сессии.
// Порядок источников — контракт, на него завязаны клиенты:
// заголовок сессии → anonymousId/userId из тела → анонимный заголовок →
// query-параметр → сгенерированный UUID.
func DeriveSessionID(r *http.Request, p *domain.EventPayload) string {
	if id := r.Header.Get("X-Session-ID"); id != "" {
		return id
	}
	if p != nil {
		if p.AnonymousID != "" {
			return p.AnonymousID
		}
		if p.UserID != "" {
			return p.UserID
		}
	}
	if id := r.Header.Get("X-Anonymous-ID"); id != "" {
		return id
	}
	if id := r.URL.Query().Get("sessionId"); id != "" {
		return id
	}
	return uuid.New().String()
}

// EnrichSingle обогащает событие, пришедшее через одиночный эндпоинт.
func (e *Enricher) EnrichSingle(p domain.EventPayload, et domain.EventType, r *http.Request) domain.EventPayload {
	return e.enrich(p, et, r, "single", 0)
}

// EnrichBatchItem обогащает элемент батча, сохраняя его индекс в провенансе.
func (e *Enricher) EnrichBatchItem(p domain.EventPayload, et domain.EventType, r *http.Request, index int) domain.EventPayload {
	return e.enrich(p, et, r, "batch", index)
}

// enrich возвращает копию payload-а: провенанс, дефолтные timestamp,
// messageId и context. Поля, присланные клиентом, не перезаписываются —
// исключение только для вложенных middleware/library дефолтов.
func (e *Enricher) enrich(p domain.EventPayload, et domain.EventType, r *http.Request, source string, index int) domain.EventPayload {
	out := p

	out.Provenance = &domain.Provenance{
		ReceivedAt:  time.Now().UTC(),
		EventType:   string(et),
		UserAgent:   r.Header.Get("User-Agent"),
		IP:          clientIP(r),
		Referrer:    r.Header.Get("Referer"),
		Origin:      r.Header.Get("Origin"),
		ContentType: r.Header.Get("Content-Type"),
		Source:      source,
		BatchIndex:  index,
	}

	if out.Timestamp == "" {
		out.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if out.MessageID == "" {
		out.MessageID = uuid.New().String()
	}

	// Копия context, чтобы не мутировать структуру вызывающего
	ctx := make(map[string]interface{}, len(p.Context)+2)
	for k, v := range p.Context {
		ctx[k] = v
	}
	ctx["middleware"] = map[string]interface{}{
		"intercepted": true,
		"request_id":  requestID(r),
	}
	if _, ok := ctx["library"]; !ok {
		ctx["library"] = map[string]interface{}{
			"name":    "telemetry-relay",
			"version": "1.0.0",
		}
	}
	out.Context = ctx

	return out
}

// SanitizeHeaders убирает авторизационные и cookie-заголовки до того,
// как запрос попадет в реестр перехвата.
func SanitizeHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, vals := range h {
		if len(vals) == 0 || isSensitiveHeader(name) {
			continue
		}
		out[name] = vals[0]
	}
	return out
}

func isSensitiveHeader(name string) bool {
	n := strings.ToLower(name)
	switch n {
	case "authorization", "proxy-authorization", "cookie", "set-cookie":
		return true
	}
	return strings.Contains(n, "api-key") ||
		strings.Contains(n, "apikey") ||
		strings.Contains(n, "token")
}

// clientIP достает адрес клиента с учетом прокси-заголовка.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return xff
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i > 0 {
		host = host[:i]
	}
	return host
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Trace-ID"); id != "" {
		return id
	}
	return uuid.New().String()
}
