package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/telemetry-relay/internal/domain"
	"github.com/xela07ax/telemetry-relay/internal/infra"
	"github.com/xela07ax/telemetry-relay/internal/relay"
	"go.uber.org/zap"
)

// ForwardRecorder приписывает исход проброса сессии-источнику.
// Реализуется relay.Store.
type ForwardRecorder interface {
	RecordForward(sessionID string, o domain.ForwardOutcome)
}

// ForwardResult — ответ upstream-а (или синтетический, если проброс
// административно выключен).
type ForwardResult struct {
	StatusCode  int
	Body        []byte
	ContentType string
	Intercepted bool
	Duration    time.Duration
}

// Forwarder доставляет payload входящего запроса на upstream data-plane.
// Ретраи с экспоненциальным бэкоффом, Circuit Breaker и классификация
// отказов — жёсткий таймаут есть только здесь, буферизация таймаутов
// не имеет (её ограничивают порог батча и TTL).
type Forwarder struct {
	cfg      infra.ProxyConfig
	client   *http.Client
	cb       *gobreaker.CircuitBreaker
	stats    *Stats
	recorder ForwardRecorder
	metrics  *relay.Metrics
	logger   *zap.Logger
}

func NewForwarder(cfg infra.ProxyConfig, recorder ForwardRecorder, metrics *relay.Metrics, logger *zap.Logger) *Forwarder {
	if metrics == nil {
		metrics = relay.NewMetrics(nil)
	}
	f := &Forwarder{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		stats:    NewStats(),
		recorder: recorder,
		metrics:  metrics,
		logger:   logger.Named("proxy"),
	}

	// Настройка предохранителя
	f.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream-data-plane",
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Если более 5 ошибок подряд — открываемся (блокируем трафик)
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				metrics.CircuitBreakerState.Set(1)
			} else {
				metrics.CircuitBreakerState.Set(0)
			}
			f.logger.Warn("circuit breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return f
}

func (f *Forwarder) Stats() *Stats { return f.stats }

// Forward пробрасывает тело запроса на upstream. in может быть nil —
// тогда заголовки исходного вызывающего не переносятся (например,
// при флаше батча классификатором).
func (f *Forwarder) Forward(ctx context.Context, in *http.Request, body []byte, path, sessionID string) (*ForwardResult, error) {
	start := time.Now()

	// Административное выключение: синтетический успех без сети
	if !f.cfg.Enabled {
		res := &ForwardResult{
			StatusCode:  http.StatusOK,
			Body:        []byte(`{"status":"intercepted","forwarded":false}`),
			ContentType: "application/json",
			Intercepted: true,
			Duration:    time.Since(start),
		}
		f.finish(sessionID, start, true, res.StatusCode, "")
		return res, nil
	}

	url := strings.TrimSuffix(f.cfg.Endpoint, "/") + path

	var result *ForwardResult
	_, cbErr := f.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(uint(f.cfg.MaxAttempts)),
			retry.Delay(f.cfg.RetryBaseDelay),
			retry.RetryIf(isRetryable),
			retry.LastErrorOnly(true),
			// Умный расчет задержки
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Upstream прислал Retry-After — уважаем его
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				// Иначе стандартный экспоненциальный бэкофф
				return retry.BackOffDelay(n, err, config)
			}),
		)
		return nil, r.Do(func() error {
			res, err := f.attempt(ctx, in, body, url)
			if err != nil {
				return err
			}
			result = res
			return nil
		})
	})

	if cbErr != nil {
		shaped := shape(cbErr)
		f.finish(sessionID, start, false, shaped.StatusCode, shaped.Message)
		f.logger.Warn("forwarding failed",
			zap.String("session_id", sessionID),
			zap.Int("status", shaped.StatusCode),
			zap.Error(cbErr))
		return nil, shaped
	}

	result.Duration = time.Since(start)
	f.finish(sessionID, start, result.StatusCode < 400, result.StatusCode, "")
	return result, nil
}

// attempt — одна попытка доставки с ограниченным таймаутом.
func (f *Forwarder) attempt(ctx context.Context, in *http.Request, body []byte, url string) (*ForwardResult, error) {
	tCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(tCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	f.prepareHeaders(req, in)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 500 {
		uErr := &upstreamError{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		if ra := parseRetryAfter(resp.Header.Get("Retry-After")); ra > 0 {
			return nil, &ThrottleError{RetryAfter: ra, Cause: uErr}
		}
		return nil, uErr
	}

	// Всё ниже 500 отдаем вызывающему как есть: 4xx не ретраим
	return &ForwardResult{
		StatusCode:  resp.StatusCode,
		Body:        respBody,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// prepareHeaders собирает исходящий набор: дефолты, passthrough
// авторизации и вендорного префикса, идентификация прокси.
func (f *Forwarder) prepareHeaders(req *http.Request, in *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "telemetry-relay/1.0")

	if in != nil {
		if ct := in.Header.Get("Content-Type"); ct != "" {
			req.Header.Set("Content-Type", ct)
		}
		if auth := in.Header.Get("Authorization"); auth != "" {
			req.Header.Set("Authorization", auth)
		}
		for name, vals := range in.Header {
			if strings.HasPrefix(strings.ToLower(name), "x-relay-") && len(vals) > 0 {
				req.Header.Set(name, vals[0])
			}
		}
	}

	req.Header.Set("X-Forwarded-By", "telemetry-relay")
	req.Header.Set("X-Relay-Intercepted", "true")
}

func (f *Forwarder) finish(sessionID string, start time.Time, ok bool, status int, errMsg string) {
	d := time.Since(start)
	f.stats.Record(ok, d)

	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	f.metrics.ForwardDuration.WithLabelValues(outcome).Observe(d.Seconds())

	if f.recorder != nil && sessionID != "" {
		f.recorder.RecordForward(sessionID, domain.ForwardOutcome{
			Success:    ok,
			StatusCode: status,
			Error:      errMsg,
			DurationMs: d.Milliseconds(),
			Timestamp:  time.Now().UTC(),
		})
	}
}

// HealthStatus — результат пробы upstream-а.
type HealthStatus struct {
	Reachable bool   `json:"reachable"`
	Status    int    `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// HealthCheck делает легкую пробу без ретраев. Любой HTTP-ответ
// (даже 4xx/5xx) означает «достижим»; функция никогда не паникует.
func (f *Forwarder) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	tCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(tCtx, http.MethodHead, f.cfg.Endpoint, nil)
	if err != nil {
		return HealthStatus{Error: err.Error()}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return HealthStatus{Error: err.Error(), LatencyMs: time.Since(start).Milliseconds()}
	}
	resp.Body.Close()
	return HealthStatus{
		Reachable: true,
		Status:    resp.StatusCode,
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

// Политика ретраев: таймаут и отказ соединения — да; DNS — никогда;
// 5xx — да; неклассифицированные сетевые ошибки — да по умолчанию.
func isRetryable(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return false
	}
	var uErr *upstreamError
	if errors.As(err, &uErr) {
		return uErr.Status >= 500
	}
	if isTimeout(err) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return true
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// shape превращает внутреннюю ошибку в ответ исходному вызывающему.
func shape(err error) *ShapedError {
	var tErr *ThrottleError
	if errors.As(err, &tErr) {
		err = tErr.Cause
	}
	if isTimeout(err) {
		return &ShapedError{StatusCode: http.StatusRequestTimeout, Message: "upstream request timed out", Cause: err}
	}
	var uErr *upstreamError
	if errors.As(err, &uErr) {
		return &ShapedError{StatusCode: uErr.Status, Message: uErr.Message, Cause: err}
	}
	// DNS, отказ соединения, открытый Circuit Breaker
	return &ShapedError{StatusCode: http.StatusServiceUnavailable, Message: "upstream service unavailable", Cause: err}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
