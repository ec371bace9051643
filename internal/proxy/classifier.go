package proxy

import (
	"context"
	"errors"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/xela07ax/telemetry-relay/internal/domain"
	"github.com/xela07ax/telemetry-relay/internal/relay"
)

// BatchClassifier — боевая реализация relay.OutcomeClassifier:
// исход флаша определяется настоящим вызовом upstream-а, никакой
// симуляции. Подменяет SimulatedClassifier в продовом окружении.
type BatchClassifier struct {
	f *Forwarder
}

func NewBatchClassifier(f *Forwarder) *BatchClassifier {
	return &BatchClassifier{f: f}
}

func (c *BatchClassifier) Classify(ctx context.Context, fc relay.FlushContext, batch []domain.BufferedEvent) relay.Outcome {
	payloads := make([]domain.EventPayload, len(batch))
	for i, e := range batch {
		payloads[i] = e.Payload
	}
	body, err := json.Marshal(map[string]interface{}{"batch": payloads})
	if err != nil {
		return relay.Outcome{Cause: domain.CauseUnknown, Message: err.Error()}
	}

	res, err := c.f.Forward(ctx, nil, body, "/batch", fc.SessionID)
	if err != nil {
		var shaped *ShapedError
		if errors.As(err, &shaped) {
			switch {
			case shaped.StatusCode == http.StatusRequestTimeout:
				return relay.Outcome{Cause: domain.CauseNetworkTimeout, Message: shaped.Message}
			case shaped.StatusCode >= 500:
				return relay.Outcome{Cause: domain.CauseServerError, Message: shaped.Message}
			}
		}
		return relay.Outcome{Cause: domain.CauseUnknown, Message: err.Error()}
	}
	if res.StatusCode >= 400 {
		return relay.Outcome{Cause: domain.CauseServerError, Message: http.StatusText(res.StatusCode)}
	}
	return relay.Outcome{OK: true}
}
