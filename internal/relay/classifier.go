package relay

import (
	"context"
	"math/rand"

	"github.com/xela07ax/telemetry-relay/internal/domain"
)

// Outcome — исход одной попытки флаша.
type Outcome struct {
	OK      bool
	Cause   domain.FlushCause
	Message string
}

// FlushContext — всё, что классификатору нужно знать о попытке.
type FlushContext struct {
	SessionID      string
	Network        domain.NetworkCondition
	MemoryPressure bool // инъекция memory_pressure через debug-поверхность
	Attempt        int
}

// OutcomeClassifier решает судьбу батча. В проде это реальный вызов
// upstream-а (см. proxy.BatchClassifier), в остальных режимах — симуляция.
// Рандом никогда не зашивается в сам планировщик флашей.
type OutcomeClassifier interface {
	Classify(ctx context.Context, fc FlushContext, batch []domain.BufferedEvent) Outcome
}

// SimulatedClassifier воспроизводит отказы upstream-а без сети:
// таймауты при «плохой» сети, memory pressure на больших батчах
// и фоновая вероятность серверной ошибки.
type SimulatedClassifier struct {
	TimeoutProb   float64 // P(network_timeout) при Network == poor
	MemoryProb    float64 // P(memory_pressure) при len(batch) > SizeThreshold
	ServerErrProb float64 // фоновая P(server_error)
	SizeThreshold int
}

// NewSimulatedClassifier возвращает классификатор с дефолтными вероятностями.
func NewSimulatedClassifier() *SimulatedClassifier {
	return &SimulatedClassifier{
		TimeoutProb:   0.3,
		MemoryProb:    0.25,
		ServerErrProb: 0.05,
		SizeThreshold: 50,
	}
}

func (c *SimulatedClassifier) Classify(ctx context.Context, fc FlushContext, batch []domain.BufferedEvent) Outcome {
	if fc.Network == domain.NetworkPoor && rand.Float64() < c.TimeoutProb {
		return Outcome{Cause: domain.CauseNetworkTimeout, Message: "simulated upstream timeout"}
	}
	if (fc.MemoryPressure || len(batch) > c.SizeThreshold) && rand.Float64() < c.MemoryProb {
		return Outcome{Cause: domain.CauseMemoryPressure, Message: "simulated memory pressure on oversized batch"}
	}
	if rand.Float64() < c.ServerErrProb {
		return Outcome{Cause: domain.CauseServerError, Message: "simulated upstream 5xx"}
	}
	return Outcome{OK: true}
}

// StaticClassifier — детерминированный дублер для тестов.
type StaticClassifier struct {
	Result Outcome
}

func (c *StaticClassifier) Classify(ctx context.Context, fc FlushContext, batch []domain.BufferedEvent) Outcome {
	return c.Result
}
