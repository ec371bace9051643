package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Traffic: принятые события по типам
	EventsIngested *prometheus.CounterVec

	// Исходы флашей: success, no_events, network_timeout, ...
	FlushTotal *prometheus.CounterVec

	// Latency проброса на upstream
	ForwardDuration *prometheus.HistogramVec

	// Saturation: состояние Circuit Breaker (0 - ок, 1 - выбило)
	CircuitBreakerState prometheus.Gauge

	// Живые сессии
	ActiveSessions prometheus.Gauge

	// Заполненность кольцевого буфера уведомлений
	BroadcastBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		EventsIngested: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_ingested_total",
			Help: "Total number of ingested events by type.",
		}, []string{"type"}),

		FlushTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "relay_flush_total",
			Help: "Flush attempts by result.",
		}, []string{"result"}),

		ForwardDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_forward_duration_seconds",
			Help:    "Histogram of upstream forwarding latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"outcome"}),

		CircuitBreakerState: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "relay_circuit_breaker_state",
			Help: "Current state of the upstream circuit breaker (0=closed, 1=open).",
		}),

		ActiveSessions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Number of sessions in active status.",
		}),

		BroadcastBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "relay_broadcast_buffer_fill",
			Help: "Current number of events in the broadcast ring buffer.",
		}),
	}
}
