package proxy

import (
	"sync"
	"time"
)

// Stats — процессные счетчики проброса. Здоровье доставки конкретной
// сессии смотрится отдельно, через её ForwardOutcome-историю.
type Stats struct {
	mu           sync.Mutex
	total        int64
	success      int64
	failure      int64
	avgLatencyMs float64
	lastRequest  time.Time
}

type StatsSnapshot struct {
	TotalRequests int64     `json:"total_requests"`
	Success       int64     `json:"success"`
	Failure       int64     `json:"failure"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	LastRequest   time.Time `json:"last_request"`
}

func NewStats() *Stats { return &Stats{} }

// Record обновляет счетчики и скользящее среднее латентности.
func (s *Stats) Record(ok bool, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if ok {
		s.success++
	} else {
		s.failure++
	}
	// инкрементальное среднее: avg += (x - avg) / n
	ms := float64(d.Milliseconds())
	s.avgLatencyMs += (ms - s.avgLatencyMs) / float64(s.total)
	s.lastRequest = time.Now().UTC()
}

func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		TotalRequests: s.total,
		Success:       s.success,
		Failure:       s.failure,
		AvgLatencyMs:  s.avgLatencyMs,
		LastRequest:   s.lastRequest,
	}
}

// Reset сбрасывает счетчики (debug-поверхность).
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total = 0
	s.success = 0
	s.failure = 0
	s.avgLatencyMs = 0
	s.lastRequest = time.Time{}
}
