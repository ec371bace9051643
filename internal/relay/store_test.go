package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xela07ax/telemetry-relay/internal/domain"
	"github.com/xela07ax/telemetry-relay/internal/infra"
	"go.uber.org/zap"
)

// manualScheduler копит отложенные задания и запускает их только по команде
// теста: никакого wall-clock ожидания.
type manualScheduler struct {
	mu   sync.Mutex
	jobs []*manualJob
}

type manualJob struct {
	delay     time.Duration
	fn        func()
	cancelled bool
}

func (m *manualScheduler) Schedule(d time.Duration, fn func()) func() {
	m.mu.Lock()
	job := &manualJob{delay: d, fn: fn}
	m.jobs = append(m.jobs, job)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		job.cancelled = true
		m.mu.Unlock()
	}
}

// fire запускает задание с индексом i (как если бы сработал таймер).
func (m *manualScheduler) fire(i int) {
	m.mu.Lock()
	job := m.jobs[i]
	m.mu.Unlock()
	job.fn()
}

func (m *manualScheduler) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func (m *manualScheduler) job(i int) manualJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[i]
}

// live — число еще не снятых заданий.
func (m *manualScheduler) live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if !j.cancelled {
			n++
		}
	}
	return n
}

// stubHub записывает уведомления, ничего не рассылая.
type stubHub struct {
	mu     sync.Mutex
	events []domain.BroadcastEvent
}

func (h *stubHub) Notify(sessionID, kind string, payload map[string]interface{}) domain.BroadcastEvent {
	evt := domain.BroadcastEvent{SessionID: sessionID, Kind: kind, Payload: payload}
	h.mu.Lock()
	h.events = append(h.events, evt)
	h.mu.Unlock()
	return evt
}

func (h *stubHub) TrimExpired(time.Time) int { return 0 }
func (h *stubHub) Backlog() int              { return 0 }

func (h *stubHub) kinds(sessionID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, e := range h.events {
		if e.SessionID == sessionID {
			out = append(out, e.Kind)
		}
	}
	return out
}

func (h *stubHub) hasKind(sessionID, kind string) bool {
	for _, k := range h.kinds(sessionID) {
		if k == kind {
			return true
		}
	}
	return false
}

func testRelayConfig() infra.RelayConfig {
	return infra.RelayConfig{
		FlushInterval:  10 * time.Second,
		BatchThreshold: 20,
		MaxAttempts:    3,
		RetryBaseDelay: time.Second,
		SessionTTL:     30 * time.Minute,
		MaxIssues:      50,
		MaxForwards:    20,
	}
}

func newTestStore(cfg infra.RelayConfig, c OutcomeClassifier) (*Store, *manualScheduler, *stubHub) {
	sched := &manualScheduler{}
	hub := &stubHub{}
	st := NewStore(cfg, sched, c, hub, NewMetrics(nil), zap.NewNop())
	return st, sched, hub
}

func track(name string) Incoming {
	return Incoming{Type: domain.TypeTrack, Payload: domain.EventPayload{Event: name}}
}

func TestAddEventKeepsPendingInvariant(t *testing.T) {
	st, _, _ := newTestStore(testRelayConfig(), &StaticClassifier{Result: Outcome{OK: true}})

	for i := 0; i < 3; i++ {
		if _, err := st.AddEvent("s1", track("e")); err != nil {
			t.Fatalf("AddEvent: %v", err)
		}
	}

	v, err := st.View("s1")
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if v.Stats.Total != 3 || v.Stats.Flushed != 0 || v.Stats.Pending != 3 {
		t.Fatalf("unexpected stats: %+v", v.Stats)
	}
	if v.Stats.Pending != v.Stats.Total-v.Stats.Flushed {
		t.Fatalf("invariant pending=total-flushed broken: %+v", v.Stats)
	}
}

func TestForceFlushMarksSnapshotEvents(t *testing.T) {
	st, _, hub := newTestStore(testRelayConfig(), &StaticClassifier{Result: Outcome{OK: true}})

	st.AddEvent("s1", track("a"))
	st.AddEvent("s1", track("b"))
	st.AddEvent("s1", track("c"))

	res, err := st.Flush("s1", true)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if res.Result != ResultSuccess || res.Flushed != 3 || res.Pending != 0 || !res.Forced {
		t.Fatalf("unexpected flush result: %+v", res)
	}

	v, _ := st.View("s1")
	if v.Stats.Flushed != 3 || v.Stats.Pending != 0 {
		t.Fatalf("unexpected stats after flush: %+v", v.Stats)
	}
	// Порядок очереди сохраняется и после смены статусов
	want := []string{"a", "b", "c"}
	for i, e := range v.Events {
		if e.Payload.Event != want[i] {
			t.Fatalf("queue order broken at %d: %q", i, e.Payload.Event)
		}
		if e.Status != domain.EventFlushed {
			t.Fatalf("event %d not flushed: %s", i, e.Status)
		}
	}
	if !hub.hasKind("s1", domain.BroadcastFlushSucceeded) {
		t.Fatal("expected flush_succeeded broadcast")
	}
}

func TestFlushEmptyQueue(t *testing.T) {
	st, _, _ := newTestStore(testRelayConfig(), &StaticClassifier{Result: Outcome{OK: true}})
	st.GetOrCreate("s1")

	// Без force пустая очередь — no-op
	res, err := st.Flush("s1", false)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if res.Result != ResultNoEvents {
		t.Fatalf("expected no_events, got %+v", res)
	}
	v, _ := st.View("s1")
	if v.Stats.SucceededFlushes != 0 {
		t.Fatalf("no-op flush must not touch stats: %+v", v.Stats)
	}

	// Force пробивает шорткат и дает финальную попытку доставки
	res, err = st.Flush("s1", true)
	if err != nil {
		t.Fatalf("forced Flush: %v", err)
	}
	if res.Result != ResultSuccess || res.Flushed != 0 || !res.Forced {
		t.Fatalf("forced flush on empty queue: %+v", res)
	}
}

func TestAutoFlushRearmedAfterEmptyFire(t *testing.T) {
	st, sched, _ := newTestStore(testRelayConfig(), &StaticClassifier{Result: Outcome{OK: true}})

	st.GetOrCreate("s1")
	if sched.count() != 1 {
		t.Fatalf("expected initial auto-flush timer, got %d jobs", sched.count())
	}

	// Таймер срабатывает на пустой очереди: no_events, но расписание
	// обязано пережить холостой прогон
	sched.fire(0)
	if sched.live() != 1 {
		t.Fatalf("auto-flush timer must be re-armed after an empty fire, live=%d", sched.live())
	}

	// Событие ниже порога подбирается следующим плановым флашем
	st.AddEvent("s1", track("a"))
	sched.fire(sched.count() - 1)

	v, _ := st.View("s1")
	if v.Stats.Flushed != 1 || v.Stats.Pending != 0 {
		t.Fatalf("scheduled flush never picked up the event: %+v", v.Stats)
	}
	if sched.live() != 1 {
		t.Fatalf("expected exactly one live timer after success, live=%d", sched.live())
	}

	// На ended-сессии холостой флаш таймер не воскрешает
	st.EndSession("s1")
	if sched.live() != 0 {
		t.Fatalf("ended session must have no timers, live=%d", sched.live())
	}
	if _, err := st.Flush("s1", false); err != nil {
		t.Fatalf("Flush on ended session: %v", err)
	}
	if sched.live() != 0 {
		t.Fatalf("no_events flush on ended session must not re-arm, live=%d", sched.live())
	}
}

func TestFlushAgainstEvictedSession(t *testing.T) {
	bc := &blockingClassifier{started: make(chan struct{}), release: make(chan Outcome)}
	cfg := testRelayConfig()
	cfg.SessionTTL = time.Nanosecond
	st, sched, _ := newTestStore(cfg, bc)

	st.AddEvent("s1", track("a"))

	done := make(chan error)
	go func() {
		_, err := st.Flush("s1", false)
		done <- err
	}()
	<-bc.started

	// Выселение, пока батч в полете
	time.Sleep(time.Millisecond)
	if n := st.Cleanup(); n != 1 {
		t.Fatalf("expected eviction, got %d", n)
	}

	bc.release <- Outcome{OK: true}
	if err := <-done; err != domain.ErrUnknownSession {
		t.Fatalf("flush over an evicted session must report ErrUnknownSession, got %v", err)
	}

	// Призрачная сессия не оставляет ни записи, ни живых таймеров
	if _, err := st.View("s1"); err != domain.ErrUnknownSession {
		t.Fatalf("evicted session resurrected: %v", err)
	}
	if sched.live() != 0 {
		t.Fatalf("no timers may survive eviction, live=%d", sched.live())
	}
}

func TestFlushUnknownSession(t *testing.T) {
	st, _, _ := newTestStore(testRelayConfig(), &StaticClassifier{Result: Outcome{OK: true}})
	if _, err := st.Flush("missing", false); err != domain.ErrUnknownSession {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestBatchThresholdTriggersSingleFlush(t *testing.T) {
	cfg := testRelayConfig()
	cfg.BatchThreshold = 3
	st, _, _ := newTestStore(cfg, &StaticClassifier{Result: Outcome{OK: true}})

	st.AddEvent("s1", track("a"))
	st.AddEvent("s1", track("b"))
	v, _ := st.View("s1")
	if v.Stats.SucceededFlushes != 0 || v.Stats.Pending != 2 {
		t.Fatalf("flush fired before threshold: %+v", v.Stats)
	}

	// Третье событие пробивает порог — ровно один немедленный флаш
	st.AddEvent("s1", track("c"))
	v, _ = st.View("s1")
	if v.Stats.SucceededFlushes != 1 {
		t.Fatalf("expected exactly one threshold flush, got %+v", v.Stats)
	}
	if v.Stats.Flushed != 3 || v.Stats.Pending != 0 {
		t.Fatalf("unexpected stats after threshold flush: %+v", v.Stats)
	}
}

func TestAddBatchChecksThresholdOnce(t *testing.T) {
	cfg := testRelayConfig()
	cfg.BatchThreshold = 2
	st, _, hub := newTestStore(cfg, &StaticClassifier{Result: Outcome{OK: true}})

	evts, err := st.AddBatch("s1", []Incoming{track("a"), track("b"), track("c")})
	if err != nil {
		t.Fatalf("AddBatch: %v", err)
	}
	if len(evts) != 3 {
		t.Fatalf("expected 3 buffered events, got %d", len(evts))
	}

	v, _ := st.View("s1")
	if v.Stats.SucceededFlushes != 1 || v.Stats.Flushed != 3 {
		t.Fatalf("expected one flush covering the whole batch: %+v", v.Stats)
	}
	if !hub.hasKind("s1", domain.BroadcastBatchAdded) {
		t.Fatal("expected batch_added broadcast")
	}
}

func TestFailedFlushLinearBackoffUpToCap(t *testing.T) {
	st, sched, hub := newTestStore(testRelayConfig(), &StaticClassifier{
		Result: Outcome{Cause: domain.CauseNetworkTimeout, Message: "upstream timeout"},
	})

	st.AddEvent("s1", track("a"))
	// jobs[0] — автофлаш новой сессии
	if sched.count() != 1 {
		t.Fatalf("expected initial auto-flush timer, got %d jobs", sched.count())
	}

	res, err := st.Flush("s1", false)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if res.Result != string(domain.CauseNetworkTimeout) || res.Attempt != 1 {
		t.Fatalf("unexpected first failure: %+v", res)
	}

	// Ретрай 1: baseDelay × 1
	if sched.count() != 2 {
		t.Fatalf("expected retry timer after failure, got %d jobs", sched.count())
	}
	if d := sched.job(1).delay; d != time.Second {
		t.Fatalf("expected 1s retry delay, got %v", d)
	}

	// Ретрай 2: baseDelay × 2
	sched.fire(1)
	if sched.count() != 3 {
		t.Fatalf("expected second retry timer, got %d jobs", sched.count())
	}
	if d := sched.job(2).delay; d != 2*time.Second {
		t.Fatalf("expected 2s retry delay, got %v", d)
	}

	// Третья попытка — потолок: больше ничего не планируется
	sched.fire(2)
	if sched.count() != 3 {
		t.Fatalf("no retry expected past the attempt cap, got %d jobs", sched.count())
	}

	v, _ := st.View("s1")
	if v.Attempts != 3 || v.Stats.FailedFlushes != 3 {
		t.Fatalf("unexpected attempt accounting: attempts=%d stats=%+v", v.Attempts, v.Stats)
	}
	if len(v.Issues) != 3 {
		t.Fatalf("expected 3 flush issues, got %d", len(v.Issues))
	}
	for i, issue := range v.Issues {
		if issue.Cause != domain.CauseNetworkTimeout || issue.Attempt != i+1 {
			t.Fatalf("bad issue %d: %+v", i, issue)
		}
	}
	// События остаются pending со счетчиком ретраев
	if v.Events[0].Status != domain.EventPending || v.Events[0].Retries != 3 {
		t.Fatalf("unexpected event state: %+v", v.Events[0])
	}
	if !hub.hasKind("s1", domain.BroadcastFlushFailed) {
		t.Fatal("expected flush_failed broadcast")
	}
}

func TestSuccessfulRetryResetsAttempts(t *testing.T) {
	classifier := &StaticClassifier{
		Result: Outcome{Cause: domain.CauseServerError, Message: "upstream 500"},
	}
	st, sched, _ := newTestStore(testRelayConfig(), classifier)

	st.AddEvent("s1", track("a"))
	st.Flush("s1", false)

	v, _ := st.View("s1")
	if v.Attempts != 1 {
		t.Fatalf("expected 1 attempt after failure, got %d", v.Attempts)
	}

	// Upstream «починился» — ретрай по таймеру проходит
	classifier.Result = Outcome{OK: true}
	sched.fire(1)

	v, _ = st.View("s1")
	if v.Attempts != 0 {
		t.Fatalf("attempts must reset after success, got %d", v.Attempts)
	}
	if v.Stats.Flushed != 1 || v.Stats.Pending != 0 || v.Stats.SucceededFlushes != 1 {
		t.Fatalf("unexpected stats after recovery: %+v", v.Stats)
	}
	// После успеха перевешивается обычный автофлаш
	last := sched.job(sched.count() - 1)
	if last.delay != testRelayConfig().FlushInterval {
		t.Fatalf("expected auto-flush reschedule, got delay %v", last.delay)
	}
}

func TestIssueListIsCapped(t *testing.T) {
	cfg := testRelayConfig()
	cfg.MaxAttempts = 5
	cfg.MaxIssues = 2
	st, _, _ := newTestStore(cfg, &StaticClassifier{
		Result: Outcome{Cause: domain.CauseServerError},
	})

	st.AddEvent("s1", track("a"))
	for i := 0; i < 4; i++ {
		st.Flush("s1", true)
	}

	v, _ := st.View("s1")
	if len(v.Issues) != 2 {
		t.Fatalf("expected issue list capped at 2, got %d", len(v.Issues))
	}
	// Остаются самые свежие
	if v.Issues[0].Attempt != 3 || v.Issues[1].Attempt != 4 {
		t.Fatalf("cap must keep newest issues: %+v", v.Issues)
	}
}

// blockingClassifier держит флаш «в полете», пока тест не отпустит его.
type blockingClassifier struct {
	started chan struct{}
	release chan Outcome
}

func (c *blockingClassifier) Classify(ctx context.Context, fc FlushContext, batch []domain.BufferedEvent) Outcome {
	c.started <- struct{}{}
	return <-c.release
}

func TestEventsAddedDuringFlushStayPending(t *testing.T) {
	bc := &blockingClassifier{started: make(chan struct{}), release: make(chan Outcome)}
	st, _, _ := newTestStore(testRelayConfig(), bc)

	st.AddEvent("s1", track("a"))

	done := make(chan FlushResult)
	go func() {
		res, _ := st.Flush("s1", false)
		done <- res
	}()
	<-bc.started

	// Пока батч «летит», новые события принимаются и не теряются
	if _, err := st.AddEvent("s1", track("b")); err != nil {
		t.Fatalf("AddEvent during flush: %v", err)
	}

	// Конкурирующий флаш вырождается в no-op, а не в двойную отправку
	res, err := st.Flush("s1", false)
	if err != nil {
		t.Fatalf("concurrent Flush: %v", err)
	}
	if res.Result != ResultNoEvents {
		t.Fatalf("expected no_events for in-flight session, got %+v", res)
	}

	bc.release <- Outcome{OK: true}
	first := <-done
	if first.Flushed != 1 {
		t.Fatalf("only the snapshot must be flushed, got %+v", first)
	}

	v, _ := st.View("s1")
	if v.Stats.Flushed != 1 || v.Stats.Pending != 1 {
		t.Fatalf("late event must stay pending: %+v", v.Stats)
	}
}

func TestEndSessionRejectsNewEvents(t *testing.T) {
	st, _, hub := newTestStore(testRelayConfig(), &StaticClassifier{Result: Outcome{OK: true}})

	st.AddEvent("s1", track("a"))
	res, err := st.EndSession("s1")
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if res.Result != ResultSuccess || res.Flushed != 1 {
		t.Fatalf("expected final forced flush, got %+v", res)
	}

	v, _ := st.View("s1")
	if v.Status != domain.SessionEnded {
		t.Fatalf("expected ended status, got %s", v.Status)
	}

	if _, err := st.AddEvent("s1", track("b")); err != domain.ErrSessionEnded {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
	if _, err := st.AddBatch("s1", []Incoming{track("b")}); err != domain.ErrSessionEnded {
		t.Fatalf("expected ErrSessionEnded for batch, got %v", err)
	}
	if !hub.hasKind("s1", domain.BroadcastSessionEnded) {
		t.Fatal("expected session_ended broadcast")
	}
	if st.ActiveCount() != 0 {
		t.Fatalf("ended session still counted active: %d", st.ActiveCount())
	}
}

func TestInjectFaultConditions(t *testing.T) {
	rec := &recordingClassifier{result: Outcome{OK: true}}
	cfg := testRelayConfig()
	st, _, hub := newTestStore(cfg, rec)

	if err := st.InjectFault("s1", "timeout"); err != nil {
		t.Fatalf("InjectFault: %v", err)
	}
	st.AddEvent("s1", track("a"))
	st.Flush("s1", false)
	if rec.last().Network != domain.NetworkPoor {
		t.Fatalf("classifier must see poor network, got %+v", rec.last())
	}

	if err := st.InjectFault("s2", "memory_pressure"); err != nil {
		t.Fatalf("InjectFault: %v", err)
	}
	st.AddEvent("s2", track("a"))
	st.Flush("s2", false)
	if !rec.last().MemoryPressure {
		t.Fatalf("classifier must see memory pressure, got %+v", rec.last())
	}

	// batch_limit опускает порог до 1: первое же событие флашится
	if err := st.InjectFault("s3", "batch_limit"); err != nil {
		t.Fatalf("InjectFault: %v", err)
	}
	st.AddEvent("s3", track("a"))
	v, _ := st.View("s3")
	if v.Stats.SucceededFlushes != 1 {
		t.Fatalf("batch_limit fault must force immediate flush: %+v", v.Stats)
	}

	if err := st.InjectFault("s1", "disk_full"); err == nil {
		t.Fatal("expected error for unknown fault condition")
	}
	if !hub.hasKind("s1", domain.BroadcastFaultInjected) {
		t.Fatal("expected fault_injected broadcast")
	}
}

// recordingClassifier запоминает контексты флашей.
type recordingClassifier struct {
	mu     sync.Mutex
	calls  []FlushContext
	result Outcome
}

func (c *recordingClassifier) Classify(ctx context.Context, fc FlushContext, batch []domain.BufferedEvent) Outcome {
	c.mu.Lock()
	c.calls = append(c.calls, fc)
	c.mu.Unlock()
	return c.result
}

func (c *recordingClassifier) last() FlushContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[len(c.calls)-1]
}

func TestCleanupEvictsIdleSessions(t *testing.T) {
	cfg := testRelayConfig()
	cfg.SessionTTL = time.Nanosecond
	st, _, hub := newTestStore(cfg, &StaticClassifier{Result: Outcome{OK: true}})

	st.AddEvent("s1", track("a"))
	time.Sleep(time.Millisecond)

	if n := st.Cleanup(); n != 1 {
		t.Fatalf("expected 1 evicted session, got %d", n)
	}
	if _, err := st.View("s1"); err != domain.ErrUnknownSession {
		t.Fatalf("evicted session still visible: %v", err)
	}
	if !hub.hasKind("s1", domain.BroadcastSessionEvicted) {
		t.Fatal("expected session_evicted broadcast")
	}
}

func TestRecordForwardHistoryCapped(t *testing.T) {
	cfg := testRelayConfig()
	cfg.MaxForwards = 2
	st, _, _ := newTestStore(cfg, &StaticClassifier{Result: Outcome{OK: true}})

	st.GetOrCreate("s1")
	for i := 0; i < 3; i++ {
		st.RecordForward("s1", domain.ForwardOutcome{StatusCode: 200 + i})
	}

	v, _ := st.View("s1")
	if len(v.Forwards) != 2 {
		t.Fatalf("expected forward history capped at 2, got %d", len(v.Forwards))
	}
	if v.Forwards[0].StatusCode != 201 || v.Forwards[1].StatusCode != 202 {
		t.Fatalf("cap must keep newest outcomes: %+v", v.Forwards)
	}
}
