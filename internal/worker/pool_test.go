package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/techmedaddy/vigil/internal/queue"
	"github.com/techmedaddy/vigil/internal/store"
	"github.com/techmedaddy/vigil/pkg/models"
)

// scriptedRemediator serves canned status codes in order, then repeats the
// last one. It counts how many requests it received.
type scriptedRemediator struct {
	codes []int
	hits  atomic.Int64
	srv   *httptest.Server
}

func newScriptedRemediator(t *testing.T, codes ...int) *scriptedRemediator {
	t.Helper()
	s := &scriptedRemediator{codes: codes}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := s.hits.Add(1)
		idx := int(n) - 1
		if idx >= len(s.codes) {
			idx = len(s.codes) - 1
		}
		code := s.codes[idx]
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if code >= 200 && code < 300 {
			w.Write([]byte(`{"status":"success","detail":"done"}`))
		} else {
			w.Write([]byte(`{"detail":"boom"}`))
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

// setupTestPool wires a pool over in-memory queue and store with instant
// backoff sleeps.
func setupTestPool(t *testing.T, cfg Config, remediatorURL string) (*Pool, *queue.MemoryQueue, *store.MemoryActionStore) {
	t.Helper()

	q := queue.NewMemoryQueue()
	actions := store.NewMemoryActionStore()
	breaker := NewCircuitBreaker(3, time.Minute, time.Minute)
	client := NewRemediatorClient(remediatorURL, cfg.ExecutionTimeout)

	pool := NewPool(cfg, q, actions, breaker, client)
	pool.sleep = func(ctx context.Context, d time.Duration) {}
	return pool, q, actions
}

func enqueueTestAction(t *testing.T, q *queue.MemoryQueue, actions *store.MemoryActionStore, target string) *models.TaskEnvelope {
	t.Helper()

	producer := NewProducer(actions, q)
	intent := models.Intent{
		PolicyName: "high-cpu",
		Action:     models.ActionRestart,
		Target:     target,
		Severity:   models.SeverityWarning,
	}
	if _, err := producer.EnqueueIntent(context.Background(), intent); err != nil {
		t.Fatalf("enqueue intent: %v", err)
	}
	env, err := q.Dequeue(context.Background(), time.Second)
	if err != nil || env == nil {
		t.Fatalf("dequeue: %v %v", env, err)
	}
	return env
}

func TestProcessTask_Success(t *testing.T) {
	rem := newScriptedRemediator(t, 200)
	pool, q, actions := setupTestPool(t, DefaultConfig(), rem.srv.URL)
	ctx := context.Background()

	env := enqueueTestAction(t, q, actions, "web-1")
	pool.processTask(ctx, env)

	rec, err := actions.Get(ctx, env.ActionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != models.ActionStatusCompleted {
		t.Errorf("expected completed, got %s", rec.Status)
	}
	if rec.Details != "done" {
		t.Errorf("expected remediator detail, got %q", rec.Details)
	}
	if rem.hits.Load() != 1 {
		t.Errorf("expected 1 remediator call, got %d", rem.hits.Load())
	}

	stats, _ := q.Stats(ctx)
	if stats.TasksCompleted != 1 || stats.TasksFailed != 0 {
		t.Errorf("unexpected queue counters: %+v", stats)
	}
}

func TestProcessTask_RetryThenSucceed(t *testing.T) {
	rem := newScriptedRemediator(t, 503, 200)
	pool, q, actions := setupTestPool(t, DefaultConfig(), rem.srv.URL)
	ctx := context.Background()

	env := enqueueTestAction(t, q, actions, "web-1")

	// Attempt 1: 503, transient. The envelope goes back on the queue.
	pool.processTask(ctx, env)

	rec, _ := actions.Get(ctx, env.ActionID)
	if rec.Status != models.ActionStatusPending {
		t.Fatalf("expected pending after transient failure, got %s", rec.Status)
	}
	if rec.Attempts != 2 {
		t.Errorf("expected attempts=2, got %d", rec.Attempts)
	}

	retry, err := q.Dequeue(ctx, time.Second)
	if err != nil || retry == nil {
		t.Fatalf("expected re-enqueued envelope, got %v %v", retry, err)
	}
	if retry.Attempt != 2 {
		t.Errorf("expected envelope attempt=2, got %d", retry.Attempt)
	}

	// Attempt 2: success.
	pool.processTask(ctx, retry)

	rec, _ = actions.Get(ctx, env.ActionID)
	if rec.Status != models.ActionStatusCompleted {
		t.Errorf("expected completed, got %s", rec.Status)
	}
	if rec.Attempts != 2 {
		t.Errorf("expected attempts=2, got %d", rec.Attempts)
	}

	stats, _ := q.Stats(ctx)
	if stats.TasksCompleted != 1 {
		t.Errorf("expected tasks_completed=1, got %d", stats.TasksCompleted)
	}
	if stats.TasksFailed != 0 {
		t.Errorf("tasks_failed should be unchanged, got %d", stats.TasksFailed)
	}
	if rem.hits.Load() != 2 {
		t.Errorf("expected 2 remediator calls, got %d", rem.hits.Load())
	}
}

func TestProcessTask_PermanentFailure(t *testing.T) {
	rem := newScriptedRemediator(t, 400)
	pool, q, actions := setupTestPool(t, DefaultConfig(), rem.srv.URL)
	ctx := context.Background()

	env := enqueueTestAction(t, q, actions, "web-1")
	pool.processTask(ctx, env)

	rec, _ := actions.Get(ctx, env.ActionID)
	if rec.Status != models.ActionStatusFailed {
		t.Errorf("expected failed, got %s", rec.Status)
	}
	if rem.hits.Load() != 1 {
		t.Errorf("400 must not be retried, got %d calls", rem.hits.Load())
	}

	// Nothing re-enqueued.
	if env, _ := q.Dequeue(ctx, 20*time.Millisecond); env != nil {
		t.Errorf("unexpected envelope on queue: %v", env)
	}
}

func TestProcessTask_RetryBound(t *testing.T) {
	rem := newScriptedRemediator(t, 503)
	cfg := DefaultConfig()
	cfg.RetryMaxAttempts = 3
	pool, q, actions := setupTestPool(t, cfg, rem.srv.URL)
	ctx := context.Background()

	env := enqueueTestAction(t, q, actions, "web-1")
	for env != nil {
		pool.processTask(ctx, env)
		env, _ = q.Dequeue(ctx, 20*time.Millisecond)
	}

	recs, _ := actions.List(ctx, store.ActionFilter{})
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].Status != models.ActionStatusFailed {
		t.Errorf("expected failed after exhausting retries, got %s", recs[0].Status)
	}
	if rem.hits.Load() != 3 {
		t.Errorf("expected exactly 3 remediator calls, got %d", rem.hits.Load())
	}
}

func TestProcessTask_CircuitOpen(t *testing.T) {
	rem := newScriptedRemediator(t, 500)
	cfg := DefaultConfig()
	cfg.RetryMaxAttempts = 1 // every 500 is terminal, feeding the breaker
	pool, q, actions := setupTestPool(t, cfg, rem.srv.URL)
	ctx := context.Background()

	// Three failures open the breaker for svc-1.
	for i := 0; i < 3; i++ {
		env := enqueueTestAction(t, q, actions, "svc-1")
		pool.processTask(ctx, env)
	}
	if rem.hits.Load() != 3 {
		t.Fatalf("expected 3 remediator calls, got %d", rem.hits.Load())
	}

	// The fourth intent fails fast without an HTTP call.
	env := enqueueTestAction(t, q, actions, "svc-1")
	pool.processTask(ctx, env)

	rec, _ := actions.Get(ctx, env.ActionID)
	if rec.Status != models.ActionStatusFailed {
		t.Errorf("expected failed, got %s", rec.Status)
	}
	if rec.LastError != "circuit_open" {
		t.Errorf("expected last_error circuit_open, got %q", rec.LastError)
	}
	if rem.hits.Load() != 3 {
		t.Errorf("breaker must prevent the HTTP call, got %d calls", rem.hits.Load())
	}
}

func TestProcessTask_DuplicateDiscarded(t *testing.T) {
	rem := newScriptedRemediator(t, 200)
	pool, q, actions := setupTestPool(t, DefaultConfig(), rem.srv.URL)
	ctx := context.Background()

	env := enqueueTestAction(t, q, actions, "web-1")
	pool.processTask(ctx, env)

	// Redelivering the same envelope after completion must be a no-op.
	pool.processTask(ctx, env)

	if rem.hits.Load() != 1 {
		t.Errorf("duplicate delivery must not call the remediator again, got %d", rem.hits.Load())
	}
}

func TestBackoffBounds(t *testing.T) {
	cfg := DefaultConfig()
	pool := NewPool(cfg, queue.NewMemoryQueue(), store.NewMemoryActionStore(), nil, nil)

	for attempt := 1; attempt <= 10; attempt++ {
		d := pool.backoff(attempt)
		// base * 2^(attempt-1) capped at 60s, with +/-20% jitter.
		ideal := float64(cfg.RetryBaseDelay) * float64(int64(1)<<uint(attempt-1))
		if ideal > float64(cfg.RetryMaxDelay) {
			ideal = float64(cfg.RetryMaxDelay)
		}
		lo := time.Duration(ideal * 0.79)
		hi := time.Duration(ideal * 1.21)
		if d < lo || d > hi {
			t.Errorf("attempt %d: backoff %v outside [%v, %v]", attempt, d, lo, hi)
		}
	}
}

func TestPoolStartStop(t *testing.T) {
	rem := newScriptedRemediator(t, 200)
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 2
	cfg.QueuePollTimeout = 50 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second
	pool, q, actions := setupTestPool(t, cfg, rem.srv.URL)
	ctx := context.Background()

	producer := NewProducer(actions, q)
	id, err := producer.EnqueueIntent(ctx, models.Intent{
		PolicyName: "high-cpu",
		Action:     models.ActionRestart,
		Target:     "web-1",
		Severity:   models.SeverityCritical,
	})
	if err != nil {
		t.Fatalf("enqueue intent: %v", err)
	}

	pool.Start(ctx)
	defer pool.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for {
		rec, err := actions.Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.Status == models.ActionStatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("action never completed, status=%s", rec.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	st := pool.Status()
	if !st.Running || st.Workers != 2 {
		t.Errorf("unexpected status: %+v", st)
	}
	if st.TasksProcessed != 1 {
		t.Errorf("expected 1 processed task, got %d", st.TasksProcessed)
	}

	pool.Stop()
	if pool.Status().Running {
		t.Error("pool should report stopped")
	}
}
