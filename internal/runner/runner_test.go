package runner

import (
	"context"
	"testing"
	"time"

	"github.com/techmedaddy/vigil/internal/policy"
	"github.com/techmedaddy/vigil/internal/queue"
	"github.com/techmedaddy/vigil/internal/store"
	"github.com/techmedaddy/vigil/internal/worker"
	"github.com/techmedaddy/vigil/pkg/models"
)

func setupTestRunner(t *testing.T) (*Runner, *store.MemoryMetricStore, *queue.MemoryQueue, *store.MemoryActionStore) {
	t.Helper()

	registry := policy.NewRegistry()
	engine := policy.NewEngine(registry, policy.NewCooldownRegistry())

	p := policy.Policy{
		Name:          "high-cpu",
		Severity:      models.SeverityWarning,
		Target:        "web-*",
		Enabled:       true,
		AutoRemediate: true,
		Action:        models.ActionRestart,
		Condition:     policy.Condition{Type: policy.CondMetricExceeds, Metric: "cpu_percent", Threshold: 80},
	}
	if err := registry.Insert(p); err != nil {
		t.Fatalf("insert policy: %v", err)
	}

	metricStore := store.NewMemoryMetricStore()
	actionStore := store.NewMemoryActionStore()
	q := queue.NewMemoryQueue()
	producer := worker.NewProducer(actionStore, q)

	r := New(engine, metricStore, producer, true, 30*time.Second, 100)
	return r, metricStore, q, actionStore
}

func TestTickEvaluatesGroupedSamples(t *testing.T) {
	r, metricStore, q, actionStore := setupTestRunner(t)
	ctx := context.Background()

	now := time.Now().UTC()
	samples := []*models.MetricSample{
		{Name: "cpu_percent", Value: 95, Tags: map[string]string{"target": "web-1"}, Timestamp: now},
		{Name: "cpu_percent", Value: 40, Tags: map[string]string{"target": "web-2"}, Timestamp: now},
		{Name: "cpu_percent", Value: 99, Tags: map[string]string{"target": "db-1"}, Timestamp: now},
	}
	for _, s := range samples {
		if _, err := metricStore.Insert(ctx, s); err != nil {
			t.Fatalf("insert sample: %v", err)
		}
	}

	violations, intents := r.Tick(ctx)

	// Only web-1 matches the policy target and exceeds the threshold;
	// db-1 is filtered out by the target glob.
	if violations != 1 || intents != 1 {
		t.Fatalf("expected 1 violation and 1 intent, got %d/%d", violations, intents)
	}

	env, err := q.Dequeue(ctx, time.Second)
	if err != nil || env == nil {
		t.Fatalf("expected envelope on queue, got %v %v", env, err)
	}
	if env.Target != "web-1" || env.Action != "restart" {
		t.Errorf("unexpected envelope: %+v", env)
	}

	rec, err := actionStore.Get(ctx, env.ActionID)
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if rec.Status != models.ActionStatusPending {
		t.Errorf("expected pending action, got %s", rec.Status)
	}
}

func TestTickUsesNewestValuePerMetric(t *testing.T) {
	r, metricStore, q, _ := setupTestRunner(t)
	ctx := context.Background()

	base := time.Now().UTC()
	// Older sample violates, newest does not: the newest value wins.
	old := &models.MetricSample{Name: "cpu_percent", Value: 95,
		Tags: map[string]string{"target": "web-1"}, Timestamp: base.Add(-time.Minute)}
	fresh := &models.MetricSample{Name: "cpu_percent", Value: 20,
		Tags: map[string]string{"target": "web-1"}, Timestamp: base}
	for _, s := range []*models.MetricSample{old, fresh} {
		if _, err := metricStore.Insert(ctx, s); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	violations, _ := r.Tick(ctx)
	if violations != 0 {
		t.Errorf("expected no violations with recovered metric, got %d", violations)
	}
	if env, _ := q.Dequeue(ctx, 20*time.Millisecond); env != nil {
		t.Errorf("unexpected envelope: %v", env)
	}
}

func TestTickEmptyBatch(t *testing.T) {
	r, _, _, _ := setupTestRunner(t)

	violations, intents := r.Tick(context.Background())
	if violations != 0 || intents != 0 {
		t.Errorf("expected empty tick, got %d/%d", violations, intents)
	}
}

func TestRunnerStatusAndLifecycle(t *testing.T) {
	r, _, _, _ := setupTestRunner(t)

	st := r.Status()
	if !st.Enabled || st.Running {
		t.Errorf("unexpected initial status: %+v", st)
	}
	if st.IntervalSeconds != 30 || st.BatchSize != 100 {
		t.Errorf("unexpected settings: %+v", st)
	}

	ctx := context.Background()
	r.Start(ctx)
	if !r.Status().Running {
		t.Error("expected running after Start")
	}
	r.Stop()
	if r.Status().Running {
		t.Error("expected stopped after Stop")
	}
}

func TestDisabledRunnerDoesNotStart(t *testing.T) {
	registry := policy.NewRegistry()
	engine := policy.NewEngine(registry, policy.NewCooldownRegistry())
	producer := worker.NewProducer(store.NewMemoryActionStore(), queue.NewMemoryQueue())

	r := New(engine, store.NewMemoryMetricStore(), producer, false, time.Second, 10)
	r.Start(context.Background())
	if r.Status().Running {
		t.Error("disabled runner must not run")
	}
}
