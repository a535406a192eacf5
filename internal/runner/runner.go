// Package runner implements the scheduled policy re-evaluation loop.
//
// A single recurring task drains recent metric samples from the repository,
// groups them by target, and evaluates the policy engine once per group.
// Ticks are serialized: each tick runs to completion on the loop goroutine
// before the next is scheduled, so overrun ticks coalesce to at most one
// pending tick.
package runner

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/techmedaddy/vigil/internal/policy"
	"github.com/techmedaddy/vigil/internal/store"
	"github.com/techmedaddy/vigil/internal/worker"
	"github.com/techmedaddy/vigil/pkg/models"
)

// Runner periodically re-evaluates policies over recent samples. It covers
// time-windowed conditions that on-ingest evaluation alone would miss.
type Runner struct {
	engine   *policy.Engine
	metrics  store.MetricStore
	producer *worker.Producer

	enabled   bool
	interval  time.Duration
	batchSize int

	mu       sync.Mutex
	running  bool
	lastTick time.Time
	cancel   context.CancelFunc
	done     chan struct{}

	now func() time.Time
}

// New creates a Runner. It does not start ticking until Start is called.
func New(engine *policy.Engine, metrics store.MetricStore, producer *worker.Producer, enabled bool, interval time.Duration, batchSize int) *Runner {
	return &Runner{
		engine:    engine,
		metrics:   metrics,
		producer:  producer,
		enabled:   enabled,
		interval:  interval,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// Start launches the tick loop. Disabled runners never start.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		log.Printf("runner: disabled, skipping startup")
		return
	}
	if r.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.lastTick = r.now().Add(-r.interval)
	r.done = make(chan struct{})

	go r.loop(loopCtx)
	log.Printf("runner: started (interval=%s, batch_size=%d)", r.interval, r.batchSize)
}

// Stop halts the tick loop and waits for an in-flight tick to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	cancel()
	<-done
	log.Printf("runner: stopped")
}

// Status reports the runner state.
func (r *Runner) Status() models.RunnerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return models.RunnerStatus{
		Enabled:         r.enabled,
		Running:         r.running,
		IntervalSeconds: r.interval.Seconds(),
		BatchSize:       r.batchSize,
	}
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// The tick body runs inline, so a slow evaluation delays the
			// next tick rather than stacking concurrent ones.
			r.Tick(ctx)
		}
	}
}

// Tick runs one evaluation cycle: fetch samples since the previous tick,
// group them by target, and evaluate each group. It returns the number of
// violations and intents produced.
func (r *Runner) Tick(ctx context.Context) (violations, intents int) {
	r.mu.Lock()
	cutoff := r.lastTick
	r.lastTick = r.now()
	r.mu.Unlock()

	samples, err := r.metrics.ListSince(ctx, cutoff, r.batchSize)
	if err != nil {
		log.Printf("runner: fetch recent samples: %v", err)
		return 0, 0
	}
	if len(samples) == 0 {
		return 0, 0
	}

	start := r.now()
	for target, metricsMap := range groupByTarget(samples) {
		v, i := r.engine.Evaluate(metricsMap, target)
		violations += len(v)
		intents += len(i)

		for _, intent := range i {
			if _, err := r.producer.EnqueueIntent(ctx, intent); err != nil {
				log.Printf("runner: enqueue intent for %q: %v", intent.Target, err)
			}
		}
	}

	if violations > 0 || intents > 0 {
		log.Printf("runner: tick evaluated %d samples in %s: %d violations, %d intents",
			len(samples), r.now().Sub(start).Round(time.Millisecond), violations, intents)
	}
	return violations, intents
}

// groupByTarget buckets samples by their "target" tag (empty for untagged
// samples) and keeps the newest value per metric name in each bucket.
// Samples arrive newest first, so the first value seen wins.
func groupByTarget(samples []*models.MetricSample) map[string]map[string]float64 {
	groups := make(map[string]map[string]float64)
	for _, s := range samples {
		target := s.Tags["target"]
		group, ok := groups[target]
		if !ok {
			group = make(map[string]float64)
			groups[target] = group
		}
		if _, seen := group[s.Name]; !seen {
			group[s.Name] = s.Value
		}
	}
	return groups
}
