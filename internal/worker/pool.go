package worker

import (
	"context"
	"log"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/techmedaddy/vigil/internal/metrics"
	"github.com/techmedaddy/vigil/internal/queue"
	"github.com/techmedaddy/vigil/internal/store"
	"github.com/techmedaddy/vigil/pkg/models"
)

// Config carries the worker pool settings.
type Config struct {
	MaxConcurrent    int
	QueuePollTimeout time.Duration
	ExecutionTimeout time.Duration

	RetryMaxAttempts     int
	RetryBaseDelay       time.Duration
	RetryMaxDelay        time.Duration
	RetryExponentialBase float64

	ShutdownTimeout time.Duration
}

// DefaultConfig returns the documented pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:        5,
		QueuePollTimeout:     5 * time.Second,
		ExecutionTimeout:     30 * time.Second,
		RetryMaxAttempts:     3,
		RetryBaseDelay:       time.Second,
		RetryMaxDelay:        60 * time.Second,
		RetryExponentialBase: 2.0,
		ShutdownTimeout:      30 * time.Second,
	}
}

// Status is the operator-visible view of the pool.
type Status struct {
	Running        bool       `json:"running"`
	Workers        int        `json:"workers"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	UptimeSeconds  float64    `json:"uptime_seconds"`
	TasksProcessed int64      `json:"tasks_processed"`
	TasksFailed    int64      `json:"tasks_failed"`
	SuccessRate    float64    `json:"success_rate"`
}

// Pool runs MaxConcurrent workers that drain the task queue and apply the
// dispatch protocol: claim the action record, consult the circuit breaker,
// transition to running before the remote call, classify the outcome, and
// either complete, retry with backoff, or fail the action.
type Pool struct {
	cfg     Config
	tasks   queue.Queue
	actions store.ActionStore
	breaker *CircuitBreaker
	client  *RemediatorClient

	tasksProcessed atomic.Int64
	tasksFailed    atomic.Int64

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration)
}

// NewPool wires a worker pool over the queue, action store, breaker, and
// remediator client.
func NewPool(cfg Config, tasks queue.Queue, actions store.ActionStore, breaker *CircuitBreaker, client *RemediatorClient) *Pool {
	return &Pool{
		cfg:     cfg,
		tasks:   tasks,
		actions: actions,
		breaker: breaker,
		client:  client,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// Start launches the workers. It is a no-op if the pool is already running.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.startedAt = time.Now().UTC()

	for i := 0; i < p.cfg.MaxConcurrent; i++ {
		p.wg.Add(1)
		go p.workerLoop(runCtx, i)
	}

	log.Printf("worker: pool started with %d workers (poll=%s, exec timeout=%s)",
		p.cfg.MaxConcurrent, p.cfg.QueuePollTimeout, p.cfg.ExecutionTimeout)
}

// Stop signals the workers and waits up to ShutdownTimeout for in-flight
// dispatches to reach a terminal action state. Unclaimed envelopes remain
// on the queue.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("worker: pool drained cleanly")
	case <-time.After(p.cfg.ShutdownTimeout):
		log.Printf("worker: pool shutdown timed out after %s", p.cfg.ShutdownTimeout)
	}
}

// Status reports the pool counters.
func (p *Pool) Status() Status {
	p.mu.Lock()
	running := p.running
	startedAt := p.startedAt
	p.mu.Unlock()

	st := Status{
		Running:        running,
		Workers:        p.cfg.MaxConcurrent,
		TasksProcessed: p.tasksProcessed.Load(),
		TasksFailed:    p.tasksFailed.Load(),
	}
	if !startedAt.IsZero() {
		t := startedAt
		st.StartedAt = &t
		st.UptimeSeconds = time.Since(startedAt).Seconds()
	}
	if total := st.TasksProcessed + st.TasksFailed; total > 0 {
		st.SuccessRate = float64(st.TasksProcessed) / float64(total) * 100
	}
	return st
}

func (p *Pool) workerLoop(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, err := p.tasks.Dequeue(ctx, p.cfg.QueuePollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("worker: %d: dequeue error: %v", id, err)
			p.sleep(ctx, time.Second)
			continue
		}
		if env == nil {
			continue
		}

		// A claimed task runs on a context detached from shutdown, so Stop
		// drains it instead of aborting the remediator call midway.
		p.processTask(context.WithoutCancel(ctx), env)
	}
}

// processTask applies the dispatch protocol to one envelope. Failures are
// isolated per task; nothing here propagates to the worker loop.
func (p *Pool) processTask(ctx context.Context, env *models.TaskEnvelope) {
	metrics.WorkerActive.Inc()
	defer metrics.WorkerActive.Dec()

	// Claim: only a pending record may proceed. Anything else is a
	// duplicate or stale delivery and is discarded.
	if _, err := p.actions.Claim(ctx, env.ActionID); err != nil {
		log.Printf("worker: discarding task %s: %v", env.TaskID, err)
		metrics.WorkerTasks.WithLabelValues("discarded").Inc()
		return
	}

	// Circuit breaker: fail fast without touching the remediator.
	if p.breaker.Open(env.Target) {
		log.Printf("worker: breaker open for %q, failing action %d", env.Target, env.ActionID)
		if err := p.actions.MarkFailed(ctx, env.ActionID, "circuit_open"); err != nil {
			log.Printf("worker: mark action %d failed: %v", env.ActionID, err)
			return
		}
		p.tasks.RecordFailed(ctx)
		p.tasksFailed.Add(1)
		metrics.WorkerTasks.WithLabelValues("failed").Inc()
		metrics.ActionsTotal.WithLabelValues(env.Target, env.Action, string(models.ActionStatusFailed)).Inc()
		return
	}

	// Transition to running BEFORE the remote call; a crash after this
	// point leaves the action running rather than risking a double dispatch.
	if err := p.actions.MarkRunning(ctx, env.ActionID); err != nil {
		log.Printf("worker: lost claim race for action %d: %v", env.ActionID, err)
		metrics.WorkerTasks.WithLabelValues("discarded").Inc()
		return
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, p.cfg.ExecutionTimeout)
	outcome, detail := p.client.Dispatch(dispatchCtx, env)
	cancel()

	switch outcome {
	case OutcomeSuccess:
		if err := p.actions.MarkCompleted(ctx, env.ActionID, detail); err != nil {
			log.Printf("worker: mark action %d completed: %v", env.ActionID, err)
			return
		}
		p.tasks.RecordCompleted(ctx)
		p.tasksProcessed.Add(1)
		p.breaker.RecordSuccess(env.Target)
		metrics.WorkerTasks.WithLabelValues("completed").Inc()
		metrics.ActionsTotal.WithLabelValues(env.Target, env.Action, string(models.ActionStatusCompleted)).Inc()
		log.Printf("worker: task %s completed (action_id=%d, target=%s, attempt=%d)",
			env.TaskID, env.ActionID, env.Target, env.Attempt)

	case OutcomeTransient:
		p.breaker.RecordFailure(env.Target)
		if env.Attempt < p.cfg.RetryMaxAttempts {
			p.retryTask(ctx, env, detail)
			return
		}
		p.failTask(ctx, env, detail+" (attempts exhausted)")

	case OutcomePermanent:
		p.breaker.RecordFailure(env.Target)
		p.failTask(ctx, env, detail)
	}
}

// retryTask backs off, transitions the action back to pending, and
// re-enqueues the envelope with an incremented attempt.
func (p *Pool) retryTask(ctx context.Context, env *models.TaskEnvelope, detail string) {
	delay := p.backoff(env.Attempt)
	log.Printf("worker: task %s transient failure (%s), retry %d/%d in %s",
		env.TaskID, detail, env.Attempt, p.cfg.RetryMaxAttempts, delay.Round(time.Millisecond))

	p.sleep(ctx, delay)

	if err := p.actions.MarkPendingRetry(ctx, env.ActionID, detail); err != nil {
		log.Printf("worker: mark action %d pending for retry: %v", env.ActionID, err)
		return
	}

	retry := *env
	retry.Attempt++
	retry.EnqueuedAt = time.Now().UTC()
	if err := p.tasks.Enqueue(ctx, &retry); err != nil {
		log.Printf("worker: re-enqueue action %d: %v", env.ActionID, err)
		if ferr := p.actions.MarkFailed(ctx, env.ActionID, "re-enqueue failed: "+err.Error()); ferr != nil {
			log.Printf("worker: mark action %d failed: %v", env.ActionID, ferr)
		}
		return
	}
	metrics.WorkerTasks.WithLabelValues("retried").Inc()
}

func (p *Pool) failTask(ctx context.Context, env *models.TaskEnvelope, detail string) {
	if err := p.actions.MarkFailed(ctx, env.ActionID, detail); err != nil {
		log.Printf("worker: mark action %d failed: %v", env.ActionID, err)
		return
	}
	p.tasks.RecordFailed(ctx)
	p.tasksFailed.Add(1)
	metrics.WorkerTasks.WithLabelValues("failed").Inc()
	metrics.ActionsTotal.WithLabelValues(env.Target, env.Action, string(models.ActionStatusFailed)).Inc()
	log.Printf("worker: task %s failed permanently: %s", env.TaskID, detail)
}

// backoff computes min(maxDelay, base * expBase^(attempt-1)) with up to
// 20% jitter in either direction.
func (p *Pool) backoff(attempt int) time.Duration {
	delay := float64(p.cfg.RetryBaseDelay) * math.Pow(p.cfg.RetryExponentialBase, float64(attempt-1))
	if max := float64(p.cfg.RetryMaxDelay); delay > max {
		delay = max
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(delay * jitter)
}
