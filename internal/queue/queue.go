// Package queue implements the remediation task queue.
//
// The contract is a single FIFO named remediation_queue with blocking
// dequeue and operator-visible counters. RedisQueue is the durable
// production implementation; MemoryQueue mirrors the same contract
// in-process for tests and for degraded startup without Redis.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/techmedaddy/vigil/internal/metrics"
	"github.com/techmedaddy/vigil/pkg/models"
)

// QueueName is the well-known name of the remediation task FIFO.
const QueueName = "remediation_queue"

// Queue is the remediation task FIFO. Enqueue appends to the tail;
// Dequeue blocks up to timeout for the head element and returns (nil, nil)
// when it expires. Implementations must preserve global FIFO order across
// concurrent producers and consumers.
type Queue interface {
	Enqueue(ctx context.Context, env *models.TaskEnvelope) error
	Dequeue(ctx context.Context, timeout time.Duration) (*models.TaskEnvelope, error)
	Length(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (*models.QueueStats, error)

	// RecordCompleted and RecordFailed maintain the terminal-outcome
	// counters reported by Stats.
	RecordCompleted(ctx context.Context) error
	RecordFailed(ctx context.Context) error

	Close() error
}

// MemoryQueue is an in-process Queue. It is safe for concurrent use and
// preserves FIFO order, but provides no durability across restarts.
type MemoryQueue struct {
	mu    sync.Mutex
	items []*models.TaskEnvelope

	enqueued  int64
	dequeued  int64
	completed int64
	failed    int64
	lastTask  map[string]any

	notify chan struct{}
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{notify: make(chan struct{}, 1)}
}

// Enqueue appends the envelope to the tail.
func (q *MemoryQueue) Enqueue(ctx context.Context, env *models.TaskEnvelope) error {
	q.mu.Lock()
	cp := *env
	q.items = append(q.items, &cp)
	q.enqueued++
	length := int64(len(q.items))
	q.mu.Unlock()

	metrics.QueueOperations.WithLabelValues("enqueue").Inc()
	metrics.QueueLength.Set(float64(length))

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue pops the head element, blocking up to timeout. On timeout it
// returns (nil, nil).
func (q *MemoryQueue) Dequeue(ctx context.Context, timeout time.Duration) (*models.TaskEnvelope, error) {
	deadline := time.Now().Add(timeout)

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			env := q.items[0]
			q.items = q.items[1:]
			q.dequeued++
			q.lastTask = map[string]any{
				"task_id":   env.TaskID,
				"action_id": env.ActionID,
				"target":    env.Target,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			}
			length := int64(len(q.items))
			q.mu.Unlock()

			metrics.QueueOperations.WithLabelValues("dequeue").Inc()
			metrics.QueueLength.Set(float64(length))
			return env, nil
		}
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			metrics.QueueOperations.WithLabelValues("timeout").Inc()
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// Length returns the current queue size.
func (q *MemoryQueue) Length(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

// Stats returns the queue counters.
func (q *MemoryQueue) Stats(ctx context.Context) (*models.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return &models.QueueStats{
		QueueLength:       int64(len(q.items)),
		TasksEnqueued:     q.enqueued,
		TasksDequeued:     q.dequeued,
		TasksCompleted:    q.completed,
		TasksFailed:       q.failed,
		LastProcessedTask: q.lastTask,
	}, nil
}

// RecordCompleted increments the completed counter.
func (q *MemoryQueue) RecordCompleted(ctx context.Context) error {
	q.mu.Lock()
	q.completed++
	q.mu.Unlock()
	return nil
}

// RecordFailed increments the failed counter.
func (q *MemoryQueue) RecordFailed(ctx context.Context) error {
	q.mu.Lock()
	q.failed++
	q.mu.Unlock()
	return nil
}

// Close releases queue resources.
func (q *MemoryQueue) Close() error { return nil }
