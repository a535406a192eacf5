package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/techmedaddy/vigil/internal/metrics"
	"github.com/techmedaddy/vigil/pkg/models"
)

// statsKey is the Redis hash holding the queue counters.
const statsKey = QueueName + ":stats"

// RedisQueue is the durable Queue implementation: a Redis list for the
// FIFO (RPUSH tail / BLPOP head) and a hash for the counters. Envelopes
// survive process restarts; unclaimed tasks stay on the list.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue connects to Redis at addr (host:port) and verifies
// connectivity before returning.
func NewRedisQueue(ctx context.Context, addr string) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  -1, // blocking BLPOP manages its own deadline
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("queue: failed to connect to Redis at %s: %w", addr, err)
	}

	log.Printf("queue: connected to Redis at %s (queue=%s)", addr, QueueName)
	return &RedisQueue{client: client}, nil
}

// Enqueue appends the envelope to the tail of the list and increments the
// tasks_enqueued counter.
func (q *RedisQueue) Enqueue(ctx context.Context, env *models.TaskEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue: encode envelope: %w", err)
	}

	if err := q.client.RPush(ctx, QueueName, payload).Err(); err != nil {
		return fmt.Errorf("queue: enqueue task %s: %w", env.TaskID, err)
	}
	q.client.HIncrBy(ctx, statsKey, "tasks_enqueued", 1)

	metrics.QueueOperations.WithLabelValues("enqueue").Inc()
	if n, err := q.client.LLen(ctx, QueueName).Result(); err == nil {
		metrics.QueueLength.Set(float64(n))
	}

	log.Printf("queue: enqueued task %s (action_id=%d, target=%s, attempt=%d)",
		env.TaskID, env.ActionID, env.Target, env.Attempt)
	return nil
}

// Dequeue blocks up to timeout for a head element. On timeout it returns
// (nil, nil). An envelope that fails to decode is dropped with an error
// logged, so one poison entry cannot wedge the consumers.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*models.TaskEnvelope, error) {
	res, err := q.client.BLPop(ctx, timeout, QueueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.QueueOperations.WithLabelValues("timeout").Inc()
			return nil, nil
		}
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}

	// res is [key, payload]
	var env models.TaskEnvelope
	if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
		log.Printf("queue: dropping undecodable envelope: %v", err)
		return nil, nil
	}

	q.client.HIncrBy(ctx, statsKey, "tasks_dequeued", 1)
	q.setLastProcessed(ctx, &env)

	metrics.QueueOperations.WithLabelValues("dequeue").Inc()
	if n, err := q.client.LLen(ctx, QueueName).Result(); err == nil {
		metrics.QueueLength.Set(float64(n))
	}
	return &env, nil
}

func (q *RedisQueue) setLastProcessed(ctx context.Context, env *models.TaskEnvelope) {
	last, err := json.Marshal(map[string]any{
		"task_id":   env.TaskID,
		"action_id": env.ActionID,
		"target":    env.Target,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	// Best effort: stats must never fail a dequeue.
	q.client.HSet(ctx, statsKey, "last_processed_task", last)
}

// Length returns the current list length.
func (q *RedisQueue) Length(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, QueueName).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: length: %w", err)
	}
	return n, nil
}

// Stats reads the counters hash and the current queue length.
func (q *RedisQueue) Stats(ctx context.Context) (*models.QueueStats, error) {
	length, err := q.Length(ctx)
	if err != nil {
		return nil, err
	}

	fields, err := q.client.HGetAll(ctx, statsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: stats: %w", err)
	}

	stats := &models.QueueStats{QueueLength: length}
	stats.TasksEnqueued = parseCounter(fields["tasks_enqueued"])
	stats.TasksDequeued = parseCounter(fields["tasks_dequeued"])
	stats.TasksCompleted = parseCounter(fields["tasks_completed"])
	stats.TasksFailed = parseCounter(fields["tasks_failed"])

	if raw, ok := fields["last_processed_task"]; ok && raw != "" {
		var last map[string]any
		if err := json.Unmarshal([]byte(raw), &last); err == nil {
			stats.LastProcessedTask = last
		}
	}
	return stats, nil
}

func parseCounter(raw string) int64 {
	var n int64
	if raw == "" {
		return 0
	}
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0
	}
	return n
}

// RecordCompleted increments the completed counter.
func (q *RedisQueue) RecordCompleted(ctx context.Context) error {
	return q.client.HIncrBy(ctx, statsKey, "tasks_completed", 1).Err()
}

// RecordFailed increments the failed counter.
func (q *RedisQueue) RecordFailed(ctx context.Context) error {
	return q.client.HIncrBy(ctx, statsKey, "tasks_failed", 1).Err()
}

// Close shuts down the Redis client.
func (q *RedisQueue) Close() error {
	log.Println("queue: closing Redis connection")
	return q.client.Close()
}
