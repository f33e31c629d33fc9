package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultReadyKey   = "tasks:ready"
	defaultDelayedKey = "tasks:delayed"
)

// Queue enqueues tasks onto Redis. Immediate tasks go to a list; delayed
// tasks wait in a sorted set keyed by their due time until a worker
// promotes them.
type Queue struct {
	rdb        *redis.Client
	readyKey   string
	delayedKey string
	now        func() time.Time
}

// QueueOption customizes a Queue.
type QueueOption func(*Queue)

// WithKeys overrides the Redis keys, letting tests and multiple queues
// share one Redis.
func WithKeys(ready, delayed string) QueueOption {
	return func(q *Queue) {
		q.readyKey = ready
		q.delayedKey = delayed
	}
}

// WithQueueClock injects a clock for tests.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// NewQueue builds a Queue over the given Redis client.
func NewQueue(rdb *redis.Client, opts ...QueueOption) *Queue {
	q := &Queue{
		rdb:        rdb,
		readyKey:   defaultReadyKey,
		delayedKey: defaultDelayedKey,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue queues a task for immediate execution and returns its id.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any) (string, error) {
	task, raw, err := q.envelope(name, payload, 0)
	if err != nil {
		return "", err
	}
	if err := q.rdb.LPush(ctx, q.readyKey, raw).Err(); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", name, err)
	}
	return task.ID, nil
}

// EnqueueIn queues a new task to run no earlier than delay from now. It is
// the delayed-enqueue entry point for producers; retries of an existing
// task keep their id and retry count and go through the worker instead.
func (q *Queue) EnqueueIn(ctx context.Context, name string, payload any, delay time.Duration) (string, error) {
	task, raw, err := q.envelope(name, payload, 0)
	if err != nil {
		return "", err
	}
	due := float64(q.now().Add(delay).UnixMilli())
	if err := q.rdb.ZAdd(ctx, q.delayedKey, redis.Z{Score: due, Member: raw}).Err(); err != nil {
		return "", fmt.Errorf("enqueue delayed %s: %w", name, err)
	}
	return task.ID, nil
}

// requeue puts a previously consumed task back with an incremented retry
// count, after the given delay.
func (q *Queue) requeue(ctx context.Context, task *Task, delay time.Duration) error {
	task.Retries++
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("requeue %s: %w", task.Name, err)
	}
	due := float64(q.now().Add(delay).UnixMilli())
	if err := q.rdb.ZAdd(ctx, q.delayedKey, redis.Z{Score: due, Member: raw}).Err(); err != nil {
		return fmt.Errorf("requeue %s: %w", task.Name, err)
	}
	return nil
}

func (q *Queue) envelope(name string, payload any, retries int) (*Task, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	task := &Task{
		ID:         uuid.NewString(),
		Name:       name,
		Payload:    body,
		Retries:    retries,
		EnqueuedAt: q.now().UTC(),
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal %s task: %w", name, err)
	}
	return task, raw, nil
}
