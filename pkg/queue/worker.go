package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// promoteScript atomically moves due tasks from the delayed set to the
// ready list, oldest first.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, task in ipairs(due) do
    redis.call('ZREM', KEYS[1], task)
    redis.call('LPUSH', KEYS[2], task)
end
return #due
`)

// Handler executes one task. A returned *RetryError schedules a retry at
// the requested delay; any other error retries after DefaultRetryDelay.
// Retries stop once the task has been retried MaxRetries times.
type Handler func(ctx context.Context, task *Task) error

// Worker consumes tasks from a Queue with a pool of goroutines and a
// promoter that feeds due delayed tasks back into the ready list.
type Worker struct {
	queue       *Queue
	logger      *slog.Logger
	concurrency int
	popTimeout  time.Duration
	promoteTick time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
}

// WorkerOption customizes a Worker.
type WorkerOption func(*Worker)

// WithConcurrency sets the number of consumer goroutines.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) { w.concurrency = n }
}

// WithPromoteInterval sets how often due delayed tasks are promoted.
func WithPromoteInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.promoteTick = d }
}

// NewWorker builds a Worker over the given Queue.
func NewWorker(q *Queue, logger *slog.Logger, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		queue:       q,
		logger:      logger.With("component", "worker"),
		concurrency: 4,
		popTimeout:  time.Second,
		promoteTick: time.Second,
		handlers:    map[string]Handler{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle registers the handler for a task name. Registering twice for the
// same name replaces the previous handler.
func (w *Worker) Handle(name string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = h
}

// Run consumes tasks until ctx is cancelled, then waits for in-flight
// handlers to finish.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.promoteLoop(ctx)
	}()

	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consumeLoop(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(w.promoteTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.PromoteDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("promote delayed tasks", "error", err)
			}
		}
	}
}

// PromoteDue moves all currently due delayed tasks to the ready list.
func (w *Worker) PromoteDue(ctx context.Context) error {
	now := w.queue.now().UnixMilli()
	return promoteScript.Run(ctx, w.queue.rdb,
		[]string{w.queue.delayedKey, w.queue.readyKey}, now).Err()
}

func (w *Worker) consumeLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := w.queue.rdb.BRPop(ctx, w.popTimeout, w.queue.readyKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("pop task", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// BRPop returns [key, value].
		w.runTask(ctx, res[1])
	}
}

func (w *Worker) runTask(ctx context.Context, raw string) {
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		w.logger.Error("malformed task dropped", "error", err)
		return
	}

	w.mu.RLock()
	handler, ok := w.handlers[task.Name]
	w.mu.RUnlock()
	if !ok {
		w.logger.Error("no handler for task", "task", task.Name, "task_id", task.ID)
		return
	}

	err := handler(ctx, &task)
	if err == nil {
		return
	}

	if task.Retries >= MaxRetries {
		w.logger.Error("task exhausted retries",
			"task", task.Name, "task_id", task.ID, "retries", task.Retries, "error", err)
		return
	}

	delay := DefaultRetryDelay
	var retryErr *RetryError
	if errors.As(err, &retryErr) {
		delay = retryErr.After
	}
	w.logger.Warn("task failed, retrying",
		"task", task.Name, "task_id", task.ID, "retries", task.Retries, "delay", delay, "error", err)

	// Requeue with a background context so shutdown does not lose the task.
	requeueCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rqErr := w.queue.requeue(requeueCtx, &task, delay); rqErr != nil {
		w.logger.Error("requeue failed, task lost",
			"task", task.Name, "task_id", task.ID, "error", rqErr)
	}
}
