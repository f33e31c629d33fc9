// Package queue implements a small Redis-backed task queue: a ready list
// consumed with BRPOP plus a delayed sorted set promoted by a Lua script.
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// MaxRetries bounds re-execution of a failing task. A task whose retry
// count reaches this value is dropped after a final error log.
const MaxRetries = 8

// DefaultRetryDelay applies when a handler fails without scheduling its own
// retry.
const DefaultRetryDelay = 30 * time.Second

// Task is the wire envelope for a queued unit of work.
type Task struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	Retries    int             `json:"retries"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Decode unmarshals the task payload into v.
func (t *Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Name, err)
	}
	return nil
}

// RetryError instructs the worker to re-run the task after a specific delay
// instead of the default.
type RetryError struct {
	After time.Duration
	Cause error
}

func (e *RetryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("retry in %s: %s", e.After, e.Cause)
	}
	return fmt.Sprintf("retry in %s", e.After)
}

func (e *RetryError) Unwrap() error { return e.Cause }

// Retry wraps cause into a RetryError with the given delay.
func Retry(after time.Duration, cause error) *RetryError {
	return &RetryError{After: after, Cause: cause}
}
