// Package breaker implements a per-URL circuit breaker over Redis.
//
// Three independent keys per URL carry the state:
//
//	circuit:state:<url>      "open" | "half_open"   (TTL 1h; absent = closed)
//	circuit:failures:<url>   failure counter         (TTL 5m; decays when quiet)
//	circuit:opened_at:<url>  RFC 3339 open instant   (TTL 1h)
//
// Only single-key atomicity (INCR, SET, DEL) is required.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	stateOpen     = "open"
	stateHalfOpen = "half_open"
	stateClosed   = "closed"

	stateTTL    = time.Hour
	failuresTTL = 5 * time.Minute
)

// Defaults per the delivery pipeline contract.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
)

// Breaker trips a URL open after FailureThreshold failures within the
// failure-counter TTL, and half-opens it after RecoveryTimeout.
type Breaker struct {
	rdb              *redis.Client
	failureThreshold int
	recoveryTimeout  time.Duration
	now              func() time.Time
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithFailureThreshold overrides the trip threshold.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) { b.failureThreshold = n }
}

// WithRecoveryTimeout overrides the open→half-open delay.
func WithRecoveryTimeout(d time.Duration) Option {
	return func(b *Breaker) { b.recoveryTimeout = d }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New builds a Breaker over the given Redis client.
func New(rdb *redis.Client, opts ...Option) *Breaker {
	b := &Breaker{
		rdb:              rdb,
		failureThreshold: DefaultFailureThreshold,
		recoveryTimeout:  DefaultRecoveryTimeout,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func keyState(url string) string    { return "circuit:state:" + url }
func keyFailures(url string) string { return "circuit:failures:" + url }
func keyOpenedAt(url string) string { return "circuit:opened_at:" + url }

// IsOpen reports whether requests to url are currently blocked. When the
// recovery timeout has elapsed since the circuit opened, the state moves to
// half_open and this probe is allowed through.
func (b *Breaker) IsOpen(ctx context.Context, url string) (bool, error) {
	state, err := b.rdb.Get(ctx, keyState(url)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("breaker state: %w", err)
	}
	if state != stateOpen {
		return false, nil
	}

	openedAt, err := b.rdb.Get(ctx, keyOpenedAt(url)).Result()
	if err == nil {
		opened, parseErr := time.Parse(time.RFC3339Nano, openedAt)
		if parseErr == nil && b.now().UTC().Sub(opened) > b.recoveryTimeout {
			if err := b.rdb.Set(ctx, keyState(url), stateHalfOpen, stateTTL).Err(); err != nil {
				return false, fmt.Errorf("breaker half-open: %w", err)
			}
			return false, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("breaker opened_at: %w", err)
	}
	return true, nil
}

// RecordSuccess resets the breaker: a half-open probe success closes the
// circuit entirely, any other success just clears the failure counter.
func (b *Breaker) RecordSuccess(ctx context.Context, url string) error {
	state, err := b.rdb.Get(ctx, keyState(url)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("breaker state: %w", err)
	}

	if state == stateHalfOpen {
		if err := b.rdb.Del(ctx, keyState(url), keyFailures(url), keyOpenedAt(url)).Err(); err != nil {
			return fmt.Errorf("breaker close: %w", err)
		}
		return nil
	}
	if err := b.rdb.Del(ctx, keyFailures(url)).Err(); err != nil {
		return fmt.Errorf("breaker reset failures: %w", err)
	}
	return nil
}

// RecordFailure counts a failure and trips the circuit open once the
// threshold is reached. Returns true iff this call tripped it.
func (b *Breaker) RecordFailure(ctx context.Context, url string) (bool, error) {
	failures, err := b.rdb.Incr(ctx, keyFailures(url)).Result()
	if err != nil {
		return false, fmt.Errorf("breaker incr: %w", err)
	}
	if err := b.rdb.Expire(ctx, keyFailures(url), failuresTTL).Err(); err != nil {
		return false, fmt.Errorf("breaker expire: %w", err)
	}

	if failures < int64(b.failureThreshold) {
		return false, nil
	}

	openedAt := b.now().UTC().Format(time.RFC3339Nano)
	if err := b.rdb.Set(ctx, keyState(url), stateOpen, stateTTL).Err(); err != nil {
		return false, fmt.Errorf("breaker open: %w", err)
	}
	if err := b.rdb.Set(ctx, keyOpenedAt(url), openedAt, stateTTL).Err(); err != nil {
		return false, fmt.Errorf("breaker opened_at: %w", err)
	}
	return failures == int64(b.failureThreshold), nil
}

// Stats describes the breaker state for monitoring.
type Stats struct {
	State    string `json:"state"`
	Failures int    `json:"failures"`
	OpenedAt string `json:"opened_at"`
}

// Stats reads the current breaker state for url. A missing failure counter
// reads as zero; a missing state key reads as closed.
func (b *Breaker) Stats(ctx context.Context, url string) (Stats, error) {
	stats := Stats{State: stateClosed}

	state, err := b.rdb.Get(ctx, keyState(url)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return stats, fmt.Errorf("breaker state: %w", err)
	}
	if state != "" {
		stats.State = state
	}

	failures, err := b.rdb.Get(ctx, keyFailures(url)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return stats, fmt.Errorf("breaker failures: %w", err)
	}
	stats.Failures = failures

	openedAt, err := b.rdb.Get(ctx, keyOpenedAt(url)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return stats, fmt.Errorf("breaker opened_at: %w", err)
	}
	stats.OpenedAt = openedAt

	return stats, nil
}
