package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bc9123/telemetry-project/pkg/auth"
	"github.com/bc9123/telemetry-project/pkg/respond"
)

// RateTier is one request budget over one window.
type RateTier struct {
	Limit  int
	Window time.Duration
}

// Published tiers. The limiter key is the API-key prefix when present,
// otherwise the client IP.
var (
	TierIngestMinute  = RateTier{Limit: 1000, Window: time.Minute}
	TierIngestHour    = RateTier{Limit: 10000, Window: time.Hour}
	TierWebhookCreate = RateTier{Limit: 50, Window: time.Hour}
	TierAPIKeyCreate  = RateTier{Limit: 10, Window: time.Hour}
	TierRuleOps       = RateTier{Limit: 100, Window: time.Hour}
	TierRuleAssign    = RateTier{Limit: 200, Window: time.Hour}
	TierDeviceCreate  = RateTier{Limit: 100, Window: time.Hour}
)

// RateLimiter keeps one token bucket per (key, tier) pair. Idle buckets are
// evicted after an hour.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	lastSeen map[string]time.Time
}

type bucket struct {
	limiters []*rate.Limiter
}

// NewRateLimiter builds a RateLimiter and starts its eviction loop.
func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{
		buckets:  map[string]*bucket{},
		lastSeen: map[string]time.Time{},
	}
	go rl.evictLoop()
	return rl
}

func (rl *RateLimiter) evictLoop() {
	for range time.Tick(10 * time.Minute) {
		cutoff := time.Now().Add(-time.Hour)
		rl.mu.Lock()
		for key, seen := range rl.lastSeen {
			if seen.Before(cutoff) {
				delete(rl.buckets, key)
				delete(rl.lastSeen, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Allow reports whether one request under key passes every tier.
func (rl *RateLimiter) Allow(key string, tiers ...RateTier) bool {
	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{}
		for _, tier := range tiers {
			b.limiters = append(b.limiters,
				rate.NewLimiter(rate.Every(tier.Window/time.Duration(tier.Limit)), tier.Limit))
		}
		rl.buckets[key] = b
	}
	rl.lastSeen[key] = time.Now()
	rl.mu.Unlock()

	for _, l := range b.limiters {
		if !l.Allow() {
			return false
		}
	}
	return true
}

// Limit wraps a handler with the given tiers. scope keeps budgets of
// different endpoints apart for the same caller.
func (rl *RateLimiter) Limit(scope string, next http.HandlerFunc, tiers ...RateTier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(scope+"|"+limiterKey(r), tiers...) {
			respond.WriteTooManyRequests(w, "Rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func limiterKey(r *http.Request) string {
	if presented := r.Header.Get(auth.HeaderAPIKey); presented != "" {
		prefix, _, ok := strings.Cut(presented, ".")
		if ok && prefix != "" {
			return "key:" + prefix
		}
	}
	return "ip:" + clientIP(r)
}
