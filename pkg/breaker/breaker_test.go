package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testURL = "https://example.test/hook"

func newTestBreaker(t *testing.T, opts ...Option) (*Breaker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, opts...), mr
}

func TestBreakerClosedByDefault(t *testing.T) {
	b, _ := newTestBreaker(t)
	open, err := b.IsOpen(context.Background(), testURL)
	require.NoError(t, err)
	assert.False(t, open)

	stats, err := b.Stats(context.Background(), testURL)
	require.NoError(t, err)
	assert.Equal(t, "closed", stats.State)
	assert.Zero(t, stats.Failures)
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		tripped, err := b.RecordFailure(ctx, testURL)
		require.NoError(t, err)
		assert.False(t, tripped)
	}

	tripped, err := b.RecordFailure(ctx, testURL)
	require.NoError(t, err)
	assert.True(t, tripped, "fifth failure trips the circuit")

	open, err := b.IsOpen(ctx, testURL)
	require.NoError(t, err)
	assert.True(t, open)

	stats, err := b.Stats(ctx, testURL)
	require.NoError(t, err)
	assert.Equal(t, "open", stats.State)
	assert.Equal(t, DefaultFailureThreshold, stats.Failures)
	assert.NotEmpty(t, stats.OpenedAt)
}

func TestBreakerHalfOpensAfterRecoveryTimeout(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	b, _ := newTestBreaker(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < DefaultFailureThreshold; i++ {
		_, err := b.RecordFailure(ctx, testURL)
		require.NoError(t, err)
	}
	open, err := b.IsOpen(ctx, testURL)
	require.NoError(t, err)
	require.True(t, open)

	// Just before the recovery timeout: still open.
	now = now.Add(DefaultRecoveryTimeout)
	open, err = b.IsOpen(ctx, testURL)
	require.NoError(t, err)
	assert.True(t, open)

	// Past the recovery timeout: the probe goes through and the state
	// becomes half_open.
	now = now.Add(2 * time.Second)
	open, err = b.IsOpen(ctx, testURL)
	require.NoError(t, err)
	assert.False(t, open)

	stats, err := b.Stats(ctx, testURL)
	require.NoError(t, err)
	assert.Equal(t, "half_open", stats.State)
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	b, _ := newTestBreaker(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < DefaultFailureThreshold; i++ {
		_, err := b.RecordFailure(ctx, testURL)
		require.NoError(t, err)
	}
	now = now.Add(DefaultRecoveryTimeout + time.Second)
	_, err := b.IsOpen(ctx, testURL)
	require.NoError(t, err)

	require.NoError(t, b.RecordSuccess(ctx, testURL))

	stats, err := b.Stats(ctx, testURL)
	require.NoError(t, err)
	assert.Equal(t, "closed", stats.State)
	assert.Zero(t, stats.Failures)
	assert.Empty(t, stats.OpenedAt)
}

func TestBreakerSuccessClearsFailureCounter(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	_, err := b.RecordFailure(ctx, testURL)
	require.NoError(t, err)
	require.NoError(t, b.RecordSuccess(ctx, testURL))

	stats, err := b.Stats(ctx, testURL)
	require.NoError(t, err)
	assert.Zero(t, stats.Failures)
	assert.Equal(t, "closed", stats.State)
}

func TestBreakerFailuresDecay(t *testing.T) {
	b, mr := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		_, err := b.RecordFailure(ctx, testURL)
		require.NoError(t, err)
	}

	// Five quiet minutes expire the counter; the next failure starts at 1.
	mr.FastForward(failuresTTL + time.Second)

	tripped, err := b.RecordFailure(ctx, testURL)
	require.NoError(t, err)
	assert.False(t, tripped)
}

func TestBreakerPerURLIsolation(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < DefaultFailureThreshold; i++ {
		_, err := b.RecordFailure(ctx, testURL)
		require.NoError(t, err)
	}

	open, err := b.IsOpen(ctx, "https://other.test/hook")
	require.NoError(t, err)
	assert.False(t, open)
}
