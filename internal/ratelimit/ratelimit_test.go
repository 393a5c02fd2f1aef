package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snapgate/snapgate/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCache implements cache.Cache with controllable failure.
type fakeCache struct {
	mu      sync.Mutex
	counts  map[string]int64
	resets  map[string]time.Time
	failing atomic.Bool
	pingErr error
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		counts: make(map[string]int64),
		resets: make(map[string]time.Time),
	}
}

func (f *fakeCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (f *fakeCache) Get(_ context.Context, _ string) ([]byte, bool, error)            { return nil, false, nil }
func (f *fakeCache) Delete(_ context.Context, _ string) error                         { return nil }

func (f *fakeCache) Ping(_ context.Context) error { return f.pingErr }

func (f *fakeCache) IncrWithTTL(_ context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	if f.failing.Load() {
		return 0, 0, errors.New("connection refused")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	if reset, ok := f.resets[key]; !ok || !now.Before(reset) {
		f.resets[key] = now.Add(ttl)
		f.counts[key] = 0
	}
	f.counts[key]++
	return f.counts[key], time.Until(f.resets[key]), nil
}

func testTier(limit int64, window time.Duration) models.Tier {
	return models.Tier{Name: "test", Limit: limit, Window: window}
}

// --- Limiter ---

func TestCheck_AllowsUpToLimitThenDenies(t *testing.T) {
	limiter := NewLimiter(NewAdapter(newFakeCache(), time.Second))
	tier := testTier(5, time.Hour)

	for i := 0; i < 5; i++ {
		res, err := limiter.Check(context.Background(), "p1", tier)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, int64(5), res.Limit)
		assert.Equal(t, int64(4-i), res.Remaining)
	}

	res, err := limiter.Check(context.Background(), "p1", tier)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(0), res.Remaining)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.WithinDuration(t, time.Now().Add(time.Hour), res.ResetAt, 5*time.Second)
}

func TestCheck_ScopesAreIndependent(t *testing.T) {
	limiter := NewLimiter(NewAdapter(newFakeCache(), time.Second))
	tier := testTier(1, time.Hour)

	res, err := limiter.Check(context.Background(), "p1", tier)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = limiter.Check(context.Background(), "p2", tier)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = limiter.Check(context.Background(), "p1", tier)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestCheck_ExactlyNAllowedUnderConcurrency(t *testing.T) {
	limiter := NewLimiter(NewAdapter(newFakeCache(), time.Second))
	tier := testTier(50, time.Hour)

	const callers = 200
	var allowed atomic.Int64
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			res, err := limiter.Check(context.Background(), "shared", tier)
			assert.NoError(t, err)
			if res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), allowed.Load())
}

// --- Window roll ---

func TestIncrement_FreshWindowAfterReset(t *testing.T) {
	adapter := NewAdapter(newFakeCache(), time.Second)

	state, err := adapter.Increment(context.Background(), "k", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Count)
	firstReset := state.ResetAt

	state, err = adapter.Increment(context.Background(), "k", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.Count)
	// Window deadline does not move while the window is live.
	assert.WithinDuration(t, firstReset, state.ResetAt, 10*time.Millisecond)

	time.Sleep(60 * time.Millisecond)

	state, err = adapter.Increment(context.Background(), "k", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Count)
}

// --- Degraded fallback ---

func TestAdapter_DegradesAndKeepsCounting(t *testing.T) {
	fc := newFakeCache()
	adapter := NewAdapter(fc, time.Second)

	state, err := adapter.Increment(context.Background(), "k", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Count)
	assert.False(t, adapter.Degraded())

	fc.failing.Store(true)

	// The shared counter is unreachable; we admit on process-local counting
	// rather than erroring.
	state, err = adapter.Increment(context.Background(), "k", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Count)
	assert.True(t, adapter.Degraded())

	state, err = adapter.Increment(context.Background(), "k", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.Count)
}

func TestAdapter_NoSilentPromotion(t *testing.T) {
	fc := newFakeCache()
	adapter := NewAdapter(fc, time.Second)

	fc.failing.Store(true)
	_, err := adapter.Increment(context.Background(), "k", time.Hour)
	require.NoError(t, err)
	require.True(t, adapter.Degraded())

	// The backend recovers, but without Reconnect the adapter stays on the
	// fallback.
	fc.failing.Store(false)
	_, err = adapter.Increment(context.Background(), "k", time.Hour)
	require.NoError(t, err)
	assert.True(t, adapter.Degraded())
}

func TestAdapter_ReconnectRestoresSharedCounting(t *testing.T) {
	fc := newFakeCache()
	adapter := NewAdapter(fc, time.Second)

	fc.failing.Store(true)
	_, err := adapter.Increment(context.Background(), "k", time.Hour)
	require.NoError(t, err)
	require.True(t, adapter.Degraded())

	fc.failing.Store(false)
	require.NoError(t, adapter.Reconnect(context.Background()))
	assert.False(t, adapter.Degraded())

	state, err := adapter.Increment(context.Background(), "k", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Count)
}

func TestAdapter_ReconnectFailsWhileStoreDown(t *testing.T) {
	fc := newFakeCache()
	fc.pingErr = errors.New("still down")
	adapter := NewAdapter(fc, time.Second)

	fc.failing.Store(true)
	_, err := adapter.Increment(context.Background(), "k", time.Hour)
	require.NoError(t, err)

	assert.Error(t, adapter.Reconnect(context.Background()))
	assert.True(t, adapter.Degraded())
}

// --- Tier resolution ---

func TestTierByName_UnknownFallsToLowestPrivilege(t *testing.T) {
	tier := models.TierByName("enterprise-deluxe")
	assert.Equal(t, models.TierAnonymous, tier.Name)
	assert.Equal(t, int64(50), tier.Limit)
}
