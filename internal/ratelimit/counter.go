package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snapgate/snapgate/internal/cache"
)

// WindowState is the outcome of one atomic counter increment: the count
// after this request and the moment the window rolls over.
type WindowState struct {
	Count   int64
	ResetAt time.Time
}

// CounterStore is the atomic windowed counter every rate-limit decision is
// built on. Increment is get-or-create-and-increment in one step: the first
// call for a key opens a window of the given duration with count 1, later
// calls bump the count and leave the deadline untouched.
type CounterStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (WindowState, error)
}

// Adapter backs CounterStore with the shared Redis counter and degrades to a
// process-local counter when Redis is unreachable. Degraded mode admits
// traffic on weaker, single-process counting rather than rejecting
// everything; it never promotes itself back — call Reconnect explicitly.
type Adapter struct {
	cache    cache.Cache
	timeout  time.Duration
	degraded atomic.Bool
	fallback *memoryCounter
}

// NewAdapter wraps c with a hot-path timeout and an in-process fallback.
func NewAdapter(c cache.Cache, timeout time.Duration) *Adapter {
	return &Adapter{
		cache:    c,
		timeout:  timeout,
		fallback: newMemoryCounter(),
	}
}

func (a *Adapter) Increment(ctx context.Context, key string, window time.Duration) (WindowState, error) {
	if a.degraded.Load() {
		return a.fallback.increment(key, window), nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	count, remaining, err := a.cache.IncrWithTTL(ctx, key, window)
	if err != nil {
		if a.degraded.CompareAndSwap(false, true) {
			slog.Warn("counter store unreachable, degrading to in-process counting", "error", err)
		}
		return a.fallback.increment(key, window), nil
	}
	return WindowState{Count: count, ResetAt: time.Now().Add(remaining)}, nil
}

// Degraded reports whether the adapter is running on its in-process fallback.
func (a *Adapter) Degraded() bool {
	return a.degraded.Load()
}

// Reconnect probes the shared store and, on success, resumes using it. The
// fallback's windows are discarded: counts restart, which at worst briefly
// over-admits, consistent with admitting traffic while degraded.
func (a *Adapter) Reconnect(ctx context.Context) error {
	if err := a.cache.Ping(ctx); err != nil {
		return err
	}
	if a.degraded.CompareAndSwap(true, false) {
		a.fallback.reset()
		slog.Info("counter store reconnected, shared counting restored")
	}
	return nil
}

// memoryCounter is the process-local fixed-window counter used while the
// shared store is down.
type memoryCounter struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	now     func() time.Time
}

type memoryWindow struct {
	count   int64
	resetAt time.Time
}

func newMemoryCounter() *memoryCounter {
	return &memoryCounter{
		windows: make(map[string]*memoryWindow),
		now:     time.Now,
	}
}

func (m *memoryCounter) increment(key string, window time.Duration) WindowState {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &memoryWindow{resetAt: now.Add(window)}
		m.windows[key] = w
	}
	w.count++
	return WindowState{Count: w.count, ResetAt: w.resetAt}
}

func (m *memoryCounter) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows = make(map[string]*memoryWindow)
}
