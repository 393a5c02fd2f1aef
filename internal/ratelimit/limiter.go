package ratelimit

import (
	"context"
	"time"

	"github.com/snapgate/snapgate/internal/cache"
	"github.com/snapgate/snapgate/pkg/models"
)

// Result is a rate-limit verdict plus the caller-facing header values.
type Result struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter makes fixed-window admit/deny decisions on top of a CounterStore.
// Fixed windows are deliberate: one atomic op per request, and the
// burst-at-boundary imprecision is acceptable for screenshot traffic.
type Limiter struct {
	counter CounterStore
}

// NewLimiter creates a Limiter over the given counter store.
func NewLimiter(counter CounterStore) *Limiter {
	return &Limiter{counter: counter}
}

// Check increments the window counter for scope and applies the tier's
// limit. The increment always happens, even for denied requests: deny is a
// policy decision atop a consistent counter, not a refusal to count.
func (l *Limiter) Check(ctx context.Context, scope string, tier models.Tier) (Result, error) {
	state, err := l.counter.Increment(ctx, cache.RateLimitKey(scope), tier.Window)
	if err != nil {
		return Result{}, err
	}

	remaining := tier.Limit - state.Count
	if remaining < 0 {
		remaining = 0
	}

	res := Result{
		Allowed:   state.Count <= tier.Limit,
		Limit:     tier.Limit,
		Remaining: remaining,
		ResetAt:   state.ResetAt,
	}
	if !res.Allowed {
		res.RetryAfter = time.Until(state.ResetAt)
		if res.RetryAfter < 0 {
			res.RetryAfter = 0
		}
	}
	return res, nil
}
