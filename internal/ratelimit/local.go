package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/blobgate/blobgate/internal/logging"
)

// LocalLimiter keeps per-instance token buckets in memory. It provides
// the same semantics as the Redis limiter but is only aware of this
// process, so it serves as the degraded-mode fallback.
type LocalLimiter struct {
	budgets map[Class]Budget

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewLocalLimiter(budgets map[Class]Budget) *LocalLimiter {
	if budgets == nil {
		budgets = DefaultBudgets
	}
	return &LocalLimiter{
		budgets: budgets,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *LocalLimiter) bucket(principal string, class Class, b Budget) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := bucketKey(principal, class)
	lim, ok := l.buckets[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(b.Capacity)/b.Window.Seconds()), int(b.Capacity))
		l.buckets[key] = lim
	}
	return lim
}

func (l *LocalLimiter) Allow(ctx context.Context, principal string, class Class) (Decision, error) {
	budget, ok := l.budgets[class]
	if !ok {
		return Decision{Allowed: true, Limit: -1, Remaining: -1}, nil
	}

	lim := l.bucket(principal, class, budget)
	allowed := lim.Allow()
	remaining := int64(lim.Tokens())
	if remaining < 0 {
		remaining = 0
	}

	var reset time.Duration
	if remaining < budget.Capacity {
		perToken := budget.Window / time.Duration(budget.Capacity)
		reset = time.Duration(budget.Capacity-remaining) * perToken
	}

	return Decision{
		Allowed:   allowed,
		Limit:     budget.Capacity,
		Remaining: remaining,
		Reset:     reset,
	}, nil
}

// FallbackLimiter consults the primary limiter and switches to the
// fallback when the primary errors. The common case is Redis being
// down: requests keep flowing under per-instance budgets.
type FallbackLimiter struct {
	primary  Limiter
	fallback Limiter
	logger   logging.Logger
}

func NewFallbackLimiter(primary, fallback Limiter, l logging.Logger) *FallbackLimiter {
	return &FallbackLimiter{
		primary:  primary,
		fallback: fallback,
		logger:   l.With("module", "ratelimit"),
	}
}

func (f *FallbackLimiter) Allow(ctx context.Context, principal string, class Class) (Decision, error) {
	d, err := f.primary.Allow(ctx, principal, class)
	if err == nil {
		return d, nil
	}
	f.logger.Warn(ctx, "shared rate limit store unavailable, using local limits", "error", err)
	return f.fallback.Allow(ctx, principal, class)
}
