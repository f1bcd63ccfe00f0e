// Package resilience decorates outbound storage-backend calls with bounded
// retry and a circuit breaker. Retry policy lives here and only here;
// business logic never retries backend errors itself.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker/v2"

	"github.com/blobgate/blobgate/internal/common"
	"github.com/blobgate/blobgate/internal/logging"
)

// Config tunes the wrapper. Zero values get replaced by defaults.
type Config struct {
	// MaxRetries bounds attempts per call: 1 initial + MaxRetries retries.
	MaxRetries uint64
	// InitialBackoff seeds the fibonacci backoff between attempts.
	InitialBackoff time.Duration
	// ConsecutiveFailures opens the breaker once reached.
	ConsecutiveFailures uint32
	// Cooldown is how long an open breaker waits before a trial call.
	Cooldown time.Duration
	// NotFailure lists sentinel errors that are business outcomes, not
	// backend failures: they are returned immediately, never retried, and
	// never counted against the breaker (e.g. blob-not-found).
	NotFailure []error
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxRetries == 0 {
		out.MaxRetries = 3
	}
	if out.InitialBackoff == 0 {
		out.InitialBackoff = 100 * time.Millisecond
	}
	if out.ConsecutiveFailures == 0 {
		out.ConsecutiveFailures = 5
	}
	if out.Cooldown == 0 {
		out.Cooldown = 30 * time.Second
	}
	return out
}

// Wrapper holds one circuit breaker per operation class, so a stream of
// failing deletes cannot short-circuit grant issuance.
type Wrapper struct {
	cfg    Config
	logger logging.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
}

func New(cfg Config, l logging.Logger) *Wrapper {
	return &Wrapper{
		cfg:      cfg.withDefaults(),
		logger:   l.With("module", "resilience"),
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
	}
}

func (w *Wrapper) breaker(op string) *gobreaker.CircuitBreaker[struct{}] {
	w.mu.Lock()
	defer w.mu.Unlock()

	if cb, ok := w.breakers[op]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    op,
		Timeout: w.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= w.cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || w.isNotFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.logger.Warn(context.Background(), "circuit breaker state change",
				"operation", name, "from", from.String(), "to", to.String())
		},
	})
	w.breakers[op] = cb
	return cb
}

func (w *Wrapper) isNotFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	for _, sentinel := range w.cfg.NotFailure {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// Do runs fn under the op's circuit breaker with bounded fibonacci-backoff
// retry. When the breaker is open, or retries are exhausted, the returned
// error matches common.ErrBackendUnavailable so callers can apply their
// explicit per-operation fallback.
func (w *Wrapper) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	cb := w.breaker(op)

	_, err := cb.Execute(func() (struct{}, error) {
		backoff := retry.WithMaxRetries(w.cfg.MaxRetries, retry.NewFibonacci(w.cfg.InitialBackoff))
		attempt := 0
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			attempt++
			callErr := fn(ctx)
			if callErr == nil {
				return nil
			}
			if w.isNotFailure(callErr) {
				return callErr
			}
			w.logger.Warn(ctx, "backend call failed",
				"operation", op, "attempt", attempt, "error", callErr)
			return retry.RetryableError(callErr)
		})
		return struct{}{}, err
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: circuit open: %w", op, common.ErrBackendUnavailable)
	}
	if w.isNotFailure(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// Retries exhausted on a transient failure.
	return fmt.Errorf("%s: %w: %w", op, common.ErrBackendUnavailable, err)
}

// State reports the breaker state for an operation class, for monitoring.
func (w *Wrapper) State(op string) string {
	return w.breaker(op).State().String()
}
