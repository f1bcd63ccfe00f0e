package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blobgate/blobgate/internal/common"
	"github.com/blobgate/blobgate/internal/logging"
)

func newTestWrapper(t *testing.T, cfg Config) *Wrapper {
	t.Helper()
	return New(cfg, &logging.NopLogger{})
}

func TestDoRetriesTransientFailures(t *testing.T) {
	w := newTestWrapper(t, Config{MaxRetries: 3, InitialBackoff: time.Millisecond})

	calls := 0
	err := w.Do(context.Background(), "put", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustedRetriesReportsBackendUnavailable(t *testing.T) {
	w := newTestWrapper(t, Config{MaxRetries: 2, InitialBackoff: time.Millisecond})

	boom := errors.New("boom")
	calls := 0
	err := w.Do(context.Background(), "put", func(ctx context.Context) error {
		calls++
		return boom
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrBackendUnavailable)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDoNotFailureErrorReturnedWithoutRetry(t *testing.T) {
	notFound := errors.New("blob not found")
	w := newTestWrapper(t, Config{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		NotFailure:     []error{notFound},
	})

	calls := 0
	err := w.Do(context.Background(), "head", func(ctx context.Context) error {
		calls++
		return notFound
	})

	assert.ErrorIs(t, err, notFound)
	assert.NotErrorIs(t, err, common.ErrBackendUnavailable)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "closed", w.State("head"))
}

func TestDoBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	w := newTestWrapper(t, Config{
		MaxRetries:          0,
		InitialBackoff:      time.Millisecond,
		ConsecutiveFailures: 2,
		Cooldown:            time.Minute,
	})

	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		err := w.Do(context.Background(), "delete", func(ctx context.Context) error {
			return boom
		})
		require.ErrorIs(t, err, common.ErrBackendUnavailable)
	}
	assert.Equal(t, "open", w.State("delete"))

	// Calls are rejected without reaching the backend.
	calls := 0
	err := w.Do(context.Background(), "delete", func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, common.ErrBackendUnavailable)
	assert.Equal(t, 0, calls)
}

func TestDoBreakersAreIndependentPerOperation(t *testing.T) {
	w := newTestWrapper(t, Config{
		MaxRetries:          0,
		InitialBackoff:      time.Millisecond,
		ConsecutiveFailures: 1,
		Cooldown:            time.Minute,
	})

	_ = w.Do(context.Background(), "delete", func(ctx context.Context) error {
		return errors.New("boom")
	})
	require.Equal(t, "open", w.State("delete"))

	err := w.Do(context.Background(), "presign", func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "closed", w.State("presign"))
}

func TestDoContextCancellationNotCountedAsFailure(t *testing.T) {
	w := newTestWrapper(t, Config{
		MaxRetries:          5,
		InitialBackoff:      time.Millisecond,
		ConsecutiveFailures: 1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.Do(ctx, "put", func(ctx context.Context) error {
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "closed", w.State("put"))
}
