package owners

import (
	"context"

	"github.com/blobgate/blobgate/internal/server/models"
)

type Repository interface {
	Get(ctx context.Context, id string) (*models.Owner, error)
	// AdjustUsage changes storage_used by delta in a single in-place UPDATE.
	// Concurrent commits for the same owner must never read-modify-write.
	AdjustUsage(ctx context.Context, id string, delta int64) error
	// AddUsageWithinQuota increments usage only when the result fits under
	// the quota; otherwise it returns common.ErrQuotaExceeded.
	AddUsageWithinQuota(ctx context.Context, id string, delta int64) error
	// RecomputeUsage re-derives storage_used from committed object sizes and
	// returns the fresh figure. Used at session open so quota checks never
	// trust a cached counter.
	RecomputeUsage(ctx context.Context, id string) (int64, error)
}
