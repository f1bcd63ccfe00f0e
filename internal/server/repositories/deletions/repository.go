package deletions

import (
	"context"

	"github.com/blobgate/blobgate/internal/server/models"
)

// Repository is the retry queue for storage-backend deletes that failed.
// A delete never silently succeeds: when the backend is down the key is
// enqueued here and the sweeper drains the queue on its next pass.
type Repository interface {
	Enqueue(ctx context.Context, storageKey string, prefix bool) error
	List(ctx context.Context, limit int) ([]*models.PendingDeletion, error)
	Remove(ctx context.Context, id int64) error
	BumpAttempts(ctx context.Context, id int64) error
}
