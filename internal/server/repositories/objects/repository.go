package objects

import (
	"context"

	"github.com/blobgate/blobgate/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, obj *models.StoredObject) error
	GetByID(ctx context.Context, id string) (*models.StoredObject, error)
	GetByPath(ctx context.Context, path string) (*models.StoredObject, error)
	GetByShareToken(ctx context.Context, token string) (*models.StoredObject, error)
	Delete(ctx context.Context, id string) error
	ListByOwner(ctx context.Context, ownerID, folderID string) ([]*models.StoredObject, error)
	// AllStoragePaths returns every committed, non-cleanup-pending backend key.
	// The sweeper diffs these against the backend listing.
	AllStoragePaths(ctx context.Context) ([]string, error)
	MarkCleanupPending(ctx context.Context, id string) error
	ListCleanupPending(ctx context.Context, limit int) ([]*models.StoredObject, error)
	SetShareToken(ctx context.Context, id, token string) error
}
