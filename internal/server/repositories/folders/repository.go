package folders

import (
	"context"

	"github.com/blobgate/blobgate/internal/server/models"
)

// Repository reads the externally-managed folder hierarchy. blobgate never
// writes folders; it only resolves paths and verifies ownership.
type Repository interface {
	GetByID(ctx context.Context, id string) (*models.Folder, error)
}
