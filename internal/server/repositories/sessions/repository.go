package sessions

import (
	"context"
	"time"

	"github.com/blobgate/blobgate/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, s *models.UploadSession) error
	Get(ctx context.Context, id string) (*models.UploadSession, error)
	// Transition moves a session from one status to another in a single
	// conditional UPDATE. Returns common.ErrConflict when the session is no
	// longer in the from status, so concurrent actors cannot double-commit.
	Transition(ctx context.Context, id string, from, to models.SessionStatus) error
	SetStagedBytes(ctx context.Context, id string, staged int64) error
	// ReservedBytes sums declared sizes of the owner's live sessions. Open
	// counts these against quota so concurrent sessions cannot double-book.
	ReservedBytes(ctx context.Context, ownerID string) (int64, error)
	// ListStale returns live sessions (PENDING, STAGING or COMMITTING) idle
	// since before the given time. They hold quota reservations; the
	// sweeper resolves them.
	ListStale(ctx context.Context, before time.Time) ([]*models.UploadSession, error)
	// LiveIDs returns ids of all non-terminal sessions. Their staging
	// prefixes are off-limits to the sweeper.
	LiveIDs(ctx context.Context) ([]string, error)
}
