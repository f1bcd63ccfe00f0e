package repomanager

import (
	"context"
	"database/sql"

	"github.com/blobgate/blobgate/internal/dbx"
	"github.com/blobgate/blobgate/internal/server/repositories/deletions"
	"github.com/blobgate/blobgate/internal/server/repositories/folders"
	"github.com/blobgate/blobgate/internal/server/repositories/objects"
	"github.com/blobgate/blobgate/internal/server/repositories/owners"
	"github.com/blobgate/blobgate/internal/server/repositories/sessions"
)

// RepositoryManager hands out repositories bound to a specific DBTX so the
// same repo code runs inside and outside transactions.
type RepositoryManager interface {
	RunMigrations(ctx context.Context, db *sql.DB) error
	Owners(db dbx.DBTX) owners.Repository
	Objects(db dbx.DBTX) objects.Repository
	Sessions(db dbx.DBTX) sessions.Repository
	Folders(db dbx.DBTX) folders.Repository
	Deletions(db dbx.DBTX) deletions.Repository
}
