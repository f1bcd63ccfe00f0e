package folders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/blobgate/blobgate/internal/common"
	"github.com/blobgate/blobgate/internal/dbx"
	"github.com/blobgate/blobgate/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Folder, error) {
	query := `SELECT id, owner_id, name, full_path FROM folders WHERE id = $1`
	f := &models.Folder{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(&f.ID, &f.OwnerID, &f.Name, &f.FullPath)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return f, nil
}
