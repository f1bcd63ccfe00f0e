package deletions

import (
	"context"
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

func (r *PostgresRepository) Enqueue(ctx context.Context, storageKey string, prefix bool) error {
	query := `INSERT INTO pending_deletions (storage_key, prefix) VALUES ($1, $2)`
	if _, err := r.db.ExecContext(ctx, query, storageKey, prefix); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) List(ctx context.Context, limit int) ([]*models.PendingDeletion, error) {
	query := `
		SELECT id, storage_key, prefix, attempts, enqueued_at
		FROM pending_deletions
		ORDER BY enqueued_at
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.PendingDeletion
	for rows.Next() {
		d := &models.PendingDeletion{}
		if err := rows.Scan(&d.ID, &d.StorageKey, &d.Prefix, &d.Attempts, &d.EnqueuedAt); err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) Remove(ctx context.Context, id int64) error {
	query := `DELETE FROM pending_deletions WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) BumpAttempts(ctx context.Context, id int64) error {
	query := `UPDATE pending_deletions SET attempts = attempts + 1 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
