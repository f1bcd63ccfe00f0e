package owners

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/blobgate/blobgate/internal/common"
	"github.com/blobgate/blobgate/internal/dbx"
	"github.com/blobgate/blobgate/internal/server/models"
)

// PostgresRepository implements owner storage over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Owner, error) {
	query := `
		SELECT id, name, can_read, can_write, can_create, storage_quota, storage_used
		FROM owners
		WHERE id = $1
	`
	owner := &models.Owner{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&owner.ID, &owner.Name, &owner.CanRead, &owner.CanWrite, &owner.CanCreate,
		&owner.StorageQuota, &owner.StorageUsed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return owner, nil
}

// AdjustUsage mutates the usage counter in place. The increment form is the
// only write permitted at commit time, so concurrent commits by the same
// owner cannot lose updates.
func (r *PostgresRepository) AdjustUsage(ctx context.Context, id string, delta int64) error {
	query := `
		UPDATE owners SET storage_used = GREATEST(storage_used + $2, 0)
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, delta)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n != 1 {
		return common.ErrNotFound
	}
	return nil
}

// AddUsageWithinQuota increments the usage counter only if the result stays
// under the quota. Check and increment happen in the same UPDATE, so two
// commits racing for the last bytes of an owner's budget cannot both win.
// Returns common.ErrQuotaExceeded when the increment would overshoot.
func (r *PostgresRepository) AddUsageWithinQuota(ctx context.Context, id string, delta int64) error {
	query := `
		UPDATE owners SET storage_used = storage_used + $2
		WHERE id = $1 AND storage_used + $2 <= storage_quota
	`
	res, err := r.db.ExecContext(ctx, query, id, delta)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n != 1 {
		return common.ErrQuotaExceeded
	}
	return nil
}

// RecomputeUsage sums committed object sizes and writes the result back,
// returning it. Cleanup-pending records no longer occupy quota.
func (r *PostgresRepository) RecomputeUsage(ctx context.Context, id string) (int64, error) {
	query := `
		UPDATE owners SET storage_used = COALESCE(
			(SELECT SUM(size) FROM objects WHERE owner_id = $1 AND NOT cleanup_pending), 0)
		WHERE id = $1
		RETURNING storage_used
	`
	var used int64
	err := r.db.QueryRowContext(ctx, query, id).Scan(&used)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, common.ErrNotFound
		}
		return 0, fmt.Errorf("db error: %w", err)
	}
	return used, nil
}
