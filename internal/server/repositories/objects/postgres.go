package objects

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/blobgate/blobgate/internal/common"
	"github.com/blobgate/blobgate/internal/dbx"
	"github.com/blobgate/blobgate/internal/server/models"
)

// PostgresRepository implements object-metadata storage over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts the committed object record. Only the commit coordinator may
// call this, after the storage backend confirmed the bytes exist.
func (r *PostgresRepository) Create(ctx context.Context, obj *models.StoredObject) error {
	query := `
		INSERT INTO objects (name, storage_path, size, content_type, owner_id, folder_id)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		RETURNING id, created_at, modified_at
	`
	err := r.db.QueryRowContext(ctx, query,
		obj.Name, obj.StoragePath, obj.Size, obj.ContentType, obj.OwnerID, obj.FolderID).
		Scan(&obj.ID, &obj.CreatedAt, &obj.ModifiedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.StoredObject, error) {
	query := `
		SELECT id, name, storage_path, size, content_type, owner_id,
		       COALESCE(folder_id::text, ''), COALESCE(share_token, ''),
		       cleanup_pending, created_at, modified_at
		FROM objects
		WHERE id = $1
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresRepository) GetByPath(ctx context.Context, path string) (*models.StoredObject, error) {
	query := `
		SELECT id, name, storage_path, size, content_type, owner_id,
		       COALESCE(folder_id::text, ''), COALESCE(share_token, ''),
		       cleanup_pending, created_at, modified_at
		FROM objects
		WHERE storage_path = $1
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, path))
}

// GetByShareToken resolves a public share token to its object. Tokens of
// cleanup-pending objects do not resolve.
func (r *PostgresRepository) GetByShareToken(ctx context.Context, token string) (*models.StoredObject, error) {
	query := `
		SELECT id, name, storage_path, size, content_type, owner_id,
		       COALESCE(folder_id::text, ''), COALESCE(share_token, ''),
		       cleanup_pending, created_at, modified_at
		FROM objects
		WHERE share_token = $1 AND NOT cleanup_pending
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, token))
}

func (r *PostgresRepository) scanOne(row *sql.Row) (*models.StoredObject, error) {
	obj := &models.StoredObject{}
	err := row.Scan(&obj.ID, &obj.Name, &obj.StoragePath, &obj.Size, &obj.ContentType,
		&obj.OwnerID, &obj.FolderID, &obj.ShareToken, &obj.CleanupPending,
		&obj.CreatedAt, &obj.ModifiedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return obj, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM objects WHERE id = $1`
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

func (r *PostgresRepository) ListByOwner(ctx context.Context, ownerID, folderID string) ([]*models.StoredObject, error) {
	query := `
		SELECT id, name, storage_path, size, content_type, owner_id,
		       COALESCE(folder_id::text, ''), COALESCE(share_token, ''),
		       cleanup_pending, created_at, modified_at
		FROM objects
		WHERE owner_id = $1 AND NOT cleanup_pending
		  AND ($2 = '' OR folder_id::text = $2)
		ORDER BY created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, ownerID, folderID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.StoredObject
	for rows.Next() {
		obj := &models.StoredObject{}
		if err := rows.Scan(&obj.ID, &obj.Name, &obj.StoragePath, &obj.Size, &obj.ContentType,
			&obj.OwnerID, &obj.FolderID, &obj.ShareToken, &obj.CleanupPending,
			&obj.CreatedAt, &obj.ModifiedAt); err != nil {
			return nil, err
		}
		result = append(result, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) AllStoragePaths(ctx context.Context) ([]string, error) {
	query := `SELECT storage_path FROM objects WHERE NOT cleanup_pending`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return paths, nil
}

// MarkCleanupPending flags a record whose backend object is already gone so
// the sweeper can finish removing the metadata.
func (r *PostgresRepository) MarkCleanupPending(ctx context.Context, id string) error {
	query := `UPDATE objects SET cleanup_pending = TRUE, modified_at = now() WHERE id = $1`
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

func (r *PostgresRepository) ListCleanupPending(ctx context.Context, limit int) ([]*models.StoredObject, error) {
	query := `
		SELECT id, name, storage_path, size, content_type, owner_id,
		       COALESCE(folder_id::text, ''), COALESCE(share_token, ''),
		       cleanup_pending, created_at, modified_at
		FROM objects
		WHERE cleanup_pending
		ORDER BY modified_at
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.StoredObject
	for rows.Next() {
		obj := &models.StoredObject{}
		if err := rows.Scan(&obj.ID, &obj.Name, &obj.StoragePath, &obj.Size, &obj.ContentType,
			&obj.OwnerID, &obj.FolderID, &obj.ShareToken, &obj.CleanupPending,
			&obj.CreatedAt, &obj.ModifiedAt); err != nil {
			return nil, err
		}
		result = append(result, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// SetShareToken stores the public share token; pass "" to revoke.
func (r *PostgresRepository) SetShareToken(ctx context.Context, id, token string) error {
	query := `UPDATE objects SET share_token = NULLIF($2, ''), modified_at = now() WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, token)
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
