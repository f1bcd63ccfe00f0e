package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/blobgate/blobgate/internal/common"
	"github.com/blobgate/blobgate/internal/dbx"
	"github.com/blobgate/blobgate/internal/server/models"
)

// PostgresRepository implements upload-session storage over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, s *models.UploadSession) error {
	query := `
		INSERT INTO upload_sessions (id, owner_id, name, storage_path, content_type, folder_id, declared_size, status)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
		RETURNING created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		s.ID, s.OwnerID, s.Name, s.StoragePath, s.ContentType, s.FolderID,
		s.DeclaredSize, string(s.Status)).Scan(&s.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.UploadSession, error) {
	query := `
		SELECT id, owner_id, name, storage_path, content_type,
		       COALESCE(folder_id::text, ''), declared_size, staged_bytes, status,
		       created_at, COALESCE(started_at, 'epoch'), COALESCE(completed_at, 'epoch')
		FROM upload_sessions
		WHERE id = $1
	`
	s := &models.UploadSession{}
	var status string
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&s.ID, &s.OwnerID, &s.Name, &s.StoragePath, &s.ContentType,
		&s.FolderID, &s.DeclaredSize, &s.StagedBytes, &status,
		&s.CreatedAt, &s.StartedAt, &s.CompletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	s.Status, err = models.ParseSessionStatus(status)
	if err != nil {
		return nil, fmt.Errorf("database contains invalid status: %w", err)
	}
	return s, nil
}

// Transition performs the conditional status flip. started_at is stamped on
// entering STAGING, completed_at on reaching any terminal status.
func (r *PostgresRepository) Transition(ctx context.Context, id string, from, to models.SessionStatus) error {
	query := `
		UPDATE upload_sessions
		SET status = $3,
		    started_at = CASE WHEN $3 = 'STAGING' AND started_at IS NULL THEN now() ELSE started_at END,
		    completed_at = CASE WHEN $3 IN ('COMPLETED', 'FAILED', 'CANCELLED') THEN now() ELSE completed_at END
		WHERE id = $1 AND status = $2
	`
	res, err := r.db.ExecContext(ctx, query, id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrConflict
	}
	return nil
}

func (r *PostgresRepository) SetStagedBytes(ctx context.Context, id string, staged int64) error {
	query := `UPDATE upload_sessions SET staged_bytes = $2 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, staged)
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

func (r *PostgresRepository) ReservedBytes(ctx context.Context, ownerID string) (int64, error) {
	query := `
		SELECT COALESCE(SUM(declared_size), 0) FROM upload_sessions
		WHERE owner_id = $1 AND status IN ('PENDING', 'STAGING', 'COMMITTING')
	`
	var reserved int64
	if err := r.db.QueryRowContext(ctx, query, ownerID).Scan(&reserved); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return reserved, nil
}

// ListStale returns live sessions without activity since before the given
// time. PENDING sessions that never staged a chunk and sessions stranded in
// COMMITTING by a crash match too; all of them hold quota reservations the
// sweeper must release.
func (r *PostgresRepository) ListStale(ctx context.Context, before time.Time) ([]*models.UploadSession, error) {
	query := `
		SELECT id, owner_id, name, storage_path, content_type,
		       COALESCE(folder_id::text, ''), declared_size, staged_bytes, status,
		       created_at, COALESCE(started_at, 'epoch'), COALESCE(completed_at, 'epoch')
		FROM upload_sessions
		WHERE status IN ('PENDING', 'STAGING', 'COMMITTING')
		  AND COALESCE(started_at, created_at) < $1
	`
	rows, err := r.db.QueryContext(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.UploadSession
	for rows.Next() {
		s := &models.UploadSession{}
		var status string
		if err := rows.Scan(&s.ID, &s.OwnerID, &s.Name, &s.StoragePath, &s.ContentType,
			&s.FolderID, &s.DeclaredSize, &s.StagedBytes, &status,
			&s.CreatedAt, &s.StartedAt, &s.CompletedAt); err != nil {
			return nil, err
		}
		if s.Status, err = models.ParseSessionStatus(status); err != nil {
			return nil, fmt.Errorf("database contains invalid status: %w", err)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) LiveIDs(ctx context.Context) ([]string, error) {
	query := `SELECT id FROM upload_sessions WHERE status IN ('PENDING', 'STAGING', 'COMMITTING')`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
