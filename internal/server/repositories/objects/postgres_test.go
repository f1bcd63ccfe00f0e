package objects

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/blobgate/blobgate/internal/common"
	"github.com/blobgate/blobgate/internal/server/models"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

func objectRows(objs ...*models.StoredObject) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "name", "storage_path", "size", "content_type", "owner_id",
		"folder_id", "share_token", "cleanup_pending", "created_at", "modified_at",
	})
	for _, o := range objs {
		rows.AddRow(o.ID, o.Name, o.StoragePath, o.Size, o.ContentType, o.OwnerID,
			o.FolderID, o.ShareToken, o.CleanupPending, o.CreatedAt, o.ModifiedAt)
	}
	return rows
}

func sampleObject() *models.StoredObject {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	return &models.StoredObject{
		ID:          "obj-1",
		Name:        "report.pdf",
		StoragePath: "owners/owner-1/abc_report.pdf",
		Size:        2048,
		ContentType: "application/pdf",
		OwnerID:     "owner-1",
		CreatedAt:   now,
		ModifiedAt:  now,
	}
}

func TestCreate_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`(?s)^\s*INSERT\s+INTO\s+objects\s*\(name,\s*storage_path,\s*size,\s*content_type,\s*owner_id,\s*folder_id\)\s*VALUES\s*\(\$1,\s*\$2,\s*\$3,\s*\$4,\s*\$5,\s*NULLIF\(\$6,\s*''\)\)\s*RETURNING\s+id,\s*created_at,\s*modified_at\s*$`).
		WithArgs("report.pdf", "owners/owner-1/abc_report.pdf", int64(2048), "application/pdf", "owner-1", "").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "modified_at"}).AddRow("obj-1", now, now))

	obj := &models.StoredObject{
		Name:        "report.pdf",
		StoragePath: "owners/owner-1/abc_report.pdf",
		Size:        2048,
		ContentType: "application/pdf",
		OwnerID:     "owner-1",
	}
	if err := repo.Create(context.Background(), obj); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obj.ID != "obj-1" || !obj.CreatedAt.Equal(now) {
		t.Errorf("returned columns not applied: %+v", obj)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCreate_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`(?s)INSERT\s+INTO\s+objects`).
		WillReturnError(errors.New("unique violation"))

	if err := repo.Create(context.Background(), sampleObject()); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestGetByID_Found(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	want := sampleObject()
	mock.ExpectQuery(`(?s)SELECT.+FROM\s+objects\s+WHERE\s+id\s*=\s*\$1`).
		WithArgs("obj-1").
		WillReturnRows(objectRows(want))

	got, err := repo.GetByID(context.Background(), "obj-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name != want.Name || got.StoragePath != want.StoragePath || got.Size != want.Size {
		t.Errorf("unexpected object: %+v", got)
	}
}

func TestGetByID_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`(?s)SELECT.+FROM\s+objects\s+WHERE\s+id\s*=\s*\$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "missing")
	if !errors.Is(err, common.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetByPath_Found(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	want := sampleObject()
	mock.ExpectQuery(`(?s)SELECT.+FROM\s+objects\s+WHERE\s+storage_path\s*=\s*\$1`).
		WithArgs(want.StoragePath).
		WillReturnRows(objectRows(want))

	got, err := repo.GetByPath(context.Background(), want.StoragePath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != want.ID {
		t.Errorf("expected %q, got %q", want.ID, got.ID)
	}
}

func TestGetByShareToken_Found(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	want := sampleObject()
	want.ShareToken = "tok-123"
	mock.ExpectQuery(`(?s)SELECT.+FROM\s+objects\s+WHERE\s+share_token\s*=\s*\$1\s+AND\s+NOT\s+cleanup_pending`).
		WithArgs("tok-123").
		WillReturnRows(objectRows(want))

	got, err := repo.GetByShareToken(context.Background(), "tok-123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ShareToken != "tok-123" {
		t.Errorf("unexpected object: %+v", got)
	}
}

func TestGetByShareToken_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`(?s)SELECT.+FROM\s+objects\s+WHERE\s+share_token`).
		WithArgs("revoked").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByShareToken(context.Background(), "revoked")
	if !errors.Is(err, common.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`^DELETE\s+FROM\s+objects\s+WHERE\s+id\s*=\s*\$1$`).
		WithArgs("obj-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Delete(context.Background(), "obj-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestDelete_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`DELETE\s+FROM\s+objects`).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Delete(context.Background(), "missing")
	if !errors.Is(err, common.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListByOwner_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	first := sampleObject()
	second := sampleObject()
	second.ID = "obj-2"
	second.Name = "notes.txt"

	mock.ExpectQuery(`(?s)SELECT.+FROM\s+objects\s+WHERE\s+owner_id\s*=\s*\$1\s+AND\s+NOT\s+cleanup_pending`).
		WithArgs("owner-1", "").
		WillReturnRows(objectRows(first, second))

	got, err := repo.ListByOwner(context.Background(), "owner-1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[1].Name != "notes.txt" {
		t.Errorf("unexpected result: %+v", got)
	}
}

func TestListByOwner_Empty(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`(?s)SELECT.+FROM\s+objects\s+WHERE\s+owner_id`).
		WithArgs("owner-2", "").
		WillReturnRows(objectRows())

	got, err := repo.ListByOwner(context.Background(), "owner-2", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no objects, got %d", len(got))
	}
}

func TestAllStoragePaths_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"storage_path"}).
		AddRow("owners/owner-1/a_x.bin").
		AddRow("owners/owner-2/b_y.bin")

	mock.ExpectQuery(`^SELECT\s+storage_path\s+FROM\s+objects\s+WHERE\s+NOT\s+cleanup_pending$`).
		WillReturnRows(rows)

	paths, err := repo.AllStoragePaths(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(paths) != 2 || paths[0] != "owners/owner-1/a_x.bin" {
		t.Errorf("unexpected paths: %v", paths)
	}
}

func TestMarkCleanupPending_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`^UPDATE\s+objects\s+SET\s+cleanup_pending\s*=\s*TRUE,\s*modified_at\s*=\s*now\(\)\s+WHERE\s+id\s*=\s*\$1$`).
		WithArgs("obj-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.MarkCleanupPending(context.Background(), "obj-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestListCleanupPending_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	pending := sampleObject()
	pending.CleanupPending = true
	mock.ExpectQuery(`(?s)SELECT.+FROM\s+objects\s+WHERE\s+cleanup_pending\s+ORDER\s+BY\s+modified_at\s+LIMIT\s+\$1`).
		WithArgs(100).
		WillReturnRows(objectRows(pending))

	got, err := repo.ListCleanupPending(context.Background(), 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || !got[0].CleanupPending {
		t.Errorf("unexpected result: %+v", got)
	}
}

func TestSetShareToken_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`^UPDATE\s+objects\s+SET\s+share_token\s*=\s*NULLIF\(\$2,\s*''\),\s*modified_at\s*=\s*now\(\)\s+WHERE\s+id\s*=\s*\$1$`).
		WithArgs("obj-1", "tok-123").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.SetShareToken(context.Background(), "obj-1", "tok-123"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSetShareToken_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE\s+objects\s+SET\s+share_token`).
		WithArgs("missing", "").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetShareToken(context.Background(), "missing", "")
	if !errors.Is(err, common.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
