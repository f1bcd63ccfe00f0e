package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/blobgate/blobgate/internal/blobstore"
	"github.com/blobgate/blobgate/internal/common"
	"github.com/blobgate/blobgate/internal/dbx"
	"github.com/blobgate/blobgate/internal/logging"
	"github.com/blobgate/blobgate/internal/resilience"
	sc "github.com/blobgate/blobgate/internal/server/config"
	"github.com/blobgate/blobgate/internal/server/models"
	"github.com/blobgate/blobgate/internal/server/repositories/repomanager"
)

// StorageUsage is the owner's quota standing, including bytes reserved by
// live upload sessions.
type StorageUsage struct {
	Quota    int64
	Used     int64
	Reserved int64
}

func (u StorageUsage) Remaining() int64 {
	r := u.Quota - u.Used - u.Reserved
	if r < 0 {
		return 0
	}
	return r
}

// ObjectService covers committed-object operations: listing, deletion,
// public sharing and quota reporting.
type ObjectService struct {
	db     *sql.DB
	repos  repomanager.RepositoryManager
	store  blobstore.Store
	guard  *resilience.Wrapper
	config *sc.Config
	logger logging.Logger
}

func NewObjectService(db *sql.DB, repos repomanager.RepositoryManager, store blobstore.Store,
	guard *resilience.Wrapper, config *sc.Config, logger logging.Logger) *ObjectService {
	return &ObjectService{
		db:     db,
		repos:  repos,
		store:  store,
		guard:  guard,
		config: config,
		logger: logger.With("module", "objects"),
	}
}

func (s *ObjectService) List(ctx context.Context, ownerID, folderID string) ([]*models.StoredObject, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.MetadataTimeout)
	defer cancel()
	return s.repos.Objects(s.db).ListByOwner(ctx, ownerID, folderID)
}

func (s *ObjectService) Get(ctx context.Context, ownerID, objectID string) (*models.StoredObject, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.MetadataTimeout)
	defer cancel()

	obj, err := s.repos.Objects(s.db).GetByID(ctx, objectID)
	if err != nil {
		return nil, err
	}
	if obj.OwnerID != ownerID {
		return nil, common.ErrNotFound
	}
	return obj, nil
}

// Delete removes an object in the storage-first order mirroring the commit
// protocol: mark the record cleanup-pending, delete the backend bytes, then
// drop the record and release the quota. A crash at any point leaves a
// state the sweeper finishes, never a record pointing at deleted bytes that
// would still be served.
func (s *ObjectService) Delete(ctx context.Context, ownerID, objectID string) error {
	obj, err := s.Get(ctx, ownerID, objectID)
	if err != nil {
		return err
	}
	if obj.CleanupPending {
		// Another delete is in flight; the sweeper will finish it.
		return nil
	}

	mctx, cancel := context.WithTimeout(ctx, s.config.MetadataTimeout)
	err = s.repos.Objects(s.db).MarkCleanupPending(mctx, objectID)
	cancel()
	if err != nil {
		return err
	}

	err = s.guard.Do(ctx, "delete", func(ctx context.Context) error {
		err := s.store.Delete(ctx, obj.StoragePath)
		if isBlobNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		s.logger.Warn(ctx, "backend delete failed, enqueueing", "object", objectID, "error", err)
		if qerr := s.repos.Deletions(s.db).Enqueue(ctx, obj.StoragePath, false); qerr != nil {
			return fmt.Errorf("deletion enqueue failed: %w", qerr)
		}
	}

	if err := s.dropRecord(ctx, obj); err != nil {
		// The record is cleanup-pending and invisible; the sweeper retries.
		s.logger.Warn(ctx, "metadata removal failed, left for sweeper", "object", objectID, "error", err)
		return nil
	}

	s.logger.Info(ctx, "object deleted", "object", objectID, "owner", ownerID, "size", obj.Size)
	return nil
}

// dropRecord removes the metadata row and releases the quota atomically.
func (s *ObjectService) dropRecord(ctx context.Context, obj *models.StoredObject) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.MetadataTimeout)
	defer cancel()

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repos.Objects(tx).Delete(ctx, obj.ID); err != nil {
			return err
		}
		return s.repos.Owners(tx).AdjustUsage(ctx, obj.OwnerID, -obj.Size)
	})
}

// Share mints a public share token for the object. Re-sharing replaces the
// previous token.
func (s *ObjectService) Share(ctx context.Context, ownerID, objectID string) (string, error) {
	obj, err := s.Get(ctx, ownerID, objectID)
	if err != nil {
		return "", err
	}
	if obj.CleanupPending {
		return "", common.ErrNotFound
	}

	token := uuid.New().String()
	ctx, cancel := context.WithTimeout(ctx, s.config.MetadataTimeout)
	defer cancel()
	if err := s.repos.Objects(s.db).SetShareToken(ctx, objectID, token); err != nil {
		return "", err
	}

	s.logger.Info(ctx, "object shared", "object", objectID, "owner", ownerID)
	return token, nil
}

// RevokeShare withdraws the object's share token.
func (s *ObjectService) RevokeShare(ctx context.Context, ownerID, objectID string) error {
	if _, err := s.Get(ctx, ownerID, objectID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.MetadataTimeout)
	defer cancel()
	return s.repos.Objects(s.db).SetShareToken(ctx, objectID, "")
}

// Usage reports the owner's quota standing.
func (s *ObjectService) Usage(ctx context.Context, ownerID string) (*StorageUsage, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.MetadataTimeout)
	defer cancel()

	owner, err := s.repos.Owners(s.db).Get(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	reserved, err := s.repos.Sessions(s.db).ReservedBytes(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	return &StorageUsage{
		Quota:    owner.StorageQuota,
		Used:     owner.StorageUsed,
		Reserved: reserved,
	}, nil
}
