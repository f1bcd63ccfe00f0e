// Package services implements the broker's business logic: delegated-access
// grant issuance, the resumable upload session lifecycle, the commit
// protocol between storage backend and metadata store, and the orphan
// sweeper. Services never hold business state in memory; the database and
// the storage backend are the only sources of truth.
package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/blobgate/blobgate/internal/blobstore"
	"github.com/blobgate/blobgate/internal/common"
	"github.com/blobgate/blobgate/internal/logging"
	"github.com/blobgate/blobgate/internal/resilience"
	sc "github.com/blobgate/blobgate/internal/server/config"
	"github.com/blobgate/blobgate/internal/server/models"
	"github.com/blobgate/blobgate/internal/server/repositories/repomanager"
)

const grantCacheSize = 4096

// StorageKey builds the owner-namespaced backend key for a new object. The
// uuid segment makes the key unique, so two uploads of the same name never
// collide and a key is never reused after deletion.
func StorageKey(ownerID, name string) string {
	return fmt.Sprintf("owners/%s/%s_%s", ownerID, uuid.New(), name)
}

// UploadGrant is a signed-URL capability for one direct PUT plus the
// backend key the client must not alter.
type UploadGrant struct {
	StorageKey string
	URL        string
	ExpiresAt  time.Time
}

// GrantService issues time-boxed signed URLs after checking the caller's
// permission flags and quota. Grants are capabilities: once issued, the
// client talks to the storage backend directly.
type GrantService struct {
	db     *sql.DB
	repos  repomanager.RepositoryManager
	store  blobstore.Store
	guard  *resilience.Wrapper
	config *sc.Config
	logger logging.Logger

	// readCache reuses download grants per object id; entries expire after
	// GrantCacheTTL, which is kept well under GrantTTL so cached URLs are
	// always still valid when served.
	readCache *expirable.LRU[string, *blobstore.SignedURL]
}

func NewGrantService(db *sql.DB, repos repomanager.RepositoryManager, store blobstore.Store,
	guard *resilience.Wrapper, config *sc.Config, logger logging.Logger) *GrantService {
	return &GrantService{
		db:        db,
		repos:     repos,
		store:     store,
		guard:     guard,
		config:    config,
		logger:    logger.With("module", "grants"),
		readCache: expirable.NewLRU[string, *blobstore.SignedURL](grantCacheSize, nil, config.GrantCacheTTL),
	}
}

func (s *GrantService) owner(ctx context.Context, ownerID string) (*models.Owner, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.MetadataTimeout)
	defer cancel()
	return s.repos.Owners(s.db).Get(ctx, ownerID)
}

// IssueUploadGrant returns a signed PUT URL for a new object of the
// declared size. The object is not registered until the client confirms
// the upload; until then its key is an orphan candidate.
func (s *GrantService) IssueUploadGrant(ctx context.Context, ownerID, name string, declaredSize int64) (*UploadGrant, error) {
	owner, err := s.owner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !owner.CanCreate || !owner.CanWrite {
		return nil, fmt.Errorf("owner %s may not upload: %w", ownerID, common.ErrPermissionDenied)
	}
	if declaredSize < 0 {
		return nil, fmt.Errorf("negative size: %w", common.ErrInternal)
	}
	if !owner.HasStorageSpace(declaredSize) {
		return nil, fmt.Errorf("%d bytes exceed remaining quota %d: %w",
			declaredSize, owner.RemainingStorage(), common.ErrQuotaExceeded)
	}

	key := StorageKey(ownerID, name)

	var signed *blobstore.SignedURL
	err = s.guard.Do(ctx, "presign", func(ctx context.Context) error {
		var err error
		signed, err = s.store.PresignPut(ctx, key, s.config.GrantTTL)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "upload grant issued", "owner", ownerID, "key", key, "size", declaredSize)
	return &UploadGrant{StorageKey: key, URL: signed.URL, ExpiresAt: signed.ExpiresAt}, nil
}

// IssueDownloadGrant returns a signed GET URL for the owner's object. The
// backend is consulted (Head) before issuing, so a grant is never handed
// out for bytes that no longer exist.
func (s *GrantService) IssueDownloadGrant(ctx context.Context, ownerID, objectID string) (*blobstore.SignedURL, error) {
	owner, err := s.owner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !owner.CanRead {
		return nil, fmt.Errorf("owner %s may not read: %w", ownerID, common.ErrPermissionDenied)
	}

	mctx, cancel := context.WithTimeout(ctx, s.config.MetadataTimeout)
	obj, err := s.repos.Objects(s.db).GetByID(mctx, objectID)
	cancel()
	if err != nil {
		return nil, err
	}
	if obj.OwnerID != ownerID {
		return nil, fmt.Errorf("object %s: %w", objectID, common.ErrPermissionDenied)
	}
	if obj.CleanupPending {
		return nil, common.ErrNotFound
	}

	if cached, ok := s.readCache.Get(obj.ID); ok {
		return cached, nil
	}

	signed, err := s.issueRead(ctx, obj)
	if err != nil {
		return nil, err
	}
	s.readCache.Add(obj.ID, signed)
	return signed, nil
}

// IssueShareGrant resolves a public share token and returns a signed GET
// URL. No owner authentication is involved; the token itself is the
// capability.
func (s *GrantService) IssueShareGrant(ctx context.Context, token string) (*blobstore.SignedURL, error) {
	if token == "" {
		return nil, common.ErrNotFound
	}

	mctx, cancel := context.WithTimeout(ctx, s.config.MetadataTimeout)
	obj, err := s.repos.Objects(s.db).GetByShareToken(mctx, token)
	cancel()
	if err != nil {
		return nil, err
	}

	if cached, ok := s.readCache.Get(obj.ID); ok {
		return cached, nil
	}

	signed, err := s.issueRead(ctx, obj)
	if err != nil {
		return nil, err
	}
	s.readCache.Add(obj.ID, signed)
	return signed, nil
}

func (s *GrantService) issueRead(ctx context.Context, obj *models.StoredObject) (*blobstore.SignedURL, error) {
	err := s.guard.Do(ctx, "head", func(ctx context.Context) error {
		_, err := s.store.Head(ctx, obj.StoragePath)
		return err
	})
	if err != nil {
		if isBlobNotFound(err) {
			// Metadata says the object exists but the backend disagrees.
			s.logger.Error(ctx, "object missing from backend", "object", obj.ID, "key", obj.StoragePath)
			return nil, fmt.Errorf("object %s has no backing data: %w", obj.ID, common.ErrInconsistentState)
		}
		return nil, err
	}

	var signed *blobstore.SignedURL
	err = s.guard.Do(ctx, "presign", func(ctx context.Context) error {
		var err error
		signed, err = s.store.PresignGet(ctx, obj.StoragePath, s.config.GrantTTL)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "download grant issued", "object", obj.ID, "owner", obj.OwnerID)
	return signed, nil
}
