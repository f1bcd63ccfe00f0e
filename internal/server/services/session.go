package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/blobgate/blobgate/internal/blobstore"
	"github.com/blobgate/blobgate/internal/common"
	"github.com/blobgate/blobgate/internal/logging"
	"github.com/blobgate/blobgate/internal/resilience"
	sc "github.com/blobgate/blobgate/internal/server/config"
	"github.com/blobgate/blobgate/internal/server/models"
	"github.com/blobgate/blobgate/internal/server/repositories/repomanager"
)

func isBlobNotFound(err error) bool {
	return errors.Is(err, blobstore.ErrNotFound)
}

// SessionService drives the resumable chunked-upload lifecycle. All staged
// data lives in the storage backend; the database holds only the session
// record, so any instance can serve any request of the same session.
type SessionService struct {
	db     *sql.DB
	repos  repomanager.RepositoryManager
	store  blobstore.Store
	guard  *resilience.Wrapper
	config *sc.Config
	logger logging.Logger

	// transfers caps simultaneous backend transfers across all sessions.
	transfers *semaphore.Weighted
}

func NewSessionService(db *sql.DB, repos repomanager.RepositoryManager, store blobstore.Store,
	guard *resilience.Wrapper, config *sc.Config, logger logging.Logger) *SessionService {
	return &SessionService{
		db:        db,
		repos:     repos,
		store:     store,
		guard:     guard,
		config:    config,
		logger:    logger.With("module", "sessions"),
		transfers: semaphore.NewWeighted(config.MaxConcurrentTransfers),
	}
}

// Open creates a new upload session after checking permissions and quota.
// Quota is recomputed from committed objects and combined with the declared
// sizes of the owner's other live sessions, so concurrent sessions cannot
// jointly overbook the budget.
func (s *SessionService) Open(ctx context.Context, ownerID, name, contentType, folderID string, declaredSize int64) (*models.UploadSession, error) {
	if name == "" || declaredSize <= 0 {
		return nil, fmt.Errorf("name and positive size required: %w", common.ErrInternal)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.MetadataTimeout)
	defer cancel()

	owner, err := s.repos.Owners(s.db).Get(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !owner.CanCreate || !owner.CanWrite {
		return nil, fmt.Errorf("owner %s may not upload: %w", ownerID, common.ErrPermissionDenied)
	}

	if folderID != "" {
		folder, err := s.repos.Folders(s.db).GetByID(ctx, folderID)
		if err != nil {
			return nil, err
		}
		if folder.OwnerID != ownerID {
			return nil, fmt.Errorf("folder %s: %w", folderID, common.ErrPermissionDenied)
		}
	}

	used, err := s.repos.Owners(s.db).RecomputeUsage(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	reserved, err := s.repos.Sessions(s.db).ReservedBytes(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if used+reserved+declaredSize > owner.StorageQuota {
		return nil, fmt.Errorf("%d bytes do not fit (used %d, reserved %d, quota %d): %w",
			declaredSize, used, reserved, owner.StorageQuota, common.ErrQuotaExceeded)
	}

	session := &models.UploadSession{
		ID:           uuid.New().String(),
		OwnerID:      ownerID,
		Name:         name,
		StoragePath:  StorageKey(ownerID, name),
		ContentType:  contentType,
		FolderID:     folderID,
		DeclaredSize: declaredSize,
		Status:       models.SessionPending,
	}
	if err := s.repos.Sessions(s.db).Create(ctx, session); err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "upload session opened",
		"session", session.ID, "owner", ownerID, "size", declaredSize)
	return session, nil
}

// get loads a session and verifies the caller owns it. Hiding foreign
// sessions behind ErrNotFound keeps session ids unguessable in practice.
func (s *SessionService) get(ctx context.Context, ownerID, sessionID string) (*models.UploadSession, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.MetadataTimeout)
	defer cancel()

	session, err := s.repos.Sessions(s.db).Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.OwnerID != ownerID {
		return nil, common.ErrNotFound
	}
	return session, nil
}

// GetStatus returns the session record as stored.
func (s *SessionService) GetStatus(ctx context.Context, ownerID, sessionID string) (*models.UploadSession, error) {
	return s.get(ctx, ownerID, sessionID)
}

// ListStagedBlocks reports which chunks the backend actually holds. Clients
// resume from this listing, never from locally remembered progress.
func (s *SessionService) ListStagedBlocks(ctx context.Context, ownerID, sessionID string) ([]blobstore.Block, error) {
	session, err := s.get(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, session.Status, common.ErrConflict)
	}

	var blocks []blobstore.Block
	err = s.guard.Do(ctx, "list", func(ctx context.Context) error {
		var err error
		blocks, err = s.store.ListStagedBlocks(ctx, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

// StageChunk uploads one fixed-size chunk into the session's staging area.
// Re-staging an index overwrites the previous bytes, so client retries are
// harmless. Returns the advisory staged-bytes total.
func (s *SessionService) StageChunk(ctx context.Context, ownerID, sessionID string, index int, data []byte) (int64, error) {
	session, err := s.get(ctx, ownerID, sessionID)
	if err != nil {
		return 0, err
	}

	switch session.Status {
	case models.SessionPending:
		err := s.repos.Sessions(s.db).Transition(ctx, sessionID, models.SessionPending, models.SessionStaging)
		if err != nil && !errors.Is(err, common.ErrConflict) {
			return 0, err
		}
		// On conflict another chunk won the race; re-read and fall through.
		if err != nil {
			if session, err = s.get(ctx, ownerID, sessionID); err != nil {
				return 0, err
			}
			if session.Status != models.SessionStaging {
				return 0, s.statusError(session)
			}
		}
	case models.SessionStaging:
		// staging continues
	case models.SessionCancelled:
		return 0, fmt.Errorf("session %s: %w", sessionID, common.ErrSessionCancelled)
	default:
		return 0, s.statusError(session)
	}

	if err := s.checkChunkBounds(session, index, int64(len(data))); err != nil {
		return 0, err
	}

	if err := s.transfers.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer s.transfers.Release(1)

	err = s.guard.Do(ctx, "stage", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.config.ChunkTimeout)
		defer cancel()
		_, err := s.store.StageBlock(ctx, sessionID, index, data)
		return err
	})
	if err != nil {
		return 0, err
	}

	// A cancel may have raced the upload; its prefix wipe ran before our
	// chunk landed, so surface the cancellation instead of fake progress.
	// The sweeper removes the re-created chunk later.
	current, err := s.get(ctx, ownerID, sessionID)
	if err != nil {
		return 0, err
	}
	if current.Status == models.SessionCancelled {
		return 0, fmt.Errorf("session %s: %w", sessionID, common.ErrSessionCancelled)
	}

	staged := session.StagedBytes + int64(len(data))
	if s.config.ProgressLogStride > 0 && (index+1)%s.config.ProgressLogStride == 0 {
		staged, err = s.persistProgress(ctx, sessionID)
		if err != nil {
			// Progress is advisory; the chunk itself is safely staged.
			s.logger.Warn(ctx, "staged-bytes update failed", "session", sessionID, "error", err)
			staged = session.StagedBytes + int64(len(data))
		}
		s.logger.Info(ctx, "staging progress",
			"session", sessionID, "chunk", index, "staged_bytes", staged, "declared", session.DeclaredSize)
	}

	return staged, nil
}

func (s *SessionService) statusError(session *models.UploadSession) error {
	return fmt.Errorf("session %s is %s: %w", session.ID, session.Status, common.ErrConflict)
}

func (s *SessionService) checkChunkBounds(session *models.UploadSession, index int, size int64) error {
	chunk := s.config.ChunkSize
	if index < 0 || int64(index)*chunk >= session.DeclaredSize {
		return fmt.Errorf("chunk index %d out of range: %w", index, common.ErrConflict)
	}
	remaining := session.DeclaredSize - int64(index)*chunk
	expected := chunk
	if remaining < chunk {
		expected = remaining
	}
	if size != expected {
		return fmt.Errorf("chunk %d must be %d bytes, got %d: %w", index, expected, size, common.ErrConflict)
	}
	return nil
}

// persistProgress derives staged bytes from the backend listing and stores
// the figure on the session record.
func (s *SessionService) persistProgress(ctx context.Context, sessionID string) (int64, error) {
	var blocks []blobstore.Block
	err := s.guard.Do(ctx, "list", func(ctx context.Context) error {
		var err error
		blocks, err = s.store.ListStagedBlocks(ctx, sessionID)
		return err
	})
	if err != nil {
		return 0, err
	}

	var staged int64
	for _, b := range blocks {
		staged += b.Size
	}

	mctx, cancel := context.WithTimeout(ctx, s.config.MetadataTimeout)
	defer cancel()
	if err := s.repos.Sessions(s.db).SetStagedBytes(mctx, sessionID, staged); err != nil {
		return 0, err
	}
	return staged, nil
}

// Cancel moves the session to CANCELLED and wipes its staging area.
// Cancelling an already-cancelled session is a no-op; other terminal states
// conflict.
func (s *SessionService) Cancel(ctx context.Context, ownerID, sessionID string) error {
	session, err := s.get(ctx, ownerID, sessionID)
	if err != nil {
		return err
	}

	switch session.Status {
	case models.SessionCancelled:
		return nil
	case models.SessionCompleted, models.SessionFailed:
		return s.statusError(session)
	case models.SessionCommitting:
		return fmt.Errorf("session %s is committing: %w", sessionID, common.ErrConflict)
	}

	if err := s.repos.Sessions(s.db).Transition(ctx, sessionID, session.Status, models.SessionCancelled); err != nil {
		return err
	}

	prefix := blobstore.StagingPrefix(sessionID)
	err = s.guard.Do(ctx, "delete", func(ctx context.Context) error {
		return s.store.DeletePrefix(ctx, prefix)
	})
	if err != nil {
		// The cancellation itself stands; the chunks become the sweeper's
		// problem.
		s.logger.Warn(ctx, "staging cleanup failed, enqueueing", "session", sessionID, "error", err)
		if qerr := s.repos.Deletions(s.db).Enqueue(ctx, prefix, true); qerr != nil {
			return fmt.Errorf("cleanup enqueue failed: %w", qerr)
		}
	}

	s.logger.Info(ctx, "upload session cancelled", "session", sessionID, "owner", ownerID)
	return nil
}
