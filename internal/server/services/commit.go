package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/blobgate/blobgate/internal/blobstore"
	"github.com/blobgate/blobgate/internal/common"
	"github.com/blobgate/blobgate/internal/dbx"
	"github.com/blobgate/blobgate/internal/server/models"
)

// Commit finalizes a fully staged session with the two-phase protocol:
// phase 1 materializes the chunks the caller lists, in the order given,
// into the final backend object; phase 2 records the metadata and charges
// the quota in one transaction. A phase 1 failure leaves the chunks staged,
// so the session goes back to STAGING and the commit may simply be retried.
// A phase 2 failure compensates by deleting the materialized object (the
// chunks are gone by then) and the session ends FAILED, so no path exists
// where metadata claims bytes the backend does not hold.
func (s *SessionService) Commit(ctx context.Context, ownerID, sessionID string, chunkIDs []string) (*models.StoredObject, error) {
	session, err := s.get(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}

	switch session.Status {
	case models.SessionStaging:
	case models.SessionCancelled:
		return nil, fmt.Errorf("session %s: %w", sessionID, common.ErrSessionCancelled)
	case models.SessionCompleted:
		// Client retry after a lost response: return the committed object.
		return s.committedObject(ctx, session)
	default:
		return nil, s.statusError(session)
	}

	blocks, err := s.stagedBlocks(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	blockIDs, err := s.verifyComplete(session, blocks, chunkIDs)
	if err != nil {
		// The session stays in STAGING so the client can fill the gaps.
		return nil, err
	}

	if err := s.repos.Sessions(s.db).Transition(ctx, sessionID, models.SessionStaging, models.SessionCommitting); err != nil {
		return nil, err
	}

	// Phase 1. The staging area is untouched on failure, so the session is
	// handed back for another attempt.
	size, err := s.materialize(ctx, session, blockIDs)
	if err != nil {
		if terr := s.repos.Sessions(s.db).Transition(ctx, sessionID, models.SessionCommitting, models.SessionStaging); terr != nil {
			s.logger.Error(ctx, "session stuck in COMMITTING", "session", sessionID, "error", terr)
		}
		return nil, err
	}

	// Phase 2.
	obj := &models.StoredObject{
		Name:        session.Name,
		StoragePath: session.StoragePath,
		Size:        size,
		ContentType: session.ContentType,
		OwnerID:     session.OwnerID,
		FolderID:    session.FolderID,
	}
	if err := s.registerObject(ctx, obj); err != nil {
		s.compensate(ctx, session.StoragePath)
		if terr := s.repos.Sessions(s.db).Transition(ctx, sessionID, models.SessionCommitting, models.SessionFailed); terr != nil {
			s.logger.Error(ctx, "session stuck in COMMITTING", "session", sessionID, "error", terr)
		}
		return nil, err
	}

	if err := s.repos.Sessions(s.db).Transition(ctx, sessionID, models.SessionCommitting, models.SessionCompleted); err != nil {
		// The object is committed; only the session record lags.
		s.logger.Error(ctx, "completed session not marked", "session", sessionID, "error", err)
	}

	s.logger.Info(ctx, "upload session committed",
		"session", sessionID, "object", obj.ID, "size", obj.Size)
	return obj, nil
}

func (s *SessionService) committedObject(ctx context.Context, session *models.UploadSession) (*models.StoredObject, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.MetadataTimeout)
	defer cancel()
	return s.repos.Objects(s.db).GetByPath(ctx, session.StoragePath)
}

func (s *SessionService) stagedBlocks(ctx context.Context, sessionID string) ([]blobstore.Block, error) {
	var blocks []blobstore.Block
	err := s.guard.Do(ctx, "list", func(ctx context.Context) error {
		var err error
		blocks, err = s.store.ListStagedBlocks(ctx, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

// verifyComplete validates the caller-supplied chunk list against the
// backend listing and the declared size, and returns the ordered block ids
// to materialize. The caller's list is trusted for order and membership;
// completeness is only checked through the size. An empty list means the
// caller wants every staged chunk in index order.
func (s *SessionService) verifyComplete(session *models.UploadSession, blocks []blobstore.Block, chunkIDs []string) ([]string, error) {
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Index < blocks[j].Index })

	if len(chunkIDs) == 0 {
		chunkIDs = make([]string, 0, len(blocks))
		for _, b := range blocks {
			chunkIDs = append(chunkIDs, b.ID)
		}
	}

	sizes := make(map[string]int64, len(blocks))
	for _, b := range blocks {
		sizes[b.ID] = b.Size
	}

	var total int64
	seen := make(map[string]struct{}, len(chunkIDs))
	var missing []string
	for _, id := range chunkIDs {
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("session %s lists chunk %s twice: %w",
				session.ID, id, common.ErrConflict)
		}
		seen[id] = struct{}{}
		size, ok := sizes[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		total += size
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("session %s is missing chunks %s: %w",
			session.ID, strings.Join(missing, ","), common.ErrConflict)
	}
	if total != session.DeclaredSize {
		return nil, fmt.Errorf("session %s staged %d bytes, declared %d: %w",
			session.ID, total, session.DeclaredSize, common.ErrConflict)
	}
	return chunkIDs, nil
}

// materialize runs commit phase 1 on the bounded transfer pool.
func (s *SessionService) materialize(ctx context.Context, session *models.UploadSession, blockIDs []string) (int64, error) {
	if err := s.transfers.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer s.transfers.Release(1)

	var size int64
	err := s.guard.Do(ctx, "materialize", func(ctx context.Context) error {
		var err error
		size, err = s.store.Materialize(ctx, session.ID, blockIDs, session.StoragePath)
		return err
	})
	if err != nil {
		return 0, err
	}
	return size, nil
}

// registerObject runs commit phase 2: insert the metadata record and charge
// the owner's quota, atomically.
func (s *SessionService) registerObject(ctx context.Context, obj *models.StoredObject) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.MetadataTimeout)
	defer cancel()

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repos.Objects(tx).Create(ctx, obj); err != nil {
			return err
		}
		return s.repos.Owners(tx).AddUsageWithinQuota(ctx, obj.OwnerID, obj.Size)
	})
}

// compensate removes a materialized object whose metadata registration
// failed. If the delete itself fails the key goes onto the deletion queue;
// it must not survive as a half-committed object.
func (s *SessionService) compensate(ctx context.Context, key string) {
	err := s.guard.Do(ctx, "delete", func(ctx context.Context) error {
		err := s.store.Delete(ctx, key)
		if isBlobNotFound(err) {
			return nil
		}
		return err
	})
	if err == nil {
		return
	}
	s.logger.Warn(ctx, "compensating delete failed, enqueueing", "key", key, "error", err)
	if qerr := s.repos.Deletions(s.db).Enqueue(ctx, key, false); qerr != nil {
		s.logger.Error(ctx, "deletion enqueue failed, orphan remains", "key", key, "error", qerr)
	}
}

// ConfirmUpload registers an object that the client uploaded directly with
// an upload grant. The backend is the source of truth for the size; the
// key must lie in the caller's namespace.
func (s *SessionService) ConfirmUpload(ctx context.Context, ownerID, name, storageKey, contentType, folderID string) (*models.StoredObject, error) {
	if !strings.HasPrefix(storageKey, "owners/"+ownerID+"/") {
		return nil, fmt.Errorf("key %s not in owner namespace: %w", storageKey, common.ErrPermissionDenied)
	}

	if folderID != "" {
		mctx, cancel := context.WithTimeout(ctx, s.config.MetadataTimeout)
		folder, err := s.repos.Folders(s.db).GetByID(mctx, folderID)
		cancel()
		if err != nil {
			return nil, err
		}
		if folder.OwnerID != ownerID {
			return nil, fmt.Errorf("folder %s: %w", folderID, common.ErrPermissionDenied)
		}
	}

	// Idempotent confirm: a retry after a lost response finds the record.
	if existing, err := s.repos.Objects(s.db).GetByPath(ctx, storageKey); err == nil {
		return existing, nil
	} else if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	var size int64
	err := s.guard.Do(ctx, "head", func(ctx context.Context) error {
		var err error
		size, err = s.store.Head(ctx, storageKey)
		return err
	})
	if err != nil {
		if isBlobNotFound(err) {
			return nil, fmt.Errorf("nothing uploaded at %s: %w", storageKey, common.ErrNotFound)
		}
		return nil, err
	}

	obj := &models.StoredObject{
		Name:        name,
		StoragePath: storageKey,
		Size:        size,
		ContentType: contentType,
		OwnerID:     ownerID,
		FolderID:    folderID,
	}
	if err := s.registerObject(ctx, obj); err != nil {
		s.compensate(ctx, storageKey)
		return nil, err
	}

	s.logger.Info(ctx, "direct upload confirmed", "object", obj.ID, "owner", ownerID, "size", size)
	return obj, nil
}
