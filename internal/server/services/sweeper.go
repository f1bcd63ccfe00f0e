package services

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/blobgate/blobgate/internal/blobstore"
	"github.com/blobgate/blobgate/internal/common"
	"github.com/blobgate/blobgate/internal/dbx"
	"github.com/blobgate/blobgate/internal/logging"
	"github.com/blobgate/blobgate/internal/resilience"
	sc "github.com/blobgate/blobgate/internal/server/config"
	"github.com/blobgate/blobgate/internal/server/models"
	"github.com/blobgate/blobgate/internal/server/repositories/repomanager"
)

const sweepBatchSize = 100

// Sweeper is the background reconciler. Each pass it drains the deletion
// retry queue, finishes half-deleted records, force-cancels abandoned
// sessions, and removes backend objects no metadata accounts for. Orphans
// younger than the grace period are skipped so it never races an in-flight
// commit.
type Sweeper struct {
	db     *sql.DB
	repos  repomanager.RepositoryManager
	store  blobstore.Store
	guard  *resilience.Wrapper
	config *sc.Config
	logger logging.Logger

	now func() time.Time
}

func NewSweeper(db *sql.DB, repos repomanager.RepositoryManager, store blobstore.Store,
	guard *resilience.Wrapper, config *sc.Config, logger logging.Logger) *Sweeper {
	return &Sweeper{
		db:     db,
		repos:  repos,
		store:  store,
		guard:  guard,
		config: config,
		logger: logger.With("module", "sweeper"),
		now:    time.Now,
	}
}

// Run sweeps on the configured interval until the context ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep executes one full pass. Every step is independent; a failing step
// is logged and the pass continues.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.drainDeletionQueue(ctx)
	s.finishPendingCleanups(ctx)
	s.cancelStaleSessions(ctx)
	s.collectOrphans(ctx)
}

// drainDeletionQueue retries backend deletes that failed earlier.
func (s *Sweeper) drainDeletionQueue(ctx context.Context) {
	pending, err := s.repos.Deletions(s.db).List(ctx, sweepBatchSize)
	if err != nil {
		s.logger.Error(ctx, "deletion queue listing failed", "error", err)
		return
	}

	for _, d := range pending {
		err := s.guard.Do(ctx, "delete", func(ctx context.Context) error {
			var err error
			if d.Prefix {
				err = s.store.DeletePrefix(ctx, d.StorageKey)
			} else {
				err = s.store.Delete(ctx, d.StorageKey)
			}
			if isBlobNotFound(err) {
				return nil
			}
			return err
		})
		if err != nil {
			s.logger.Warn(ctx, "queued delete failed again", "key", d.StorageKey, "attempts", d.Attempts, "error", err)
			if err := s.repos.Deletions(s.db).BumpAttempts(ctx, d.ID); err != nil {
				s.logger.Error(ctx, "attempt bump failed", "key", d.StorageKey, "error", err)
			}
			continue
		}
		if err := s.repos.Deletions(s.db).Remove(ctx, d.ID); err != nil {
			s.logger.Error(ctx, "queue entry removal failed", "key", d.StorageKey, "error", err)
		}
	}
}

// finishPendingCleanups completes deletes whose metadata removal failed
// after the backend bytes were already gone.
func (s *Sweeper) finishPendingCleanups(ctx context.Context) {
	objs, err := s.repos.Objects(s.db).ListCleanupPending(ctx, sweepBatchSize)
	if err != nil {
		s.logger.Error(ctx, "cleanup-pending listing failed", "error", err)
		return
	}

	for _, obj := range objs {
		err := s.guard.Do(ctx, "delete", func(ctx context.Context) error {
			err := s.store.Delete(ctx, obj.StoragePath)
			if isBlobNotFound(err) {
				return nil
			}
			return err
		})
		if err != nil {
			s.logger.Warn(ctx, "cleanup delete failed", "object", obj.ID, "error", err)
			continue
		}

		obj := obj
		err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			if err := s.repos.Objects(tx).Delete(ctx, obj.ID); err != nil {
				return err
			}
			return s.repos.Owners(tx).AdjustUsage(ctx, obj.OwnerID, -obj.Size)
		})
		if err != nil {
			s.logger.Error(ctx, "cleanup metadata removal failed", "object", obj.ID, "error", err)
			continue
		}
		s.logger.Info(ctx, "cleanup finished", "object", obj.ID, "key", obj.StoragePath)
	}
}

// cancelStaleSessions resolves sessions abandoned in a live state. Every
// one of them reserves quota, so none may linger forever: PENDING and
// STAGING sessions are cancelled and their staging areas queued for
// removal; a session stranded in COMMITTING by a crash is settled by the
// object table, which records whether phase 2 ever ran.
func (s *Sweeper) cancelStaleSessions(ctx context.Context) {
	cutoff := s.now().Add(-s.config.SessionStaleAfter)
	stale, err := s.repos.Sessions(s.db).ListStale(ctx, cutoff)
	if err != nil {
		s.logger.Error(ctx, "stale session listing failed", "error", err)
		return
	}

	for _, session := range stale {
		if session.Status == models.SessionCommitting {
			s.settleStuckCommit(ctx, session)
			continue
		}

		err := s.repos.Sessions(s.db).Transition(ctx, session.ID, session.Status, models.SessionCancelled)
		if err != nil {
			// Lost to a concurrent commit or cancel; nothing to do.
			continue
		}

		prefix := blobstore.StagingPrefix(session.ID)
		if err := s.repos.Deletions(s.db).Enqueue(ctx, prefix, true); err != nil {
			s.logger.Error(ctx, "staging cleanup enqueue failed", "session", session.ID, "error", err)
			continue
		}
		s.logger.Info(ctx, "stale session cancelled", "session", session.ID, "owner", session.OwnerID)
	}
}

// settleStuckCommit finishes a commit a crash interrupted. A metadata record
// at the session's path means phase 2 completed and only the terminal
// transition was lost; without one the commit never registered, so the
// session is cancelled and both the staging area and any materialized
// object are queued for deletion.
func (s *Sweeper) settleStuckCommit(ctx context.Context, session *models.UploadSession) {
	_, err := s.repos.Objects(s.db).GetByPath(ctx, session.StoragePath)
	switch {
	case err == nil:
		if terr := s.repos.Sessions(s.db).Transition(ctx, session.ID, models.SessionCommitting, models.SessionCompleted); terr != nil {
			return
		}
		s.logger.Info(ctx, "stuck commit marked completed", "session", session.ID, "owner", session.OwnerID)
	case errors.Is(err, common.ErrNotFound):
		if terr := s.repos.Sessions(s.db).Transition(ctx, session.ID, models.SessionCommitting, models.SessionCancelled); terr != nil {
			return
		}
		if qerr := s.repos.Deletions(s.db).Enqueue(ctx, blobstore.StagingPrefix(session.ID), true); qerr != nil {
			s.logger.Error(ctx, "staging cleanup enqueue failed", "session", session.ID, "error", qerr)
		}
		if qerr := s.repos.Deletions(s.db).Enqueue(ctx, session.StoragePath, false); qerr != nil {
			s.logger.Error(ctx, "materialized object enqueue failed", "session", session.ID, "error", qerr)
		}
		s.logger.Info(ctx, "stuck commit cancelled", "session", session.ID, "owner", session.OwnerID)
	default:
		s.logger.Error(ctx, "stuck commit lookup failed", "session", session.ID, "error", err)
	}
}

// collectOrphans deletes backend objects old enough to be past the grace
// period that neither the object table nor any live session accounts for.
func (s *Sweeper) collectOrphans(ctx context.Context) {
	olderThan := s.now().Add(-s.config.SweepGracePeriod)

	var keys []string
	err := s.guard.Do(ctx, "list", func(ctx context.Context) error {
		var err error
		keys, err = s.store.ListKeys(ctx, "", olderThan)
		return err
	})
	if err != nil {
		s.logger.Error(ctx, "backend listing failed", "error", err)
		return
	}
	if len(keys) == 0 {
		return
	}

	paths, err := s.repos.Objects(s.db).AllStoragePaths(ctx)
	if err != nil {
		s.logger.Error(ctx, "storage path listing failed", "error", err)
		return
	}
	known := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		known[p] = struct{}{}
	}

	liveIDs, err := s.repos.Sessions(s.db).LiveIDs(ctx)
	if err != nil {
		s.logger.Error(ctx, "live session listing failed", "error", err)
		return
	}
	livePrefixes := make([]string, 0, len(liveIDs))
	for _, id := range liveIDs {
		livePrefixes = append(livePrefixes, blobstore.StagingPrefix(id))
	}

	removed := 0
	for _, key := range keys {
		if _, ok := known[key]; ok {
			continue
		}
		if underAny(key, livePrefixes) {
			continue
		}

		err := s.guard.Do(ctx, "delete", func(ctx context.Context) error {
			err := s.store.Delete(ctx, key)
			if isBlobNotFound(err) {
				return nil
			}
			return err
		})
		if err != nil {
			s.logger.Warn(ctx, "orphan delete failed", "key", key, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info(ctx, "orphans removed", "count", removed, "scanned", len(keys))
	}
}

func underAny(key string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}
