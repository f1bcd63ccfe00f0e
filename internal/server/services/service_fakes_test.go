package services

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/blobgate/blobgate/internal/blobstore"
	"github.com/blobgate/blobgate/internal/common"
	"github.com/blobgate/blobgate/internal/dbx"
	"github.com/blobgate/blobgate/internal/logging"
	"github.com/blobgate/blobgate/internal/resilience"
	sc "github.com/blobgate/blobgate/internal/server/config"
	"github.com/blobgate/blobgate/internal/server/models"
	"github.com/blobgate/blobgate/internal/server/repositories/deletions"
	"github.com/blobgate/blobgate/internal/server/repositories/folders"
	"github.com/blobgate/blobgate/internal/server/repositories/objects"
	"github.com/blobgate/blobgate/internal/server/repositories/owners"
	"github.com/blobgate/blobgate/internal/server/repositories/repomanager"
	"github.com/blobgate/blobgate/internal/server/repositories/sessions"
)

// -------- test fakes --------

type fakeOwnersRepo struct {
	owners.Repository
	owner  *models.Owner
	getErr error

	adjusted []int64
	addErr   error
}

func (f *fakeOwnersRepo) Get(ctx context.Context, id string) (*models.Owner, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.owner == nil || f.owner.ID != id {
		return nil, common.ErrNotFound
	}
	o := *f.owner
	return &o, nil
}

func (f *fakeOwnersRepo) AdjustUsage(ctx context.Context, id string, delta int64) error {
	f.adjusted = append(f.adjusted, delta)
	f.owner.StorageUsed += delta
	if f.owner.StorageUsed < 0 {
		f.owner.StorageUsed = 0
	}
	return nil
}

func (f *fakeOwnersRepo) AddUsageWithinQuota(ctx context.Context, id string, delta int64) error {
	if f.addErr != nil {
		return f.addErr
	}
	if f.owner.StorageUsed+delta > f.owner.StorageQuota {
		return common.ErrQuotaExceeded
	}
	f.owner.StorageUsed += delta
	f.adjusted = append(f.adjusted, delta)
	return nil
}

func (f *fakeOwnersRepo) RecomputeUsage(ctx context.Context, id string) (int64, error) {
	return f.owner.StorageUsed, nil
}

type fakeSessionsRepo struct {
	sessions.Repository
	mu       sync.Mutex
	sessions map[string]*models.UploadSession

	reserved int64
	stale    []*models.UploadSession
	live     []string
}

func newFakeSessionsRepo() *fakeSessionsRepo {
	return &fakeSessionsRepo{sessions: make(map[string]*models.UploadSession)}
}

func (f *fakeSessionsRepo) Create(ctx context.Context, s *models.UploadSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeSessionsRepo) Get(ctx context.Context, id string) (*models.UploadSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessionsRepo) Transition(ctx context.Context, id string, from, to models.SessionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.Status != from {
		return common.ErrConflict
	}
	s.Status = to
	return nil
}

func (f *fakeSessionsRepo) SetStagedBytes(ctx context.Context, id string, staged int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		s.StagedBytes = staged
	}
	return nil
}

func (f *fakeSessionsRepo) ReservedBytes(ctx context.Context, ownerID string) (int64, error) {
	return f.reserved, nil
}

func (f *fakeSessionsRepo) ListStale(ctx context.Context, before time.Time) ([]*models.UploadSession, error) {
	return f.stale, nil
}

func (f *fakeSessionsRepo) LiveIDs(ctx context.Context) ([]string, error) {
	return f.live, nil
}

func (f *fakeSessionsRepo) status(t *testing.T, id string) models.SessionStatus {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		t.Fatalf("session %s not found", id)
	}
	return s.Status
}

type fakeObjectsRepo struct {
	objects.Repository
	mu      sync.Mutex
	byID    map[string]*models.StoredObject
	nextID  int
	created []*models.StoredObject

	createErr error
}

func newFakeObjectsRepo() *fakeObjectsRepo {
	return &fakeObjectsRepo{byID: make(map[string]*models.StoredObject)}
}

func (f *fakeObjectsRepo) add(obj *models.StoredObject) *models.StoredObject {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if obj.ID == "" {
		obj.ID = fmt.Sprintf("obj-%d", f.nextID)
	}
	cp := *obj
	f.byID[obj.ID] = &cp
	return obj
}

func (f *fakeObjectsRepo) Create(ctx context.Context, obj *models.StoredObject) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.add(obj)
	f.created = append(f.created, obj)
	return nil
}

func (f *fakeObjectsRepo) GetByID(ctx context.Context, id string) (*models.StoredObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.byID[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *obj
	return &cp, nil
}

func (f *fakeObjectsRepo) GetByPath(ctx context.Context, path string) (*models.StoredObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, obj := range f.byID {
		if obj.StoragePath == path {
			cp := *obj
			return &cp, nil
		}
	}
	return nil, common.ErrNotFound
}

func (f *fakeObjectsRepo) GetByShareToken(ctx context.Context, token string) (*models.StoredObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, obj := range f.byID {
		if obj.ShareToken == token && !obj.CleanupPending {
			cp := *obj
			return &cp, nil
		}
	}
	return nil, common.ErrNotFound
}

func (f *fakeObjectsRepo) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[id]; !ok {
		return common.ErrNotFound
	}
	delete(f.byID, id)
	return nil
}

func (f *fakeObjectsRepo) ListByOwner(ctx context.Context, ownerID, folderID string) ([]*models.StoredObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.StoredObject
	for _, obj := range f.byID {
		if obj.OwnerID == ownerID && !obj.CleanupPending {
			cp := *obj
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeObjectsRepo) AllStoragePaths(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var paths []string
	for _, obj := range f.byID {
		if !obj.CleanupPending {
			paths = append(paths, obj.StoragePath)
		}
	}
	return paths, nil
}

func (f *fakeObjectsRepo) MarkCleanupPending(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.byID[id]
	if !ok {
		return common.ErrNotFound
	}
	obj.CleanupPending = true
	return nil
}

func (f *fakeObjectsRepo) ListCleanupPending(ctx context.Context, limit int) ([]*models.StoredObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.StoredObject
	for _, obj := range f.byID {
		if obj.CleanupPending {
			cp := *obj
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeObjectsRepo) SetShareToken(ctx context.Context, id, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.byID[id]
	if !ok {
		return common.ErrNotFound
	}
	obj.ShareToken = token
	return nil
}

type fakeFoldersRepo struct {
	folders.Repository
	folder *models.Folder
}

func (f *fakeFoldersRepo) GetByID(ctx context.Context, id string) (*models.Folder, error) {
	if f.folder == nil || f.folder.ID != id {
		return nil, common.ErrNotFound
	}
	cp := *f.folder
	return &cp, nil
}

type fakeDeletionsRepo struct {
	deletions.Repository
	mu      sync.Mutex
	entries []*models.PendingDeletion
	nextID  int64
}

func (f *fakeDeletionsRepo) Enqueue(ctx context.Context, storageKey string, prefix bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.entries = append(f.entries, &models.PendingDeletion{
		ID: f.nextID, StorageKey: storageKey, Prefix: prefix,
	})
	return nil
}

func (f *fakeDeletionsRepo) List(ctx context.Context, limit int) ([]*models.PendingDeletion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.PendingDeletion, len(f.entries))
	copy(out, f.entries)
	return out, nil
}

func (f *fakeDeletionsRepo) Remove(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, e := range f.entries {
		if e.ID == id {
			f.entries = append(f.entries[:i], f.entries[i+1:]...)
			return nil
		}
	}
	return common.ErrNotFound
}

func (f *fakeDeletionsRepo) BumpAttempts(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.ID == id {
			e.Attempts++
			return nil
		}
	}
	return common.ErrNotFound
}

type fakeRepoManager struct {
	repomanager.RepositoryManager
	o  *fakeOwnersRepo
	ob *fakeObjectsRepo
	s  *fakeSessionsRepo
	fo *fakeFoldersRepo
	d  *fakeDeletionsRepo
}

func newFakeRepoManager(owner *models.Owner) *fakeRepoManager {
	return &fakeRepoManager{
		o:  &fakeOwnersRepo{owner: owner},
		ob: newFakeObjectsRepo(),
		s:  newFakeSessionsRepo(),
		fo: &fakeFoldersRepo{},
		d:  &fakeDeletionsRepo{},
	}
}

func (m *fakeRepoManager) Owners(db dbx.DBTX) owners.Repository       { return m.o }
func (m *fakeRepoManager) Objects(db dbx.DBTX) objects.Repository     { return m.ob }
func (m *fakeRepoManager) Sessions(db dbx.DBTX) sessions.Repository   { return m.s }
func (m *fakeRepoManager) Folders(db dbx.DBTX) folders.Repository     { return m.fo }
func (m *fakeRepoManager) Deletions(db dbx.DBTX) deletions.Repository { return m.d }

// fakeBlobStore is an in-memory blobstore.Store.
type fakeBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	staged  map[string]map[int][]byte
	// modTimes controls ListKeys age filtering; absent keys count as old.
	modTimes map[string]time.Time

	presignErr error
	headErr    error
	stageErr   error
	listErr    error
	matErr     error
	deleteErr  error

	deleted         []string
	deletedPrefixes []string
	headCalls       int
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{
		objects:  make(map[string][]byte),
		staged:   make(map[string]map[int][]byte),
		modTimes: make(map[string]time.Time),
	}
}

func (f *fakeBlobStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (*blobstore.SignedURL, error) {
	if f.presignErr != nil {
		return nil, f.presignErr
	}
	return &blobstore.SignedURL{URL: "https://signed.example/GET/" + key, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (f *fakeBlobStore) PresignPut(ctx context.Context, key string, ttl time.Duration) (*blobstore.SignedURL, error) {
	if f.presignErr != nil {
		return nil, f.presignErr
	}
	return &blobstore.SignedURL{URL: "https://signed.example/PUT/" + key, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (f *fakeBlobStore) StageBlock(ctx context.Context, sessionID string, index int, data []byte) (string, error) {
	if f.stageErr != nil {
		return "", f.stageErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.staged[sessionID] == nil {
		f.staged[sessionID] = make(map[int][]byte)
	}
	f.staged[sessionID][index] = append([]byte(nil), data...)
	return blobstore.BlockID(index), nil
}

func (f *fakeBlobStore) ListStagedBlocks(ctx context.Context, sessionID string) ([]blobstore.Block, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var blocks []blobstore.Block
	for idx, data := range f.staged[sessionID] {
		blocks = append(blocks, blobstore.Block{
			ID: blobstore.BlockID(idx), Index: idx, Size: int64(len(data)),
		})
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Index < blocks[j].Index })
	return blocks, nil
}

func (f *fakeBlobStore) Materialize(ctx context.Context, sessionID string, blockIDs []string, finalKey string) (int64, error) {
	if f.matErr != nil {
		return 0, f.matErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	blocks := f.staged[sessionID]
	var merged []byte
	for i := range blockIDs {
		data, ok := blocks[i]
		if !ok {
			return 0, blobstore.ErrNotFound
		}
		merged = append(merged, data...)
	}
	f.objects[finalKey] = merged
	delete(f.staged, sessionID)
	return int64(len(merged)), nil
}

func (f *fakeBlobStore) Head(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headCalls++
	if f.headErr != nil {
		return 0, f.headErr
	}
	data, ok := f.objects[key]
	if !ok {
		return 0, blobstore.ErrNotFound
	}
	return int64(len(data)), nil
}

func (f *fakeBlobStore) Delete(ctx context.Context, key string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	for id, blocks := range f.staged {
		for idx := range blocks {
			if blobstore.BlockKey(id, blobstore.BlockID(idx)) == key {
				delete(blocks, idx)
			}
		}
		if len(blocks) == 0 {
			delete(f.staged, id)
		}
	}
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeBlobStore) DeletePrefix(ctx context.Context, prefix string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedPrefixes = append(f.deletedPrefixes, prefix)
	for id := range f.staged {
		if blobstore.StagingPrefix(id) == prefix {
			delete(f.staged, id)
		}
	}
	return nil
}

func (f *fakeBlobStore) ListKeys(ctx context.Context, prefix string, olderThan time.Time) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	appendKey := func(key string) {
		if mod, ok := f.modTimes[key]; ok && !olderThan.IsZero() && !mod.Before(olderThan) {
			return
		}
		keys = append(keys, key)
	}
	for key := range f.objects {
		appendKey(key)
	}
	for id, blocks := range f.staged {
		for idx := range blocks {
			appendKey(blobstore.BlockKey(id, blobstore.BlockID(idx)))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// -------- helpers --------

func newSQLMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return db, mock
}

func testConfig() *sc.Config {
	cfg := &sc.Config{}
	cfg.LoadDefaults()
	cfg.ChunkSize = 4
	cfg.MultipartThreshold = 64
	cfg.ProgressLogStride = 2
	cfg.GrantTTL = 15 * time.Minute
	cfg.GrantCacheTTL = time.Minute
	return cfg
}

func testGuard() *resilience.Wrapper {
	return resilience.New(resilience.Config{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		NotFailure:     []error{blobstore.ErrNotFound},
	}, &logging.NopLogger{})
}

func testOwner() *models.Owner {
	return &models.Owner{
		ID: "owner-1", Name: "tester",
		CanRead: true, CanWrite: true, CanCreate: true,
		StorageQuota: 1000, StorageUsed: 0,
	}
}
