package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blobgate/blobgate/internal/common"
	"github.com/blobgate/blobgate/internal/logging"
	"github.com/blobgate/blobgate/internal/server/models"
)

func newGrantService(t *testing.T, m *fakeRepoManager, store *fakeBlobStore) *GrantService {
	t.Helper()
	db, _ := newSQLMockDB(t)
	t.Cleanup(func() { _ = db.Close() })
	return NewGrantService(db, m, store, testGuard(), testConfig(), &logging.NopLogger{})
}

func TestIssueUploadGrant_Success(t *testing.T) {
	m := newFakeRepoManager(testOwner())
	store := newFakeBlobStore()
	svc := newGrantService(t, m, store)

	grant, err := svc.IssueUploadGrant(context.Background(), "owner-1", "report.pdf", 400)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(grant.StorageKey, "owners/owner-1/"))
	assert.True(t, strings.HasSuffix(grant.StorageKey, "_report.pdf"))
	assert.Contains(t, grant.URL, grant.StorageKey)
	assert.False(t, grant.ExpiresAt.IsZero())
}

func TestIssueUploadGrant_PermissionDenied(t *testing.T) {
	owner := testOwner()
	owner.CanCreate = false
	m := newFakeRepoManager(owner)
	svc := newGrantService(t, m, newFakeBlobStore())

	_, err := svc.IssueUploadGrant(context.Background(), "owner-1", "x", 1)
	assert.ErrorIs(t, err, common.ErrPermissionDenied)
}

func TestIssueUploadGrant_QuotaExceeded(t *testing.T) {
	owner := testOwner()
	owner.StorageUsed = 900
	m := newFakeRepoManager(owner)
	svc := newGrantService(t, m, newFakeBlobStore())

	_, err := svc.IssueUploadGrant(context.Background(), "owner-1", "x", 200)
	assert.ErrorIs(t, err, common.ErrQuotaExceeded)
}

func TestIssueUploadGrant_UniqueKeysPerCall(t *testing.T) {
	m := newFakeRepoManager(testOwner())
	svc := newGrantService(t, m, newFakeBlobStore())

	a, err := svc.IssueUploadGrant(context.Background(), "owner-1", "same.bin", 1)
	require.NoError(t, err)
	b, err := svc.IssueUploadGrant(context.Background(), "owner-1", "same.bin", 1)
	require.NoError(t, err)

	assert.NotEqual(t, a.StorageKey, b.StorageKey)
}

func TestIssueDownloadGrant_Success(t *testing.T) {
	m := newFakeRepoManager(testOwner())
	store := newFakeBlobStore()
	store.objects["owners/owner-1/abc_data.bin"] = []byte("payload")
	obj := m.ob.add(&models.StoredObject{
		Name: "data.bin", StoragePath: "owners/owner-1/abc_data.bin",
		Size: 7, OwnerID: "owner-1",
	})

	svc := newGrantService(t, m, store)
	signed, err := svc.IssueDownloadGrant(context.Background(), "owner-1", obj.ID)
	require.NoError(t, err)
	assert.Contains(t, signed.URL, obj.StoragePath)
}

func TestIssueDownloadGrant_CachedReuse(t *testing.T) {
	m := newFakeRepoManager(testOwner())
	store := newFakeBlobStore()
	store.objects["owners/owner-1/k"] = []byte("x")
	obj := m.ob.add(&models.StoredObject{
		Name: "k", StoragePath: "owners/owner-1/k", Size: 1, OwnerID: "owner-1",
	})

	svc := newGrantService(t, m, store)
	first, err := svc.IssueDownloadGrant(context.Background(), "owner-1", obj.ID)
	require.NoError(t, err)
	second, err := svc.IssueDownloadGrant(context.Background(), "owner-1", obj.ID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, store.headCalls, "cached grant must not re-check the backend")
}

func TestIssueDownloadGrant_ForeignObject(t *testing.T) {
	m := newFakeRepoManager(testOwner())
	obj := m.ob.add(&models.StoredObject{
		Name: "x", StoragePath: "owners/other/x", Size: 1, OwnerID: "other",
	})

	svc := newGrantService(t, m, newFakeBlobStore())
	_, err := svc.IssueDownloadGrant(context.Background(), "owner-1", obj.ID)
	assert.ErrorIs(t, err, common.ErrPermissionDenied)
}

func TestIssueDownloadGrant_MissingBackendObject(t *testing.T) {
	m := newFakeRepoManager(testOwner())
	obj := m.ob.add(&models.StoredObject{
		Name: "ghost", StoragePath: "owners/owner-1/ghost", Size: 1, OwnerID: "owner-1",
	})

	// Backend holds nothing at the object's key.
	svc := newGrantService(t, m, newFakeBlobStore())
	_, err := svc.IssueDownloadGrant(context.Background(), "owner-1", obj.ID)
	assert.ErrorIs(t, err, common.ErrInconsistentState)
}

func TestIssueDownloadGrant_ReadPermissionRequired(t *testing.T) {
	owner := testOwner()
	owner.CanRead = false
	m := newFakeRepoManager(owner)

	svc := newGrantService(t, m, newFakeBlobStore())
	_, err := svc.IssueDownloadGrant(context.Background(), "owner-1", "any")
	assert.ErrorIs(t, err, common.ErrPermissionDenied)
}

func TestIssueShareGrant_Success(t *testing.T) {
	m := newFakeRepoManager(testOwner())
	store := newFakeBlobStore()
	store.objects["owners/owner-1/shared"] = []byte("pub")
	m.ob.add(&models.StoredObject{
		Name: "shared", StoragePath: "owners/owner-1/shared",
		Size: 3, OwnerID: "owner-1", ShareToken: "tok-123",
	})

	svc := newGrantService(t, m, store)
	signed, err := svc.IssueShareGrant(context.Background(), "tok-123")
	require.NoError(t, err)
	assert.Contains(t, signed.URL, "owners/owner-1/shared")
}

func TestIssueShareGrant_UnknownToken(t *testing.T) {
	m := newFakeRepoManager(testOwner())
	svc := newGrantService(t, m, newFakeBlobStore())

	_, err := svc.IssueShareGrant(context.Background(), "nope")
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = svc.IssueShareGrant(context.Background(), "")
	assert.ErrorIs(t, err, common.ErrNotFound)
}
