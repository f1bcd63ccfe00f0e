// Package models defines server-side data models persisted in the database.
package models

// Owner is the principal on whose behalf objects are stored. Permission
// flags and quota come from the account system; blobgate reads them and
// maintains only StorageUsed.
type Owner struct {
	ID string
	// Name is the human-readable account name, used in logs only.
	Name string

	// Capability flags checked at grant issuance and upload time.
	CanRead   bool
	CanWrite  bool
	CanCreate bool

	// StorageQuota is the byte budget; StorageUsed the committed byte count.
	// usage <= quota must hold after every committed operation.
	StorageQuota int64
	StorageUsed  int64
}

// RemainingStorage returns the unreserved byte budget. Never negative in a
// consistent store; callers should still guard against transient overshoot.
func (o *Owner) RemainingStorage() int64 {
	r := o.StorageQuota - o.StorageUsed
	if r < 0 {
		return 0
	}
	return r
}

// HasStorageSpace reports whether size more bytes fit under the quota.
func (o *Owner) HasStorageSpace(size int64) bool {
	return o.StorageUsed+size <= o.StorageQuota
}
