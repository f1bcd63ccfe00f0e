package models

import "time"

// StoredObject is the metadata record for a committed object. It is created
// only after the storage backend has confirmed the bytes exist (phase 2 of
// the commit protocol) and its StoragePath never changes afterwards.
type StoredObject struct {
	ID string
	// Name is the logical file name shown to the client.
	Name string
	// StoragePath is the owner-namespaced backend key, immutable once set.
	StoragePath string
	Size        int64
	ContentType string
	OwnerID     string
	// FolderID is empty for objects in the owner's root.
	FolderID string

	// ShareToken, when non-empty, is the public-share capability for the
	// object. Revoking clears it.
	ShareToken string

	// CleanupPending marks a record whose backend object was already deleted
	// but whose metadata removal failed. The sweeper finishes the job.
	CleanupPending bool

	CreatedAt  time.Time
	ModifiedAt time.Time
}
