package models

import "time"

// PendingDeletion is a storage-backend delete that failed and was queued for
// retry. Deletes never silently succeed: when the backend is unavailable the
// key is parked here and the sweeper drains the queue.
type PendingDeletion struct {
	ID         int64
	StorageKey string
	// Prefix deletes remove every key under StorageKey (staging areas).
	Prefix     bool
	Attempts   int
	EnqueuedAt time.Time
}
