package models

import (
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of an upload session.
//
// Valid transitions:
//
//	PENDING -> STAGING -> COMMITTING -> COMPLETED
//	PENDING/STAGING    -> CANCELLED
//	COMMITTING         -> FAILED
type SessionStatus string

const (
	SessionPending    SessionStatus = "PENDING"
	SessionStaging    SessionStatus = "STAGING"
	SessionCommitting SessionStatus = "COMMITTING"
	SessionCompleted  SessionStatus = "COMPLETED"
	SessionFailed     SessionStatus = "FAILED"
	SessionCancelled  SessionStatus = "CANCELLED"
)

// ParseSessionStatus converts a stored string into a SessionStatus.
func ParseSessionStatus(s string) (SessionStatus, error) {
	switch SessionStatus(s) {
	case SessionPending, SessionStaging, SessionCommitting,
		SessionCompleted, SessionFailed, SessionCancelled:
		return SessionStatus(s), nil
	}
	return "", fmt.Errorf("unknown session status %q", s)
}

// Terminal reports whether no further transitions are allowed.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// UploadSession tracks one resumable chunked transfer. The staging area in
// the storage backend, not StagedBytes, is authoritative for resume; staged
// progress here is advisory and persisted at a stride.
type UploadSession struct {
	// ID is opaque and unguessable (uuid).
	ID      string
	OwnerID string
	// Name is the logical file name the committed object will carry.
	Name string
	// StoragePath is reserved exclusively for this session until commit or
	// cancellation.
	StoragePath string
	ContentType string
	FolderID    string

	// DeclaredSize is the total byte size announced at Open; staged bytes
	// never exceed it.
	DeclaredSize int64
	StagedBytes  int64

	Status SessionStatus

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}
