// Package blobstore wraps the object-storage backend behind a narrow
// interface: presigned-URL issuance, chunk staging, materialization of
// staged chunks into final objects, and the listing/deletion primitives the
// sweeper needs.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("blob not found")

// Block is one staged-but-uncommitted chunk.
type Block struct {
	// ID is deterministic for a chunk index, so re-staging the same index
	// overwrites instead of duplicating.
	ID    string
	Index int
	Size  int64
}

// BlockID formats the deterministic id for a chunk index. Zero-padding keeps
// lexical order equal to index order in backend listings.
func BlockID(index int) string {
	return fmt.Sprintf("chunk_%05d", index)
}

// SignedURL is a time-boxed delegated-access capability for a single key and
// a single operation class. It is never persisted.
type SignedURL struct {
	URL       string
	ExpiresAt time.Time
}

// Store is the full backend surface used by blobgate. Every call crosses the
// network and must be routed through the resilience wrapper by callers.
type Store interface {
	// PresignGet returns a read-scoped signed URL for key.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (*SignedURL, error)
	// PresignPut returns a create+write-scoped signed URL for key.
	PresignPut(ctx context.Context, key string, ttl time.Duration) (*SignedURL, error)

	// StageBlock uploads one chunk into the session's staging area and
	// returns its block id. Staging the same index twice overwrites.
	StageBlock(ctx context.Context, sessionID string, index int, data []byte) (string, error)
	// ListStagedBlocks queries the backend for the session's staged chunks.
	// This listing, not any local bookkeeping, is authoritative for resume.
	ListStagedBlocks(ctx context.Context, sessionID string) ([]Block, error)
	// Materialize assembles the given staged blocks, in order, into a single
	// object at finalKey and returns its size. Materializing the same block
	// set twice is idempotent. The staging area is removed on success.
	Materialize(ctx context.Context, sessionID string, blockIDs []string, finalKey string) (int64, error)

	// Head returns the object size, or ErrNotFound.
	Head(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	// ListKeys returns all keys under prefix whose last modification is
	// before olderThan. Pass the zero time to list everything.
	ListKeys(ctx context.Context, prefix string, olderThan time.Time) ([]string, error)
}

// StagingPrefix is the backend key prefix holding a session's uncommitted
// chunks.
func StagingPrefix(sessionID string) string {
	return "staging/" + sessionID + "/"
}

// BlockKey is the backend key of one staged chunk.
func BlockKey(sessionID, blockID string) string {
	return StagingPrefix(sessionID) + blockID
}
