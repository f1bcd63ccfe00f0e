// Package common defines shared constants and sentinel errors used across
// blobgate layers. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Client-caused errors. Each maps to a stable machine-readable kind
	// in the HTTP layer.
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrPermissionDenied = errors.New("permission denied")
	ErrQuotaExceeded    = errors.New("storage quota exceeded")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrThrottled        = errors.New("rate limit exceeded")

	// ErrSessionCancelled is returned when an operation targets an upload
	// session that another actor has already cancelled. Surfaced to HTTP
	// clients as a Conflict.
	ErrSessionCancelled = errors.New("upload session cancelled")

	// ErrBackendUnavailable is returned when the storage backend circuit is
	// open or retries against it are exhausted. Business logic never retries
	// around it; only the resilience wrapper produces it.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInconsistentState marks a detected storage/metadata divergence
	// (orphaned object, dangling record). Logged for operators and queued
	// for reconciliation; never returned to end clients as-is.
	ErrInconsistentState = errors.New("inconsistent storage/metadata state")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")

	// ErrInternal covers unexpected server-side failures.
	ErrInternal = errors.New("internal error")
)
