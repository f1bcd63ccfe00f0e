// Package ratelimit implements per-principal token-bucket rate limiting.
// The authoritative store is Redis, shared across instances; a local
// in-process limiter takes over when Redis is unreachable so the service
// degrades to per-instance limits instead of failing open or closed.
package ratelimit

import (
	"context"
	"time"
)

// Class identifies a request category with its own bucket per principal.
type Class string

const (
	ClassGrant    Class = "grant"
	ClassUpload   Class = "upload"
	ClassCommit   Class = "commit"
	ClassDownload Class = "download"
	ClassList     Class = "list"
)

// Budget is the bucket shape for a class: Capacity tokens refilled
// continuously over Window.
type Budget struct {
	Capacity int64
	Window   time.Duration
}

// DefaultBudgets mirror the per-category limits of the public API.
var DefaultBudgets = map[Class]Budget{
	ClassGrant:    {Capacity: 30, Window: time.Minute},
	ClassUpload:   {Capacity: 20, Window: time.Minute},
	ClassCommit:   {Capacity: 10, Window: time.Minute},
	ClassDownload: {Capacity: 100, Window: time.Minute},
	ClassList:     {Capacity: 60, Window: time.Minute},
}

// Decision is the outcome of one Allow call. Remaining and Reset are
// surfaced to callers as X-RateLimit-* headers.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	// Reset is how long until the bucket is full again.
	Reset time.Duration
}

// Limiter decides whether a principal may perform one request of a class.
type Limiter interface {
	Allow(ctx context.Context, principal string, class Class) (Decision, error)
}
