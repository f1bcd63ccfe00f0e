// Package httpapi exposes the broker over a JSON HTTP API. Handlers stay
// thin: decode, call a service, encode. All policy (permissions, quota,
// state machine) lives in the services.
package httpapi

import (
	"context"
	"net/http"

	"github.com/blobgate/blobgate/internal/blobstore"
	"github.com/blobgate/blobgate/internal/logging"
	"github.com/blobgate/blobgate/internal/ratelimit"
	sc "github.com/blobgate/blobgate/internal/server/config"
	"github.com/blobgate/blobgate/internal/server/models"
	"github.com/blobgate/blobgate/internal/server/services"
)

// Grants issues delegated-access URLs.
type Grants interface {
	IssueUploadGrant(ctx context.Context, ownerID, name string, declaredSize int64) (*services.UploadGrant, error)
	IssueDownloadGrant(ctx context.Context, ownerID, objectID string) (*blobstore.SignedURL, error)
	IssueShareGrant(ctx context.Context, token string) (*blobstore.SignedURL, error)
}

// Sessions drives the chunked-upload lifecycle.
type Sessions interface {
	Open(ctx context.Context, ownerID, name, contentType, folderID string, declaredSize int64) (*models.UploadSession, error)
	StageChunk(ctx context.Context, ownerID, sessionID string, index int, data []byte) (int64, error)
	Commit(ctx context.Context, ownerID, sessionID string, chunkIDs []string) (*models.StoredObject, error)
	ConfirmUpload(ctx context.Context, ownerID, name, storageKey, contentType, folderID string) (*models.StoredObject, error)
	Cancel(ctx context.Context, ownerID, sessionID string) error
	GetStatus(ctx context.Context, ownerID, sessionID string) (*models.UploadSession, error)
	ListStagedBlocks(ctx context.Context, ownerID, sessionID string) ([]blobstore.Block, error)
}

// Objects covers committed-object operations.
type Objects interface {
	List(ctx context.Context, ownerID, folderID string) ([]*models.StoredObject, error)
	Delete(ctx context.Context, ownerID, objectID string) error
	Share(ctx context.Context, ownerID, objectID string) (string, error)
	RevokeShare(ctx context.Context, ownerID, objectID string) error
	Usage(ctx context.Context, ownerID string) (*services.StorageUsage, error)
}

// Server wires handlers, middleware and routing.
type Server struct {
	grants   Grants
	sessions Sessions
	objects  Objects
	limiter  ratelimit.Limiter
	config   *sc.Config
	logger   logging.Logger
}

func NewServer(grants Grants, sessions Sessions, objects Objects,
	limiter ratelimit.Limiter, config *sc.Config, logger logging.Logger) *Server {
	return &Server{
		grants:   grants,
		sessions: sessions,
		objects:  objects,
		limiter:  limiter,
		config:   config,
		logger:   logger.With("module", "httpapi"),
	}
}

// Handler builds the routing table. Authenticated routes run through
// logging → auth → per-class rate limiting; the public share route skips
// auth and is limited by client address instead.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	authed := func(class ratelimit.Class, h http.HandlerFunc) http.Handler {
		return s.withLogging(s.withAuth(s.withRateLimit(class, h)))
	}
	public := func(class ratelimit.Class, h http.HandlerFunc) http.Handler {
		return s.withLogging(s.withRateLimit(class, h))
	}

	mux.Handle("POST /upload/initiate", authed(ratelimit.ClassUpload, s.handleInitiate))
	mux.Handle("PUT /upload/chunk/{sessionID}/{index}", authed(ratelimit.ClassUpload, s.handleStageChunk))
	mux.Handle("POST /upload/complete", authed(ratelimit.ClassCommit, s.handleComplete))
	mux.Handle("DELETE /upload/{sessionID}", authed(ratelimit.ClassUpload, s.handleCancel))
	mux.Handle("GET /upload/status/{sessionID}", authed(ratelimit.ClassList, s.handleStatus))
	mux.Handle("GET /upload/uncommitted/{sessionID}", authed(ratelimit.ClassList, s.handleUncommitted))

	mux.Handle("POST /object/upload-grant", authed(ratelimit.ClassGrant, s.handleUploadGrant))
	mux.Handle("POST /object/confirm", authed(ratelimit.ClassCommit, s.handleConfirm))
	mux.Handle("GET /object/{id}/download", authed(ratelimit.ClassDownload, s.handleDownloadGrant))
	mux.Handle("DELETE /object/{id}", authed(ratelimit.ClassCommit, s.handleDeleteObject))
	mux.Handle("POST /object/{id}/share", authed(ratelimit.ClassGrant, s.handleShare))
	mux.Handle("DELETE /object/{id}/share", authed(ratelimit.ClassGrant, s.handleRevokeShare))

	mux.Handle("GET /objects", authed(ratelimit.ClassList, s.handleListObjects))
	mux.Handle("GET /storage", authed(ratelimit.ClassList, s.handleStorage))

	mux.Handle("GET /share/{token}", public(ratelimit.ClassDownload, s.handleShareDownload))

	return mux
}
