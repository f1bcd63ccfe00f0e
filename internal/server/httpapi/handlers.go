package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/blobgate/blobgate/internal/blobstore"
	"github.com/blobgate/blobgate/internal/common"
	"github.com/blobgate/blobgate/internal/server/models"
)

type objectDTO struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType,omitempty"`
	FolderID    string    `json:"folderId,omitempty"`
	Shared      bool      `json:"shared"`
	CreatedAt   time.Time `json:"createdAt"`
	ModifiedAt  time.Time `json:"modifiedAt"`
}

func toObjectDTO(obj *models.StoredObject) objectDTO {
	return objectDTO{
		ID:          obj.ID,
		Name:        obj.Name,
		Size:        obj.Size,
		ContentType: obj.ContentType,
		FolderID:    obj.FolderID,
		Shared:      obj.ShareToken != "",
		CreatedAt:   obj.CreatedAt,
		ModifiedAt:  obj.ModifiedAt,
	}
}

func (s *Server) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("malformed request body: %w", common.ErrConflict)
	}
	return nil
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileName    string `json:"fileName"`
		FileSize    int64  `json:"fileSize"`
		ContentType string `json:"contentType"`
		FolderID    string `json:"folderId"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}

	session, err := s.sessions.Open(r.Context(), ownerID(r.Context()),
		req.FileName, req.ContentType, req.FolderID, req.FileSize)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}

	s.writeJSON(r.Context(), w, http.StatusCreated, map[string]any{
		"sessionId": session.ID,
		"chunkSize": s.config.ChunkSize,
	})
}

func (s *Server) handleStageChunk(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		s.writeError(r.Context(), w, fmt.Errorf("bad chunk index: %w", common.ErrConflict))
		return
	}

	// one byte over the chunk size is already invalid
	data, err := io.ReadAll(io.LimitReader(r.Body, s.config.ChunkSize+1))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}

	staged, err := s.sessions.StageChunk(r.Context(), ownerID(r.Context()), sessionID, index, data)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}

	s.writeJSON(r.Context(), w, http.StatusOK, map[string]any{"stagedBytes": staged})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string   `json:"sessionId"`
		ChunkIDs  []string `json:"chunkIds"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}

	obj, err := s.sessions.Commit(r.Context(), ownerID(r.Context()), req.SessionID, req.ChunkIDs)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}

	s.writeJSON(r.Context(), w, http.StatusOK, map[string]any{"object": toObjectDTO(obj)})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := s.sessions.Cancel(r.Context(), ownerID(r.Context()), r.PathValue("sessionID"))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.GetStatus(r.Context(), ownerID(r.Context()), r.PathValue("sessionID"))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}

	s.writeJSON(r.Context(), w, http.StatusOK, map[string]any{
		"sessionId":    session.ID,
		"fileName":     session.Name,
		"status":       string(session.Status),
		"declaredSize": session.DeclaredSize,
		"stagedBytes":  session.StagedBytes,
	})
}

func (s *Server) handleUncommitted(w http.ResponseWriter, r *http.Request) {
	blocks, err := s.sessions.ListStagedBlocks(r.Context(), ownerID(r.Context()), r.PathValue("sessionID"))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}

	type chunkDTO struct {
		ID    string `json:"id"`
		Index int    `json:"index"`
		Size  int64  `json:"size"`
	}
	chunks := make([]chunkDTO, 0, len(blocks))
	for _, b := range blocks {
		chunks = append(chunks, chunkDTO{ID: b.ID, Index: b.Index, Size: b.Size})
	}

	s.writeJSON(r.Context(), w, http.StatusOK, map[string]any{"chunks": chunks})
}

func (s *Server) handleUploadGrant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileName string `json:"fileName"`
		FileSize int64  `json:"fileSize"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}

	grant, err := s.grants.IssueUploadGrant(r.Context(), ownerID(r.Context()), req.FileName, req.FileSize)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}

	s.writeJSON(r.Context(), w, http.StatusCreated, map[string]any{
		"url":        grant.URL,
		"storageKey": grant.StorageKey,
		"expiresAt":  grant.ExpiresAt,
	})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileName    string `json:"fileName"`
		StorageKey  string `json:"storageKey"`
		ContentType string `json:"contentType"`
		FolderID    string `json:"folderId"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}

	obj, err := s.sessions.ConfirmUpload(r.Context(), ownerID(r.Context()),
		req.FileName, req.StorageKey, req.ContentType, req.FolderID)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}

	s.writeJSON(r.Context(), w, http.StatusCreated, map[string]any{"object": toObjectDTO(obj)})
}

func (s *Server) handleDownloadGrant(w http.ResponseWriter, r *http.Request) {
	signed, err := s.grants.IssueDownloadGrant(r.Context(), ownerID(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeSignedURL(w, r, signed)
}

func (s *Server) handleShareDownload(w http.ResponseWriter, r *http.Request) {
	signed, err := s.grants.IssueShareGrant(r.Context(), r.PathValue("token"))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeSignedURL(w, r, signed)
}

func (s *Server) writeSignedURL(w http.ResponseWriter, r *http.Request, signed *blobstore.SignedURL) {
	s.writeJSON(r.Context(), w, http.StatusOK, map[string]any{
		"url":       signed.URL,
		"expiresAt": signed.ExpiresAt,
	})
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	if err := s.objects.Delete(r.Context(), ownerID(r.Context()), r.PathValue("id")); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	token, err := s.objects.Share(r.Context(), ownerID(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(r.Context(), w, http.StatusCreated, map[string]any{"shareToken": token})
}

func (s *Server) handleRevokeShare(w http.ResponseWriter, r *http.Request) {
	if err := s.objects.RevokeShare(r.Context(), ownerID(r.Context()), r.PathValue("id")); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request) {
	objs, err := s.objects.List(r.Context(), ownerID(r.Context()), r.URL.Query().Get("folderId"))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}

	dtos := make([]objectDTO, 0, len(objs))
	for _, obj := range objs {
		dtos = append(dtos, toObjectDTO(obj))
	}
	s.writeJSON(r.Context(), w, http.StatusOK, map[string]any{"objects": dtos})
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.objects.Usage(r.Context(), ownerID(r.Context()))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}

	percent := 0.0
	if usage.Quota > 0 {
		percent = float64(usage.Used+usage.Reserved) / float64(usage.Quota) * 100
	}

	s.writeJSON(r.Context(), w, http.StatusOK, map[string]any{
		"quota":       usage.Quota,
		"used":        usage.Used,
		"reserved":    usage.Reserved,
		"remaining":   usage.Remaining(),
		"usedPercent": percent,
	})
}
