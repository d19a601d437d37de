// Package backuphandler exposes the backup orchestrator over HTTP.
package backuphandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/coaching-backup/api"
	"github.com/ruteri/coaching-backup/interfaces"
	"github.com/ruteri/coaching-backup/snapshot"
)

// MaxBodySize bounds request bodies accepted by the backup endpoints.
const MaxBodySize = 1 << 20

// Orchestrator is the subset of backup.Orchestrator used by the handler.
type Orchestrator interface {
	CreateBackup(ctx context.Context, snap interfaces.Snapshot) interfaces.BackupResult
	GetStorageStats(ctx context.Context) interfaces.StorageStats
	FolderInfo(ctx context.Context) (interfaces.FolderInfo, error)
	TestAuth(ctx context.Context) (bool, error)
	ListBlobs(ctx context.Context) ([]interfaces.FileInfo, error)
	SaveTestBlob(ctx context.Context, test *interfaces.Test) (interfaces.FileInfo, error)
	DeleteBlob(ctx context.Context, fileID string) error
	ResumeBackups()
}

// Handler serves the backup endpoints. Remote store failures never turn into
// transport errors: they are reported in the response body with HTTP 200.
type Handler struct {
	orchestrator Orchestrator
	now          func() time.Time
	log          *slog.Logger
}

// NewHandler creates a new backup handler.
func NewHandler(orchestrator Orchestrator, log *slog.Logger) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		now:          time.Now,
		log:          log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/backup", h.HandleCreateBackup)
	r.Get("/api/backup/stats", h.HandleStats)
	r.Get("/api/backup/folder", h.HandleFolderInfo)
	r.Get("/api/backup/auth", h.HandleTestAuth)
	r.Get("/api/backup/tests", h.HandleListBlobs)
	r.Post("/api/backup/tests", h.HandleSaveBlob)
	r.Delete("/api/backup/tests/{file_id}", h.HandleDeleteBlob)
	r.Post("/api/backup/resume", h.HandleResume)
}

// HandleCreateBackup accepts an arbitrary JSON object and submits it for backup.
//
// URL format: POST /api/backup
// An "idempotencyToken" field in the body deduplicates retried submissions.
// Missing or non-object bodies are rejected with 400. Every other outcome is 200 with
// success=true; source carries the backup status.
func (h *Handler) HandleCreateBackup(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("could not read request body: %w", err))
		return
	}

	snap, err := snapshot.FromRaw("api", body, h.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result := h.orchestrator.CreateBackup(r.Context(), snap)
	h.log.Debug("Backup requested", "token", snap.Token, "status", result.Status, "stored", result.Stored)

	resp := api.CreateBackupResponse{
		Success: true,
		Message: result.Message,
		Source:  result.Status,
	}
	if result.Stored && result.FileID != "" {
		fileID := result.FileID
		resp.BackupID = &fileID
	}
	writeJSON(w, resp)
}

// HandleStats reports backup health. It always succeeds: when the remote store is
// unreachable the last known folder information is returned with connected=false.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, api.StatsResponse{
		Success:   true,
		Stats:     h.orchestrator.GetStorageStats(r.Context()),
		Timestamp: h.now().UTC(),
	})
}

func (h *Handler) HandleFolderInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.orchestrator.FolderInfo(r.Context())
	if err != nil {
		h.log.Warn("Folder info failed", "err", err)
		writeJSON(w, api.FolderInfoResponse{Success: false, Message: err.Error()})
		return
	}

	folder := info.Folder
	writeJSON(w, api.FolderInfoResponse{
		Success:          true,
		Folder:           &folder,
		FileCount:        info.FileCount,
		TotalBytes:       info.TotalBytes,
		Quota:            info.Quota,
		DuplicateFolders: info.DuplicateFolders,
	})
}

func (h *Handler) HandleTestAuth(w http.ResponseWriter, r *http.Request) {
	ok, err := h.orchestrator.TestAuth(r.Context())
	if err != nil {
		h.log.Warn("Auth probe failed", "err", err)
		writeJSON(w, api.AuthResponse{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, api.AuthResponse{Success: true, Authenticated: ok})
}

func (h *Handler) HandleListBlobs(w http.ResponseWriter, r *http.Request) {
	files, err := h.orchestrator.ListBlobs(r.Context())
	if err != nil {
		h.log.Warn("Listing backup blobs failed", "err", err)
		writeJSON(w, api.ListBlobsResponse{Success: false, Tests: []api.BlobInfo{}, Message: err.Error()})
		return
	}

	blobs := make([]api.BlobInfo, 0, len(files))
	for _, f := range files {
		blobs = append(blobs, api.BlobInfo{
			ID:          f.ID,
			Name:        f.Name,
			Size:        f.Size,
			CreatedTime: f.CreatedTime,
		})
	}
	writeJSON(w, api.ListBlobsResponse{Success: true, Tests: blobs})
}

// HandleSaveBlob writes a test directly to the remote folder.
//
// URL format: POST /api/backup/tests
// Request body: test JSON; "id" is required.
func (h *Handler) HandleSaveBlob(w http.ResponseWriter, r *http.Request) {
	var test interfaces.Test
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodySize)).Decode(&test); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid test body: %w", err))
		return
	}
	if test.ID == "" {
		writeError(w, http.StatusBadRequest, errors.New("test id is required"))
		return
	}

	info, err := h.orchestrator.SaveTestBlob(r.Context(), &test)
	if err != nil {
		if errors.Is(err, interfaces.ErrInvalidEntity) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		h.log.Warn("Saving test blob failed", "testID", test.ID, "err", err)
		writeJSON(w, api.SaveBlobResponse{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, api.SaveBlobResponse{Success: true, FileID: info.ID})
}

// HandleDeleteBlob removes a blob. Deleting a missing blob succeeds.
//
// URL format: DELETE /api/backup/tests/{file_id}
func (h *Handler) HandleDeleteBlob(w http.ResponseWriter, r *http.Request) {
	fileID, err := url.PathUnescape(chi.URLParam(r, "file_id"))
	if err != nil || fileID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid file id: %q", chi.URLParam(r, "file_id")))
		return
	}

	if err := h.orchestrator.DeleteBlob(r.Context(), fileID); err != nil {
		h.log.Warn("Deleting test blob failed", "fileID", fileID, "err", err)
		writeJSON(w, api.SuccessResponse{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, api.SuccessResponse{Success: true})
}

// HandleResume clears a quota pause after the operator freed space.
func (h *Handler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.orchestrator.ResumeBackups()
	writeJSON(w, api.SuccessResponse{Success: true})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(api.ErrorResponse{Success: false, Error: err.Error()})
}
