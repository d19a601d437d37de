package api

import (
	"time"

	"github.com/ruteri/coaching-backup/interfaces"
)

// CreateBackupResponse answers POST /api/backup.
type CreateBackupResponse struct {
	Success bool `json:"success"`

	// BackupID is the remote file id, null unless the snapshot was stored.
	BackupID *string `json:"backupId"`
	Message  string  `json:"message"`

	// Source is one of interfaces.StatusStored, StatusPending, StatusRetryPending or StatusError.
	Source string `json:"source"`
}

// StatsResponse answers GET /api/backup/stats.
type StatsResponse struct {
	Success   bool                    `json:"success"`
	Stats     interfaces.StorageStats `json:"stats"`
	Timestamp time.Time               `json:"timestamp"`
}

// FolderInfoResponse answers GET /api/backup/folder.
type FolderInfoResponse struct {
	Success          bool                     `json:"success"`
	Folder           *interfaces.FolderHandle `json:"folder,omitempty"`
	FileCount        int                      `json:"fileCount"`
	TotalBytes       int64                    `json:"totalBytes"`
	Quota            *interfaces.Quota        `json:"quota,omitempty"`
	DuplicateFolders int                      `json:"duplicateFolders,omitempty"`
	Message          string                   `json:"message,omitempty"`
}

// AuthResponse answers GET /api/backup/auth.
type AuthResponse struct {
	Success       bool   `json:"success"`
	Authenticated bool   `json:"authenticated"`
	Message       string `json:"message,omitempty"`
}

// BlobInfo is one entry of ListBlobsResponse.
type BlobInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	CreatedTime time.Time `json:"createdTime"`
}

// ListBlobsResponse answers GET /api/backup/tests.
type ListBlobsResponse struct {
	Success bool       `json:"success"`
	Tests   []BlobInfo `json:"tests"`
	Message string     `json:"message,omitempty"`
}

// SaveBlobResponse answers POST /api/backup/tests.
type SaveBlobResponse struct {
	Success bool   `json:"success"`
	FileID  string `json:"fileId,omitempty"`
	Message string `json:"message,omitempty"`
}

// SuccessResponse answers operations without a payload.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// TestResponse answers POST /api/tests.
type TestResponse struct {
	Success bool             `json:"success"`
	Test    *interfaces.Test `json:"test,omitempty"`
}

// ResultResponse answers POST /api/tests/{id}/results.
type ResultResponse struct {
	Success bool               `json:"success"`
	Result  *interfaces.Result `json:"result,omitempty"`
}

// ErrorResponse is the body of every 4xx/5xx answer.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
