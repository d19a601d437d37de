// Package interfaces defines the core contracts and types of the coaching-test backup service.
// It provides the contract between components without implementation details.
package interfaces

import (
	"context"
	"time"
)

// Snapshot is a serialized, versioned representation of domain state submitted for backup.
// It is immutable once accepted by the remote store.
type Snapshot struct {
	// Source is the logical source name, e.g. "tests" or "api".
	Source string `json:"source"`

	// Kind is the entity kind inside the source, e.g. "test" or "result".
	Kind string `json:"kind"`

	// EntityID identifies the domain entity, if any.
	EntityID string `json:"entityId,omitempty"`

	// Token deduplicates retries of the same logical write.
	Token string `json:"token"`

	// Version is the payload version of the envelope in Payload.
	Version int `json:"version"`

	// CreatedAt is when the snapshot was taken.
	CreatedAt time.Time `json:"createdAt"`

	// Payload is the raw JSON written to the remote store, unmodified.
	Payload []byte `json:"-"`
}

// BackupRecord is the result of a stored snapshot. It is never mutated.
type BackupRecord struct {
	FileID   string    `json:"fileId"`
	Name     string    `json:"name"`
	Token    string    `json:"token"`
	Size     int64     `json:"size"`
	Checksum string    `json:"checksum,omitempty"`
	StoredAt time.Time `json:"storedAt"`
}

// JobState is the lifecycle state of a RetryJob.
type JobState string

const (
	JobQueued     JobState = "queued"
	JobAttempting JobState = "attempting"
	JobStored     JobState = "stored"
	JobFailed     JobState = "failed"
)

// RetryJob is a queued snapshot awaiting a future write attempt.
type RetryJob struct {
	Snapshot    Snapshot  `json:"snapshot"`
	Attempts    int       `json:"attempts"`
	NextAttempt time.Time `json:"nextAttempt"`
	LastError   string    `json:"lastError,omitempty"`
	State       JobState  `json:"state"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}

// FailureInfo describes the most recent backup failure.
type FailureInfo struct {
	Token string    `json:"token,omitempty"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// StorageStats is a derived, non-persisted view of backup health.
type StorageStats struct {
	Connected     bool `json:"connected"`
	Ready         bool `json:"ready"`
	QuotaExceeded bool `json:"quotaExceeded"`

	TotalBytes       int64         `json:"totalBytes"`
	FileCount        int           `json:"fileCount"`
	Quota            *Quota        `json:"quota,omitempty"`
	Folder           *FolderHandle `json:"folder,omitempty"`
	DuplicateFolders int           `json:"duplicateFolders"`
	FolderInfoAt     *time.Time    `json:"folderInfoAt,omitempty"`

	PendingRetries      int          `json:"pendingRetries"`
	FailedJobs          int          `json:"failedJobs"`
	StoredBackups       int          `json:"storedBackups"`
	LastBackupTimestamp *time.Time   `json:"lastBackupTimestamp,omitempty"`
	LastFailure         *FailureInfo `json:"lastFailure,omitempty"`
	Failed              []RetryJob   `json:"failed,omitempty"`
}

// Backup status discriminators reported to callers.
const (
	StatusStored       = "seamless_cloud"
	StatusPending      = "pending"
	StatusRetryPending = "retry_pending"
	StatusError        = "error"
)

// BackupResult is the outcome of a createBackup call. It never carries a Go error:
// remote unavailability is reported through Status.
type BackupResult struct {
	Stored  bool   `json:"stored"`
	FileID  string `json:"fileId,omitempty"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// BackupSink accepts snapshots for best-effort backup.
type BackupSink interface {
	// CreateBackup attempts or schedules a backup. It never blocks on remote I/O
	// longer than a bounded timeout.
	CreateBackup(ctx context.Context, snap Snapshot) BackupResult

	// Enqueue schedules a snapshot without attempting it. It performs no I/O.
	Enqueue(snap Snapshot) bool
}
