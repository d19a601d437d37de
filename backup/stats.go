package backup

import (
	"context"
	"log/slog"

	"github.com/ruteri/coaching-backup/interfaces"
)

// GetStorageStats merges live folder information with local counters. If the remote
// store cannot be reached the last cached folder information is reported with
// Connected set to false.
func (o *Orchestrator) GetStorageStats(ctx context.Context) interfaces.StorageStats {
	info, err := o.store.GetFolderInfo(ctx)
	if err == nil {
		o.cacheFolderInfo(info)
	} else {
		o.log.Debug("Folder info unavailable, using cached stats", "err", err)
	}

	stats := interfaces.StorageStats{
		Connected:      err == nil,
		Ready:          o.IsReady(),
		PendingRetries: o.queue.pending(),
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	stats.QuotaExceeded = o.quotaPaused
	stats.FailedJobs = o.failedTotal
	stats.StoredBackups = len(o.stored)
	stats.Failed = append([]interfaces.RetryJob(nil), o.failed...)
	if o.lastBackup != nil {
		t := *o.lastBackup
		stats.LastBackupTimestamp = &t
	}
	if o.lastFailure != nil {
		f := *o.lastFailure
		stats.LastFailure = &f
	}

	if o.folderInfo != nil {
		fi := *o.folderInfo
		folder := fi.Folder
		at := o.folderInfoAt
		stats.Folder = &folder
		stats.FileCount = fi.FileCount
		stats.TotalBytes = fi.TotalBytes
		stats.Quota = fi.Quota
		stats.DuplicateFolders = fi.DuplicateFolders
		stats.FolderInfoAt = &at
		if fi.Quota.Exceeded() {
			stats.QuotaExceeded = true
		}
	}
	return stats
}

// PendingJobs returns the queued retry jobs in schedule order.
func (o *Orchestrator) PendingJobs() []interfaces.RetryJob {
	return o.queue.snapshot()
}

func (o *Orchestrator) cacheFolderInfo(info interfaces.FolderInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.folderInfo == nil || o.folderInfo.DuplicateFolders != info.DuplicateFolders {
		if info.DuplicateFolders > 0 {
			o.log.Warn("Duplicate backup folders detected",
				slog.String("folder", info.Folder.Name),
				slog.Int("duplicates", info.DuplicateFolders))
		}
	}
	o.folderInfo = &info
	o.folderInfoAt = o.clock.Now()
}
