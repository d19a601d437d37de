package backup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ruteri/coaching-backup/interfaces"
	"github.com/ruteri/coaching-backup/snapshot"
)

// The operations below serve administrative and diagnostic callers. Unlike
// CreateBackup they return remote errors to the caller.

// SaveTestBlob writes a test entity to the canonical folder directly.
func (o *Orchestrator) SaveTestBlob(ctx context.Context, test *interfaces.Test) (interfaces.FileInfo, error) {
	if test == nil || test.ID == "" {
		return interfaces.FileInfo{}, fmt.Errorf("%w: test id is required", interfaces.ErrInvalidEntity)
	}

	snap, err := snapshot.New("tests", "test", test.ID, test, o.clock.Now())
	if err != nil {
		return interfaces.FileInfo{}, err
	}

	folder, err := o.store.GetOrCreateFolder(ctx, o.cfg.FolderName)
	if err != nil {
		return interfaces.FileInfo{}, err
	}

	info, err := o.write(ctx, folder.ID, snap)
	if err != nil {
		if classify(err) == errClassQuota {
			o.pauseOnQuota(err)
		}
		return interfaces.FileInfo{}, err
	}

	o.recordStored(snap, info)
	return info, nil
}

// ListBlobs lists the blobs of the canonical folder ordered by creation time.
func (o *Orchestrator) ListBlobs(ctx context.Context) ([]interfaces.FileInfo, error) {
	folder, err := o.store.GetOrCreateFolder(ctx, o.cfg.FolderName)
	if err != nil {
		return nil, err
	}
	return o.store.ListFiles(ctx, folder.ID)
}

// DeleteBlob removes a blob. Deleting a missing blob succeeds.
func (o *Orchestrator) DeleteBlob(ctx context.Context, fileID string) error {
	if fileID == "" {
		return fmt.Errorf("%w: file id is required", interfaces.ErrNotFound)
	}
	if err := o.store.GetAuth(ctx); err != nil {
		return err
	}
	if err := o.store.DeleteObject(ctx, fileID); err != nil {
		return err
	}

	o.mu.Lock()
	for token, rec := range o.stored {
		if rec.FileID == fileID {
			delete(o.stored, token)
			for i, t := range o.storedOrder {
				if t == token {
					o.storedOrder = append(o.storedOrder[:i], o.storedOrder[i+1:]...)
					break
				}
			}
		}
	}
	o.mu.Unlock()

	o.log.Info("Deleted backup blob", slog.String("file_id", fileID))
	return nil
}

// FolderInfo returns live information about the canonical folder.
func (o *Orchestrator) FolderInfo(ctx context.Context) (interfaces.FolderInfo, error) {
	info, err := o.store.GetFolderInfo(ctx)
	if err != nil {
		return interfaces.FolderInfo{}, err
	}
	o.cacheFolderInfo(info)
	return info, nil
}

// TestAuth re-authenticates against the remote store.
func (o *Orchestrator) TestAuth(ctx context.Context) (bool, error) {
	return o.store.TestAuth(ctx)
}
