package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/coaching-backup/interfaces"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"
)

// RemoteStoreConfig tunes a RemoteStore.
type RemoteStoreConfig struct {
	// FolderName is the canonical folder used by GetFolderInfo.
	FolderName string

	// OperationTimeout bounds every driver call.
	OperationTimeout time.Duration

	// FolderCacheTTL is how long a resolved folder handle is trusted without I/O.
	FolderCacheTTL time.Duration

	Clock clock.Clock
}

// DefaultRemoteStoreConfig returns the defaults used when fields are left zero.
func DefaultRemoteStoreConfig() RemoteStoreConfig {
	return RemoteStoreConfig{
		FolderName:       "CoachingInstituteTests",
		OperationTimeout: 10 * time.Second,
		FolderCacheTTL:   10 * time.Minute,
		Clock:            clock.New(),
	}
}

type refresher interface {
	Refresh()
}

type cachedFolder struct {
	handle     interfaces.FolderHandle
	duplicates int
	expiresAt  time.Time
}

// RemoteStore implements interfaces.RemoteFileStore on top of an ObjectDriver.
// It owns the credential cache and the folder lifecycle, bounds every call with
// a timeout and keeps driver failures inside the interfaces error taxonomy.
type RemoteStore struct {
	driver interfaces.ObjectDriver
	creds  interfaces.CredentialsProvider
	cfg    RemoteStoreConfig
	log    *slog.Logger

	// authMu serializes credential exchanges; authenticated is read without it.
	authMu        sync.Mutex
	authenticated atomic.Bool

	folderMu sync.RWMutex
	folders  map[string]cachedFolder

	group singleflight.Group
}

// NewRemoteStore creates a RemoteStore. Credentials are not touched until first use.
func NewRemoteStore(driver interfaces.ObjectDriver, creds interfaces.CredentialsProvider, cfg RemoteStoreConfig, log *slog.Logger) *RemoteStore {
	def := DefaultRemoteStoreConfig()
	if cfg.FolderName == "" {
		cfg.FolderName = def.FolderName
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = def.OperationTimeout
	}
	if cfg.FolderCacheTTL <= 0 {
		cfg.FolderCacheTTL = def.FolderCacheTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}

	return &RemoteStore{
		driver:  driver,
		creds:   creds,
		cfg:     cfg,
		log:     log.With(slog.String("store", driver.Name())),
		folders: make(map[string]cachedFolder),
	}
}

// Name returns identifier for logging.
func (s *RemoteStore) Name() string {
	return s.driver.Name()
}

// FolderName returns the canonical folder name.
func (s *RemoteStore) FolderName() string {
	return s.cfg.FolderName
}

// GetAuth obtains credentials, validates them and authenticates the driver.
// The result is cached until InvalidateAuth or an auth failure.
func (s *RemoteStore) GetAuth(ctx context.Context) error {
	if s.authenticated.Load() {
		return nil
	}

	s.authMu.Lock()
	defer s.authMu.Unlock()

	if s.authenticated.Load() {
		return nil
	}

	creds, err := s.creds.Credentials(ctx)
	if err != nil {
		if errors.Is(err, interfaces.ErrAuth) || errors.Is(err, interfaces.ErrTransientNetwork) {
			return err
		}
		return fmt.Errorf("%w: loading credentials: %v", interfaces.ErrAuth, err)
	}

	if err := s.driver.ValidateCredentials(creds); err != nil {
		s.log.Error("Remote store credentials are invalid", "err", err)
		if !errors.Is(err, interfaces.ErrAuth) {
			err = fmt.Errorf("%w: %v", interfaces.ErrAuth, err)
		}
		return err
	}

	err = s.call(ctx, "authenticate", func(ctx context.Context) error {
		return s.driver.Authenticate(ctx, creds)
	})
	if err != nil {
		s.log.Warn("Remote store authentication failed", "err", err)
		return err
	}

	s.authenticated.Store(true)
	s.log.Info("Authenticated with remote store")
	return nil
}

// Authenticated reports whether a validated credential is cached.
func (s *RemoteStore) Authenticated() bool {
	return s.authenticated.Load()
}

// InvalidateAuth drops the cached credential and every cached folder handle.
// Providers that cache secrets themselves are asked to re-read them.
func (s *RemoteStore) InvalidateAuth() {
	s.authenticated.Store(false)
	if r, ok := s.creds.(refresher); ok {
		r.Refresh()
	}

	s.folderMu.Lock()
	s.folders = make(map[string]cachedFolder)
	s.folderMu.Unlock()
}

// GetOrCreateFolder resolves the folder named name, creating it if none exists.
// Concurrent callers in this process share one lookup. If several folders share the
// name, the earliest created wins and the rest are reported, never merged.
func (s *RemoteStore) GetOrCreateFolder(ctx context.Context, name string) (interfaces.FolderHandle, error) {
	if h, ok := s.cachedFolder(name); ok {
		return h, nil
	}

	if err := s.GetAuth(ctx); err != nil {
		return interfaces.FolderHandle{}, err
	}

	v, err, _ := s.group.Do(name, func() (interface{}, error) {
		if h, ok := s.cachedFolder(name); ok {
			return h, nil
		}
		return s.resolveFolder(ctx, name)
	})
	if err != nil {
		return interfaces.FolderHandle{}, err
	}
	return v.(interfaces.FolderHandle), nil
}

func (s *RemoteStore) resolveFolder(ctx context.Context, name string) (interfaces.FolderHandle, error) {
	var found []interfaces.FolderHandle
	err := s.call(ctx, "find_folders", func(ctx context.Context) (err error) {
		found, err = s.driver.FindFolders(ctx, name)
		return err
	})
	if err != nil {
		return interfaces.FolderHandle{}, err
	}

	var handle interfaces.FolderHandle
	duplicates := 0

	switch len(found) {
	case 0:
		err = s.call(ctx, "create_folder", func(ctx context.Context) (err error) {
			handle, err = s.driver.CreateFolder(ctx, name)
			return err
		})
		if err != nil {
			return interfaces.FolderHandle{}, err
		}
		s.log.Info("Created remote folder", slog.String("folder", name), slog.String("id", handle.ID))
	case 1:
		handle = found[0]
	default:
		sort.Slice(found, func(i, j int) bool {
			if found[i].CreatedAt.Equal(found[j].CreatedAt) {
				return found[i].ID < found[j].ID
			}
			return found[i].CreatedAt.Before(found[j].CreatedAt)
		})
		handle = found[0]
		duplicates = len(found) - 1
		s.log.Warn("Multiple remote folders share a name, using the earliest",
			slog.String("folder", name),
			slog.String("id", handle.ID),
			slog.Int("duplicates", duplicates))
	}

	s.folderMu.Lock()
	s.folders[name] = cachedFolder{
		handle:     handle,
		duplicates: duplicates,
		expiresAt:  s.cfg.Clock.Now().Add(s.cfg.FolderCacheTTL),
	}
	s.folderMu.Unlock()

	return handle, nil
}

func (s *RemoteStore) cachedFolder(name string) (interfaces.FolderHandle, bool) {
	s.folderMu.RLock()
	defer s.folderMu.RUnlock()
	c, ok := s.folders[name]
	if !ok || !s.cfg.Clock.Now().Before(c.expiresAt) {
		return interfaces.FolderHandle{}, false
	}
	return c.handle, true
}

// CanonicalFolder returns the cached canonical folder if present and not expired.
func (s *RemoteStore) CanonicalFolder() (interfaces.FolderHandle, bool) {
	return s.cachedFolder(s.cfg.FolderName)
}

// ListFiles returns the blobs in a folder ordered by creation time.
func (s *RemoteStore) ListFiles(ctx context.Context, folderID string) ([]interfaces.FileInfo, error) {
	var files []interfaces.FileInfo
	err := s.call(ctx, "list", func(ctx context.Context) (err error) {
		files, err = s.driver.List(ctx, folderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].CreatedTime.Equal(files[j].CreatedTime) {
			return files[i].Name < files[j].Name
		}
		return files[i].CreatedTime.Before(files[j].CreatedTime)
	})
	return files, nil
}

// SaveObject writes a new blob. Existing blobs are never overwritten.
func (s *RemoteStore) SaveObject(ctx context.Context, folderID, name string, payload []byte) (interfaces.FileInfo, error) {
	var info interfaces.FileInfo
	err := s.call(ctx, "put", func(ctx context.Context) (err error) {
		info, err = s.driver.Put(ctx, folderID, name, payload)
		return err
	})
	if err != nil {
		return interfaces.FileInfo{}, err
	}
	s.log.Debug("Saved remote object", slog.String("name", name), slog.String("id", info.ID), slog.Int64("size", info.Size))
	return info, nil
}

// DeleteObject removes a blob. Deleting a missing blob succeeds.
func (s *RemoteStore) DeleteObject(ctx context.Context, fileID string) error {
	err := s.call(ctx, "delete", func(ctx context.Context) error {
		return s.driver.Delete(ctx, fileID)
	})
	if errors.Is(err, interfaces.ErrNotFound) {
		s.log.Debug("Remote object already absent", slog.String("id", fileID))
		return nil
	}
	return err
}

// GetFolderInfo aggregates the contents and quota of the canonical folder. Quota is
// optional: a failed quota lookup leaves it nil.
func (s *RemoteStore) GetFolderInfo(ctx context.Context) (interfaces.FolderInfo, error) {
	folder, err := s.GetOrCreateFolder(ctx, s.cfg.FolderName)
	if err != nil {
		return interfaces.FolderInfo{}, err
	}

	files, err := s.ListFiles(ctx, folder.ID)
	if err != nil {
		return interfaces.FolderInfo{}, err
	}

	info := interfaces.FolderInfo{Folder: folder, FileCount: len(files)}
	for _, f := range files {
		info.TotalBytes += f.Size
	}

	s.folderMu.RLock()
	info.DuplicateFolders = s.folders[s.cfg.FolderName].duplicates
	s.folderMu.RUnlock()

	var quota *interfaces.Quota
	err = s.call(ctx, "quota", func(ctx context.Context) (err error) {
		quota, err = s.driver.Quota(ctx)
		return err
	})
	if err != nil {
		s.log.Warn("Quota unavailable, reporting folder info without it", "err", err)
		return info, nil
	}
	info.Quota = quota
	return info, nil
}

// TestAuth re-authenticates and probes the remote store. Credential failures are
// reported as (false, nil); only unexpected failures return an error.
func (s *RemoteStore) TestAuth(ctx context.Context) (bool, error) {
	s.authenticated.Store(false)
	if r, ok := s.creds.(refresher); ok {
		r.Refresh()
	}

	err := s.GetAuth(ctx)
	if err == nil {
		err = s.call(ctx, "probe", s.driver.Probe)
	}

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, interfaces.ErrAuth):
		return false, nil
	default:
		return false, err
	}
}

// call runs one driver operation under the operation timeout and normalizes its error.
func (s *RemoteStore) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	start := time.Now()
	err := fn(opCtx)
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(opCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %s timed out after %s", interfaces.ErrTransientNetwork, op, time.Since(start).Round(time.Millisecond))
	} else if errors.Is(err, context.Canceled) {
		err = fmt.Errorf("%w: %s canceled", interfaces.ErrTransientNetwork, op)
	}

	if errors.Is(err, interfaces.ErrAuth) {
		s.log.Warn("Remote store rejected credentials, invalidating cache", slog.String("op", op), "err", err)
		s.authenticated.Store(false)
	}

	s.log.Debug("Remote store operation failed", slog.String("op", op), "err", err)
	return err
}
