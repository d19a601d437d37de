package storage

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/coaching-backup/interfaces"
)

type memoryObject struct {
	info     interfaces.FileInfo
	folderID string
	payload  []byte
}

// MemoryDriver is an in-process object driver with fault injection.
// It backs development runs and tests that need to simulate outages.
type MemoryDriver struct {
	mu sync.Mutex

	name        string
	locationURI string
	log         *slog.Logger
	now         func() time.Time

	folders map[string]interfaces.FolderHandle
	objects map[string]*memoryObject
	quota   int64

	authErr       error
	outage        bool
	quotaExceeded bool
	latency       time.Duration
	authenticated bool
	calls         map[string]int
	opErrs        map[string]error
}

// NewMemoryDriver creates an empty in-memory driver. A zero quota means unlimited.
func NewMemoryDriver(name string, quota int64, log *slog.Logger) *MemoryDriver {
	uri := fmt.Sprintf("memory://%s", name)
	if quota > 0 {
		uri += fmt.Sprintf("?quota=%d", quota)
	}
	return &MemoryDriver{
		name:        name,
		locationURI: uri,
		log:         log,
		now:         time.Now,
		folders:     make(map[string]interfaces.FolderHandle),
		objects:     make(map[string]*memoryObject),
		quota:       quota,
		calls:       make(map[string]int),
		opErrs:      make(map[string]error),
	}
}

// SetClock overrides the time source used for creation timestamps.
func (d *MemoryDriver) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// SetAuthFailure makes every authenticated call fail with ErrAuth until cleared with false.
func (d *MemoryDriver) SetAuthFailure(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fail {
		d.authErr = fmt.Errorf("%w: credentials rejected", interfaces.ErrAuth)
		d.authenticated = false
	} else {
		d.authErr = nil
	}
}

// SetOutage makes every call fail with ErrTransientNetwork.
func (d *MemoryDriver) SetOutage(down bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outage = down
}

// SetQuotaExceeded forces writes to fail with ErrQuotaExceeded regardless of usage.
func (d *MemoryDriver) SetQuotaExceeded(exceeded bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.quotaExceeded = exceeded
}

// SetLatency delays every call. Calls honour context cancellation while waiting.
func (d *MemoryDriver) SetLatency(latency time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.latency = latency
}

// SetOpFailure makes a single operation, e.g. "quota" or "put", fail with err.
// A nil err clears the failure.
func (d *MemoryDriver) SetOpFailure(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.opErrs, op)
		return
	}
	d.opErrs[op] = err
}

// CreateFolderDirect inserts a folder bypassing lookup, simulating a creation race
// lost to another process.
func (d *MemoryDriver) CreateFolderDirect(name string, createdAt time.Time) interfaces.FolderHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := interfaces.FolderHandle{ID: uuid.NewString(), Name: name, CreatedAt: createdAt}
	d.folders[h.ID] = h
	return h
}

// Objects returns the payloads stored in a folder keyed by blob name.
func (d *MemoryDriver) Objects(folderID string) map[string][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string][]byte)
	for _, o := range d.objects {
		if o.folderID == folderID {
			out[o.info.Name] = append([]byte(nil), o.payload...)
		}
	}
	return out
}

// FolderCount returns how many folders carry the given name.
func (d *MemoryDriver) FolderCount(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, f := range d.folders {
		if f.Name == name {
			n++
		}
	}
	return n
}

// Calls returns how many times an operation reached the driver.
func (d *MemoryDriver) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

func (d *MemoryDriver) enter(ctx context.Context, op string, needsAuth bool) error {
	d.mu.Lock()
	d.calls[op]++
	latency := d.latency
	d.mu.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.outage {
		return fmt.Errorf("%w: %s: simulated outage", interfaces.ErrTransientNetwork, op)
	}
	if err, ok := d.opErrs[op]; ok {
		return err
	}
	if needsAuth {
		if d.authErr != nil {
			return d.authErr
		}
		if !d.authenticated {
			return fmt.Errorf("%w: %s: not authenticated", interfaces.ErrAuth, op)
		}
	}
	return nil
}

func (d *MemoryDriver) Name() string {
	return fmt.Sprintf("memory-%s", d.name)
}

func (d *MemoryDriver) LocationURI() string {
	return d.locationURI
}

// ValidateCredentials accepts any credentials carrying a client identity.
func (d *MemoryDriver) ValidateCredentials(creds interfaces.Credentials) error {
	if creds.ClientEmail == "" {
		return fmt.Errorf("%w: client identity is required", interfaces.ErrAuth)
	}
	return nil
}

func (d *MemoryDriver) Authenticate(ctx context.Context, creds interfaces.Credentials) error {
	if err := d.enter(ctx, "authenticate", false); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.authErr != nil {
		return d.authErr
	}
	d.authenticated = true
	return nil
}

func (d *MemoryDriver) Probe(ctx context.Context) error {
	return d.enter(ctx, "probe", true)
}

func (d *MemoryDriver) FindFolders(ctx context.Context, name string) ([]interfaces.FolderHandle, error) {
	if err := d.enter(ctx, "find_folders", true); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var found []interfaces.FolderHandle
	for _, f := range d.folders {
		if f.Name == name {
			found = append(found, f)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].CreatedAt.Before(found[j].CreatedAt) })
	return found, nil
}

func (d *MemoryDriver) CreateFolder(ctx context.Context, name string) (interfaces.FolderHandle, error) {
	if err := d.enter(ctx, "create_folder", true); err != nil {
		return interfaces.FolderHandle{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	h := interfaces.FolderHandle{ID: uuid.NewString(), Name: name, CreatedAt: d.now().UTC()}
	d.folders[h.ID] = h
	return h, nil
}

func (d *MemoryDriver) List(ctx context.Context, folderID string) ([]interfaces.FileInfo, error) {
	if err := d.enter(ctx, "list", true); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.folders[folderID]; !ok {
		return nil, fmt.Errorf("%w: folder %s", interfaces.ErrNotFound, folderID)
	}
	var files []interfaces.FileInfo
	for _, o := range d.objects {
		if o.folderID == folderID {
			files = append(files, o.info)
		}
	}
	return files, nil
}

func (d *MemoryDriver) Put(ctx context.Context, folderID, name string, payload []byte) (interfaces.FileInfo, error) {
	if err := d.enter(ctx, "put", true); err != nil {
		return interfaces.FileInfo{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.folders[folderID]; !ok {
		return interfaces.FileInfo{}, fmt.Errorf("%w: folder %s", interfaces.ErrNotFound, folderID)
	}
	if d.quotaExceeded || (d.quota > 0 && d.usageLocked()+int64(len(payload)) > d.quota) {
		return interfaces.FileInfo{}, fmt.Errorf("%w: %s", interfaces.ErrQuotaExceeded, d.name)
	}
	for _, o := range d.objects {
		if o.folderID == folderID && o.info.Name == name {
			return interfaces.FileInfo{}, fmt.Errorf("%w: %s", interfaces.ErrAlreadyExists, name)
		}
	}

	sum := sha256.Sum256(payload)
	info := interfaces.FileInfo{
		ID:          uuid.NewString(),
		Name:        name,
		Size:        int64(len(payload)),
		CreatedTime: d.now().UTC(),
		Checksum:    fmt.Sprintf("%x", sum),
	}
	d.objects[info.ID] = &memoryObject{info: info, folderID: folderID, payload: append([]byte(nil), payload...)}

	d.log.Debug("Stored object in memory", slog.String("name", name), slog.Int64("size", info.Size))
	return info, nil
}

func (d *MemoryDriver) Delete(ctx context.Context, fileID string) error {
	if err := d.enter(ctx, "delete", true); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.objects[fileID]; !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrNotFound, fileID)
	}
	delete(d.objects, fileID)
	return nil
}

func (d *MemoryDriver) Quota(ctx context.Context) (*interfaces.Quota, error) {
	if err := d.enter(ctx, "quota", true); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.quota == 0 && !d.quotaExceeded {
		return nil, nil
	}
	q := &interfaces.Quota{Limit: d.quota, Usage: d.usageLocked()}
	if d.quotaExceeded && (q.Limit == 0 || q.Usage < q.Limit) {
		// Forced exhaustion reports a full store.
		if q.Limit == 0 {
			q.Limit = q.Usage + 1
		}
		q.Usage = q.Limit
	}
	return q, nil
}

func (d *MemoryDriver) usageLocked() int64 {
	var total int64
	for _, o := range d.objects {
		total += o.info.Size
	}
	return total
}
