// Package backup decides when snapshots can be written to the remote store, performs
// bounded synchronous attempts, and retries failures from a single background worker.
package backup

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/ruteri/coaching-backup/interfaces"
	"github.com/ruteri/coaching-backup/snapshot"
	"go.uber.org/atomic"
)

type errClass int

const (
	errClassNone errClass = iota
	errClassTransient
	errClassAuth
	errClassQuota
	errClassFatal
)

func classify(err error) errClass {
	switch {
	case err == nil:
		return errClassNone
	case errors.Is(err, interfaces.ErrQuotaExceeded):
		return errClassQuota
	case errors.Is(err, interfaces.ErrAuth):
		return errClassAuth
	case interfaces.IsRetryable(err):
		return errClassTransient
	default:
		return errClassFatal
	}
}

// Orchestrator is the only writer to the remote store. Snapshots are attempted once
// synchronously when the store is ready and otherwise queued for the retry worker.
// No method blocks on remote I/O beyond its configured timeout, and CreateBackup
// never returns an error value.
type Orchestrator struct {
	store interfaces.RemoteFileStore
	cfg   Config
	clock clock.Clock
	log   *slog.Logger
	queue *retryQueue

	mu            sync.Mutex
	stored        map[string]interfaces.BackupRecord
	storedOrder   []string
	failed        []interfaces.RetryJob
	failedTotal   int
	lastBackup    *time.Time
	lastFailure   *interfaces.FailureInfo
	quotaPaused   bool
	quotaPausedAt time.Time
	readyAttempt  time.Time
	folderInfo    *interfaces.FolderInfo
	folderInfoAt  time.Time

	// cycleMu keeps worker cycles, drains and each other from overlapping.
	cycleMu sync.Mutex

	closed    atomic.Bool
	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
	runCtx    context.Context
	cancelRun context.CancelFunc
}

// NewOrchestrator creates an orchestrator. It performs no I/O; call RunInBackground to
// start the retry worker, which also establishes readiness.
func NewOrchestrator(store interfaces.RemoteFileStore, cfg Config, log *slog.Logger) *Orchestrator {
	cfg = cfg.withDefaults()
	runCtx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		store:     store,
		cfg:       cfg,
		clock:     cfg.Clock,
		log:       log.With(slog.String("component", "backup")),
		queue:     newRetryQueue(cfg.QueueCapacity),
		stored:    make(map[string]interfaces.BackupRecord),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		runCtx:    runCtx,
		cancelRun: cancel,
	}
}

// IsReady reports whether a credential and the canonical folder are cached. No I/O.
func (o *Orchestrator) IsReady() bool {
	if !o.store.Authenticated() {
		return false
	}
	_, ok := o.store.CanonicalFolder()
	return ok
}

// CreateBackup stores a snapshot or schedules it for retry.
func (o *Orchestrator) CreateBackup(ctx context.Context, snap interfaces.Snapshot) (res interfaces.BackupResult) {
	claimed := false
	defer func() {
		if r := recover(); r != nil {
			if claimed {
				o.queue.finish(snap.Token)
			}
			o.log.Error("Recovered from panic while creating backup", slog.String("token", snap.Token), "panic", r)
			res = errorResult("internal error while creating backup")
		}
		o.updatePendingGauge()
	}()

	if err := snapshot.Validate(snap); err != nil {
		return errorResult(err.Error())
	}

	if rec, ok := o.storedRecord(snap.Token); ok {
		return interfaces.BackupResult{
			Stored:  true,
			FileID:  rec.FileID,
			Status:  interfaces.StatusStored,
			Message: "backup already stored",
		}
	}

	if o.closed.Load() {
		return errorResult("backup service is shutting down")
	}

	if !o.queue.begin(snap.Token) {
		return interfaces.BackupResult{Status: interfaces.StatusPending, Message: "backup already pending"}
	}
	claimed = true

	if o.QuotaPaused() {
		o.queue.finish(snap.Token)
		return errorResult("remote store quota exceeded, backups paused")
	}

	now := o.clock.Now()
	if !o.IsReady() {
		qj := o.newJob(snap, now)
		if err := o.queue.convert(qj); err != nil {
			o.recordFailure(snap.Token, err)
			o.log.Error("Dropping backup, retry queue is full", slog.String("token", snap.Token))
			return errorResult(err.Error())
		}
		o.log.Debug("Remote store not ready, backup queued", slog.String("token", snap.Token))
		return interfaces.BackupResult{Status: interfaces.StatusPending, Message: "remote store not ready, backup queued"}
	}

	folder, _ := o.store.CanonicalFolder()
	attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.SyncAttemptTimeout)
	defer cancel()

	info, err := o.write(attemptCtx, folder.ID, snap)
	attemptsTotal.WithLabelValues("sync", outcomeOf(err)).Inc()

	switch classify(err) {
	case errClassNone:
		rec := o.recordStored(snap, info)
		o.queue.finish(snap.Token)
		return interfaces.BackupResult{
			Stored:  true,
			FileID:  rec.FileID,
			Status:  interfaces.StatusStored,
			Message: "backup stored",
		}

	case errClassTransient:
		qj := o.newJob(snap, now)
		qj.job.Attempts = 1
		qj.job.LastError = err.Error()
		qj.job.NextAttempt = now.Add(o.nextBackoff(qj))
		if qerr := o.queue.convert(qj); qerr != nil {
			o.recordFailure(snap.Token, qerr)
			o.log.Error("Dropping backup, retry queue is full", slog.String("token", snap.Token), "err", err)
			return errorResult(qerr.Error())
		}
		o.log.Warn("Backup attempt failed, retry scheduled",
			slog.String("token", snap.Token),
			slog.Time("next_attempt", qj.job.NextAttempt),
			"err", err)
		return interfaces.BackupResult{Status: interfaces.StatusRetryPending, Message: "remote store unavailable, retry scheduled"}

	case errClassAuth:
		o.queue.finish(snap.Token)
		o.store.InvalidateAuth()
		o.recordFailure(snap.Token, err)
		o.log.Error("Backup rejected, remote credentials invalid", slog.String("token", snap.Token), "err", err)
		return errorResult("remote store authentication failed")

	case errClassQuota:
		o.queue.finish(snap.Token)
		o.pauseOnQuota(err)
		o.recordFailure(snap.Token, err)
		return errorResult("remote store quota exceeded, backups paused")

	default:
		o.queue.finish(snap.Token)
		o.recordFailure(snap.Token, err)
		o.log.Error("Backup failed", slog.String("token", snap.Token), "err", err)
		return errorResult(err.Error())
	}
}

// Enqueue schedules a snapshot for the retry worker without attempting it.
// It returns false only if the snapshot could not be accepted.
func (o *Orchestrator) Enqueue(snap interfaces.Snapshot) bool {
	defer o.updatePendingGauge()

	if err := snapshot.Validate(snap); err != nil {
		o.log.Error("Refusing to enqueue invalid snapshot", "err", err)
		return false
	}
	if _, ok := o.storedRecord(snap.Token); ok {
		return true
	}
	if o.closed.Load() {
		o.log.Warn("Backup service shutting down, snapshot not queued", slog.String("token", snap.Token))
		return false
	}

	err := o.queue.push(o.newJob(snap, o.clock.Now()))
	switch {
	case err == nil, errors.Is(err, errDuplicate):
		return true
	default:
		o.recordFailure(snap.Token, err)
		o.log.Error("Snapshot not queued", slog.String("token", snap.Token), "err", err)
		return false
	}
}

// write saves a snapshot under its deterministic name. A name collision means an
// earlier attempt landed after its deadline, which counts as success.
func (o *Orchestrator) write(ctx context.Context, folderID string, snap interfaces.Snapshot) (interfaces.FileInfo, error) {
	name := snapshot.ObjectName(snap)
	info, err := o.store.SaveObject(ctx, folderID, name, snap.Payload)
	if !errors.Is(err, interfaces.ErrAlreadyExists) {
		return info, err
	}

	files, lerr := o.store.ListFiles(ctx, folderID)
	if lerr != nil {
		return interfaces.FileInfo{}, lerr
	}
	for _, f := range files {
		if f.Name == name {
			o.log.Debug("Backup already present remotely", slog.String("name", name))
			return f, nil
		}
	}
	return interfaces.FileInfo{}, err
}

func (o *Orchestrator) newJob(snap interfaces.Snapshot, now time.Time) *queuedJob {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.InitialBackoff
	b.Multiplier = o.cfg.BackoffMultiplier
	b.RandomizationFactor = o.cfg.BackoffJitter
	b.MaxInterval = o.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	return &queuedJob{
		job: interfaces.RetryJob{
			Snapshot:    snap,
			NextAttempt: now,
			State:       interfaces.JobQueued,
			EnqueuedAt:  now,
		},
		backoff: b,
	}
}

func (o *Orchestrator) nextBackoff(qj *queuedJob) time.Duration {
	d := qj.backoff.NextBackOff()
	if d == backoff.Stop || d > o.cfg.MaxBackoff {
		return o.cfg.MaxBackoff
	}
	return d
}

func (o *Orchestrator) storedRecord(token string) (interfaces.BackupRecord, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.stored[token]
	return rec, ok
}

func (o *Orchestrator) recordStored(snap interfaces.Snapshot, info interfaces.FileInfo) interfaces.BackupRecord {
	now := o.clock.Now()
	rec := interfaces.BackupRecord{
		FileID:   info.ID,
		Name:     info.Name,
		Token:    snap.Token,
		Size:     info.Size,
		Checksum: info.Checksum,
		StoredAt: now,
	}

	o.mu.Lock()
	if _, ok := o.stored[snap.Token]; !ok {
		o.storedOrder = append(o.storedOrder, snap.Token)
	}
	o.stored[snap.Token] = rec
	for len(o.storedOrder) > o.cfg.StoredHistory {
		delete(o.stored, o.storedOrder[0])
		o.storedOrder = o.storedOrder[1:]
	}
	o.lastBackup = &now
	o.mu.Unlock()

	lastSuccessTimestamp.Set(float64(now.Unix()))
	o.log.Info("Backup stored",
		slog.String("token", snap.Token),
		slog.String("file_id", rec.FileID),
		slog.Int64("size", rec.Size))
	return rec
}

func (o *Orchestrator) recordFailure(token string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastFailure = &interfaces.FailureInfo{Token: token, Error: err.Error(), At: o.clock.Now()}
}

// QuotaPaused reports whether backups are paused on remote quota.
func (o *Orchestrator) QuotaPaused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.quotaPaused
}

func (o *Orchestrator) pauseOnQuota(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.quotaPaused {
		o.log.Error("Remote store quota exceeded, pausing backups", "err", err)
	}
	o.quotaPaused = true
	o.quotaPausedAt = o.clock.Now()
	quotaPausedGauge.Set(1)
}

// ResumeBackups clears a quota pause, typically after space was freed externally.
func (o *Orchestrator) ResumeBackups() {
	o.mu.Lock()
	wasPaused := o.quotaPaused
	o.quotaPaused = false
	o.mu.Unlock()

	quotaPausedGauge.Set(0)
	if wasPaused {
		o.log.Info("Backups resumed")
	}
}

func (o *Orchestrator) updatePendingGauge() {
	pendingJobs.Set(float64(o.queue.pending()))
}

func errorResult(msg string) interfaces.BackupResult {
	return interfaces.BackupResult{Status: interfaces.StatusError, Message: msg}
}
