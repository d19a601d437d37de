// Package datamanager is the façade the rest of the application uses for domain data.
// Reads and writes go to the primary store; successful writes are handed to the
// backup orchestrator in the background and never wait for it.
package datamanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/coaching-backup/interfaces"
	"github.com/ruteri/coaching-backup/snapshot"
)

// DefaultQueueSize is the capacity of the backup task channel.
const DefaultQueueSize = 256

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("data manager is closed")

// Manager coordinates the primary store and the backup sink.
type Manager struct {
	primary interfaces.PrimaryStore
	backup  interfaces.BackupSink
	log     *slog.Logger
	now     func() time.Time

	// mu guards closed; submissions hold it for reading so Close can wait for them.
	mu     sync.RWMutex
	closed bool
	tasks  chan interfaces.Snapshot
	done   chan struct{}
}

// New creates a Manager and starts its backup consumer.
func New(primary interfaces.PrimaryStore, backup interfaces.BackupSink, queueSize int, log *slog.Logger) *Manager {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	m := &Manager{
		primary: primary,
		backup:  backup,
		log:     log.With(slog.String("component", "datamanager")),
		now:     time.Now,
		tasks:   make(chan interfaces.Snapshot, queueSize),
		done:    make(chan struct{}),
	}
	go m.consume()
	return m
}

func (m *Manager) GetAllTests(ctx context.Context) ([]interfaces.Test, error) {
	return m.primary.ListTests(ctx)
}

func (m *Manager) GetPublishedTests(ctx context.Context) ([]interfaces.Test, error) {
	return m.primary.ListPublishedTests(ctx)
}

func (m *Manager) GetTest(ctx context.Context, id string) (*interfaces.Test, error) {
	return m.primary.GetTest(ctx, id)
}

func (m *Manager) GetResults(ctx context.Context, testID string) ([]interfaces.Result, error) {
	return m.primary.ListResults(ctx, testID)
}

// SaveTest validates and stores a test, then schedules its backup.
// Only primary store errors are returned.
func (m *Manager) SaveTest(ctx context.Context, test *interfaces.Test) error {
	if test == nil {
		return fmt.Errorf("%w: nil test", interfaces.ErrInvalidEntity)
	}
	if err := test.Validate(); err != nil {
		return err
	}
	if m.isClosed() {
		return ErrClosed
	}

	now := m.now().UTC()
	if test.CreatedAt.IsZero() {
		test.CreatedAt = now
	}
	test.UpdatedAt = now

	if err := m.primary.UpsertTest(ctx, test); err != nil {
		return err
	}

	m.scheduleBackup("tests", "test", test.ID, test)
	return nil
}

// SaveResult validates and stores a result, then schedules its backup.
func (m *Manager) SaveResult(ctx context.Context, result *interfaces.Result) error {
	if result == nil {
		return fmt.Errorf("%w: nil result", interfaces.ErrInvalidEntity)
	}
	if result.SubmittedAt.IsZero() {
		result.SubmittedAt = m.now().UTC()
	}
	if err := result.Validate(); err != nil {
		return err
	}
	if m.isClosed() {
		return ErrClosed
	}

	if err := m.primary.InsertResult(ctx, result); err != nil {
		return err
	}

	m.scheduleBackup("results", "result", result.ID, result)
	return nil
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// scheduleBackup never blocks: a full channel hands the snapshot straight to the
// orchestrator's retry queue.
func (m *Manager) scheduleBackup(source, kind, entityID string, data any) {
	snap, err := snapshot.New(source, kind, entityID, data, m.now())
	if err != nil {
		m.log.Error("Failed to build backup snapshot", slog.String("entity", entityID), "err", err)
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.closed {
		select {
		case m.tasks <- snap:
			return
		default:
			m.log.Warn("Backup task queue full, handing snapshot to retry queue", slog.String("token", snap.Token))
		}
	}

	if !m.backup.Enqueue(snap) {
		m.log.Error("Backup not scheduled", slog.String("entity", entityID), slog.String("token", snap.Token))
	}
}

func (m *Manager) consume() {
	defer close(m.done)
	for snap := range m.tasks {
		m.runTask(snap)
	}
}

func (m *Manager) runTask(snap interfaces.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("Recovered from panic in backup task", slog.String("token", snap.Token), "panic", r)
		}
	}()

	res := m.backup.CreateBackup(context.Background(), snap)
	switch res.Status {
	case interfaces.StatusStored:
		m.log.Debug("Backup stored", slog.String("token", snap.Token), slog.String("file_id", res.FileID))
	case interfaces.StatusError:
		m.log.Warn("Backup failed", slog.String("token", snap.Token), slog.String("message", res.Message))
	default:
		m.log.Info("Backup deferred",
			slog.String("token", snap.Token),
			slog.String("status", res.Status),
			slog.String("message", res.Message))
	}
}

// Close stops accepting writes and lets the consumer drain queued tasks.
// It returns the context error if draining does not finish in time.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.tasks)
	}
	m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
