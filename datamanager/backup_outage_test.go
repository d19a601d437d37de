package datamanager

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/coaching-backup/backup"
	"github.com/ruteri/coaching-backup/interfaces"
	"github.com/ruteri/coaching-backup/primary"
	"github.com/ruteri/coaching-backup/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// observedSink forwards to a real orchestrator and reports each backup result.
type observedSink struct {
	*backup.Orchestrator
	results chan interfaces.BackupResult
}

func (s *observedSink) CreateBackup(ctx context.Context, snap interfaces.Snapshot) interfaces.BackupResult {
	res := s.Orchestrator.CreateBackup(ctx, snap)
	s.results <- res
	return res
}

type staticCreds struct{}

func (staticCreds) Credentials(context.Context) (interfaces.Credentials, error) {
	return interfaces.Credentials{ClientEmail: "svc@example.com"}, nil
}

func newRemoteBackup(t *testing.T) (*observedSink, *storage.MemoryDriver, *clock.Mock) {
	t.Helper()
	log := newTestLogger()
	mockClock := clock.NewMock()

	driver := storage.NewMemoryDriver("outage", 0, log)
	store := storage.NewRemoteStore(driver, staticCreds{}, storage.RemoteStoreConfig{
		FolderName:       "Backups",
		OperationTimeout: time.Second,
		Clock:            mockClock,
	}, log)
	orch := backup.NewOrchestrator(store, backup.Config{FolderName: "Backups", Clock: mockClock}, log)
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })

	return &observedSink{Orchestrator: orch, results: make(chan interfaces.BackupResult, 8)}, driver, mockClock
}

func waitResult(t *testing.T, sink *observedSink) interfaces.BackupResult {
	t.Helper()
	select {
	case res := <-sink.results:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("backup was not attempted")
		return interfaces.BackupResult{}
	}
}

func TestSaveTest_RemoteOutageDoesNotAffectPrimary(t *testing.T) {
	for name, fault := range map[string]func(d *storage.MemoryDriver, down bool){
		"outage":       (*storage.MemoryDriver).SetOutage,
		"auth failure": (*storage.MemoryDriver).SetAuthFailure,
	} {
		t.Run(name, func(t *testing.T) {
			sink, driver, mockClock := newRemoteBackup(t)
			fault(driver, true)

			store := primary.NewMemoryStore()
			m := New(store, sink, 4, newTestLogger())
			ctx := context.Background()

			require.NoError(t, m.SaveTest(ctx, validTest("t-1")))

			held, err := store.GetTest(ctx, "t-1")
			require.NoError(t, err)
			assert.Equal(t, "Test t-1", held.Title)

			res := waitResult(t, sink)
			assert.False(t, res.Stored)
			assert.Empty(t, res.FileID)
			assert.Equal(t, interfaces.StatusPending, res.Status)
			require.NoError(t, m.Close(ctx))

			assert.Equal(t, 0, sink.ProcessDue(ctx), "worker waits for the remote store")
			assert.Len(t, sink.PendingJobs(), 1)

			fault(driver, false)
			mockClock.Add(time.Minute)
			assert.Equal(t, 1, sink.ProcessDue(ctx))
			assert.Empty(t, sink.PendingJobs())

			blobs, err := sink.ListBlobs(ctx)
			require.NoError(t, err)
			assert.Len(t, blobs, 1)
		})
	}
}

func TestSaveTest_OutageAfterReadySchedulesRetry(t *testing.T) {
	sink, driver, mockClock := newRemoteBackup(t)
	ctx := context.Background()
	sink.ProcessDue(ctx)
	require.True(t, sink.IsReady())

	m := New(primary.NewMemoryStore(), sink, 4, newTestLogger())
	driver.SetOutage(true)

	require.NoError(t, m.SaveTest(ctx, validTest("t-1")))
	res := waitResult(t, sink)
	assert.False(t, res.Stored)
	assert.Equal(t, interfaces.StatusRetryPending, res.Status)
	require.NoError(t, m.Close(ctx))

	tests, err := m.GetAllTests(ctx)
	require.NoError(t, err)
	assert.Len(t, tests, 1)

	driver.SetOutage(false)
	mockClock.Add(time.Minute)
	assert.Equal(t, 1, sink.ProcessDue(ctx))
	assert.Empty(t, sink.PendingJobs())
}
