package backup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/coaching-backup/interfaces"
	"github.com/ruteri/coaching-backup/snapshot"
	"github.com/ruteri/coaching-backup/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type credsFunc func(ctx context.Context) (interfaces.Credentials, error)

func (f credsFunc) Credentials(ctx context.Context) (interfaces.Credentials, error) {
	return f(ctx)
}

type harness struct {
	orch   *Orchestrator
	store  *storage.RemoteStore
	driver *storage.MemoryDriver
	clock  *clock.Mock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mockClock := clock.NewMock()

	driver := storage.NewMemoryDriver("test", 0, log)
	creds := credsFunc(func(context.Context) (interfaces.Credentials, error) {
		return interfaces.Credentials{ClientEmail: "svc@example.com"}, nil
	})
	store := storage.NewRemoteStore(driver, creds, storage.RemoteStoreConfig{
		FolderName:       "Backups",
		OperationTimeout: time.Second,
		Clock:            mockClock,
	}, log)

	cfg.FolderName = "Backups"
	cfg.Clock = mockClock
	orch := NewOrchestrator(store, cfg, log)
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })

	return &harness{orch: orch, store: store, driver: driver, clock: mockClock}
}

func (h *harness) makeReady(t *testing.T) interfaces.FolderHandle {
	t.Helper()
	h.orch.ProcessDue(context.Background())
	require.True(t, h.orch.IsReady())
	folder, ok := h.store.CanonicalFolder()
	require.True(t, ok)
	return folder
}

func (h *harness) snap(t *testing.T, id string) interfaces.Snapshot {
	t.Helper()
	s, err := snapshot.New("tests", "test", id, map[string]string{"id": id}, h.clock.Now())
	require.NoError(t, err)
	return s
}

func TestCreateBackup_Ready(t *testing.T) {
	h := newHarness(t, Config{})
	folder := h.makeReady(t)
	ctx := context.Background()

	s := h.snap(t, "t-1")
	res := h.orch.CreateBackup(ctx, s)
	assert.True(t, res.Stored)
	assert.Equal(t, interfaces.StatusStored, res.Status)
	assert.NotEmpty(t, res.FileID)

	again := h.orch.CreateBackup(ctx, s)
	assert.True(t, again.Stored)
	assert.Equal(t, res.FileID, again.FileID)
	assert.Len(t, h.driver.Objects(folder.ID), 1, "a stored token is never written twice")

	stats := h.orch.GetStorageStats(ctx)
	assert.True(t, stats.Connected)
	assert.True(t, stats.Ready)
	assert.Equal(t, 1, stats.FileCount)
	assert.Equal(t, 1, stats.StoredBackups)
	assert.NotNil(t, stats.LastBackupTimestamp)
}

func TestCreateBackup_NotReadyQueuesThenWorkerStores(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	s := h.snap(t, "t-1")
	res := h.orch.CreateBackup(ctx, s)
	assert.False(t, res.Stored)
	assert.Equal(t, interfaces.StatusPending, res.Status)
	assert.Equal(t, 0, h.driver.Calls("put"), "no remote write while not ready")

	dup := h.orch.CreateBackup(ctx, s)
	assert.Equal(t, interfaces.StatusPending, dup.Status)
	assert.Equal(t, 1, h.orch.GetStorageStats(ctx).PendingRetries)

	assert.Equal(t, 1, h.orch.ProcessDue(ctx))
	assert.True(t, h.orch.IsReady())

	stats := h.orch.GetStorageStats(ctx)
	assert.Equal(t, 0, stats.PendingRetries)
	assert.Equal(t, 1, stats.FileCount)

	res = h.orch.CreateBackup(ctx, s)
	assert.True(t, res.Stored)
}

func TestCreateBackup_TransientFailureRetriesWithBackoff(t *testing.T) {
	h := newHarness(t, Config{InitialBackoff: 2 * time.Second, BackoffJitter: 0.2})
	folder := h.makeReady(t)
	ctx := context.Background()

	h.driver.SetOutage(true)
	res := h.orch.CreateBackup(ctx, h.snap(t, "t-1"))
	assert.False(t, res.Stored)
	assert.Equal(t, interfaces.StatusRetryPending, res.Status)

	jobs := h.orch.PendingJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].Attempts)
	delay := jobs[0].NextAttempt.Sub(h.clock.Now())
	assert.GreaterOrEqual(t, delay, 1600*time.Millisecond)
	assert.LessOrEqual(t, delay, 2400*time.Millisecond)

	assert.Equal(t, 0, h.orch.ProcessDue(ctx), "nothing is due before the backoff elapses")

	h.driver.SetOutage(false)
	h.clock.Add(3 * time.Second)
	assert.Equal(t, 1, h.orch.ProcessDue(ctx))
	assert.Empty(t, h.orch.PendingJobs())
	assert.Len(t, h.driver.Objects(folder.ID), 1)
}

func TestCreateBackup_SyncTimeout(t *testing.T) {
	h := newHarness(t, Config{SyncAttemptTimeout: 20 * time.Millisecond})
	h.makeReady(t)

	h.driver.SetLatency(time.Second)
	start := time.Now()
	res := h.orch.CreateBackup(context.Background(), h.snap(t, "t-1"))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, interfaces.StatusRetryPending, res.Status)
	assert.Len(t, h.orch.PendingJobs(), 1)
}

func TestRetryJob_FailsAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 10 * time.Second})
	h.makeReady(t)
	ctx := context.Background()

	h.driver.SetOutage(true)
	s := h.snap(t, "t-1")
	require.Equal(t, interfaces.StatusRetryPending, h.orch.CreateBackup(ctx, s).Status)

	for i := 0; i < 5; i++ {
		h.clock.Add(10 * time.Second)
		h.orch.ProcessDue(ctx)
	}

	stats := h.orch.GetStorageStats(ctx)
	assert.Equal(t, 0, stats.PendingRetries)
	assert.Equal(t, 1, stats.FailedJobs)
	require.Len(t, stats.Failed, 1)
	assert.Equal(t, interfaces.JobFailed, stats.Failed[0].State)
	assert.Equal(t, 3, stats.Failed[0].Attempts)
	assert.Equal(t, s.Token, stats.Failed[0].Snapshot.Token)
	require.NotNil(t, stats.LastFailure)
	assert.False(t, stats.Connected)
}

func TestCreateBackup_AuthFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.makeReady(t)
	ctx := context.Background()

	h.driver.SetAuthFailure(true)
	res := h.orch.CreateBackup(ctx, h.snap(t, "t-1"))
	assert.Equal(t, interfaces.StatusError, res.Status)
	assert.False(t, res.Stored)
	assert.False(t, h.store.Authenticated(), "auth failure invalidates the credential cache")
	assert.Empty(t, h.orch.PendingJobs(), "auth failures are not retried")

	h.driver.SetAuthFailure(false)
	res = h.orch.CreateBackup(ctx, h.snap(t, "t-2"))
	assert.Equal(t, interfaces.StatusPending, res.Status)

	assert.Equal(t, 0, h.orch.ProcessDue(ctx), "readiness retries are spaced out")
	h.clock.Add(15 * time.Second)
	assert.Equal(t, 1, h.orch.ProcessDue(ctx))
	assert.True(t, h.orch.IsReady())
}

func TestCreateBackup_QuotaPausesUntilRemediated(t *testing.T) {
	h := newHarness(t, Config{QuotaRecheckInterval: time.Minute})
	h.makeReady(t)
	ctx := context.Background()

	h.driver.SetQuotaExceeded(true)
	res := h.orch.CreateBackup(ctx, h.snap(t, "t-1"))
	assert.Equal(t, interfaces.StatusError, res.Status)
	assert.True(t, h.orch.QuotaPaused())

	res = h.orch.CreateBackup(ctx, h.snap(t, "t-2"))
	assert.Equal(t, interfaces.StatusError, res.Status)
	assert.Equal(t, 1, h.driver.Calls("put"), "paused backups do not touch the remote store")

	require.True(t, h.orch.Enqueue(h.snap(t, "t-3")))
	assert.Equal(t, 0, h.orch.ProcessDue(ctx))
	assert.True(t, h.orch.GetStorageStats(ctx).QuotaExceeded)

	h.clock.Add(2 * time.Minute)
	assert.Equal(t, 0, h.orch.ProcessDue(ctx), "still over quota")
	assert.True(t, h.orch.QuotaPaused())

	h.driver.SetQuotaExceeded(false)
	h.clock.Add(2 * time.Minute)
	assert.Equal(t, 1, h.orch.ProcessDue(ctx))
	assert.False(t, h.orch.QuotaPaused())
	assert.Empty(t, h.orch.PendingJobs())
}

func TestRetryWorker_QuotaKeepsJobsWithoutCountingAttempts(t *testing.T) {
	h := newHarness(t, Config{})
	h.makeReady(t)
	ctx := context.Background()

	require.True(t, h.orch.Enqueue(h.snap(t, "t-1")))
	require.True(t, h.orch.Enqueue(h.snap(t, "t-2")))

	h.driver.SetQuotaExceeded(true)
	assert.Equal(t, 1, h.orch.ProcessDue(ctx))
	assert.True(t, h.orch.QuotaPaused())

	jobs := h.orch.PendingJobs()
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, 0, j.Attempts)
	}

	h.driver.SetQuotaExceeded(false)
	h.orch.ResumeBackups()
	assert.Equal(t, 2, h.orch.ProcessDue(ctx))
	assert.Empty(t, h.orch.PendingJobs())
}

func TestCreateBackup_ConcurrentSameToken(t *testing.T) {
	h := newHarness(t, Config{})
	folder := h.makeReady(t)
	h.driver.SetLatency(5 * time.Millisecond)

	s := h.snap(t, "t-1")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := h.orch.CreateBackup(context.Background(), s)
			assert.Contains(t, []string{interfaces.StatusStored, interfaces.StatusPending}, res.Status)
		}()
	}
	wg.Wait()

	assert.Len(t, h.driver.Objects(folder.ID), 1)
}

func TestCreateBackup_ConcurrentDistinctTokens(t *testing.T) {
	h := newHarness(t, Config{})
	folder := h.makeReady(t)
	h.driver.SetLatency(2 * time.Millisecond)

	const n = 30
	snaps := make([]interfaces.Snapshot, n)
	for i := range snaps {
		snaps[i] = h.snap(t, fmt.Sprintf("t-%d", i))
	}

	var wg sync.WaitGroup
	for _, s := range snaps {
		wg.Add(1)
		go func(s interfaces.Snapshot) {
			defer wg.Done()
			res := h.orch.CreateBackup(context.Background(), s)
			assert.True(t, res.Stored, res.Message)
		}(s)
	}
	wg.Wait()

	objects := h.driver.Objects(folder.ID)
	require.Len(t, objects, n)
	for _, s := range snaps {
		payload, ok := objects[snapshot.ObjectName(s)]
		require.True(t, ok, "missing blob for %s", s.EntityID)
		assert.Equal(t, s.Payload, payload)
	}

	files, err := h.store.ListFiles(context.Background(), folder.ID)
	require.NoError(t, err)
	assert.Len(t, files, n)
	assert.Equal(t, n, h.orch.GetStorageStats(context.Background()).StoredBackups)
}

func TestPendingRetries_ExcludesSynchronousAttempts(t *testing.T) {
	h := newHarness(t, Config{})
	folder := h.makeReady(t)
	h.driver.SetLatency(200 * time.Millisecond)

	done := make(chan interfaces.BackupResult, 1)
	go func() { done <- h.orch.CreateBackup(context.Background(), h.snap(t, "t-1")) }()

	require.Eventually(t, func() bool { return h.driver.Calls("put") == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, h.orch.queue.pending(), "a synchronous write is not a retry job")
	assert.Empty(t, h.orch.PendingJobs())

	res := <-done
	assert.True(t, res.Stored)
	assert.Len(t, h.driver.Objects(folder.ID), 1)
}

func TestCreateBackup_InvalidSnapshot(t *testing.T) {
	h := newHarness(t, Config{})
	res := h.orch.CreateBackup(context.Background(), interfaces.Snapshot{Source: "tests"})
	assert.Equal(t, interfaces.StatusError, res.Status)
	assert.False(t, h.orch.Enqueue(interfaces.Snapshot{}))
}

func TestCreateBackup_RecoversFromPanic(t *testing.T) {
	store := new(MockRemoteFileStore)
	store.On("Authenticated").Return(true)
	store.On("CanonicalFolder").Return(interfaces.FolderHandle{ID: "f"}, true)
	store.On("SaveObject", mock.Anything, "f", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { panic("driver bug") }).
		Return(interfaces.FileInfo{}, nil)

	orch := NewOrchestrator(store, Config{Clock: clock.NewMock()}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s, err := snapshot.New("tests", "test", "t-1", map[string]int{"a": 1}, time.Now())
	require.NoError(t, err)

	res := orch.CreateBackup(context.Background(), s)
	assert.Equal(t, interfaces.StatusError, res.Status)
	assert.False(t, orch.queue.contains(s.Token), "a panicking attempt releases its token")
}

func TestEnqueue_Capacity(t *testing.T) {
	h := newHarness(t, Config{QueueCapacity: 2})

	assert.True(t, h.orch.Enqueue(h.snap(t, "t-1")))
	assert.True(t, h.orch.Enqueue(h.snap(t, "t-1")), "duplicates are accepted once")
	assert.True(t, h.orch.Enqueue(h.snap(t, "t-2")))
	assert.False(t, h.orch.Enqueue(h.snap(t, "t-3")))

	res := h.orch.CreateBackup(context.Background(), h.snap(t, "t-4"))
	assert.Equal(t, interfaces.StatusError, res.Status)
	assert.Len(t, h.orch.PendingJobs(), 2)
}

func TestShutdown(t *testing.T) {
	t.Run("drains queued jobs", func(t *testing.T) {
		h := newHarness(t, Config{})
		for i := 0; i < 3; i++ {
			require.True(t, h.orch.Enqueue(h.snap(t, fmt.Sprintf("t-%d", i))))
		}

		require.NoError(t, h.orch.Shutdown(context.Background()))

		folder, ok := h.store.CanonicalFolder()
		require.True(t, ok)
		assert.Len(t, h.driver.Objects(folder.ID), 3)
		assert.Equal(t, 0, h.orch.queue.pending())

		res := h.orch.CreateBackup(context.Background(), h.snap(t, "late"))
		assert.Equal(t, interfaces.StatusError, res.Status)
		assert.False(t, h.orch.Enqueue(h.snap(t, "late")))
	})

	t.Run("abandons what cannot be written", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.makeReady(t)
		h.driver.SetOutage(true)
		require.True(t, h.orch.Enqueue(h.snap(t, "t-1")))
		require.True(t, h.orch.Enqueue(h.snap(t, "t-2")))

		require.NoError(t, h.orch.Shutdown(context.Background()))
		assert.Equal(t, 0, h.orch.queue.pending())
		assert.Equal(t, 1, h.driver.Calls("put"), "the first transient failure ends the drain")
	})

	t.Run("stops the background worker", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.orch.RunInBackground()
		h.orch.RunInBackground()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, h.orch.Shutdown(ctx))
		require.NoError(t, h.orch.Shutdown(ctx))
	})
}

func TestAdminOperations(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.orch.SaveTestBlob(ctx, &interfaces.Test{Title: "no id"})
	assert.ErrorIs(t, err, interfaces.ErrInvalidEntity)

	info, err := h.orch.SaveTestBlob(ctx, &interfaces.Test{ID: "t-1", Title: "Algebra"})
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID)

	blobs, err := h.orch.ListBlobs(ctx)
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	assert.Equal(t, info.ID, blobs[0].ID)

	folderInfo, err := h.orch.FolderInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, folderInfo.FileCount)

	require.NoError(t, h.orch.DeleteBlob(ctx, info.ID))
	require.NoError(t, h.orch.DeleteBlob(ctx, info.ID))

	blobs, err = h.orch.ListBlobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, blobs)
	assert.Equal(t, 0, h.orch.GetStorageStats(ctx).StoredBackups)

	ok, err := h.orch.TestAuth(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	h.driver.SetAuthFailure(true)
	ok, err = h.orch.TestAuth(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetStorageStats_Disconnected(t *testing.T) {
	h := newHarness(t, Config{})
	h.makeReady(t)
	ctx := context.Background()

	require.True(t, h.orch.CreateBackup(ctx, h.snap(t, "t-1")).Stored)
	live := h.orch.GetStorageStats(ctx)
	require.True(t, live.Connected)

	h.driver.SetOutage(true)
	stats := h.orch.GetStorageStats(ctx)
	assert.False(t, stats.Connected)
	assert.Equal(t, live.FileCount, stats.FileCount)
	assert.Equal(t, live.TotalBytes, stats.TotalBytes)
	assert.NotNil(t, stats.FolderInfoAt)
}
