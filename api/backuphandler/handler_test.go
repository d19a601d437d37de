package backuphandler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/coaching-backup/api"
	"github.com/ruteri/coaching-backup/backup"
	"github.com/ruteri/coaching-backup/interfaces"
	"github.com/ruteri/coaching-backup/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockOrchestrator implements Orchestrator for testing
type MockOrchestrator struct {
	mock.Mock
}

func (m *MockOrchestrator) CreateBackup(ctx context.Context, snap interfaces.Snapshot) interfaces.BackupResult {
	args := m.Called(ctx, snap)
	return args.Get(0).(interfaces.BackupResult)
}

func (m *MockOrchestrator) GetStorageStats(ctx context.Context) interfaces.StorageStats {
	args := m.Called(ctx)
	return args.Get(0).(interfaces.StorageStats)
}

func (m *MockOrchestrator) FolderInfo(ctx context.Context) (interfaces.FolderInfo, error) {
	args := m.Called(ctx)
	return args.Get(0).(interfaces.FolderInfo), args.Error(1)
}

func (m *MockOrchestrator) TestAuth(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *MockOrchestrator) ListBlobs(ctx context.Context) ([]interfaces.FileInfo, error) {
	args := m.Called(ctx)
	files, _ := args.Get(0).([]interfaces.FileInfo)
	return files, args.Error(1)
}

func (m *MockOrchestrator) SaveTestBlob(ctx context.Context, test *interfaces.Test) (interfaces.FileInfo, error) {
	args := m.Called(ctx, test)
	return args.Get(0).(interfaces.FileInfo), args.Error(1)
}

func (m *MockOrchestrator) DeleteBlob(ctx context.Context, fileID string) error {
	args := m.Called(ctx, fileID)
	return args.Error(0)
}

func (m *MockOrchestrator) ResumeBackups() {
	m.Called()
}

func newTestRouter(orch Orchestrator) http.Handler {
	handler := NewHandler(orch, slog.New(slog.NewTextHandler(io.Discard, nil)))
	mux := chi.NewRouter()
	handler.RegisterRoutes(mux)
	return mux
}

func serve(t *testing.T, h http.Handler, method, path string, body []byte) (*http.Response, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	resp := w.Result()
	t.Cleanup(func() { resp.Body.Close() })
	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, respBody
}

func TestHandleCreateBackup(t *testing.T) {
	t.Run("stored", func(t *testing.T) {
		orch := new(MockOrchestrator)
		orch.On("CreateBackup", mock.Anything, mock.MatchedBy(func(s interfaces.Snapshot) bool {
			return s.Source == "api" && s.Token == "client-token"
		})).Return(interfaces.BackupResult{Stored: true, FileID: "f1", Status: interfaces.StatusStored, Message: "stored"})

		resp, body := serve(t, newTestRouter(orch), http.MethodPost, "/api/backup", []byte(`{"idempotencyToken":"client-token","tests":[1,2]}`))
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var out api.CreateBackupResponse
		require.NoError(t, json.Unmarshal(body, &out))
		assert.True(t, out.Success)
		require.NotNil(t, out.BackupID)
		assert.Equal(t, "f1", *out.BackupID)
		assert.Equal(t, interfaces.StatusStored, out.Source)
		orch.AssertExpectations(t)
	})

	t.Run("pending has null backup id", func(t *testing.T) {
		orch := new(MockOrchestrator)
		orch.On("CreateBackup", mock.Anything, mock.Anything).
			Return(interfaces.BackupResult{Status: interfaces.StatusPending, Message: "queued"})

		resp, body := serve(t, newTestRouter(orch), http.MethodPost, "/api/backup", []byte(`{"a":1}`))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"success":true,"backupId":null,"message":"queued","source":"pending"}`, string(body))
	})

	t.Run("remote error is still 200", func(t *testing.T) {
		orch := new(MockOrchestrator)
		orch.On("CreateBackup", mock.Anything, mock.Anything).
			Return(interfaces.BackupResult{Status: interfaces.StatusError, Message: "quota exceeded"})

		resp, body := serve(t, newTestRouter(orch), http.MethodPost, "/api/backup", []byte(`{"a":1}`))
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var out api.CreateBackupResponse
		require.NoError(t, json.Unmarshal(body, &out))
		assert.True(t, out.Success)
		assert.Nil(t, out.BackupID)
		assert.Equal(t, "quota exceeded", out.Message)
		assert.Equal(t, interfaces.StatusError, out.Source)
	})

	t.Run("accepts empty object", func(t *testing.T) {
		orch := new(MockOrchestrator)
		orch.On("CreateBackup", mock.Anything, mock.Anything).
			Return(interfaces.BackupResult{Status: interfaces.StatusPending, Message: "queued"})

		resp, _ := serve(t, newTestRouter(orch), http.MethodPost, "/api/backup", []byte(`{}`))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		orch.AssertNumberOfCalls(t, "CreateBackup", 1)
	})

	for _, body := range []string{"", "   ", "[1,2]", `"text"`, "{", `{"idempotencyToken":7}`} {
		t.Run(fmt.Sprintf("rejects %q", body), func(t *testing.T) {
			orch := new(MockOrchestrator)
			resp, _ := serve(t, newTestRouter(orch), http.MethodPost, "/api/backup", []byte(body))
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			orch.AssertNotCalled(t, "CreateBackup", mock.Anything, mock.Anything)
		})
	}

	t.Run("rejects oversized body", func(t *testing.T) {
		orch := new(MockOrchestrator)
		big := append([]byte(`{"blob":"`), bytes.Repeat([]byte("x"), MaxBodySize)...)
		big = append(big, []byte(`"}`)...)
		resp, _ := serve(t, newTestRouter(orch), http.MethodPost, "/api/backup", big)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHandleDiagnostics(t *testing.T) {
	t.Run("folder info", func(t *testing.T) {
		orch := new(MockOrchestrator)
		orch.On("FolderInfo", mock.Anything).Return(interfaces.FolderInfo{
			Folder:     interfaces.FolderHandle{ID: "folder-1", Name: "Backups"},
			FileCount:  2,
			TotalBytes: 300,
			Quota:      &interfaces.Quota{Limit: 1000, Usage: 300},
		}, nil)

		_, body := serve(t, newTestRouter(orch), http.MethodGet, "/api/backup/folder", nil)
		var out api.FolderInfoResponse
		require.NoError(t, json.Unmarshal(body, &out))
		assert.True(t, out.Success)
		assert.Equal(t, 2, out.FileCount)
		assert.Equal(t, int64(300), out.TotalBytes)
		assert.Equal(t, int64(1000), out.Quota.Limit)
	})

	t.Run("folder info failure", func(t *testing.T) {
		orch := new(MockOrchestrator)
		orch.On("FolderInfo", mock.Anything).Return(interfaces.FolderInfo{}, interfaces.ErrTransientNetwork)

		resp, body := serve(t, newTestRouter(orch), http.MethodGet, "/api/backup/folder", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var out api.FolderInfoResponse
		require.NoError(t, json.Unmarshal(body, &out))
		assert.False(t, out.Success)
		assert.NotEmpty(t, out.Message)
	})

	t.Run("auth", func(t *testing.T) {
		orch := new(MockOrchestrator)
		orch.On("TestAuth", mock.Anything).Return(false, nil)

		_, body := serve(t, newTestRouter(orch), http.MethodGet, "/api/backup/auth", nil)
		assert.JSONEq(t, `{"success":true,"authenticated":false}`, string(body))
	})

	t.Run("auth probe error", func(t *testing.T) {
		orch := new(MockOrchestrator)
		orch.On("TestAuth", mock.Anything).Return(false, errors.New("unexpected response"))

		resp, body := serve(t, newTestRouter(orch), http.MethodGet, "/api/backup/auth", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"success":false,"authenticated":false,"message":"unexpected response"}`, string(body))
	})

	t.Run("stats", func(t *testing.T) {
		orch := new(MockOrchestrator)
		orch.On("GetStorageStats", mock.Anything).Return(interfaces.StorageStats{Connected: false, PendingRetries: 3})

		_, body := serve(t, newTestRouter(orch), http.MethodGet, "/api/backup/stats", nil)
		var out api.StatsResponse
		require.NoError(t, json.Unmarshal(body, &out))
		assert.True(t, out.Success)
		assert.Equal(t, 3, out.Stats.PendingRetries)
		assert.False(t, out.Timestamp.IsZero())
	})
}

func TestHandleBlobs(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("list", func(t *testing.T) {
		orch := new(MockOrchestrator)
		orch.On("ListBlobs", mock.Anything).Return([]interfaces.FileInfo{
			{ID: "a", Name: "a.json", Size: 10, CreatedTime: created, Checksum: "x"},
		}, nil)

		_, body := serve(t, newTestRouter(orch), http.MethodGet, "/api/backup/tests", nil)
		assert.JSONEq(t, `{"success":true,"tests":[{"id":"a","name":"a.json","size":10,"createdTime":"2024-05-01T10:00:00Z"}]}`, string(body))
	})

	t.Run("list failure", func(t *testing.T) {
		orch := new(MockOrchestrator)
		orch.On("ListBlobs", mock.Anything).Return(nil, interfaces.ErrAuth)

		resp, body := serve(t, newTestRouter(orch), http.MethodGet, "/api/backup/tests", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var out api.ListBlobsResponse
		require.NoError(t, json.Unmarshal(body, &out))
		assert.False(t, out.Success)
		assert.Empty(t, out.Tests)
	})

	t.Run("save requires id", func(t *testing.T) {
		orch := new(MockOrchestrator)
		resp, _ := serve(t, newTestRouter(orch), http.MethodPost, "/api/backup/tests", []byte(`{"title":"Algebra"}`))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		orch.AssertNotCalled(t, "SaveTestBlob", mock.Anything, mock.Anything)
	})

	t.Run("save", func(t *testing.T) {
		orch := new(MockOrchestrator)
		orch.On("SaveTestBlob", mock.Anything, mock.MatchedBy(func(test *interfaces.Test) bool {
			return test.ID == "t1" && test.Title == "Algebra"
		})).Return(interfaces.FileInfo{ID: "file-1"}, nil)

		_, body := serve(t, newTestRouter(orch), http.MethodPost, "/api/backup/tests", []byte(`{"id":"t1","title":"Algebra"}`))
		assert.JSONEq(t, `{"success":true,"fileId":"file-1"}`, string(body))
	})

	t.Run("delete", func(t *testing.T) {
		orch := new(MockOrchestrator)
		orch.On("DeleteBlob", mock.Anything, "file-1").Return(nil)

		_, body := serve(t, newTestRouter(orch), http.MethodDelete, "/api/backup/tests/file-1", nil)
		assert.JSONEq(t, `{"success":true}`, string(body))
		orch.AssertExpectations(t)
	})

	t.Run("delete path-like id", func(t *testing.T) {
		orch := new(MockOrchestrator)
		orch.On("DeleteBlob", mock.Anything, "Backups/a.json").Return(nil)

		_, body := serve(t, newTestRouter(orch), http.MethodDelete, "/api/backup/tests/Backups%2Fa.json", nil)
		assert.JSONEq(t, `{"success":true}`, string(body))
		orch.AssertExpectations(t)
	})

	t.Run("resume", func(t *testing.T) {
		orch := new(MockOrchestrator)
		orch.On("ResumeBackups").Return()

		_, body := serve(t, newTestRouter(orch), http.MethodPost, "/api/backup/resume", nil)
		assert.JSONEq(t, `{"success":true}`, string(body))
		orch.AssertExpectations(t)
	})
}

type staticCreds struct{}

func (staticCreds) Credentials(ctx context.Context) (interfaces.Credentials, error) {
	return interfaces.Credentials{ClientEmail: "svc@example.com", PrivateKey: "k"}, nil
}

func TestClientAgainstOrchestrator(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	driver := storage.NewMemoryDriver("e2e", 0, log)
	store := storage.NewRemoteStore(driver, staticCreds{}, storage.RemoteStoreConfig{FolderName: "Backups"}, log)
	orch := backup.NewOrchestrator(store, backup.Config{FolderName: "Backups"}, log)
	orch.ProcessDue(ctx)
	require.True(t, orch.IsReady())

	srv := httptest.NewServer(newTestRouter(orch))
	defer srv.Close()
	client := NewClient(srv.URL + "/")

	created, err := client.CreateBackup(ctx, []byte(`{"idempotencyToken":"tok-1","score":7}`))
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusStored, created.Source)
	require.NotNil(t, created.BackupID)

	again, err := client.CreateBackup(ctx, []byte(`{"idempotencyToken":"tok-1","score":7}`))
	require.NoError(t, err)
	assert.Equal(t, *created.BackupID, *again.BackupID)

	saved, err := client.SaveTestBlob(ctx, &interfaces.Test{ID: "t1", Title: "Algebra"})
	require.NoError(t, err)
	assert.True(t, saved.Success)

	list, err := client.ListBlobs(ctx)
	require.NoError(t, err)
	assert.Len(t, list.Tests, 2)

	folder, err := client.FolderInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, folder.FileCount)

	stats, err := client.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Stats.Connected)
	assert.Equal(t, 2, stats.Stats.StoredBackups)

	auth, err := client.TestAuth(ctx)
	require.NoError(t, err)
	assert.True(t, auth.Authenticated)

	deleted, err := client.DeleteBlob(ctx, saved.FileID)
	require.NoError(t, err)
	assert.True(t, deleted.Success)

	deleted, err = client.DeleteBlob(ctx, saved.FileID)
	require.NoError(t, err)
	assert.True(t, deleted.Success)

	list, err = client.ListBlobs(ctx)
	require.NoError(t, err)
	assert.Len(t, list.Tests, 1)

	_, err = client.CreateBackup(ctx, []byte(`[]`))
	assert.ErrorContains(t, err, "400")
}
