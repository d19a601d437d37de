package backup

import (
	"context"

	"github.com/ruteri/coaching-backup/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockRemoteFileStore implements interfaces.RemoteFileStore for testing
type MockRemoteFileStore struct {
	mock.Mock
}

func (m *MockRemoteFileStore) GetAuth(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockRemoteFileStore) Authenticated() bool {
	return m.Called().Bool(0)
}

func (m *MockRemoteFileStore) InvalidateAuth() {
	m.Called()
}

func (m *MockRemoteFileStore) GetOrCreateFolder(ctx context.Context, name string) (interfaces.FolderHandle, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(interfaces.FolderHandle), args.Error(1)
}

func (m *MockRemoteFileStore) CanonicalFolder() (interfaces.FolderHandle, bool) {
	args := m.Called()
	return args.Get(0).(interfaces.FolderHandle), args.Bool(1)
}

func (m *MockRemoteFileStore) ListFiles(ctx context.Context, folderID string) ([]interfaces.FileInfo, error) {
	args := m.Called(ctx, folderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]interfaces.FileInfo), args.Error(1)
}

func (m *MockRemoteFileStore) SaveObject(ctx context.Context, folderID, name string, payload []byte) (interfaces.FileInfo, error) {
	args := m.Called(ctx, folderID, name, payload)
	return args.Get(0).(interfaces.FileInfo), args.Error(1)
}

func (m *MockRemoteFileStore) DeleteObject(ctx context.Context, fileID string) error {
	return m.Called(ctx, fileID).Error(0)
}

func (m *MockRemoteFileStore) GetFolderInfo(ctx context.Context) (interfaces.FolderInfo, error) {
	args := m.Called(ctx)
	return args.Get(0).(interfaces.FolderInfo), args.Error(1)
}

func (m *MockRemoteFileStore) TestAuth(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *MockRemoteFileStore) Name() string {
	return "mock"
}
