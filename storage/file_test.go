package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/coaching-backup/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileDriver(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	driver, err := NewFileDriver(t.TempDir(), 64, log)
	require.NoError(t, err)
	require.NoError(t, driver.Authenticate(ctx, interfaces.Credentials{}))

	found, err := driver.FindFolders(ctx, "Backups")
	require.NoError(t, err)
	assert.Empty(t, found)

	folder, err := driver.CreateFolder(ctx, "Backups")
	require.NoError(t, err)

	found, err = driver.FindFolders(ctx, "Backups")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, folder.ID, found[0].ID)
	assert.True(t, folder.CreatedAt.Equal(found[0].CreatedAt))

	info, err := driver.Put(ctx, folder.ID, "one.json", []byte(`{"n":1}`))
	require.NoError(t, err)
	assert.Equal(t, int64(7), info.Size)
	assert.NotEmpty(t, info.Checksum)

	_, err = driver.Put(ctx, folder.ID, "one.json", []byte(`{"n":2}`))
	assert.ErrorIs(t, err, interfaces.ErrAlreadyExists)

	files, err := driver.List(ctx, folder.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, info.ID, files[0].ID)

	quota, err := driver.Quota(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(64), quota.Limit)
	assert.Equal(t, int64(7), quota.Usage)

	_, err = driver.Put(ctx, folder.ID, "big.json", make([]byte, 100))
	assert.ErrorIs(t, err, interfaces.ErrQuotaExceeded)

	require.NoError(t, driver.Delete(ctx, info.ID))
	assert.ErrorIs(t, driver.Delete(ctx, info.ID), interfaces.ErrNotFound)

	_, err = driver.Put(ctx, "missing", "x.json", []byte(`{}`))
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestFileDriver_RejectsEscapingPaths(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	driver, err := NewFileDriver(t.TempDir(), 0, log)
	require.NoError(t, err)

	for _, id := range []string{"../outside", "/etc/passwd", "a/../../b", ".", ""} {
		assert.ErrorIs(t, driver.Delete(context.Background(), id), interfaces.ErrNotFound, id)
	}
}
