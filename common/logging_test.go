package common

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLoggerLevels(t *testing.T) {
	logger := SetupLogger(&LoggingOpts{})
	assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))

	logger = SetupLogger(&LoggingOpts{Debug: true, JSON: true})
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
}

func TestSetupLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.log")

	logger := SetupLogger(&LoggingOpts{JSON: true, Service: "backupserver", Version: "test", File: path})
	logger.Info("hello", "key", "value")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"service":"backupserver"`)
	assert.Contains(t, string(data), `"version":"test"`)
}
