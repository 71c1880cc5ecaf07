package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/phrazzld/scry-ingest/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		opts, err := parseFlags(nil)
		require.NoError(t, err)
		assert.Equal(t, ".env", opts.envFile)
		assert.Empty(t, opts.migrateCmd)
	})

	t.Run("migrate command", func(t *testing.T) {
		opts, err := parseFlags([]string{"-migrate", "status", "-env-file", ""})
		require.NoError(t, err)
		assert.Equal(t, "status", opts.migrateCmd)
		assert.Empty(t, opts.envFile)
	})

	t.Run("unknown flag", func(t *testing.T) {
		_, err := parseFlags([]string{"-bogus"})
		assert.Error(t, err)
	})
}

func TestLoadEnvFile(t *testing.T) {
	t.Run("missing file is ignored", func(t *testing.T) {
		assert.NoError(t, loadEnvFile(filepath.Join(t.TempDir(), "absent.env")))
	})

	t.Run("file values fill unset variables only", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "test.env")
		require.NoError(t, os.WriteFile(path,
			[]byte("INGEST_TEST_FROM_FILE=file\nINGEST_TEST_PRESET=file\n"), 0o600))

		t.Setenv("INGEST_TEST_PRESET", "env")
		t.Setenv("INGEST_TEST_FROM_FILE", "")
		require.NoError(t, os.Unsetenv("INGEST_TEST_FROM_FILE"))

		require.NoError(t, loadEnvFile(path))
		assert.Equal(t, "file", os.Getenv("INGEST_TEST_FROM_FILE"))
		assert.Equal(t, "env", os.Getenv("INGEST_TEST_PRESET"))
	})
}

func TestRuntimeConfig(t *testing.T) {
	got := runtimeConfig(config.TaskConfig{
		WorkerCount:            4,
		QueueSize:              64,
		CallTimeout:            time.Second,
		StuckTaskAge:           10 * time.Minute,
		StuckTaskCheckInterval: time.Minute,
		MaxAttempts:            5,
	})

	assert.Equal(t, 4, got.WorkerCount)
	assert.Equal(t, 64, got.QueueSize)
	assert.Equal(t, 10*time.Minute, got.StuckTaskAge)
	assert.Equal(t, time.Minute, got.StuckTaskCheckInterval)
	assert.Equal(t, 5, got.MaxAttempts)
}

func TestConsumerTracker_NotReadyWithoutConsumer(t *testing.T) {
	tracker := &consumerTracker{}
	assert.ErrorIs(t, tracker.ready(context.Background()), errConsumerNotRunning)
}
