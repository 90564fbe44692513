package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: dagforge-test\n"))
	require.NoError(t, err)

	assert.Equal(t, "dagforge-test", cfg.App.Name)
	assert.Equal(t, "local", cfg.Engine.Kind)
	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.InitialInterval)
	assert.Equal(t, 30*24*time.Hour, cfg.History.Retention)
	assert.Equal(t, ":9102", cfg.Metrics.Addr)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
app:
  jobs_dir: /etc/dagforge/jobs
  strict: true
engine:
  kind: nats
  workers: 16
nats:
  url: nats://broker:4222
  worker: false
retry:
  max_attempts: 5
  initial_interval: 1s
`))
	require.NoError(t, err)

	assert.Equal(t, "/etc/dagforge/jobs", cfg.App.JobsDir)
	assert.True(t, cfg.App.Strict)
	assert.Equal(t, "nats", cfg.Engine.Kind)
	assert.Equal(t, 16, cfg.Engine.Workers)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.False(t, cfg.NATS.Worker)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.InitialInterval)
}

func TestLoadRejectsUnknownEngine(t *testing.T) {
	_, err := Load(writeConfig(t, "engine:\n  kind: carrier-pigeon\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown engine kind")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
