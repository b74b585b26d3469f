package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel())
	assert.Equal(t, "tasks.star", cfg.Tasks.File)
	assert.Equal(t, ".github/workflows/ci.yml", cfg.Workflow.File)
	assert.True(t, cfg.History.Enabled)
	assert.Equal(t, 50, cfg.History.Keep)
	assert.Empty(t, cfg.Telemetry.Endpoint)
}

func TestFileAndEnv(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, FileName), []byte(`
[log]
level = "warn"
json = true

[workflow]
max_parallel = 2

[history]
enabled = false
`), 0o644))

	t.Setenv("TASK_LOG_LEVEL", "debug")

	cfg, err := Load(root)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, 2, cfg.Workflow.MaxParallel)
	assert.False(t, cfg.History.Enabled)
}

func TestValidate(t *testing.T) {
	cfg, _ := Loader(t.TempDir())
	cfg.Log.Level = "info"
	cfg.Tasks.File = "tasks.star"
	require.NoError(t, cfg.Validate())

	cfg.Log.Level = "loud"
	assert.Error(t, cfg.Validate())

	cfg.Log.Level = "info"
	cfg.Workflow.MaxParallel = -1
	assert.Error(t, cfg.Validate())

	cfg.Workflow.MaxParallel = 0
	cfg.History.Keep = -5
	assert.Error(t, cfg.Validate())
}

func TestResolve(t *testing.T) {
	assert.Equal(t, filepath.Join("/project", "tasks.star"), Resolve("/project", "tasks.star"))
	assert.Equal(t, "/abs/file", Resolve("/project", "/abs/file"))
	assert.Equal(t, "", Resolve("/project", ""))
}
