package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultManagerConfig(t *testing.T) {
	cfg := DefaultManagerConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 64*1024, cfg.SnapshotChunkBytes)
	assert.Equal(t, 4096, cfg.RestoreReadBufferSize)
	assert.True(t, cfg.MetricsEnabled)
	assert.False(t, cfg.TracingEnabled)
}

func TestLoadManagerConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadManagerConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultManagerConfig(), cfg)
}

func TestLoadManagerConfigOverlaysYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := "log_level: debug\nsnapshot_chunk_bytes: 1024\ntracing_enabled: true\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))

	cfg, err := LoadManagerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 1024, cfg.SnapshotChunkBytes)
	assert.True(t, cfg.TracingEnabled)
	// Fields absent from the YAML keep their defaults.
	assert.Equal(t, 4096, cfg.RestoreReadBufferSize)
}

func TestLoadManagerConfigMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid: yaml"), 0o644))

	_, err := LoadManagerConfig(path)
	assert.Error(t, err)
}
