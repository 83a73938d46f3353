package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "127.0.0.1:26423", cfg.Addr())
	assert.NotEmpty(t, cfg.DataDir)
	require.NoError(t, cfg.Validate())
}

func TestLoadYAMLAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hubbub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 31000\nlogLevel: debug\n"), 0o600))

	t.Setenv("HUBBUB_PORT", "32000")

	cfg, err := Load(path)
	require.NoError(t, err)
	// Env overrides the file; file overrides defaults.
	assert.Equal(t, 32000, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Port, cfg.Port)
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Port = 0
	assert.Error(t, cfg.Validate())

	cfg.Port = 70000
	assert.Error(t, cfg.Validate())
}

func TestDirectoriesLayout(t *testing.T) {
	root := t.TempDir()
	dirs := NewDirectories(root)
	require.NoError(t, dirs.MkdirAll())

	for _, dir := range []string{dirs.Tables, dirs.Registry, dirs.Security, dirs.Permissions, dirs.Assets} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
