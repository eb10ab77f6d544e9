package daemonconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("debug: true\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "./data", cfg.BaseDir)
	require.Equal(t, 256, cfg.MaxOpenPaths)
	require.Equal(t, 30, cfg.QuiescenceTimeoutSeconds)
	require.True(t, cfg.Debug)
}

func TestLoadHonorsExplicitValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "baseDir: /srv/vfs\nmaxOpenPaths: 10\nquiescenceTimeoutSeconds: 5\nenableDirIndex: true\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/srv/vfs", cfg.BaseDir)
	require.Equal(t, 10, cfg.MaxOpenPaths)
	require.Equal(t, 5, cfg.QuiescenceTimeoutSeconds)
	require.True(t, cfg.EnableDirIndex)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
