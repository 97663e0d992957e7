package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/clusterforge/clusterforge/config"
)

func TestLoad_FallsBackToEnvWhenFileMissing(t *testing.T) {
	t.Setenv("CLUSTERFORGE_DATA_DIR", "/var/lib/clusterforge")
	t.Setenv("CLUSTERFORGE_PORT_RANGE_LO", "21000")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, "/var/lib/clusterforge", cfg.DataDir)
	require.Equal(t, 21000, cfg.PortRangeLo)
	require.Equal(t, 30000, cfg.PortRangeHi, "unset fields must keep their env-default")
}

func TestLoad_PrefersFileWhenPresent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clusterforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /srv/clusterforge\nlog_level: debug\n"), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "/srv/clusterforge", cfg.DataDir)
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestLogger_ParsesConfiguredLevel(t *testing.T) {
	cfg := config.Config{LogLevel: "warn"}
	require.Equal(t, zerolog.WarnLevel, cfg.Logger().GetLevel())
}

func TestLogger_FallsBackToInfoOnInvalidLevel(t *testing.T) {
	cfg := config.Config{LogLevel: "not-a-level"}
	require.Equal(t, zerolog.InfoLevel, cfg.Logger().GetLevel())
}
