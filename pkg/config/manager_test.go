package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/certkeep/certkeep/pkg/config"
)

func TestApplyDefaults(t *testing.T) {
	cfg := config.ManagerConfig{CertsDir: "/srv/certs"}
	cfg.ApplyDefaults()

	require.Equal(t, "/srv/certs", cfg.ConfigDir)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, 5, cfg.RefreshInterval)
	require.Equal(t, 6*60*60, cfg.AutoRenewInterval)

	cfg = config.ManagerConfig{
		CertsDir:        "/srv/certs",
		ConfigDir:       "/etc/certkeep",
		RefreshInterval: 60,
	}
	cfg.ApplyDefaults()
	require.Equal(t, "/etc/certkeep", cfg.ConfigDir)
	require.Equal(t, 60, cfg.RefreshInterval)
}

func TestValidateRequiresCertsDir(t *testing.T) {
	require.Error(t, config.ManagerConfig{}.Validate())
	require.NoError(t, config.ManagerConfig{CertsDir: "/srv/certs"}.Validate())
}

func TestFromFileExpandsEnvironment(t *testing.T) {
	t.Setenv("CERTKEEP_TEST_DIR", "/srv/from-env")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
certs_dir: {{.CERTKEEP_TEST_DIR}}
watch: true
rescan_interval: 3600
disabled_transports:
  - email
`), 0o644))

	var cfg config.ManagerConfig
	require.NoError(t, config.FromFile(path, &cfg))
	require.Equal(t, "/srv/from-env", cfg.CertsDir)
	require.True(t, cfg.Watch)
	require.Equal(t, 3600, cfg.RescanInterval)
	require.Equal(t, []string{"email"}, cfg.DisabledTransports)
}
