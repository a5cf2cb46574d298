package config

import (
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// ManagerConfig is the top-level configuration of the lifecycle manager,
// loaded through FromFile.
type ManagerConfig struct {
	// CertsDir is the root of the managed certificate tree.
	CertsDir string `yaml:"certs_dir"`
	// ConfigDir holds the catalog document, the passphrase store and the
	// encryption key. Defaults to CertsDir.
	ConfigDir string `yaml:"config_dir"`

	LogLevel string `yaml:"log_level"`

	// Watch enables the filesystem watcher; without it changes are only
	// picked up by periodic rescans.
	Watch bool `yaml:"watch"`
	// RescanInterval is the period in seconds of the full catalog rescan.
	// Zero disables periodic rescans.
	RescanInterval int `yaml:"rescan_interval"`
	// RefreshInterval is how often, in seconds, pending changes are folded
	// back into the catalog.
	RefreshInterval int `yaml:"refresh_interval"`
	// AutoRenewInterval is how often, in seconds, the auto-renew pass runs.
	AutoRenewInterval int `yaml:"auto_renew_interval"`

	// DisabledTransports lists deploy action types that should fail with
	// a feature-unavailable error instead of being attempted.
	DisabledTransports []string `yaml:"disabled_transports"`
}

const (
	defaultRefreshInterval   = 5           // seconds
	defaultAutoRenewInterval = 6 * 60 * 60 // seconds
)

// ApplyDefaults fills the optional fields.
func (c *ManagerConfig) ApplyDefaults() {
	if c.ConfigDir == "" {
		c.ConfigDir = c.CertsDir
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = defaultRefreshInterval
	}
	if c.AutoRenewInterval <= 0 {
		c.AutoRenewInterval = defaultAutoRenewInterval
	}
}

func (c ManagerConfig) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.CertsDir, validation.Required),
	)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
