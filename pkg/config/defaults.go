package config

import (
	"strings"
	"time"

	"github.com/marmos91/dittofs-client/pkg/nfs"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Cache defaults are owned by the writecache package
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyMountDefaults(&cfg.Mount)

	cfg.Cache.ApplyDefaults()

	// The cache follows the mount unless explicitly configured otherwise.
	if cfg.Cache.Version == 0 {
		cfg.Cache.Version = cfg.Mount.Version
	}
	if cfg.Mount.WriteSize != 0 {
		cfg.Cache.WriteSize = cfg.Mount.WriteSize
	}
	cfg.Cache.Interruptible = !cfg.Mount.Hard
	cfg.Cache.NoRegionLocking = cfg.Mount.NoLockManager
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

// applyMountDefaults sets mount defaults.
func applyMountDefaults(cfg *MountConfig) {
	if cfg.Server == "" {
		cfg.Server = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 2049
	}
	if cfg.Transport == "" {
		cfg.Transport = "tcp"
	}
	if cfg.Version == 0 {
		cfg.Version = nfs.Version3
	}
	if cfg.WriteSize == 0 {
		cfg.WriteSize = 32768
	}
	if cfg.RetransmitTimeout == 0 {
		cfg.RetransmitTimeout = 700 * time.Millisecond
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Mount: MountConfig{
			Server: "localhost",
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
