package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/dittofs-client/pkg/writecache"
	"github.com/spf13/viper"
)

// Config represents the complete DittoFS client configuration.
//
// This structure captures all configurable aspects of the client including:
//   - Logging configuration
//   - Mount settings (server address, protocol version, transfer sizes)
//   - Write-back cache tuning
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (DITTOFS_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Mount contains per-mount settings
	Mount MountConfig `mapstructure:"mount"`

	// Cache tunes the write-back cache
	Cache writecache.Config `mapstructure:"cache"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// MountConfig contains per-mount settings.
type MountConfig struct {
	// Server is the NFS server host or address
	Server string `mapstructure:"server" validate:"required"`

	// Port is the NFS service port
	Port int `mapstructure:"port" validate:"gt=0,lte=65535"`

	// Transport selects the RPC transport
	// Valid values: tcp, udp
	Transport string `mapstructure:"transport" validate:"oneof=tcp udp"`

	// Version is the NFS protocol version (2 or 3)
	Version int `mapstructure:"version" validate:"oneof=2 3"`

	// WriteSize is the negotiated maximum WRITE payload in bytes (wsize)
	WriteSize uint32 `mapstructure:"write_size" validate:"gt=0"`

	// Hard makes operations retry forever instead of honoring cancellation
	Hard bool `mapstructure:"hard"`

	// NoLockManager disables byte-range lock awareness (nolock)
	NoLockManager bool `mapstructure:"no_lock_manager"`

	// RetransmitTimeout is the RPC retransmit interval
	RetransmitTimeout time.Duration `mapstructure:"retransmit_timeout" validate:"required,gt=0"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DITTOFS_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use DITTOFS_ prefix and underscores
	// Example: DITTOFS_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DITTOFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/dittofs/client.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("client")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is acceptable - use defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittofs")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "dittofs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "client.yaml")
}
