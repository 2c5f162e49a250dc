// Package config loads keepsake.toml and overlays KEEPSAKE_* environment
// variables, so secrets never have to live in the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Backend names accepted in the config file.
const (
	BackendRecordStore = "recordstore"
	BackendFileStore   = "filestore"
)

// Config is everything the composition root needs to build an auth
// provider, a storage provider, and the sync scheduler.
type Config struct {
	// Backend forces a storage backend. Empty lets the platform selector
	// decide from what is configured.
	Backend  string `toml:"backend"`
	DataDir  string `toml:"data_dir"`
	LogLevel string `toml:"log_level"`

	RecordStore RecordStoreConfig `toml:"recordstore"`
	FileStore   FileStoreConfig   `toml:"filestore"`
	Account     AccountConfig     `toml:"account"`
	Legacy      LegacyConfig      `toml:"legacy"`
	Sync        SyncConfig        `toml:"sync"`
}

// RecordStoreConfig points at the native record store backend. Identity
// comes from the device key in DataDir, not from here.
type RecordStoreConfig struct {
	BaseURL      string `toml:"base_url"`
	DeviceName   string `toml:"device_name"`
	MaxQueueSize int    `toml:"max_queue_size"`
}

// FileStoreConfig points at the cloud file store backend.
type FileStoreConfig struct {
	BaseURL string `toml:"base_url"`
}

// AccountConfig holds the hosted-account token service and its refresh
// credential. The credential is usually supplied via
// KEEPSAKE_ACCOUNT_CREDENTIAL rather than written to disk.
type AccountConfig struct {
	BaseURL    string `toml:"base_url"`
	Credential string `toml:"credential"`
}

// LegacyConfig locates the previous app generation's database for
// migration.
type LegacyConfig struct {
	Database string `toml:"database"`
	UserID   string `toml:"user_id"`
}

type SyncConfig struct {
	// Schedule is a cron expression or descriptor like "@every 15m".
	Schedule string `toml:"schedule"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DataDir:  defaultDataDir(),
		LogLevel: "info",
		RecordStore: RecordStoreConfig{
			DeviceName: defaultDeviceName(),
		},
		Sync: SyncConfig{Schedule: "@every 15m"},
	}
}

// Load reads the config file at path over the defaults, then overlays
// the environment. A missing file is not an error: defaults plus
// environment are enough to run against a configured backend.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays KEEPSAKE_* variables onto the loaded file. Set
// variables win; empty ones leave the file value alone.
func (c *Config) applyEnv() {
	overlay(&c.Backend, "KEEPSAKE_BACKEND")
	overlay(&c.DataDir, "KEEPSAKE_DATA_DIR")
	overlay(&c.LogLevel, "KEEPSAKE_LOG_LEVEL")
	overlay(&c.RecordStore.BaseURL, "KEEPSAKE_RECORDSTORE_URL")
	overlay(&c.RecordStore.DeviceName, "KEEPSAKE_DEVICE_NAME")
	overlay(&c.FileStore.BaseURL, "KEEPSAKE_FILESTORE_URL")
	overlay(&c.Account.BaseURL, "KEEPSAKE_ACCOUNT_URL")
	overlay(&c.Account.Credential, "KEEPSAKE_ACCOUNT_CREDENTIAL")
	overlay(&c.Legacy.Database, "KEEPSAKE_LEGACY_DB")
	overlay(&c.Legacy.UserID, "KEEPSAKE_LEGACY_USER")
	overlay(&c.Sync.Schedule, "KEEPSAKE_SYNC_SCHEDULE")
}

func overlay(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate rejects values no component can act on.
func (c *Config) Validate() error {
	switch c.Backend {
	case "", BackendRecordStore, BackendFileStore:
	default:
		return fmt.Errorf("unknown backend %q (use %q or %q)", c.Backend, BackendRecordStore, BackendFileStore)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	if c.RecordStore.MaxQueueSize < 0 {
		return fmt.Errorf("max_queue_size must not be negative, got %d", c.RecordStore.MaxQueueSize)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	return nil
}

func defaultDataDir() string {
	if base, err := os.UserConfigDir(); err == nil {
		return filepath.Join(base, "keepsake")
	}
	return ".keepsake"
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "unnamed device"
}
