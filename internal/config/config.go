// Package config loads vanish settings from a config file, VANISH_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/vanishlist/vanish/internal/schema"
)

const (
	// AppName is the application directory name.
	AppName = "vanish"

	// EnvPrefix prefixes every environment variable, e.g. VANISH_LOCAL_PATH.
	EnvPrefix = "VANISH"
)

// Remote backends.
const (
	BackendHTTP   = "http"
	BackendSQL    = "sql"
	BackendGTasks = "gtasks"
)

// Config holds all application configuration.
type Config struct {
	Local  LocalConfig  `mapstructure:"local"`
	Queue  QueueConfig  `mapstructure:"queue"`
	IDs    IDsConfig    `mapstructure:"ids"`
	Sync   SyncConfig   `mapstructure:"sync"`
	Remote RemoteConfig `mapstructure:"remote"`
	Server ServerConfig `mapstructure:"server"`
	Watch  WatchConfig  `mapstructure:"watch"`
	Log    LogConfig    `mapstructure:"log"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// LocalConfig locates the local cache.
type LocalConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// QueueConfig selects how the pending queue keys its entries.
type QueueConfig struct {
	Strategy string `mapstructure:"strategy" validate:"required,oneof=coalescing append"`
}

// IDsConfig selects who assigns permanent task ids.
type IDsConfig struct {
	Policy string `mapstructure:"policy" validate:"required,oneof=client server"`
}

// SyncConfig tunes the engine.
type SyncConfig struct {
	Interval      time.Duration `mapstructure:"interval" validate:"gt=0"`
	RemoteTimeout time.Duration `mapstructure:"remote_timeout" validate:"gte=0"`

	// LockWhilePending overrides the strategy's default control lock.
	LockWhilePending *bool `mapstructure:"lock_while_pending"`
}

// RemoteConfig selects and addresses the remote store.
type RemoteConfig struct {
	Backend string       `mapstructure:"backend" validate:"required,oneof=http sql gtasks"`
	URL     string       `mapstructure:"url" validate:"omitempty,url"`
	DSN     string       `mapstructure:"dsn"`
	GTasks  GTasksConfig `mapstructure:"gtasks"`
}

// GTasksConfig addresses a Google Tasks list.
type GTasksConfig struct {
	List string `mapstructure:"list"`
	// Dir holds oauth_client.json and token.json.
	Dir string `mapstructure:"dir"`
}

// ServerConfig configures the remote HTTP API served by `vanish serve`.
type ServerConfig struct {
	Addr string `mapstructure:"addr" validate:"required,hostname_port"`
	DSN  string `mapstructure:"dsn" validate:"required"`
}

// WatchConfig configures the live feed; an empty address disables it.
type WatchConfig struct {
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=text json"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
}

// Strategy returns the queue strategy.
func (c *Config) Strategy() schema.Strategy {
	return schema.Strategy(c.Queue.Strategy)
}

// IDPolicy returns the id policy.
func (c *Config) IDPolicy() schema.IDPolicy {
	return schema.IDPolicy(c.IDs.Policy)
}

// LockWhilePending returns the configured control lock, defaulting to on
// for the coalescing strategy and off for append.
func (c *Config) LockWhilePending() bool {
	if c.Sync.LockWhilePending != nil {
		return *c.Sync.LockWhilePending
	}
	return c.Strategy() == schema.StrategyCoalescing
}

// DefaultConfigDir returns the default configuration directory.
// Uses XDG_CONFIG_HOME if set, otherwise $HOME/.config.
func DefaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return AppName
	}
	return filepath.Join(home, ".config", AppName)
}

// DefaultDataDir returns the default directory for the cache and the
// served store. Uses XDG_DATA_HOME if set, otherwise $HOME/.local/share.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return AppName
	}
	return filepath.Join(home, ".local", "share", AppName)
}
