package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// NewViper returns a viper instance with every default set and VANISH_*
// environment variables bound. Callers bind flags on it before Load.
func NewViper() *viper.Viper {
	v := viper.New()

	dataDir := DefaultDataDir()
	v.SetDefault("local.path", filepath.Join(dataDir, "cache.db"))
	v.SetDefault("queue.strategy", "coalescing")
	v.SetDefault("ids.policy", "client")
	v.SetDefault("sync.interval", "10s")
	v.SetDefault("sync.remote_timeout", "10s")
	v.SetDefault("remote.backend", BackendHTTP)
	v.SetDefault("remote.url", "http://127.0.0.1:8080")
	v.SetDefault("remote.dsn", "")
	v.SetDefault("remote.gtasks.list", "@default")
	v.SetDefault("remote.gtasks.dir", DefaultConfigDir())
	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("server.dsn", filepath.Join(dataDir, "remote.db"))
	v.SetDefault("watch.addr", "127.0.0.1:7878")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// lock_while_pending has no default, so AutomaticEnv alone can't see it.
	_ = v.BindEnv("sync.lock_while_pending")

	return v
}

// Load reads the config file, decodes v into a Config and validates it.
// An explicit file must exist; otherwise vanish.yaml or vanish.toml in the
// config directory is read when present.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(AppName)
		v.AddConfigPath(DefaultConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the settings the chosen remote
// backend needs.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	switch c.Remote.Backend {
	case BackendHTTP:
		if c.Remote.URL == "" {
			return fmt.Errorf("invalid config: remote.url is required for the %s backend", BackendHTTP)
		}
	case BackendSQL:
		if c.Remote.DSN == "" {
			return fmt.Errorf("invalid config: remote.dsn is required for the %s backend", BackendSQL)
		}
	case BackendGTasks:
		if c.IDs.Policy != "server" {
			return fmt.Errorf("invalid config: the %s backend assigns ids; set ids.policy to server", BackendGTasks)
		}
		if c.Remote.GTasks.Dir == "" {
			return fmt.Errorf("invalid config: remote.gtasks.dir is required for the %s backend", BackendGTasks)
		}
	}
	return nil
}
