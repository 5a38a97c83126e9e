// Package config loads cadsync configuration from file, environment, and
// defaults.
//
// Lookup order: explicit --config path, then cadsync.yaml in the working
// directory, then $HOME/.config/cadsync/cadsync.yaml. Every key can be
// overridden through the environment with a CADSYNC_ prefix, e.g.
// CADSYNC_ENDPOINT_BASE_URL.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved cadsync configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Endpoint  EndpointConfig  `mapstructure:"endpoint"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`
}

// DatabaseConfig locates the local SQLite file.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// EndpointConfig describes the backend and how to authenticate against it.
type EndpointConfig struct {
	BaseURL string `mapstructure:"base_url"`

	// Token is a static bearer token. TokenFile, if set, wins: the token is
	// re-read from the file on every request so an external refresher can
	// rotate it.
	Token     string `mapstructure:"token"`
	TokenFile string `mapstructure:"token_file"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	MaxBatch int           `mapstructure:"max_batch"`
	Interval time.Duration `mapstructure:"interval"`
}

// DashboardConfig controls the local status dashboard.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LogConfig controls the daemon's rotated log file. An empty file means
// stderr only.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads configuration from cfgFile (or the default search paths if
// empty), applying environment overrides and defaults.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("database.path", defaultDatabasePath())
	v.SetDefault("sync.max_batch", 250)
	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.addr", "127.0.0.1:7634")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("cadsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "cadsync"))
		}
	}

	v.SetEnvPrefix("CADSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file is fine; env and defaults carry the day.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, nil
}

// TokenFunc returns a bearer-token provider for the endpoint client.
func (c *Config) TokenFunc() func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		if c.Endpoint.TokenFile != "" {
			data, err := os.ReadFile(c.Endpoint.TokenFile)
			if err != nil {
				return "", fmt.Errorf("failed to read token file: %w", err)
			}
			token := strings.TrimSpace(string(data))
			if token == "" {
				return "", fmt.Errorf("token file %s is empty", c.Endpoint.TokenFile)
			}
			return token, nil
		}
		if c.Endpoint.Token != "" {
			return c.Endpoint.Token, nil
		}
		return "", fmt.Errorf("no bearer token configured (set endpoint.token or endpoint.token_file)")
	}
}

func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "cadence-sync.db"
	}
	return filepath.Join(home, ".local", "share", "cadsync", "cadence-sync.db")
}
