// Package config provides file-based configuration for the coin gateway
// daemon. Coin parameters themselves live in the database (coin_settings)
// and are reloaded at runtime; this file covers everything the process
// needs before it can reach the database.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the gateway daemon.
type Config struct {
	// Server settings for the HTTP API.
	Server ServerConfig `yaml:"server"`

	// Database connection settings.
	Database DatabaseConfig `yaml:"database"`

	// Redis settings for the shared cache. Optional; the gateway falls
	// back to an in-process cache when disabled.
	Redis RedisConfig `yaml:"redis"`

	// Webhook settings for operational notices.
	Webhook WebhookConfig `yaml:"webhook"`

	// Reconciler loop intervals.
	Reconciler ReconcilerConfig `yaml:"reconciler"`

	// Logging settings.
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	// Listen is the address the API binds to, e.g. "127.0.0.1:8000".
	Listen string `yaml:"listen"`

	// MasterKey gates the /reload endpoint.
	MasterKey string `yaml:"master_key"`
}

// DatabaseConfig holds ledger store settings. Mode selects the SQL driver:
// "mysql" for production, "sqlite3" for single-node deployments and tests.
type DatabaseConfig struct {
	Mode string `yaml:"mode"`

	// Path is the database file path (sqlite3 mode only).
	Path string `yaml:"path"`

	// MySQL connection parameters (mysql mode only).
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// DSN returns the driver-specific connection string.
func (d *DatabaseConfig) DSN() string {
	if d.Mode == "mysql" {
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4", d.User, d.Password, d.Host, d.Port, d.Name)
	}
	return expandPath(d.Path)
}

// RedisConfig holds shared cache settings.
type RedisConfig struct {
	// Enabled switches the shared Redis cache on. When false the gateway
	// uses an in-process cache only.
	Enabled bool `yaml:"enabled"`

	// Address is the Redis host:port.
	Address string `yaml:"address"`

	// DB is the Redis database number.
	DB int `yaml:"db"`

	// KeyPrefix namespaces every key written by this instance.
	KeyPrefix string `yaml:"key_prefix"`
}

// WebhookConfig holds notice delivery settings.
type WebhookConfig struct {
	// URL is a Discord-compatible webhook endpoint. Empty disables notices.
	URL string `yaml:"url"`
}

// ReconcilerConfig holds background loop settings.
type ReconcilerConfig struct {
	// ScanInterval is the tick for per-family deposit scans.
	ScanInterval time.Duration `yaml:"scan_interval"`

	// PromoteInterval is the tick for confirming pending deposits.
	PromoteInterval time.Duration `yaml:"promote_interval"`

	// HoldSweepInterval is the tick for reaping expired holds.
	HoldSweepInterval time.Duration `yaml:"hold_sweep_interval"`

	// SettingsInterval is the tick for reloading coin settings and the
	// address registry from the database.
	SettingsInterval time.Duration `yaml:"settings_interval"`

	// ScanWindow is how many blocks below the tip each scan covers.
	ScanWindow int64 `yaml:"scan_window"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen: "127.0.0.1:8000",
		},
		Database: DatabaseConfig{
			Mode: "sqlite3",
			Path: "~/.coingate/gateway.db",
			Host: "127.0.0.1",
			Port: 3306,
		},
		Redis: RedisConfig{
			Enabled:   false,
			Address:   "127.0.0.1:6379",
			KeyPrefix: "coingate_",
		},
		Reconciler: ReconcilerConfig{
			ScanInterval:      10 * time.Second,
			PromoteInterval:   10 * time.Second,
			HoldSweepInterval: 30 * time.Second,
			SettingsInterval:  10 * time.Second,
			ScanWindow:        2000,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from a YAML file in dataDir.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := expandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Database.Path = filepath.Join(dataDir, "gateway.db")

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}

		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks settings that would otherwise fail far from their cause.
func (c *Config) Validate() error {
	switch c.Database.Mode {
	case "sqlite3":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required in sqlite3 mode")
		}
	case "mysql":
		if c.Database.Name == "" {
			return fmt.Errorf("database.name is required in mysql mode")
		}
	default:
		return fmt.Errorf("unknown database.mode %q (want mysql or sqlite3)", c.Database.Mode)
	}
	if c.Reconciler.ScanWindow <= 0 {
		return fmt.Errorf("reconciler.scan_window must be positive")
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Coin Gateway Configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
