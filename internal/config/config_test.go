package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Listen != "127.0.0.1:8000" {
		t.Errorf("expected 127.0.0.1:8000, got %s", cfg.Server.Listen)
	}

	if cfg.Database.Mode != "sqlite3" {
		t.Errorf("expected sqlite3, got %s", cfg.Database.Mode)
	}

	if cfg.Redis.Enabled {
		t.Error("expected Redis disabled by default")
	}

	if cfg.Reconciler.ScanInterval != 10*time.Second {
		t.Errorf("expected ScanInterval 10s, got %v", cfg.Reconciler.ScanInterval)
	}

	if cfg.Reconciler.HoldSweepInterval != 30*time.Second {
		t.Errorf("expected HoldSweepInterval 30s, got %v", cfg.Reconciler.HoldSweepInterval)
	}

	if cfg.Reconciler.ScanWindow != 2000 {
		t.Errorf("expected ScanWindow 2000, got %d", cfg.Reconciler.ScanWindow)
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Logging.Level)
	}
}

func TestDatabaseDSN(t *testing.T) {
	tests := []struct {
		name string
		db   DatabaseConfig
		want string
	}{
		{
			name: "sqlite path",
			db:   DatabaseConfig{Mode: "sqlite3", Path: "/tmp/gw.db"},
			want: "/tmp/gw.db",
		},
		{
			name: "mysql dsn",
			db: DatabaseConfig{
				Mode: "mysql", Host: "db.local", Port: 3306,
				User: "gateway", Password: "secret", Name: "coingate",
			},
			want: "gateway:secret@tcp(db.local:3306)/coingate?charset=utf8mb4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.db.DSN(); got != tt.want {
				t.Errorf("DSN() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir, err := os.MkdirTemp("", "coingate-config-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Database.Path != filepath.Join(dir, "gateway.db") {
		t.Errorf("expected db path under data dir, got %s", cfg.Database.Path)
	}

	if _, err := os.Stat(filepath.Join(dir, ConfigFileName)); err != nil {
		t.Errorf("expected config file to be created: %v", err)
	}

	// Second load reads the file it just wrote.
	again, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig() second call error = %v", err)
	}
	if again.Server.Listen != cfg.Server.Listen {
		t.Errorf("reloaded listen = %s, want %s", again.Server.Listen, cfg.Server.Listen)
	}
}

func TestLoadConfigParsesFile(t *testing.T) {
	dir, err := os.MkdirTemp("", "coingate-config-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	raw := `
server:
  listen: "0.0.0.0:9000"
  master_key: "supersecret"
database:
  mode: mysql
  host: db.internal
  port: 3307
  user: gw
  password: pw
  name: ledger
redis:
  enabled: true
  address: "10.0.0.5:6379"
  key_prefix: "prod_"
reconciler:
  scan_interval: 5s
  scan_window: 1000
`
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(raw), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Listen != "0.0.0.0:9000" {
		t.Errorf("Listen = %s, want 0.0.0.0:9000", cfg.Server.Listen)
	}
	if cfg.Server.MasterKey != "supersecret" {
		t.Errorf("MasterKey = %s, want supersecret", cfg.Server.MasterKey)
	}
	if cfg.Database.Mode != "mysql" {
		t.Errorf("Mode = %s, want mysql", cfg.Database.Mode)
	}
	if cfg.Database.Port != 3307 {
		t.Errorf("Port = %d, want 3307", cfg.Database.Port)
	}
	if !cfg.Redis.Enabled {
		t.Error("expected Redis enabled")
	}
	if cfg.Reconciler.ScanInterval != 5*time.Second {
		t.Errorf("ScanInterval = %v, want 5s", cfg.Reconciler.ScanInterval)
	}
	// Unset fields keep their defaults.
	if cfg.Reconciler.HoldSweepInterval != 30*time.Second {
		t.Errorf("HoldSweepInterval = %v, want default 30s", cfg.Reconciler.HoldSweepInterval)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults ok", func(c *Config) {}, false},
		{"bad mode", func(c *Config) { c.Database.Mode = "postgres" }, true},
		{"sqlite no path", func(c *Config) { c.Database.Path = "" }, true},
		{"mysql no name", func(c *Config) { c.Database.Mode = "mysql"; c.Database.Name = "" }, true},
		{"zero window", func(c *Config) { c.Reconciler.ScanWindow = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
