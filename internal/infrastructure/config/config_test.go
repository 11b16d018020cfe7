package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfigFile(t, "{}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Engine.ProtectionWindow() != 3*time.Second {
		t.Errorf("default protection window = %v, want 3s", cfg.Engine.ProtectionWindow())
	}
	if cfg.Engine.BrightnessJitter != 5 {
		t.Errorf("default brightness jitter = %d, want 5", cfg.Engine.BrightnessJitter)
	}
	if cfg.Engine.RefreshFanout != 4 {
		t.Errorf("default refresh fanout = %d, want 4", cfg.Engine.RefreshFanout)
	}
	if cfg.Engine.BatchWindow() != 150*time.Millisecond {
		t.Errorf("default batch window = %v, want 150ms", cfg.Engine.BatchWindow())
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
engine:
  protection_window_ms: 1500
  rename_window_ms: 8000
  brightness_jitter: 10
database:
  path: /tmp/test.db
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Engine.ProtectionWindow() != 1500*time.Millisecond {
		t.Errorf("protection window = %v, want 1.5s", cfg.Engine.ProtectionWindow())
	}
	if cfg.Engine.BrightnessJitter != 10 {
		t.Errorf("brightness jitter = %d, want 10", cfg.Engine.BrightnessJitter)
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("database path = %q, want /tmp/test.db", cfg.Database.Path)
	}
	// Untouched sections keep defaults.
	if cfg.API.Port != 8420 {
		t.Errorf("api port = %d, want default 8420", cfg.API.Port)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfigFile(t, "database:\n  path: /tmp/from-file.db\n")
	t.Setenv("AESDETIC_DATABASE_PATH", "/tmp/from-env.db")
	t.Setenv("AESDETIC_API_PORT", "9000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Database.Path != "/tmp/from-env.db" {
		t.Errorf("database path = %q, want env override", cfg.Database.Path)
	}
	if cfg.API.Port != 9000 {
		t.Errorf("api port = %d, want 9000", cfg.API.Port)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty database path", func(c *Config) { c.Database.Path = "" }},
		{"port out of range", func(c *Config) { c.API.Port = 70000 }},
		{"zero protection window", func(c *Config) { c.Engine.ProtectionWindowMS = 0 }},
		{"rename window shorter than protection", func(c *Config) { c.Engine.RenameWindowMS = 1 }},
		{"jitter out of range", func(c *Config) { c.Engine.BrightnessJitter = 300 }},
		{"zero batch window", func(c *Config) { c.Engine.BatchWindowMS = 0 }},
		{"zero fanout", func(c *Config) { c.Engine.RefreshFanout = 0 }},
		{"offline before health interval", func(c *Config) { c.Engine.OfflineAfterS = 1 }},
		{"zero push sockets", func(c *Config) { c.Push.MaxSockets = 0 }},
		{"inverted reconnect bounds", func(c *Config) { c.Push.ReconnectMaxMS = 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() accepted invalid config")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("Load() succeeded for missing file")
	}
}
