package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Aesdetic Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Engine    EngineConfig    `yaml:"engine"`
	Push      PushConfig      `yaml:"push"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"` // seconds
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains settings for the consumer-facing WebSocket hub.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"` // bytes
	PingInterval   int `yaml:"ping_interval"`    // seconds
	PongTimeout    int `yaml:"pong_timeout"`     // seconds
}

// EngineConfig contains the reconciliation engine tuning knobs.
//
// The brightness jitter threshold and the rename protection window are
// empirically tuned values, not derived from other invariants. Change them
// here rather than in code.
type EngineConfig struct {
	// ProtectionWindowMS is how long after a user interaction passive
	// updates for that device are suppressed (milliseconds).
	ProtectionWindowMS int `yaml:"protection_window_ms"`

	// RenameWindowMS is the protection window for pending renames. A rename
	// confirmation round-trip is slower than a power/colour round-trip, so
	// this is longer than ProtectionWindowMS (milliseconds).
	RenameWindowMS int `yaml:"rename_window_ms"`

	// BrightnessJitter is the minimum brightness delta (0-255 scale) an
	// incoming update must carry to be considered significant. Devices smooth
	// their own output and report rounding jitter below this.
	BrightnessJitter int `yaml:"brightness_jitter"`

	// BatchWindowMS is the update coalescer flush interval (milliseconds).
	BatchWindowMS int `yaml:"batch_window_ms"`

	// CommandTimeoutMS bounds the optimistic-then-confirm lifecycle of a
	// single command (milliseconds).
	CommandTimeoutMS int `yaml:"command_timeout_ms"`

	// RefreshDebounceMS is the window within which repeated bulk refresh
	// requests are treated as one (milliseconds).
	RefreshDebounceMS int `yaml:"refresh_debounce_ms"`

	// RefreshFanout bounds the number of concurrent in-flight device polls
	// during a bulk refresh.
	RefreshFanout int `yaml:"refresh_fanout"`

	// HealthIntervalS is the liveness poll cadence (seconds).
	HealthIntervalS int `yaml:"health_interval_s"`

	// OfflineAfterS is how long without confirmed contact before a device is
	// marked offline (seconds).
	OfflineAfterS int `yaml:"offline_after_s"`
}

// Duration accessors. YAML carries plain integers with units in the field
// name; the rest of the codebase works in time.Duration.

func (c EngineConfig) ProtectionWindow() time.Duration {
	return time.Duration(c.ProtectionWindowMS) * time.Millisecond
}

func (c EngineConfig) RenameWindow() time.Duration {
	return time.Duration(c.RenameWindowMS) * time.Millisecond
}

func (c EngineConfig) BatchWindow() time.Duration {
	return time.Duration(c.BatchWindowMS) * time.Millisecond
}

func (c EngineConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMS) * time.Millisecond
}

func (c EngineConfig) RefreshDebounce() time.Duration {
	return time.Duration(c.RefreshDebounceMS) * time.Millisecond
}

func (c EngineConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalS) * time.Second
}

func (c EngineConfig) OfflineAfter() time.Duration {
	return time.Duration(c.OfflineAfterS) * time.Second
}

// PushConfig contains WLED WebSocket push transport settings.
type PushConfig struct {
	// MaxSockets bounds concurrent device sockets. WLED firmware itself only
	// accepts a small number of WebSocket clients per device; on our side the
	// bound protects the radio/battery budget of the host.
	MaxSockets int `yaml:"max_sockets"`

	HandshakeTimeoutMS int `yaml:"handshake_timeout_ms"`
	PingIntervalS      int `yaml:"ping_interval_s"`
	PongTimeoutS       int `yaml:"pong_timeout_s"`

	// Reconnect backoff bounds (milliseconds).
	ReconnectInitialMS int `yaml:"reconnect_initial_ms"`
	ReconnectMaxMS     int `yaml:"reconnect_max_ms"`
}

func (c PushConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMS) * time.Millisecond
}

func (c PushConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalS) * time.Second
}

func (c PushConfig) PongTimeout() time.Duration {
	return time.Duration(c.PongTimeoutS) * time.Second
}

func (c PushConfig) ReconnectInitial() time.Duration {
	return time.Duration(c.ReconnectInitialMS) * time.Millisecond
}

func (c PushConfig) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxMS) * time.Millisecond
}

// DiscoveryConfig contains mDNS discovery settings.
type DiscoveryConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Service   string `yaml:"service"`    // mDNS service type, default _wled._tcp
	IntervalS int    `yaml:"interval_s"` // re-scan cadence (seconds)
	TimeoutS  int    `yaml:"timeout_s"`  // per-scan browse timeout (seconds)
}

func (c DiscoveryConfig) Interval() time.Duration {
	return time.Duration(c.IntervalS) * time.Second
}

func (c DiscoveryConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutS) * time.Second
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: AESDETIC_SECTION_KEY
// For example: AESDETIC_DATABASE_PATH, AESDETIC_API_PORT
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration without reading any file.
// Used by tests and by the daemon when no config file is present.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "./data/aesdetic.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8420,
			Timeouts: APITimeoutConfig{
				Read:  15,
				Write: 15,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 64 * 1024,
			PingInterval:   30,
			PongTimeout:    60,
		},
		Engine: EngineConfig{
			ProtectionWindowMS: 3000,
			RenameWindowMS:     10000,
			BrightnessJitter:   5,
			BatchWindowMS:      150,
			CommandTimeoutMS:   5000,
			RefreshDebounceMS:  3000,
			RefreshFanout:      4,
			HealthIntervalS:    30,
			OfflineAfterS:      60,
		},
		Push: PushConfig{
			MaxSockets:         8,
			HandshakeTimeoutMS: 3000,
			PingIntervalS:      20,
			PongTimeoutS:       45,
			ReconnectInitialMS: 500,
			ReconnectMaxMS:     30000,
		},
		Discovery: DiscoveryConfig{
			Enabled:   true,
			Service:   "_wled._tcp",
			IntervalS: 60,
			TimeoutS:  5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Only the operationally useful knobs are overridable; engine tuning stays in YAML.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AESDETIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("AESDETIC_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("AESDETIC_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
	if v := os.Getenv("AESDETIC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AESDETIC_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// Validate checks the configuration for invalid or inconsistent values.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be between 1 and 65535, got %d", c.API.Port)
	}
	if c.Engine.ProtectionWindowMS <= 0 {
		return fmt.Errorf("engine.protection_window_ms must be positive")
	}
	if c.Engine.RenameWindowMS < c.Engine.ProtectionWindowMS {
		return fmt.Errorf("engine.rename_window_ms must be at least engine.protection_window_ms")
	}
	if c.Engine.BrightnessJitter < 0 || c.Engine.BrightnessJitter > 255 {
		return fmt.Errorf("engine.brightness_jitter must be between 0 and 255")
	}
	if c.Engine.BatchWindowMS <= 0 {
		return fmt.Errorf("engine.batch_window_ms must be positive")
	}
	if c.Engine.CommandTimeoutMS <= 0 {
		return fmt.Errorf("engine.command_timeout_ms must be positive")
	}
	if c.Engine.RefreshFanout < 1 {
		return fmt.Errorf("engine.refresh_fanout must be at least 1")
	}
	if c.Engine.HealthIntervalS <= 0 {
		return fmt.Errorf("engine.health_interval_s must be positive")
	}
	if c.Engine.OfflineAfterS < c.Engine.HealthIntervalS {
		return fmt.Errorf("engine.offline_after_s must be at least engine.health_interval_s")
	}
	if c.Push.MaxSockets < 1 {
		return fmt.Errorf("push.max_sockets must be at least 1")
	}
	if c.Push.ReconnectInitialMS <= 0 || c.Push.ReconnectMaxMS < c.Push.ReconnectInitialMS {
		return fmt.Errorf("push.reconnect bounds are inconsistent")
	}
	if c.Discovery.Enabled && c.Discovery.Service == "" {
		return fmt.Errorf("discovery.service is required when discovery is enabled")
	}
	return nil
}
