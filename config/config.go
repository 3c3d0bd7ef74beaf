package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the runtime configuration for the governance engine. Values come
// from a TOML file; zero fields fall back to the documented defaults.
type Config struct {
	DataDir string `toml:"DataDir"`

	// Ledger
	LedgerPath string `toml:"LedgerPath"`

	// Heartbeat bounds
	HeartbeatMinSeconds int `toml:"HeartbeatMinSeconds"`
	HeartbeatMaxSeconds int `toml:"HeartbeatMaxSeconds"`

	// ATP defaults
	DefaultMemberBudget int     `toml:"DefaultMemberBudget"`
	TeamReserves        float64 `toml:"TeamReserves"`

	// Trust thresholds
	ActionTrustThreshold float64 `toml:"ActionTrustThreshold"`
	AdminTrustThreshold  float64 `toml:"AdminTrustThreshold"`

	// Telemetry
	Telemetry TelemetryConfig `toml:"Telemetry"`

	// Logging
	LogFile string `toml:"LogFile"`
	LogEnv  string `toml:"LogEnv"`
}

// TelemetryConfig carries the exporter fields of observability/otel.Config
// (Endpoint, Insecure, Traces, Metrics); it has no service name or environment.
type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Traces   bool   `toml:"Traces"`
	Metrics  bool   `toml:"Metrics"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		DataDir:              ".hardbound",
		HeartbeatMinSeconds:  30,
		HeartbeatMaxSeconds:  3600,
		DefaultMemberBudget:  100,
		TeamReserves:         1000,
		ActionTrustThreshold: 0.5,
		AdminTrustThreshold:  0.8,
	}
}

// Load reads the configuration from the given path. A missing file yields the
// defaults rather than an error so fresh checkouts work without setup.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run under.
func (c *Config) Validate() error {
	if c.HeartbeatMinSeconds <= 0 || c.HeartbeatMaxSeconds < c.HeartbeatMinSeconds {
		return fmt.Errorf("invalid heartbeat bounds: min=%d max=%d", c.HeartbeatMinSeconds, c.HeartbeatMaxSeconds)
	}
	if c.DefaultMemberBudget < 0 {
		return fmt.Errorf("default member budget must not be negative")
	}
	if c.ActionTrustThreshold < 0 || c.ActionTrustThreshold > 1 {
		return fmt.Errorf("action trust threshold out of range: %v", c.ActionTrustThreshold)
	}
	if c.AdminTrustThreshold < 0 || c.AdminTrustThreshold > 1 {
		return fmt.Errorf("admin trust threshold out of range: %v", c.AdminTrustThreshold)
	}
	return nil
}

// LedgerDSN resolves the sqlite DSN for the shared governance database.
func (c *Config) LedgerDSN() string {
	if c.LedgerPath != "" {
		return c.LedgerPath
	}
	return filepath.Join(c.DataDir, "governance.db")
}
