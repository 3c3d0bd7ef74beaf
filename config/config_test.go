package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultMemberBudget != 100 {
		t.Fatalf("unexpected default budget: %d", cfg.DefaultMemberBudget)
	}
	if cfg.HeartbeatMinSeconds != 30 || cfg.HeartbeatMaxSeconds != 3600 {
		t.Fatalf("unexpected heartbeat bounds: %d/%d", cfg.HeartbeatMinSeconds, cfg.HeartbeatMaxSeconds)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `DataDir = "/var/lib/hardbound"
DefaultMemberBudget = 250
HeartbeatMinSeconds = 10
HeartbeatMaxSeconds = 600

[Telemetry]
Endpoint = "collector:4318"
Traces = true
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultMemberBudget != 250 {
		t.Fatalf("budget not loaded: %d", cfg.DefaultMemberBudget)
	}
	if !cfg.Telemetry.Traces || cfg.Telemetry.Endpoint != "collector:4318" {
		t.Fatalf("telemetry not loaded: %+v", cfg.Telemetry)
	}
	if got := cfg.LedgerDSN(); got != filepath.Join("/var/lib/hardbound", "governance.db") {
		t.Fatalf("unexpected DSN: %s", got)
	}
}

func TestValidateRejectsBadBounds(t *testing.T) {
	cfg := Default()
	cfg.HeartbeatMaxSeconds = 1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}
