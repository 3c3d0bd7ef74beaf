package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestSetupRemapsKeysAndRotatesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	logger := Setup("governance", "test", Options{FilePath: path, MaxSizeMB: 1})
	if logger == nil {
		t.Fatalf("expected a logger")
	}
	logger.Info("chain sealed", "team", "web4:team:abc")

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file should exist: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(raw[:len(raw)-1], &line); err != nil {
		t.Fatalf("log line should be JSON: %v (%s)", err, raw)
	}
	if line["message"] != "chain sealed" {
		t.Fatalf("message key should be remapped: %v", line)
	}
	if line["severity"] != "INFO" {
		t.Fatalf("severity key should be remapped: %v", line)
	}
	if line["component"] != "governance" || line["env"] != "test" {
		t.Fatalf("component attrs missing: %v", line)
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("timestamp key should be remapped: %v", line)
	}
}
