package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Storage.DataDir != "/var/lib/quail" {
		t.Errorf("Expected default data dir /var/lib/quail, got %s", cfg.Storage.DataDir)
	}
	if cfg.Storage.EmlDir != "/var/lib/quail/eml" {
		t.Errorf("Expected eml dir under data dir, got %s", cfg.Storage.EmlDir)
	}
	if cfg.Storage.DatabasePath != "/var/lib/quail/quail.db" {
		t.Errorf("Expected database under data dir, got %s", cfg.Storage.DatabasePath)
	}

	if got := cfg.Ingest.MaxMessageSizeBytes(); got != 10*1024*1024 {
		t.Errorf("Expected default max message size 10MB, got %d", got)
	}
	if got := cfg.LMTP.GetAddr(); got != "127.0.0.1:2424" {
		t.Errorf("Expected default LMTP addr, got %s", got)
	}
	if got := cfg.LMTP.GetMaxRecipients(); got != 50 {
		t.Errorf("Expected default max recipients 50, got %d", got)
	}
	if got := cfg.Purge.GetBatchSize(); got != 200 {
		t.Errorf("Expected default batch size 200, got %d", got)
	}
	if got := cfg.Purge.GetAuditRetention(); got != 30*24*time.Hour {
		t.Errorf("Expected default audit retention 30d, got %v", got)
	}
	if got := cfg.AdminAPI.GetAddr(); got != "127.0.0.1:8925" {
		t.Errorf("Expected default admin API addr, got %s", got)
	}

	interval, err := cfg.Purge.GetInterval()
	if err != nil {
		t.Fatalf("GetInterval failed: %v", err)
	}
	if interval != time.Hour {
		t.Errorf("Expected default interval 1h, got %v", interval)
	}
}

func TestPurgeIntervalFloor(t *testing.T) {
	cfg := PurgeConfig{Interval: "10s"}
	interval, err := cfg.GetInterval()
	if err != nil {
		t.Fatalf("GetInterval failed: %v", err)
	}
	if interval != time.Minute {
		t.Errorf("Expected interval raised to 1m floor, got %v", interval)
	}

	cfg = PurgeConfig{Interval: "not a duration"}
	if _, err := cfg.GetInterval(); err == nil {
		t.Error("Expected error for invalid interval")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[storage]
data_dir = "/srv/quail"

[lmtp]
enabled = true
addr = "0.0.0.0:24"

[purge]
enabled = true
interval = "30m"
batch_size = 500

[admin_api]
enabled = true
api_key = "secret"
allowed_hosts = ["127.0.0.1", "10.0.0.0/8"]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.EmlDir != "/srv/quail/eml" {
		t.Errorf("Expected eml dir derived from data dir, got %s", cfg.Storage.EmlDir)
	}
	if cfg.LMTP.GetAddr() != "0.0.0.0:24" {
		t.Errorf("Expected configured LMTP addr, got %s", cfg.LMTP.GetAddr())
	}
	if cfg.Purge.GetBatchSize() != 500 {
		t.Errorf("Expected batch size 500, got %d", cfg.Purge.GetBatchSize())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}

	interval, err := cfg.Purge.GetInterval()
	if err != nil || interval != 30*time.Minute {
		t.Errorf("Expected 30m interval, got %v (%v)", interval, err)
	}
}

func TestValidateRequiresAPIKey(t *testing.T) {
	cfg := &Config{}
	cfg.AdminAPI.Enabled = true
	cfg.applyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error when admin API is enabled without api_key")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/quail.toml")
	if err != nil {
		t.Fatalf("Load of missing file should not fail: %v", err)
	}
	if cfg.Storage.DataDir != "/var/lib/quail" {
		t.Errorf("Expected defaults for missing file, got %s", cfg.Storage.DataDir)
	}
}
