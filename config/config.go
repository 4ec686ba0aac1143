package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr", or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// StorageConfig holds the on-disk layout of the gateway.
type StorageConfig struct {
	DataDir       string `toml:"data_dir"`       // Base data directory (default: /var/lib/quail)
	EmlDir        string `toml:"eml_dir"`        // Raw message files (default: <data_dir>/eml)
	AttachmentDir string `toml:"attachment_dir"` // Attachment files (default: <data_dir>/att)
	DatabasePath  string `toml:"database_path"`  // SQLite database (default: <data_dir>/quail.db)
}

// IngestConfig holds limits applied before classification runs.
type IngestConfig struct {
	MaxMessageSizeMB int64 `toml:"max_message_size_mb"` // Messages larger than this are rejected pre-classification (default: 10)
}

// LMTPConfig holds the LMTP ingestion listener configuration.
type LMTPConfig struct {
	Enabled        bool   `toml:"enabled"`
	Addr           string `toml:"addr"`             // Listen address (default: 127.0.0.1:2424)
	Hostname       string `toml:"hostname"`         // Hostname announced in the LMTP banner
	MaxRecipients  int    `toml:"max_recipients"`   // Per-transaction recipient limit (default: 50)
	SessionTimeout string `toml:"session_timeout"`  // Read/write timeout (default: "5m")
}

// PurgeConfig holds the retention worker configuration.
type PurgeConfig struct {
	Enabled            bool   `toml:"enabled"`
	Interval           string `toml:"interval"`             // How often the purge runs (default: "1h", floor: "1m")
	BatchSize          int    `toml:"batch_size"`           // Rows per transaction (default: 200)
	AuditRetentionDays int    `toml:"audit_retention_days"` // admin_actions retention (default: 30)
}

// AdminAPIConfig holds the admin HTTP API configuration.
type AdminAPIConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`          // Listen address (default: 127.0.0.1:8925)
	APIKey       string   `toml:"api_key"`       // Bearer token, required when enabled
	AllowedHosts []string `toml:"allowed_hosts"` // Client IPs/CIDRs allowed to connect; empty allows all
}

// Config is the top-level quail configuration.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Storage  StorageConfig  `toml:"storage"`
	Ingest   IngestConfig   `toml:"ingest"`
	LMTP     LMTPConfig     `toml:"lmtp"`
	Purge    PurgeConfig    `toml:"purge"`
	AdminAPI AdminAPIConfig `toml:"admin_api"`
}

const defaultDataDir = "/var/lib/quail"

// Load reads a TOML configuration file. A missing file is not an error;
// defaults are applied either way.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = defaultDataDir
	}
	if c.Storage.EmlDir == "" {
		c.Storage.EmlDir = filepath.Join(c.Storage.DataDir, "eml")
	}
	if c.Storage.AttachmentDir == "" {
		c.Storage.AttachmentDir = filepath.Join(c.Storage.DataDir, "att")
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = filepath.Join(c.Storage.DataDir, "quail.db")
	}
}

// MaxMessageSizeBytes returns the ingest size limit in bytes.
func (i *IngestConfig) MaxMessageSizeBytes() int64 {
	mb := i.MaxMessageSizeMB
	if mb <= 0 {
		mb = 10
	}
	return mb * 1024 * 1024
}

// GetAddr returns the LMTP listen address.
func (l *LMTPConfig) GetAddr() string {
	if l.Addr == "" {
		return "127.0.0.1:2424"
	}
	return l.Addr
}

// GetMaxRecipients returns the per-transaction recipient limit.
func (l *LMTPConfig) GetMaxRecipients() int {
	if l.MaxRecipients <= 0 {
		return 50
	}
	return l.MaxRecipients
}

// GetSessionTimeout parses the LMTP session timeout.
func (l *LMTPConfig) GetSessionTimeout() (time.Duration, error) {
	if l.SessionTimeout == "" {
		return 5 * time.Minute, nil
	}
	return time.ParseDuration(l.SessionTimeout)
}

// GetInterval parses the purge interval. Intervals below one minute are
// raised to the floor with a warning.
func (p *PurgeConfig) GetInterval() (time.Duration, error) {
	if p.Interval == "" {
		return time.Hour, nil
	}
	d, err := time.ParseDuration(p.Interval)
	if err != nil {
		return 0, fmt.Errorf("invalid purge interval %q: %w", p.Interval, err)
	}
	const floor = time.Minute
	if d < floor {
		log.Printf("WARNING: purge interval %v is below the minimum %v; using the minimum", d, floor)
		d = floor
	}
	return d, nil
}

// GetBatchSize returns the purge batch size.
func (p *PurgeConfig) GetBatchSize() int {
	if p.BatchSize <= 0 {
		return 200
	}
	return p.BatchSize
}

// GetAuditRetention returns the admin_actions retention window.
func (p *PurgeConfig) GetAuditRetention() time.Duration {
	days := p.AuditRetentionDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

// GetAddr returns the admin API listen address.
func (a *AdminAPIConfig) GetAddr() string {
	if a.Addr == "" {
		return "127.0.0.1:8925"
	}
	return a.Addr
}

// Validate checks invariants that cannot be defaulted away.
func (c *Config) Validate() error {
	if c.AdminAPI.Enabled && c.AdminAPI.APIKey == "" {
		return fmt.Errorf("admin_api.api_key is required when the admin API is enabled")
	}
	return nil
}
