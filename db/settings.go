package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/migadu/quail/logger"
)

// Settings keys. All retention/MIME settings self-heal: a read seeds the
// default back into the store when the value is absent or invalid.
const (
	SettingRetentionDays           = "retention_days"
	SettingQuarantineRetentionDays = "quarantine_retention_days"
	SettingAllowedMIMETypes        = "allowed_attachment_mime_types"
	SettingAdminPinHash            = "admin_pin_hash"
)

const (
	DefaultInboxRetentionDays      = 30
	DefaultQuarantineRetentionDays = 3
	DefaultAllowedMIMETypes        = "application/pdf"
)

// GetSetting returns the value for key, or "" with no error when the key is
// absent.
func (d *Database) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting upserts a settings key.
func (d *Database) SetSetting(ctx context.Context, key, value string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

// retentionDays reads a positive integer day count under key, seeding and
// returning def when the stored value is absent or unusable.
func (d *Database) retentionDays(ctx context.Context, key string, def int) (int, error) {
	value, err := d.GetSetting(ctx, key)
	if err != nil {
		return 0, err
	}
	if value == "" {
		if err := d.SetSetting(ctx, key, strconv.Itoa(def)); err != nil {
			return 0, err
		}
		return def, nil
	}
	days, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || days <= 0 {
		logger.Warn("invalid retention setting, using default", "key", key, "value", value, "default", def)
		if err := d.SetSetting(ctx, key, strconv.Itoa(def)); err != nil {
			return 0, err
		}
		return def, nil
	}
	return days, nil
}

// GetInboxRetentionDays returns the global inbox retention in days.
func (d *Database) GetInboxRetentionDays(ctx context.Context) (int, error) {
	return d.retentionDays(ctx, SettingRetentionDays, DefaultInboxRetentionDays)
}

// GetQuarantineRetentionDays returns the global quarantine retention in days.
func (d *Database) GetQuarantineRetentionDays(ctx context.Context) (int, error) {
	return d.retentionDays(ctx, SettingQuarantineRetentionDays, DefaultQuarantineRetentionDays)
}

// GetAllowedMIMETypes returns the lowercase set of attachment MIME types that
// may be stored. The default set is seeded on first read.
func (d *Database) GetAllowedMIMETypes(ctx context.Context) (map[string]bool, error) {
	value, err := d.GetSetting(ctx, SettingAllowedMIMETypes)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(value) == "" {
		if err := d.SetSetting(ctx, SettingAllowedMIMETypes, DefaultAllowedMIMETypes); err != nil {
			return nil, err
		}
		value = DefaultAllowedMIMETypes
	}
	allowed := make(map[string]bool)
	for _, item := range strings.Split(value, ",") {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			allowed[item] = true
		}
	}
	return allowed, nil
}
