package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const policyColumns = `id, domain, mode, default_action, quarantine_retention_days, created_at, updated_at`

func scanDomainPolicy(row interface{ Scan(...any) error }) (DomainPolicy, error) {
	var p DomainPolicy
	var mode, action string
	var retention sql.NullInt64
	if err := row.Scan(&p.ID, &p.Domain, &mode, &action, &retention, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return DomainPolicy{}, err
	}
	p.Mode = DomainMode(mode)
	p.DefaultAction = Status(action)
	if retention.Valid {
		days := int(retention.Int64)
		p.QuarantineRetentionDays = &days
	}
	return p, nil
}

// GetDomainPolicy returns the policy for a domain, or sql.ErrNoRows.
func (d *Database) GetDomainPolicy(ctx context.Context, domain string) (DomainPolicy, error) {
	domain = strings.ToLower(domain)
	row := d.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM domain_policy WHERE domain = ?`, domain)
	p, err := scanDomainPolicy(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DomainPolicy{}, err
		}
		return DomainPolicy{}, fmt.Errorf("failed to load domain policy for %s: %w", domain, err)
	}
	return p, nil
}

// GetOrCreateDomainPolicy returns the policy for a domain, lazily creating
// an OPEN/INBOX default row when none exists yet. This is the only write the
// classification path performs against the policy store.
func (d *Database) GetOrCreateDomainPolicy(ctx context.Context, domain string) (DomainPolicy, error) {
	domain = strings.ToLower(domain)
	now := time.Now().UTC()
	// The upsert keeps concurrent first-classifications of the same domain
	// from racing; RETURNING hands back whichever row won.
	row := d.db.QueryRowContext(ctx, `
		INSERT INTO domain_policy (domain, mode, default_action, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET domain = excluded.domain
		RETURNING `+policyColumns,
		domain, string(DefaultDomainMode), string(DefaultDomainAction), now, now)
	p, err := scanDomainPolicy(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Upsert returning no row indicates a store-level inconsistency.
			return DomainPolicy{}, fmt.Errorf("domain policy upsert for %s returned no row", domain)
		}
		return DomainPolicy{}, fmt.Errorf("failed to get or create domain policy for %s: %w", domain, err)
	}
	return p, nil
}

// UpdateDomainPolicy overwrites mode, default action and retention override
// for an existing policy row.
func (d *Database) UpdateDomainPolicy(ctx context.Context, domain string, mode DomainMode, defaultAction Status, quarantineRetentionDays *int) (DomainPolicy, error) {
	domain = strings.ToLower(domain)
	var retention sql.NullInt64
	if quarantineRetentionDays != nil {
		retention = sql.NullInt64{Int64: int64(*quarantineRetentionDays), Valid: true}
	}
	row := d.db.QueryRowContext(ctx, `
		UPDATE domain_policy
		SET mode = ?, default_action = ?, quarantine_retention_days = ?, updated_at = ?
		WHERE domain = ?
		RETURNING `+policyColumns,
		string(mode), string(defaultAction), retention, time.Now().UTC(), domain)
	p, err := scanDomainPolicy(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DomainPolicy{}, sql.ErrNoRows
		}
		return DomainPolicy{}, fmt.Errorf("failed to update domain policy for %s: %w", domain, err)
	}
	return p, nil
}

// DeleteDomainPolicy removes a policy row. The engines never call this; it
// exists for the admin surface only.
func (d *Database) DeleteDomainPolicy(ctx context.Context, domain string) (bool, error) {
	result, err := d.db.ExecContext(ctx,
		`DELETE FROM domain_policy WHERE domain = ?`, strings.ToLower(domain))
	if err != nil {
		return false, fmt.Errorf("failed to delete domain policy for %s: %w", domain, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListDomainPolicies returns all policies ordered by domain.
func (d *Database) ListDomainPolicies(ctx context.Context) ([]DomainPolicy, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+policyColumns+` FROM domain_policy ORDER BY domain`)
	if err != nil {
		return nil, fmt.Errorf("failed to list domain policies: %w", err)
	}
	defer rows.Close()

	var policies []DomainPolicy
	for rows.Next() {
		p, err := scanDomainPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan domain policy: %w", err)
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// QuarantineRetentionOverrides returns the per-domain quarantine retention
// overrides (positive day counts only), keyed by lowercased domain.
func (d *Database) QuarantineRetentionOverrides(ctx context.Context) (map[string]int, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT domain, quarantine_retention_days
		FROM domain_policy
		WHERE quarantine_retention_days IS NOT NULL AND quarantine_retention_days > 0
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load quarantine retention overrides: %w", err)
	}
	defer rows.Close()

	overrides := make(map[string]int)
	for rows.Next() {
		var domain string
		var days int
		if err := rows.Scan(&domain, &days); err != nil {
			return nil, fmt.Errorf("failed to scan retention override: %w", err)
		}
		overrides[strings.ToLower(domain)] = days
	}
	return overrides, rows.Err()
}
