package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const ruleColumns = `id, domain, rule_type, match_field, pattern, priority, action, enabled, note, created_at, updated_at`

func scanAddressRule(row interface{ Scan(...any) error }) (AddressRule, error) {
	var r AddressRule
	var enabled int
	if err := row.Scan(&r.ID, &r.Domain, &r.RuleType, &r.MatchField, &r.Pattern,
		&r.Priority, &r.Action, &enabled, &r.Note, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return AddressRule{}, err
	}
	r.Enabled = enabled != 0
	return r, nil
}

// ListEnabledRules returns the enabled rules for a domain in evaluation
// order: priority ascending, ties broken by id ascending.
func (d *Database) ListEnabledRules(ctx context.Context, domain string) ([]AddressRule, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM address_rule
		WHERE domain = ? AND enabled = 1
		ORDER BY priority ASC, id ASC
	`, strings.ToLower(domain))
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled rules for %s: %w", domain, err)
	}
	defer rows.Close()
	return collectRules(rows)
}

// ListRules returns every rule, optionally filtered by domain, in evaluation
// order. Disabled rules are included; the admin surface needs them.
func (d *Database) ListRules(ctx context.Context, domain string) ([]AddressRule, error) {
	var rows *sql.Rows
	var err error
	if domain == "" {
		rows, err = d.db.QueryContext(ctx,
			`SELECT `+ruleColumns+` FROM address_rule ORDER BY domain, priority ASC, id ASC`)
	} else {
		rows, err = d.db.QueryContext(ctx,
			`SELECT `+ruleColumns+` FROM address_rule WHERE domain = ? ORDER BY priority ASC, id ASC`,
			strings.ToLower(domain))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

func collectRules(rows *sql.Rows) ([]AddressRule, error) {
	var rules []AddressRule
	for rows.Next() {
		r, err := scanAddressRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan address rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// GetRule returns a rule by id, or sql.ErrNoRows.
func (d *Database) GetRule(ctx context.Context, id int64) (AddressRule, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM address_rule WHERE id = ?`, id)
	r, err := scanAddressRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AddressRule{}, err
		}
		return AddressRule{}, fmt.Errorf("failed to load rule %d: %w", id, err)
	}
	return r, nil
}

// InsertRule creates a new address rule and returns it with its id.
func (d *Database) InsertRule(ctx context.Context, r AddressRule) (AddressRule, error) {
	now := time.Now().UTC()
	enabled := 0
	if r.Enabled {
		enabled = 1
	}
	row := d.db.QueryRowContext(ctx, `
		INSERT INTO address_rule (domain, rule_type, match_field, pattern, priority, action, enabled, note, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING `+ruleColumns,
		strings.ToLower(r.Domain), r.RuleType, r.MatchField, r.Pattern,
		r.Priority, r.Action, enabled, r.Note, now, now)
	inserted, err := scanAddressRule(row)
	if err != nil {
		return AddressRule{}, fmt.Errorf("failed to insert address rule: %w", err)
	}
	return inserted, nil
}

// UpdateRule overwrites an existing rule.
func (d *Database) UpdateRule(ctx context.Context, r AddressRule) (AddressRule, error) {
	enabled := 0
	if r.Enabled {
		enabled = 1
	}
	row := d.db.QueryRowContext(ctx, `
		UPDATE address_rule
		SET domain = ?, rule_type = ?, match_field = ?, pattern = ?, priority = ?,
		    action = ?, enabled = ?, note = ?, updated_at = ?
		WHERE id = ?
		RETURNING `+ruleColumns,
		strings.ToLower(r.Domain), r.RuleType, r.MatchField, r.Pattern, r.Priority,
		r.Action, enabled, r.Note, time.Now().UTC(), r.ID)
	updated, err := scanAddressRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AddressRule{}, sql.ErrNoRows
		}
		return AddressRule{}, fmt.Errorf("failed to update rule %d: %w", r.ID, err)
	}
	return updated, nil
}

// DeleteRule removes a rule by id.
func (d *Database) DeleteRule(ctx context.Context, id int64) (bool, error) {
	result, err := d.db.ExecContext(ctx, `DELETE FROM address_rule WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete rule %d: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
