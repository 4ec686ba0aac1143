package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// LogAdminAction appends an entry to the admin audit log. The log is
// append-only apart from retention pruning.
func (d *Database) LogAdminAction(ctx context.Context, a AdminAction) error {
	performedAt := a.PerformedAt
	if performedAt.IsZero() {
		performedAt = time.Now().UTC()
	}
	var before, after sql.NullString
	if a.BeforeState != nil {
		before = sql.NullString{String: *a.BeforeState, Valid: true}
	}
	if a.AfterState != nil {
		after = sql.NullString{String: *a.AfterState, Valid: true}
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO admin_actions (action, actor, entity, before_state, after_state, source_ip, performed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.Action, a.Actor, a.Entity, before, after, a.SourceIP, performedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to log admin action %s: %w", a.Action, err)
	}
	return nil
}

// ListAdminActions returns the most recent audit entries, newest first.
func (d *Database) ListAdminActions(ctx context.Context, limit int) ([]AdminAction, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, action, actor, entity, before_state, after_state, source_ip, performed_at
		FROM admin_actions ORDER BY performed_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list admin actions: %w", err)
	}
	defer rows.Close()

	var actions []AdminAction
	for rows.Next() {
		var a AdminAction
		var before, after sql.NullString
		if err := rows.Scan(&a.ID, &a.Action, &a.Actor, &a.Entity, &before, &after,
			&a.SourceIP, &a.PerformedAt); err != nil {
			return nil, fmt.Errorf("failed to scan admin action: %w", err)
		}
		if before.Valid {
			a.BeforeState = &before.String
		}
		if after.Valid {
			a.AfterState = &after.String
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}
