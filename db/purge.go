package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// PurgeCandidate is one message row eligible (by the first-pass cutoff) for
// deletion, together with everything the purge engine needs to remove its
// on-disk artifacts and emit an audit event.
type PurgeCandidate struct {
	ID              int64
	ReceivedAt      time.Time
	EnvelopeRcpt    string
	EmlPath         string
	Quarantined     bool
	AttachmentPaths []string
}

// Cursor returns the keyset cursor positioned at this candidate.
func (c PurgeCandidate) Cursor() MessageCursor {
	return MessageCursor{ReceivedAt: c.ReceivedAt, ID: c.ID}
}

func (d *Database) listPurgeCandidates(ctx context.Context, predicate string, cutoff time.Time, cursor *MessageCursor, limit int) ([]PurgeCandidate, error) {
	query := `
		SELECT id, received_at, envelope_rcpt, eml_path, quarantined
		FROM messages
		WHERE ` + predicate + ` AND received_at < ?`
	args := []any{cutoff.UTC()}
	if cursor != nil {
		query += ` AND (received_at > ? OR (received_at = ? AND id > ?))`
		args = append(args, cursor.ReceivedAt.UTC(), cursor.ReceivedAt.UTC(), cursor.ID)
	}
	query += ` ORDER BY received_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list purge candidates: %w", err)
	}
	defer rows.Close()

	var candidates []PurgeCandidate
	for rows.Next() {
		var c PurgeCandidate
		var quarantined int
		if err := rows.Scan(&c.ID, &c.ReceivedAt, &c.EnvelopeRcpt, &c.EmlPath, &quarantined); err != nil {
			return nil, fmt.Errorf("failed to scan purge candidate: %w", err)
		}
		c.Quarantined = quarantined != 0
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range candidates {
		attachments, err := d.GetAttachments(ctx, candidates[i].ID)
		if err != nil {
			return nil, err
		}
		for _, a := range attachments {
			candidates[i].AttachmentPaths = append(candidates[i].AttachmentPaths, a.StoredPath)
		}
	}
	return candidates, nil
}

// ListExpiredInboxMessages pages through inbox rows past the inbox retention
// cutoff using a keyset cursor, so deletions within a batch cannot skip or
// repeat rows in the next page.
func (d *Database) ListExpiredInboxMessages(ctx context.Context, cutoff time.Time, cursor *MessageCursor, limit int) ([]PurgeCandidate, error) {
	return d.listPurgeCandidates(ctx, `status = 'INBOX' AND quarantined = 0`, cutoff, cursor, limit)
}

// ListExpiredQuarantineMessages pages through quarantined rows past the
// first-pass cutoff (the minimum retention across the global default and all
// per-domain overrides). Each candidate's actual cutoff is evaluated by the
// caller.
func (d *Database) ListExpiredQuarantineMessages(ctx context.Context, cutoff time.Time, cursor *MessageCursor, limit int) ([]PurgeCandidate, error) {
	return d.listPurgeCandidates(ctx, `(status != 'INBOX' OR quarantined = 1)`, cutoff, cursor, limit)
}

type purgeAuditEvent struct {
	MessageID    int64  `json:"message_id"`
	EnvelopeRcpt string `json:"envelope_rcpt"`
	Quarantined  bool   `json:"quarantined"`
}

// DeleteMessagesWithAudit deletes the given message rows (attachment rows
// cascade) and records one audit event per row, all in a single transaction.
// The caller removes on-disk files before this runs; the rows go away even
// when those file deletes failed so storage cannot leak indefinitely.
func (d *Database) DeleteMessagesWithAudit(ctx context.Context, candidates []PurgeCandidate) (int64, error) {
	if len(candidates) == 0 {
		return 0, nil
	}
	tx, err := d.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin purge batch transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var deleted int64
	for _, c := range candidates {
		event := purgeAuditEvent{MessageID: c.ID, EnvelopeRcpt: c.EnvelopeRcpt, Quarantined: c.Quarantined}
		eventJSON, err := json.Marshal(event)
		if err != nil {
			return 0, fmt.Errorf("failed to serialize purge audit event: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO admin_actions (action, actor, entity, before_state, performed_at)
			VALUES ('message_purged', 'purge', ?, ?, ?)`,
			fmt.Sprintf("message:%d", c.ID), string(eventJSON), now); err != nil {
			return 0, fmt.Errorf("failed to record purge audit event for message %d: %w", c.ID, err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, c.ID)
		if err != nil {
			return 0, fmt.Errorf("failed to delete message %d: %w", c.ID, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, err
		}
		deleted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit purge batch: %w", err)
	}
	return deleted, nil
}

// PruneAdminActions deletes audit entries older than the cutoff in one
// bounded statement.
func (d *Database) PruneAdminActions(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := d.db.ExecContext(ctx,
		`DELETE FROM admin_actions WHERE performed_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune admin actions: %w", err)
	}
	return result.RowsAffected()
}
