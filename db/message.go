package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const messageColumns = `id, received_at, envelope_rcpt, from_addr, subject, date, message_id,
	size_bytes, eml_path, quarantined, status, quarantine_reason, ingest_decision_meta`

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var m Message
	var quarantined int
	var status string
	var reason, meta sql.NullString
	if err := row.Scan(&m.ID, &m.ReceivedAt, &m.EnvelopeRcpt, &m.FromAddr, &m.Subject,
		&m.Date, &m.MessageID, &m.SizeBytes, &m.EmlPath, &quarantined, &status,
		&reason, &meta); err != nil {
		return Message{}, err
	}
	m.Quarantined = quarantined != 0
	m.Status = Status(status)
	if reason.Valid {
		m.QuarantineReason = &reason.String
	}
	if meta.Valid {
		m.DecisionMetaJSON = &meta.String
	}
	return m, nil
}

// InsertMessage stores a message row and its attachment rows as one
// transaction. The decision metadata is serialized to JSON here, at the
// storage boundary. Returns the stored message id.
func (d *Database) InsertMessage(ctx context.Context, m Message, meta DecisionMeta, attachments []Attachment) (int64, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize decision metadata: %w", err)
	}

	tx, err := d.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin message insert transaction: %w", err)
	}
	defer tx.Rollback()

	quarantined := 0
	if m.Quarantined {
		quarantined = 1
	}
	var reason sql.NullString
	if m.QuarantineReason != nil {
		reason = sql.NullString{String: *m.QuarantineReason, Valid: true}
	}

	var messageID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (received_at, envelope_rcpt, from_addr, subject, date, message_id,
			size_bytes, eml_path, quarantined, status, quarantine_reason, ingest_decision_meta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		m.ReceivedAt.UTC(), m.EnvelopeRcpt, m.FromAddr, m.Subject, m.Date, m.MessageID,
		m.SizeBytes, m.EmlPath, quarantined, string(m.Status), reason, string(metaJSON),
	).Scan(&messageID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}

	for _, a := range attachments {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attachments (message_id, filename, stored_path, content_type, size_bytes)
			VALUES (?, ?, ?, ?, ?)`,
			messageID, a.Filename, a.StoredPath, a.ContentType, a.SizeBytes); err != nil {
			return 0, fmt.Errorf("failed to insert attachment %s: %w", a.Filename, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit message insert: %w", err)
	}
	return messageID, nil
}

// GetMessage returns a message by id, or sql.ErrNoRows.
func (d *Database) GetMessage(ctx context.Context, id int64) (Message, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("failed to load message %d: %w", id, err)
	}
	return m, nil
}

// GetAttachments returns the attachment rows for a message.
func (d *Database) GetAttachments(ctx context.Context, messageID int64) ([]Attachment, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, message_id, filename, stored_path, content_type, size_bytes
		FROM attachments WHERE message_id = ? ORDER BY id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments for message %d: %w", messageID, err)
	}
	defer rows.Close()

	var attachments []Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Filename, &a.StoredPath,
			&a.ContentType, &a.SizeBytes); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		attachments = append(attachments, a)
	}
	return attachments, rows.Err()
}

// MessageCursor is a keyset cursor over (received_at, id).
type MessageCursor struct {
	ReceivedAt time.Time
	ID         int64
}

// ListMessages returns up to limit messages in reverse arrival order,
// starting after the cursor when one is given. quarantinedOnly narrows the
// listing to held mail.
func (d *Database) ListMessages(ctx context.Context, quarantinedOnly bool, cursor *MessageCursor, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT ` + messageColumns + ` FROM messages`
	var args []any
	var conds []string
	if quarantinedOnly {
		conds = append(conds, `quarantined = 1`)
	}
	if cursor != nil {
		conds = append(conds, `(received_at < ? OR (received_at = ? AND id < ?))`)
		args = append(args, cursor.ReceivedAt.UTC(), cursor.ReceivedAt.UTC(), cursor.ID)
	}
	for i, c := range conds {
		if i == 0 {
			query += ` WHERE ` + c
		} else {
			query += ` AND ` + c
		}
	}
	query += ` ORDER BY received_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// RestoreMessage releases a quarantined message back to the inbox: status
// INBOX, quarantine flag and reason cleared. Returns false when the id does
// not exist.
func (d *Database) RestoreMessage(ctx context.Context, id int64) (bool, error) {
	result, err := d.db.ExecContext(ctx, `
		UPDATE messages
		SET status = ?, quarantined = 0, quarantine_reason = NULL
		WHERE id = ?`, string(StatusInbox), id)
	if err != nil {
		return false, fmt.Errorf("failed to restore message %d: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteMessage removes a message row (attachment rows cascade) and returns
// the on-disk paths the caller must unlink. The row is gone even if the
// subsequent file deletes fail; storage reconciliation favors the database.
func (d *Database) DeleteMessage(ctx context.Context, id int64) (emlPath string, attachmentPaths []string, err error) {
	m, err := d.GetMessage(ctx, id)
	if err != nil {
		return "", nil, err
	}
	attachments, err := d.GetAttachments(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if _, err := d.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return "", nil, fmt.Errorf("failed to delete message %d: %w", id, err)
	}
	paths := make([]string, 0, len(attachments))
	for _, a := range attachments {
		paths = append(paths, a.StoredPath)
	}
	return m.EmlPath, paths, nil
}
