package adminapi

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message"
	"github.com/gorilla/mux"
	"github.com/k3a/html2text"
	"github.com/migadu/quail/db"
	"github.com/migadu/quail/helpers"
	"github.com/migadu/quail/logger"
)

const maxPreviewBytes = 4096

// MessageSummary is the JSON list shape of a message.
type MessageSummary struct {
	ID               int64   `json:"id"`
	ReceivedAt       string  `json:"received_at"`
	EnvelopeRcpt     string  `json:"envelope_rcpt"`
	FromAddr         string  `json:"from_addr"`
	Subject          string  `json:"subject"`
	SizeBytes        int64   `json:"size_bytes"`
	Quarantined      bool    `json:"quarantined"`
	Status           string  `json:"status"`
	QuarantineReason *string `json:"quarantine_reason"`
}

// MessageDetail extends the summary with attachments, decision metadata and a
// plaintext body preview.
type MessageDetail struct {
	MessageSummary
	Date         string               `json:"date"`
	MessageID    string               `json:"message_id"`
	DecisionMeta json.RawMessage      `json:"decision_meta,omitempty"`
	Attachments  []AttachmentResponse `json:"attachments"`
	BodyPreview  string               `json:"body_preview"`
}

// AttachmentResponse is the JSON shape of an attachment row.
type AttachmentResponse struct {
	ID          int64  `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

// BulkMessagesRequest is the body of POST /messages/bulk.
type BulkMessagesRequest struct {
	Action string  `json:"action"` // "restore" or "delete"
	IDs    []int64 `json:"ids"`
}

func messageSummary(m db.Message) MessageSummary {
	return MessageSummary{
		ID:               m.ID,
		ReceivedAt:       m.ReceivedAt.UTC().Format(time.RFC3339),
		EnvelopeRcpt:     m.EnvelopeRcpt,
		FromAddr:         m.FromAddr,
		Subject:          m.Subject,
		SizeBytes:        m.SizeBytes,
		Quarantined:      m.Quarantined,
		Status:           string(m.Status),
		QuarantineReason: m.QuarantineReason,
	}
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	quarantinedOnly := q.Get("quarantined") == "true"

	limit := 50
	if limitParam := q.Get("limit"); limitParam != "" {
		if l, err := strconv.Atoi(limitParam); err == nil && l > 0 && l <= 500 {
			limit = l
		}
	}

	var cursor *db.MessageCursor
	if cursorAt, cursorID := q.Get("cursor_received_at"), q.Get("cursor_id"); cursorAt != "" && cursorID != "" {
		at, err := time.Parse(time.RFC3339, cursorAt)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid cursor_received_at (use RFC3339)")
			return
		}
		id, err := strconv.ParseInt(cursorID, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid cursor_id")
			return
		}
		cursor = &db.MessageCursor{ReceivedAt: at, ID: id}
	}

	messages, err := s.database.ListMessages(r.Context(), quarantinedOnly, cursor, limit)
	if err != nil {
		logger.Error("admin API: error listing messages", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list messages")
		return
	}

	out := make([]MessageSummary, 0, len(messages))
	for _, m := range messages {
		out = append(out, messageSummary(m))
	}

	response := map[string]interface{}{
		"messages": out,
		"count":    len(out),
	}
	if len(messages) == limit {
		last := messages[len(messages)-1]
		response["next_cursor"] = map[string]interface{}{
			"cursor_received_at": last.ReceivedAt.UTC().Format(time.RFC3339),
			"cursor_id":          last.ID,
		}
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	ctx := r.Context()

	m, err := s.database.GetMessage(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, http.StatusNotFound, "Message not found")
			return
		}
		logger.Error("admin API: error getting message", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get message")
		return
	}

	attachments, err := s.database.GetAttachments(ctx, id)
	if err != nil {
		logger.Error("admin API: error getting attachments", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get attachments")
		return
	}

	detail := MessageDetail{
		MessageSummary: messageSummary(m),
		Date:           m.Date,
		MessageID:      m.MessageID,
		Attachments:    make([]AttachmentResponse, 0, len(attachments)),
		BodyPreview:    bodyPreview(m.EmlPath),
	}
	if m.DecisionMetaJSON != nil {
		detail.DecisionMeta = json.RawMessage(*m.DecisionMetaJSON)
	}
	for _, a := range attachments {
		detail.Attachments = append(detail.Attachments, AttachmentResponse{
			ID:          a.ID,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			SizeBytes:   a.SizeBytes,
		})
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleRestoreMessage(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	ctx := r.Context()

	restored, err := s.database.RestoreMessage(ctx, id)
	if err != nil {
		logger.Error("admin API: error restoring message", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to restore message")
		return
	}
	if !restored {
		s.writeError(w, http.StatusNotFound, "Message not found")
		return
	}

	s.audit(r, "message_restored", fmt.Sprintf("message:%d", id), nil, nil)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      id,
		"message": "Message restored to inbox",
	})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := s.requirePin(r); err != nil {
		s.writeError(w, http.StatusForbidden, err.Error())
		return
	}

	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)

	if err := s.deleteMessage(r, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, http.StatusNotFound, "Message not found")
			return
		}
		logger.Error("admin API: error deleting message", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to delete message")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      id,
		"message": "Message deleted",
	})
}

func (s *Server) handleBulkMessages(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req BulkMessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if len(req.IDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "ids is required")
		return
	}

	action := strings.ToLower(req.Action)
	if action != "restore" && action != "delete" {
		s.writeError(w, http.StatusBadRequest, "action must be 'restore' or 'delete'")
		return
	}
	if action == "delete" {
		if err := s.requirePin(r); err != nil {
			s.writeError(w, http.StatusForbidden, err.Error())
			return
		}
	}

	ctx := r.Context()
	processed := 0
	var failed []int64
	for _, id := range req.IDs {
		var err error
		switch action {
		case "restore":
			var ok bool
			ok, err = s.database.RestoreMessage(ctx, id)
			if err == nil && !ok {
				err = sql.ErrNoRows
			}
			if err == nil {
				s.audit(r, "message_restored", fmt.Sprintf("message:%d", id), nil, nil)
			}
		case "delete":
			err = s.deleteMessage(r, id)
		}
		if err != nil {
			logger.Warn("admin API: bulk action failed for message", "action", action, "id", id, "error", err)
			failed = append(failed, id)
			continue
		}
		processed++
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"action":    action,
		"processed": processed,
		"failed":    failed,
	})
}

// deleteMessage removes the row first, then its files; a vanished file is not
// an error.
func (s *Server) deleteMessage(r *http.Request, id int64) error {
	emlPath, attachmentPaths, err := s.database.DeleteMessage(r.Context(), id)
	if err != nil {
		return err
	}
	for _, path := range append(attachmentPaths, emlPath) {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("admin API: failed to remove message file", "path", path, "error", err)
		}
	}
	s.audit(r, "message_deleted", fmt.Sprintf("message:%d", id), nil, nil)
	return nil
}

// bodyPreview extracts a short plaintext preview from the stored eml file:
// the first text/plain part, else the first text/html part flattened to
// text, else "".
func bodyPreview(emlPath string) string {
	if emlPath == "" {
		return ""
	}
	raw, err := os.ReadFile(emlPath)
	if err != nil {
		logger.Warn("admin API: failed to read eml for preview", "path", emlPath, "error", err)
		return ""
	}

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return ""
	}

	var plain, html string
	_ = entity.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil || part.MultipartReader() != nil {
			return nil
		}
		contentType, _, _ := part.Header.ContentType()
		switch strings.ToLower(contentType) {
		case "text/plain":
			if plain == "" {
				if body, err := io.ReadAll(io.LimitReader(part.Body, maxPreviewBytes)); err == nil {
					plain = string(body)
				}
			}
		case "text/html":
			if html == "" {
				if body, err := io.ReadAll(io.LimitReader(part.Body, 4*maxPreviewBytes)); err == nil {
					html = string(body)
				}
			}
		}
		return nil
	})

	preview := plain
	if preview == "" && html != "" {
		preview = html2text.HTML2Text(html)
	}
	preview = strings.TrimSpace(preview)
	if len(preview) > maxPreviewBytes {
		// Back off to a rune boundary so the cut never emits a partial
		// multi-byte sequence into the JSON response.
		cut := maxPreviewBytes
		for cut > 0 && !utf8.RuneStart(preview[cut]) {
			cut--
		}
		preview = preview[:cut]
	}
	// The byte-limited part reads can still split a rune at the read
	// boundary.
	return helpers.SanitizeUTF8(preview)
}
