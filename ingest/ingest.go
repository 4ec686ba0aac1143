// Package ingest implements the quail classification engine and the
// pipeline that turns raw MTA-supplied message bytes into stored rows and
// on-disk artifacts.
package ingest

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/migadu/quail/db"
	"github.com/migadu/quail/logger"
	"github.com/migadu/quail/pkg/metrics"
	"lukechampine.com/blake3"
)

// Guard violations. Entry points treat these as successful no-ops so the
// upstream transfer agent does not retry-storm the gateway.
var (
	ErrEmptyMessage    = errors.New("empty message")
	ErrMessageTooLarge = errors.New("message exceeds configured maximum size")
)

// Options configures a Pipeline.
type Options struct {
	EmlDir         string
	AttachmentDir  string
	MaxMessageSize int64 // bytes
}

// Pipeline classifies and stores one inbound message per call. Each call is
// one unit of work: one classification, one insert transaction.
type Pipeline struct {
	store      *db.Database
	classifier *Classifier
	opts       Options
}

// NewPipeline wires a pipeline against the store.
func NewPipeline(store *db.Database, opts Options) *Pipeline {
	return &Pipeline{
		store:      store,
		classifier: NewClassifier(store),
		opts:       opts,
	}
}

// Classifier returns the pipeline's classification engine.
func (p *Pipeline) Classifier() *Classifier {
	return p.classifier
}

// Ingest runs the full pipeline for one message: guards, classification,
// attachment policy, persistence. The returned status is the final decision;
// DROP means nothing was persisted. Errors from one message never affect
// other messages.
func (p *Pipeline) Ingest(ctx context.Context, raw []byte, envelopeRcpt string) (db.Status, error) {
	if len(raw) == 0 {
		metrics.IngestRejectedTotal.WithLabelValues("empty").Inc()
		return "", ErrEmptyMessage
	}
	if p.opts.MaxMessageSize > 0 && int64(len(raw)) > p.opts.MaxMessageSize {
		metrics.IngestRejectedTotal.WithLabelValues("oversized").Inc()
		return "", fmt.Errorf("%w: %d bytes (max %d)", ErrMessageTooLarge, len(raw), p.opts.MaxMessageSize)
	}
	if envelopeRcpt == "" {
		envelopeRcpt = "unknown"
	}

	msg := Parse(raw)

	decision, err := p.classifier.Classify(ctx, envelopeRcpt, msg)
	if err != nil {
		return "", err
	}

	allowedTypes, err := p.store.GetAllowedMIMETypes(ctx)
	if err != nil {
		return "", err
	}
	attachments, hasDisallowed, err := CollectAttachments(msg, allowedTypes, p.opts.AttachmentDir)
	if err != nil {
		return "", err
	}

	status := decision.Status
	quarantineReason := decision.QuarantineReason
	if hasDisallowed {
		// The attachment policy always wins, including over a rule-derived
		// DROP: the message is held as evidence instead of vanishing.
		status = db.StatusQuarantine
		reason := "Disallowed attachment types"
		quarantineReason = &reason
	}

	metrics.IngestDecisionsTotal.WithLabelValues(string(status)).Inc()

	if status == db.StatusDrop {
		removeFiles(attachmentPaths(attachments))
		logger.Warn("message dropped by ingest policy", "rcpt", envelopeRcpt, "reason", reasonText(decision.QuarantineReason))
		return db.StatusDrop, nil
	}

	emlPath, err := p.writeEml(raw)
	if err != nil {
		removeFiles(attachmentPaths(attachments))
		return "", err
	}

	record := db.Message{
		ReceivedAt:       time.Now().UTC(),
		EnvelopeRcpt:     envelopeRcpt,
		FromAddr:         msg.FromHeader,
		Subject:          msg.Subject,
		Date:             msg.Date,
		MessageID:        msg.MessageID,
		SizeBytes:        int64(len(raw)),
		EmlPath:          emlPath,
		Quarantined:      status != db.StatusInbox,
		Status:           status,
		QuarantineReason: quarantineReason,
	}

	if _, err := p.store.InsertMessage(ctx, record, decision.Meta, attachments); err != nil {
		removeFiles(append(attachmentPaths(attachments), emlPath))
		return "", err
	}

	switch status {
	case db.StatusQuarantine:
		logger.Warn("message quarantined", "rcpt", envelopeRcpt, "reason", reasonText(quarantineReason))
	default:
		logger.Info("message delivered to inbox", "rcpt", envelopeRcpt, "size", len(raw))
	}
	return status, nil
}

// writeEml stores the raw bytes under a unique name derived from the arrival
// time and the blake3 content hash.
func (p *Pipeline) writeEml(raw []byte) (string, error) {
	if err := os.MkdirAll(p.opts.EmlDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create eml directory %s: %w", p.opts.EmlDir, err)
	}
	sum := blake3.Sum256(raw)
	name := fmt.Sprintf("%s_%s.eml",
		time.Now().UTC().Format("20060102T150405Z"),
		hex.EncodeToString(sum[:6]))
	path := filepath.Join(p.opts.EmlDir, name)
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return "", fmt.Errorf("failed to write eml file %s: %w", path, err)
	}
	return path, nil
}

func attachmentPaths(attachments []db.Attachment) []string {
	paths := make([]string, 0, len(attachments))
	for _, a := range attachments {
		paths = append(paths, a.StoredPath)
	}
	return paths
}

func removeFiles(paths []string) {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove file", "path", path, "error", err)
		}
	}
}

func reasonText(reason *string) string {
	if reason == nil {
		return ""
	}
	return *reason
}
