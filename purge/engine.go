// Package purge implements the retention engine: two sweeps over the message
// store (inbox and quarantine, each with its own clock) plus audit-log
// pruning, executed in bounded batches.
package purge

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/migadu/quail/db"
	"github.com/migadu/quail/helpers"
	"github.com/migadu/quail/logger"
	"github.com/migadu/quail/pkg/metrics"
)

// Report summarizes one purge run.
type Report struct {
	InboxPurged      int64
	QuarantinePurged int64
	FilesRemoved     int64
	AuditPruned      int64
}

// Total returns the number of message rows removed by the run.
func (r Report) Total() int64 {
	return r.InboxPurged + r.QuarantinePurged
}

// Engine deletes expired messages and their on-disk artifacts. Retention
// settings are re-read from the store on every run so configuration changes
// take effect without a restart.
type Engine struct {
	store          *db.Database
	batchSize      int
	auditRetention time.Duration
}

// NewEngine builds a purge engine.
func NewEngine(store *db.Database, batchSize int, auditRetention time.Duration) *Engine {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Engine{store: store, batchSize: batchSize, auditRetention: auditRetention}
}

// RunOnce performs one complete purge pass as of now: the inbox sweep, the
// quarantine sweep and the audit prune. Partial progress survives an error;
// every completed batch is already committed.
func (e *Engine) RunOnce(ctx context.Context, now time.Time) (Report, error) {
	var report Report
	now = now.UTC()

	if err := e.sweepInbox(ctx, now, &report); err != nil {
		metrics.PurgeRunsTotal.WithLabelValues("error").Inc()
		return report, err
	}
	if err := e.sweepQuarantine(ctx, now, &report); err != nil {
		metrics.PurgeRunsTotal.WithLabelValues("error").Inc()
		return report, err
	}

	pruned, err := e.store.PruneAdminActions(ctx, now.Add(-e.auditRetention))
	if err != nil {
		metrics.PurgeRunsTotal.WithLabelValues("error").Inc()
		return report, err
	}
	report.AuditPruned = pruned

	metrics.PurgeRunsTotal.WithLabelValues("ok").Inc()
	if report.Total() > 0 || report.AuditPruned > 0 {
		logger.Info("[PURGE] run complete",
			"inbox", report.InboxPurged,
			"quarantine", report.QuarantinePurged,
			"files", report.FilesRemoved,
			"audit", report.AuditPruned)
	}
	return report, nil
}

// sweepInbox removes delivered messages past the global inbox retention.
func (e *Engine) sweepInbox(ctx context.Context, now time.Time, report *Report) error {
	days, err := e.store.GetInboxRetentionDays(ctx)
	if err != nil {
		return fmt.Errorf("failed to load inbox retention: %w", err)
	}
	cutoff := now.AddDate(0, 0, -days)

	var cursor *db.MessageCursor
	for {
		candidates, err := e.store.ListExpiredInboxMessages(ctx, cutoff, cursor, e.batchSize)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}
		deleted, err := e.deleteBatch(ctx, candidates, report)
		if err != nil {
			return err
		}
		report.InboxPurged += deleted
		metrics.PurgedMessagesTotal.WithLabelValues("inbox").Add(float64(deleted))
		last := candidates[len(candidates)-1].Cursor()
		cursor = &last
	}
}

// sweepQuarantine removes quarantined messages past their effective
// retention. The query filters with the minimum retention across the global
// default and all per-domain overrides; the per-row cutoff is decided here,
// so a domain with a longer override keeps its rows while shorter domains in
// the same batch are purged.
func (e *Engine) sweepQuarantine(ctx context.Context, now time.Time, report *Report) error {
	globalDays, err := e.store.GetQuarantineRetentionDays(ctx)
	if err != nil {
		return fmt.Errorf("failed to load quarantine retention: %w", err)
	}
	overrides, err := e.store.QuarantineRetentionOverrides(ctx)
	if err != nil {
		return fmt.Errorf("failed to load retention overrides: %w", err)
	}

	minDays := globalDays
	for _, days := range overrides {
		if days < minDays {
			minDays = days
		}
	}
	firstPassCutoff := now.AddDate(0, 0, -minDays)

	var cursor *db.MessageCursor
	for {
		candidates, err := e.store.ListExpiredQuarantineMessages(ctx, firstPassCutoff, cursor, e.batchSize)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		expired := candidates[:0:0]
		for _, c := range candidates {
			days := globalDays
			_, domain := helpers.SplitEmailAddress(c.EnvelopeRcpt)
			if override, ok := overrides[domain]; ok {
				days = override
			}
			if c.ReceivedAt.Before(now.AddDate(0, 0, -days)) {
				expired = append(expired, c)
			}
		}

		deleted, err := e.deleteBatch(ctx, expired, report)
		if err != nil {
			return err
		}
		report.QuarantinePurged += deleted
		metrics.PurgedMessagesTotal.WithLabelValues("quarantine").Add(float64(deleted))

		// The cursor advances past retained rows too, otherwise a domain
		// with a long override would stall the sweep forever.
		last := candidates[len(candidates)-1].Cursor()
		cursor = &last
	}
}

// deleteBatch removes the candidates' files, then their rows plus audit
// events in one transaction. A missing file is not an error; the row must go
// regardless.
func (e *Engine) deleteBatch(ctx context.Context, candidates []db.PurgeCandidate, report *Report) (int64, error) {
	for _, c := range candidates {
		if removeFile(c.EmlPath) {
			report.FilesRemoved++
			metrics.PurgedFilesTotal.WithLabelValues("eml").Inc()
		}
		for _, path := range c.AttachmentPaths {
			if removeFile(path) {
				report.FilesRemoved++
				metrics.PurgedFilesTotal.WithLabelValues("attachment").Inc()
			}
		}
	}
	return e.store.DeleteMessagesWithAudit(ctx, candidates)
}

func removeFile(path string) bool {
	if path == "" {
		return false
	}
	err := os.Remove(path)
	if err == nil {
		return true
	}
	if !os.IsNotExist(err) {
		logger.Warn("[PURGE] failed to remove file", "path", path, "error", err)
	}
	return false
}
