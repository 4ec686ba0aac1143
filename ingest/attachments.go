package ingest

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/emersion/go-message"
	"github.com/migadu/quail/db"
	"github.com/migadu/quail/helpers"
	"github.com/migadu/quail/logger"
	"github.com/migadu/quail/pkg/metrics"
)

// CollectAttachments walks the MIME structure, writes every allowed
// attachment to its own file under dir and reports whether any part carried
// a disallowed content type. A part counts as an attachment when its
// disposition is "attachment" or it carries a filename. Unparsable parts are
// skipped, never fatal.
func CollectAttachments(msg *ParsedMessage, allowedTypes map[string]bool, dir string) ([]db.Attachment, bool, error) {
	if msg.entity == nil {
		return nil, false, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, false, fmt.Errorf("failed to create attachment directory %s: %w", dir, err)
	}

	var attachments []db.Attachment
	hasDisallowed := false

	walkErr := msg.entity.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil {
			logger.Warn("skipping unparsable message part", "error", err)
			return nil
		}
		if mr := part.MultipartReader(); mr != nil {
			return nil // container part, children are visited separately
		}

		disposition, dispParams, _ := part.Header.ContentDisposition()
		filename := dispParams["filename"]
		contentType, ctParams, _ := part.Header.ContentType()
		if filename == "" {
			filename = ctParams["name"]
		}
		if disposition != "attachment" && filename == "" {
			return nil
		}

		contentType = strings.ToLower(contentType)
		if !allowedTypes[contentType] {
			hasDisallowed = true
			metrics.IngestAttachmentsTotal.WithLabelValues("disallowed").Inc()
			return nil
		}

		payload, err := io.ReadAll(part.Body)
		if err != nil {
			logger.Warn("failed to read attachment payload, skipping",
				"filename", filename, "error", err)
			return nil
		}

		safeName := helpers.SanitizeFilename(filename)
		storedName := fmt.Sprintf("%s_%s", randomToken(), safeName)
		storedPath := filepath.Join(dir, storedName)
		if err := os.WriteFile(storedPath, payload, 0644); err != nil {
			return fmt.Errorf("failed to store attachment %s: %w", safeName, err)
		}

		attachments = append(attachments, db.Attachment{
			Filename:    safeName,
			StoredPath:  storedPath,
			ContentType: contentType,
			SizeBytes:   int64(len(payload)),
		})
		metrics.IngestAttachmentsTotal.WithLabelValues("stored").Inc()
		return nil
	})
	if walkErr != nil {
		// A write failure must not leave orphan files behind.
		for _, a := range attachments {
			if err := os.Remove(a.StoredPath); err != nil && !os.IsNotExist(err) {
				logger.Warn("failed to remove orphaned attachment file", "path", a.StoredPath, "error", err)
			}
		}
		return nil, false, walkErr
	}
	return attachments, hasDisallowed, nil
}

func randomToken() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform is broken; fall back to a
		// fixed token rather than refusing the message.
		return "att0000000000000"
	}
	return hex.EncodeToString(buf)
}
