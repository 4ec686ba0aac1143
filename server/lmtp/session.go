package lmtp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/migadu/quail/ingest"
	"github.com/migadu/quail/logger"
	"github.com/migadu/quail/pkg/metrics"
)

// Session is one LMTP transaction: one sender, one or more recipients, one
// message. Each recipient is classified independently in Data.
type Session struct {
	backend   *Backend
	conn      *smtp.Conn
	startTime time.Time

	sender     string
	recipients []string
}

func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	if from != "" && !strings.Contains(from, "@") && from != "<>" {
		return &smtp.SMTPError{
			Code:         553,
			EnhancedCode: smtp.EnhancedCode{5, 1, 7},
			Message:      "Invalid sender",
		}
	}
	s.sender = from
	return nil
}

func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if !strings.Contains(to, "@") {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 3},
			Message:      "Invalid recipient address",
		}
	}
	s.recipients = append(s.recipients, to)
	return nil
}

func (s *Session) Data(r io.Reader) error {
	if len(s.recipients) == 0 {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "Bad sequence of commands (missing RCPT TO)",
		}
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Failed to read message data",
		}
	}
	raw := buf.Bytes()

	for _, rcpt := range s.recipients {
		status, err := s.backend.pipeline.Ingest(s.backend.appCtx, raw, rcpt)
		switch {
		case err == nil:
			metrics.LMTPDeliveriesTotal.WithLabelValues("accepted").Inc()
			logger.Debug("LMTP: message ingested", "rcpt", rcpt, "status", string(status), "size", len(raw))
		case errors.Is(err, ingest.ErrEmptyMessage), errors.Is(err, ingest.ErrMessageTooLarge):
			// Guard rejections are acknowledged so the MTA does not requeue.
			metrics.LMTPDeliveriesTotal.WithLabelValues("rejected").Inc()
			logger.Warn("LMTP: message discarded by guard", "rcpt", rcpt, "error", err)
		default:
			metrics.LMTPDeliveriesTotal.WithLabelValues("error").Inc()
			logger.Error("LMTP: ingest failed", "rcpt", rcpt, "error", err)
			return &smtp.SMTPError{
				Code:         451,
				EnhancedCode: smtp.EnhancedCode{4, 3, 0},
				Message:      fmt.Sprintf("Temporary failure storing message for %s", rcpt),
			}
		}
	}
	return nil
}

func (s *Session) Reset() {
	s.sender = ""
	s.recipients = nil
}

func (s *Session) Logout() error {
	s.backend.activeConnections.Add(-1)
	logger.Debug("LMTP: session closed",
		"remote", s.conn.Conn().RemoteAddr().String(),
		"duration", time.Since(s.startTime).Round(time.Millisecond))
	return nil
}
