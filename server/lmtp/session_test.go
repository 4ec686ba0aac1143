package lmtp

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/migadu/quail/db"
	"github.com/migadu/quail/ingest"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T) (*Session, *db.Database) {
	t.Helper()
	database, err := db.New(context.Background(), filepath.Join(t.TempDir(), "quail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	dir := t.TempDir()
	pipeline := ingest.NewPipeline(database, ingest.Options{
		EmlDir:         filepath.Join(dir, "eml"),
		AttachmentDir:  filepath.Join(dir, "att"),
		MaxMessageSize: 1024,
	})
	backend := &Backend{pipeline: pipeline, appCtx: context.Background()}
	return &Session{backend: backend}, database
}

func TestSessionEnvelopeValidation(t *testing.T) {
	s := &Session{}

	require.Error(t, s.Mail("not-an-address", nil))
	require.NoError(t, s.Mail("sender@example.com", nil))
	require.NoError(t, s.Mail("<>", nil)) // null reverse-path is legal

	err := s.Rcpt("garbage", nil)
	require.Error(t, err)
	var smtpErr *smtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	require.Equal(t, 550, smtpErr.Code)

	require.NoError(t, s.Rcpt("user@example.org", nil))
	require.NoError(t, s.Rcpt("other@example.org", nil))
	require.Len(t, s.recipients, 2)

	s.Reset()
	require.Empty(t, s.recipients)
	require.Empty(t, s.sender)
}

func TestSessionDataDeliversThroughPipeline(t *testing.T) {
	ctx := context.Background()
	s, database := newTestSession(t)

	_, err := database.InsertRule(ctx, db.AddressRule{
		Domain:     "example.org",
		RuleType:   string(db.RuleBlock),
		MatchField: string(db.MatchFromDomain),
		Pattern:    `spam\.com`,
		Priority:   10,
		Action:     string(db.StatusQuarantine),
		Enabled:    true,
	})
	require.NoError(t, err)

	raw := "From: sender@spam.com\r\n" +
		"To: user@example.org\r\n" +
		"Subject: buy now\r\n" +
		"\r\n" +
		"body\r\n"

	require.NoError(t, s.Mail("sender@spam.com", nil))
	require.NoError(t, s.Rcpt("user@example.org", nil))
	require.NoError(t, s.Data(strings.NewReader(raw)))

	messages, err := database.ListMessages(ctx, true, nil, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "user@example.org", messages[0].EnvelopeRcpt)
	require.Equal(t, db.StatusQuarantine, messages[0].Status)
	require.NotNil(t, messages[0].QuarantineReason)
}

func TestSessionDataAcksGuardRejections(t *testing.T) {
	ctx := context.Background()
	s, database := newTestSession(t)

	// Missing RCPT is a protocol error.
	err := s.Data(strings.NewReader("ignored"))
	var smtpErr *smtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	require.Equal(t, 503, smtpErr.Code)

	// Empty and oversized messages are acknowledged so the MTA does not
	// requeue them; nothing is persisted.
	require.NoError(t, s.Rcpt("user@example.org", nil))
	require.NoError(t, s.Data(strings.NewReader("")))
	require.NoError(t, s.Data(strings.NewReader(strings.Repeat("x", 2048))))

	messages, err := database.ListMessages(ctx, false, nil, 10)
	require.NoError(t, err)
	require.Empty(t, messages)
}
