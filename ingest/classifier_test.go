package ingest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/migadu/quail/db"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(context.Background(), filepath.Join(t.TempDir(), "quail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func testMessage(t *testing.T, from, subject string) *ParsedMessage {
	t.Helper()
	raw := "From: " + from + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"To: someone@example.org\r\n" +
		"\r\n" +
		"body\r\n"
	return Parse([]byte(raw))
}

func addRule(t *testing.T, database *db.Database, r db.AddressRule) db.AddressRule {
	t.Helper()
	inserted, err := database.InsertRule(context.Background(), r)
	require.NoError(t, err)
	return inserted
}

func TestClassifyUnknownDomainDefaultsToInbox(t *testing.T) {
	database := newTestDB(t)
	c := NewClassifier(database)

	msg := testMessage(t, "sender@example.com", "hi")
	decision, err := c.Classify(context.Background(), "user@newdomain.org", msg)
	require.NoError(t, err)
	require.Equal(t, db.StatusInbox, decision.Status)
	require.Nil(t, decision.QuarantineReason)
	require.Nil(t, decision.Meta.RuleID)

	// The policy row was created lazily with defaults.
	policy, err := database.GetDomainPolicy(context.Background(), "newdomain.org")
	require.NoError(t, err)
	require.Equal(t, db.ModeOpen, policy.Mode)
}

func TestClassifyPausedDomain(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	c := NewClassifier(database)
	msg := testMessage(t, "sender@example.com", "hi")

	_, err := database.GetOrCreateDomainPolicy(ctx, "paused.org")
	require.NoError(t, err)

	// PAUSED with default INBOX drops.
	_, err = database.UpdateDomainPolicy(ctx, "paused.org", db.ModePaused, db.StatusInbox, nil)
	require.NoError(t, err)
	decision, err := c.Classify(ctx, "user@paused.org", msg)
	require.NoError(t, err)
	require.Equal(t, db.StatusDrop, decision.Status)
	require.NotNil(t, decision.QuarantineReason)
	require.Equal(t, "Domain policy paused (DROP)", *decision.QuarantineReason)

	// PAUSED with default QUARANTINE quarantines instead.
	_, err = database.UpdateDomainPolicy(ctx, "paused.org", db.ModePaused, db.StatusQuarantine, nil)
	require.NoError(t, err)
	decision, err = c.Classify(ctx, "user@paused.org", msg)
	require.NoError(t, err)
	require.Equal(t, db.StatusQuarantine, decision.Status)
	require.Equal(t, "Domain policy paused (QUARANTINE)", *decision.QuarantineReason)
}

func TestClassifyRestrictedDomain(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	c := NewClassifier(database)
	msg := testMessage(t, "sender@trusted.com", "hi")

	_, err := database.GetOrCreateDomainPolicy(ctx, "restricted.org")
	require.NoError(t, err)
	_, err = database.UpdateDomainPolicy(ctx, "restricted.org", db.ModeRestricted, db.StatusInbox, nil)
	require.NoError(t, err)

	// No rule matches: quarantined.
	decision, err := c.Classify(ctx, "user@restricted.org", msg)
	require.NoError(t, err)
	require.Equal(t, db.StatusQuarantine, decision.Status)
	require.Equal(t, "Restricted domain without allow rule", *decision.QuarantineReason)

	// A matching ALLOW rule lets the message through.
	rule := addRule(t, database, db.AddressRule{
		Domain:     "restricted.org",
		RuleType:   string(db.RuleAllow),
		MatchField: string(db.MatchFromDomain),
		Pattern:    `trusted\.com`,
		Priority:   10,
		Action:     string(db.StatusInbox),
		Enabled:    true,
	})
	decision, err = c.Classify(ctx, "user@restricted.org", msg)
	require.NoError(t, err)
	require.Equal(t, db.StatusInbox, decision.Status)
	require.NotNil(t, decision.Meta.RuleID)
	require.Equal(t, rule.ID, *decision.Meta.RuleID)
	require.Equal(t, db.RuleAllow, *decision.Meta.RuleType)
	require.Equal(t, db.MatchFromDomain, *decision.Meta.MatchField)
	require.Equal(t, "trusted.com", *decision.Meta.MatchedValue)
}

func TestClassifyFirstMatchWins(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	c := NewClassifier(database)
	msg := testMessage(t, "sender@spam.com", "hi")

	// Both rules match the sender; the lower priority BLOCK wins even though
	// an ALLOW also matches.
	addRule(t, database, db.AddressRule{
		Domain:     "example.org",
		RuleType:   string(db.RuleBlock),
		MatchField: string(db.MatchFromDomain),
		Pattern:    `spam\.com`,
		Priority:   10,
		Action:     string(db.StatusQuarantine),
		Enabled:    true,
	})
	addRule(t, database, db.AddressRule{
		Domain:     "example.org",
		RuleType:   string(db.RuleAllow),
		MatchField: string(db.MatchFromDomain),
		Pattern:    `spam\.com`,
		Priority:   20,
		Action:     string(db.StatusInbox),
		Enabled:    true,
	})

	decision, err := c.Classify(ctx, "user@example.org", msg)
	require.NoError(t, err)
	require.Equal(t, db.StatusQuarantine, decision.Status)
	require.Equal(t, db.RuleBlock, *decision.Meta.RuleType)
}

func TestClassifyRuleActionDefaultSubstitution(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	c := NewClassifier(database)
	msg := testMessage(t, "sender@spam.com", "hi")

	// The domain default action is irrelevant to substitution: the
	// comparison is against the schema default INBOX, not the policy.
	_, err := database.GetOrCreateDomainPolicy(ctx, "example.org")
	require.NoError(t, err)
	_, err = database.UpdateDomainPolicy(ctx, "example.org", db.ModeOpen, db.StatusQuarantine, nil)
	require.NoError(t, err)

	// A BLOCK rule whose action was left at the column default INBOX takes
	// the block default QUARANTINE; it must block even here, where the
	// domain default is not INBOX.
	block := addRule(t, database, db.AddressRule{
		Domain:     "example.org",
		RuleType:   string(db.RuleBlock),
		MatchField: string(db.MatchFromDomain),
		Pattern:    `spam\.com`,
		Priority:   10,
		Action:     string(db.StatusInbox),
		Enabled:    true,
	})

	decision, err := c.Classify(ctx, "user@example.org", msg)
	require.NoError(t, err)
	require.Equal(t, db.StatusQuarantine, decision.Status)

	// An explicitly configured action is never rewritten, even when it
	// happens to equal the domain default.
	_, err = database.DeleteRule(ctx, block.ID)
	require.NoError(t, err)
	addRule(t, database, db.AddressRule{
		Domain:     "example.org",
		RuleType:   string(db.RuleAllow),
		MatchField: string(db.MatchFromDomain),
		Pattern:    `spam\.com`,
		Priority:   10,
		Action:     string(db.StatusQuarantine),
		Enabled:    true,
	})

	decision, err = c.Classify(ctx, "user@example.org", msg)
	require.NoError(t, err)
	require.Equal(t, db.StatusQuarantine, decision.Status)
	require.Equal(t, db.RuleAllow, *decision.Meta.RuleType)

	// An ALLOW rule left at the column default delivers to the inbox on the
	// same quarantine-default domain.
	rules, err := database.ListRules(ctx, "example.org")
	require.NoError(t, err)
	for _, r := range rules {
		_, err = database.DeleteRule(ctx, r.ID)
		require.NoError(t, err)
	}
	addRule(t, database, db.AddressRule{
		Domain:     "example.org",
		RuleType:   string(db.RuleAllow),
		MatchField: string(db.MatchFromDomain),
		Pattern:    `spam\.com`,
		Priority:   10,
		Action:     string(db.StatusInbox),
		Enabled:    true,
	})

	decision, err = c.Classify(ctx, "user@example.org", msg)
	require.NoError(t, err)
	require.Equal(t, db.StatusInbox, decision.Status)
}

func TestClassifyMatchFields(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	c := NewClassifier(database)

	addRule(t, database, db.AddressRule{
		Domain:     "example.org",
		RuleType:   string(db.RuleBlock),
		MatchField: string(db.MatchRcptLocalpart),
		Pattern:    `^noreply`,
		Priority:   10,
		Action:     string(db.StatusQuarantine),
		Enabled:    true,
	})
	addRule(t, database, db.AddressRule{
		Domain:     "example.org",
		RuleType:   string(db.RuleBlock),
		MatchField: string(db.MatchSubject),
		Pattern:    `(?i)viagra`,
		Priority:   20,
		Action:     string(db.StatusQuarantine),
		Enabled:    true,
	})

	msg := testMessage(t, "sender@example.com", "hello")
	decision, err := c.Classify(ctx, "noreply-bot@example.org", msg)
	require.NoError(t, err)
	require.Equal(t, db.StatusQuarantine, decision.Status)
	require.Equal(t, db.MatchRcptLocalpart, *decision.Meta.MatchField)
	require.Equal(t, "noreply-bot", *decision.Meta.MatchedValue)

	msg = testMessage(t, "sender@example.com", "cheap VIAGRA now")
	decision, err = c.Classify(ctx, "user@example.org", msg)
	require.NoError(t, err)
	require.Equal(t, db.StatusQuarantine, decision.Status)
	require.Equal(t, db.MatchSubject, *decision.Meta.MatchField)
}

func TestClassifyInvalidPatternSkipped(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	c := NewClassifier(database)
	msg := testMessage(t, "sender@spam.com", "hi")

	addRule(t, database, db.AddressRule{
		Domain:     "example.org",
		RuleType:   string(db.RuleBlock),
		MatchField: string(db.MatchFromDomain),
		Pattern:    `[unclosed`,
		Priority:   10,
		Action:     string(db.StatusQuarantine),
		Enabled:    true,
	})
	addRule(t, database, db.AddressRule{
		Domain:     "example.org",
		RuleType:   string(db.RuleBlock),
		MatchField: string(db.MatchFromDomain),
		Pattern:    `spam\.com`,
		Priority:   20,
		Action:     string(db.StatusQuarantine),
		Enabled:    true,
	})

	// The broken rule never aborts classification; the next rule still runs.
	decision, err := c.Classify(ctx, "user@example.org", msg)
	require.NoError(t, err)
	require.Equal(t, db.StatusQuarantine, decision.Status)
}

func TestClassifyDomainDefaultAction(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	c := NewClassifier(database)
	msg := testMessage(t, "sender@example.com", "hi")

	_, err := database.GetOrCreateDomainPolicy(ctx, "example.org")
	require.NoError(t, err)
	_, err = database.UpdateDomainPolicy(ctx, "example.org", db.ModeOpen, db.StatusQuarantine, nil)
	require.NoError(t, err)

	decision, err := c.Classify(ctx, "user@example.org", msg)
	require.NoError(t, err)
	require.Equal(t, db.StatusQuarantine, decision.Status)
	require.Equal(t, "Domain default action QUARANTINE", *decision.QuarantineReason)
}

func TestPatternCache(t *testing.T) {
	cache := NewPatternCache()

	re, err := cache.Get(`foo.*bar`)
	require.NoError(t, err)
	require.True(t, re.MatchString("foo middle bar"))

	// The same pattern text returns the cached object.
	again, err := cache.Get(`foo.*bar`)
	require.NoError(t, err)
	require.Same(t, re, again)

	_, err = cache.Get(`[broken`)
	require.Error(t, err)

	cache.Reset()
	fresh, err := cache.Get(`foo.*bar`)
	require.NoError(t, err)
	require.NotSame(t, re, fresh)
}
