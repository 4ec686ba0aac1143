package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(context.Background(), filepath.Join(t.TempDir(), "quail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestGetOrCreateDomainPolicyDefaults(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	policy, err := database.GetOrCreateDomainPolicy(ctx, "Example.ORG")
	require.NoError(t, err)
	require.Equal(t, "example.org", policy.Domain)
	require.Equal(t, ModeOpen, policy.Mode)
	require.Equal(t, StatusInbox, policy.DefaultAction)
	require.Nil(t, policy.QuarantineRetentionDays)

	// Second call returns the same row, not a new one.
	again, err := database.GetOrCreateDomainPolicy(ctx, "example.org")
	require.NoError(t, err)
	require.Equal(t, policy.ID, again.ID)

	policies, err := database.ListDomainPolicies(ctx)
	require.NoError(t, err)
	require.Len(t, policies, 1)
}

func TestUpdateDomainPolicy(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	_, err := database.GetOrCreateDomainPolicy(ctx, "example.org")
	require.NoError(t, err)

	days := 10
	updated, err := database.UpdateDomainPolicy(ctx, "example.org", ModeRestricted, StatusQuarantine, &days)
	require.NoError(t, err)
	require.Equal(t, ModeRestricted, updated.Mode)
	require.Equal(t, StatusQuarantine, updated.DefaultAction)
	require.NotNil(t, updated.QuarantineRetentionDays)
	require.Equal(t, 10, *updated.QuarantineRetentionDays)

	overrides, err := database.QuarantineRetentionOverrides(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"example.org": 10}, overrides)

	// Clearing the override removes it from the map.
	_, err = database.UpdateDomainPolicy(ctx, "example.org", ModeRestricted, StatusQuarantine, nil)
	require.NoError(t, err)
	overrides, err = database.QuarantineRetentionOverrides(ctx)
	require.NoError(t, err)
	require.Empty(t, overrides)
}

func TestListEnabledRulesOrder(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	mkRule := func(priority int, enabled bool) AddressRule {
		return AddressRule{
			Domain:     "example.org",
			RuleType:   string(RuleAllow),
			MatchField: string(MatchRcptLocalpart),
			Pattern:    "info",
			Priority:   priority,
			Action:     string(StatusInbox),
			Enabled:    enabled,
		}
	}

	second, err := database.InsertRule(ctx, mkRule(50, true))
	require.NoError(t, err)
	_, err = database.InsertRule(ctx, mkRule(90, false))
	require.NoError(t, err)
	first, err := database.InsertRule(ctx, mkRule(10, true))
	require.NoError(t, err)
	// Same priority as second; the lower id wins the tie.
	tie, err := database.InsertRule(ctx, mkRule(50, true))
	require.NoError(t, err)

	rules, err := database.ListEnabledRules(ctx, "example.org")
	require.NoError(t, err)
	require.Len(t, rules, 3)
	require.Equal(t, first.ID, rules[0].ID)
	require.Equal(t, second.ID, rules[1].ID)
	require.Equal(t, tie.ID, rules[2].ID)

	all, err := database.ListRules(ctx, "example.org")
	require.NoError(t, err)
	require.Len(t, all, 4)
}

func TestSettingsSelfSeed(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	days, err := database.GetInboxRetentionDays(ctx)
	require.NoError(t, err)
	require.Equal(t, DefaultInboxRetentionDays, days)

	qdays, err := database.GetQuarantineRetentionDays(ctx)
	require.NoError(t, err)
	require.Equal(t, DefaultQuarantineRetentionDays, qdays)

	// Defaults were written back.
	stored, err := database.GetSetting(ctx, SettingRetentionDays)
	require.NoError(t, err)
	require.Equal(t, "30", stored)

	// Garbage values heal back to defaults.
	require.NoError(t, database.SetSetting(ctx, SettingRetentionDays, "not-a-number"))
	days, err = database.GetInboxRetentionDays(ctx)
	require.NoError(t, err)
	require.Equal(t, DefaultInboxRetentionDays, days)

	allowed, err := database.GetAllowedMIMETypes(ctx)
	require.NoError(t, err)
	require.True(t, allowed["application/pdf"])

	require.NoError(t, database.SetSetting(ctx, SettingAllowedMIMETypes, "Application/PDF, image/png"))
	allowed, err = database.GetAllowedMIMETypes(ctx)
	require.NoError(t, err)
	require.True(t, allowed["application/pdf"])
	require.True(t, allowed["image/png"])
	require.False(t, allowed["text/html"])
}

func insertTestMessage(t *testing.T, database *Database, rcpt string, receivedAt time.Time, status Status, attachments []Attachment) int64 {
	t.Helper()
	reason := "test"
	var reasonPtr *string
	if status != StatusInbox {
		reasonPtr = &reason
	}
	id, err := database.InsertMessage(context.Background(), Message{
		ReceivedAt:   receivedAt,
		EnvelopeRcpt: rcpt,
		FromAddr:     "sender@example.com",
		Subject:      "hello",
		SizeBytes:    100,
		EmlPath:      "/nonexistent/" + rcpt + ".eml",
		Quarantined:  status != StatusInbox,
		Status:       status,
		QuarantineReason: reasonPtr,
	}, DecisionMeta{Timestamp: receivedAt}, attachments)
	require.NoError(t, err)
	return id
}

func TestInsertAndGetMessage(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	id := insertTestMessage(t, database, "user@example.org", now, StatusQuarantine, []Attachment{
		{Filename: "doc.pdf", StoredPath: "/tmp/doc.pdf", ContentType: "application/pdf", SizeBytes: 42},
	})

	m, err := database.GetMessage(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "user@example.org", m.EnvelopeRcpt)
	require.True(t, m.Quarantined)
	require.Equal(t, StatusQuarantine, m.Status)
	require.NotNil(t, m.QuarantineReason)
	require.NotNil(t, m.DecisionMetaJSON)

	attachments, err := database.GetAttachments(ctx, id)
	require.NoError(t, err)
	require.Len(t, attachments, 1)
	require.Equal(t, "doc.pdf", attachments[0].Filename)
}

func TestRestoreMessage(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	id := insertTestMessage(t, database, "user@example.org", time.Now().UTC(), StatusQuarantine, nil)

	restored, err := database.RestoreMessage(ctx, id)
	require.NoError(t, err)
	require.True(t, restored)

	m, err := database.GetMessage(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusInbox, m.Status)
	require.False(t, m.Quarantined)
	require.Nil(t, m.QuarantineReason)

	restored, err = database.RestoreMessage(ctx, 99999)
	require.NoError(t, err)
	require.False(t, restored)
}

func TestDeleteMessageCascades(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	id := insertTestMessage(t, database, "user@example.org", time.Now().UTC(), StatusInbox, []Attachment{
		{Filename: "a.pdf", StoredPath: "/tmp/a.pdf", ContentType: "application/pdf", SizeBytes: 1},
		{Filename: "b.pdf", StoredPath: "/tmp/b.pdf", ContentType: "application/pdf", SizeBytes: 2},
	})

	emlPath, attachmentPaths, err := database.DeleteMessage(ctx, id)
	require.NoError(t, err)
	require.Contains(t, emlPath, ".eml")
	require.Len(t, attachmentPaths, 2)

	_, err = database.GetMessage(ctx, id)
	require.Error(t, err)

	attachments, err := database.GetAttachments(ctx, id)
	require.NoError(t, err)
	require.Empty(t, attachments)
}

func TestListMessagesKeysetPagination(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	for i := 0; i < 5; i++ {
		status := StatusInbox
		if i%2 == 1 {
			status = StatusQuarantine
		}
		insertTestMessage(t, database, "user@example.org", base.Add(time.Duration(i)*time.Minute), status, nil)
	}

	page1, err := database.ListMessages(ctx, false, nil, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	// Newest first.
	require.True(t, page1[0].ReceivedAt.After(page1[1].ReceivedAt))

	cursor := &MessageCursor{ReceivedAt: page1[1].ReceivedAt, ID: page1[1].ID}
	page2, err := database.ListMessages(ctx, false, cursor, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	require.True(t, page1[1].ReceivedAt.After(page2[0].ReceivedAt))

	quarantined, err := database.ListMessages(ctx, true, nil, 10)
	require.NoError(t, err)
	require.Len(t, quarantined, 2)
	for _, m := range quarantined {
		require.True(t, m.Quarantined)
	}
}

func TestPurgeCandidateListing(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	oldInbox := insertTestMessage(t, database, "a@example.org", now.Add(-40*24*time.Hour), StatusInbox, nil)
	insertTestMessage(t, database, "b@example.org", now.Add(-time.Hour), StatusInbox, nil)
	oldQuarantine := insertTestMessage(t, database, "c@example.org", now.Add(-40*24*time.Hour), StatusQuarantine, nil)

	cutoff := now.Add(-30 * 24 * time.Hour)

	inbox, err := database.ListExpiredInboxMessages(ctx, cutoff, nil, 10)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	require.Equal(t, oldInbox, inbox[0].ID)

	quarantine, err := database.ListExpiredQuarantineMessages(ctx, cutoff, nil, 10)
	require.NoError(t, err)
	require.Len(t, quarantine, 1)
	require.Equal(t, oldQuarantine, quarantine[0].ID)

	// The keyset cursor does not revisit the row it points at.
	cursor := inbox[0].Cursor()
	again, err := database.ListExpiredInboxMessages(ctx, cutoff, &cursor, 10)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestDeleteMessagesWithAudit(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	now := time.Now().UTC()
	id := insertTestMessage(t, database, "a@example.org", now.Add(-40*24*time.Hour), StatusQuarantine, nil)

	candidates, err := database.ListExpiredQuarantineMessages(ctx, now, nil, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	deleted, err := database.DeleteMessagesWithAudit(ctx, candidates)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	_, err = database.GetMessage(ctx, id)
	require.Error(t, err)

	actions, err := database.ListAdminActions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, "message_purged", actions[0].Action)
	require.Equal(t, "purge", actions[0].Actor)
	require.NotNil(t, actions[0].BeforeState)
}

func TestPruneAdminActions(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, database.LogAdminAction(ctx, AdminAction{
		Action: "old", PerformedAt: now.Add(-40 * 24 * time.Hour),
	}))
	require.NoError(t, database.LogAdminAction(ctx, AdminAction{
		Action: "recent", PerformedAt: now.Add(-time.Hour),
	}))

	pruned, err := database.PruneAdminActions(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), pruned)

	actions, err := database.ListAdminActions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, "recent", actions[0].Action)
}
