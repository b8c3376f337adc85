package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duewatch/internal/db"
	"duewatch/internal/domain"
	"duewatch/internal/events"
	"duewatch/internal/migrate"
	"duewatch/internal/repo"
)

var ts = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	version, err := migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	latest, err := migrate.Latest()
	require.NoError(t, err)
	require.Equal(t, latest, version)
	return repo.Repo{DB: conn}, ctx
}

func sampleRule(id string) domain.ReminderRule {
	return domain.ReminderRule{
		ID:              id,
		Name:            "Invoice Due Reminder",
		IsActive:        true,
		EntityType:      domain.KindInvoice,
		Trigger:         domain.TriggerDaysBefore,
		TriggerDays:     7,
		Recipients:      domain.Recipients{Roles: []string{"finance"}},
		Channels:        []domain.Channel{domain.ChannelInApp, domain.ChannelEmail},
		Escalation:      &domain.Escalation{AfterDays: 0, EscalateTo: []string{"admin"}},
		MessageTemplate: "due in {days} days",
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}
}

func TestRuleRoundTrip(t *testing.T) {
	r, ctx := newRepo(t)
	require.NoError(t, r.InsertRule(ctx, sampleRule("rule4")))
	other := sampleRule("rule5")
	other.IsActive = false
	other.EntityType = domain.KindTask
	other.Escalation = nil
	require.NoError(t, r.InsertRule(ctx, other))

	got, err := r.GetRule(ctx, "rule4")
	require.NoError(t, err)
	assert.Equal(t, sampleRule("rule4"), got)

	active := true
	list, err := r.ListRulesFiltered(ctx, repo.RuleFilters{Active: &active})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "rule4", list[0].ID)

	list, err = r.ListRulesFiltered(ctx, repo.RuleFilters{EntityType: domain.KindTask})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].Escalation)

	_, err = r.GetRule(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.ErrorIs(t, r.UpdateRuleTx(ctx, nil, sampleRule("missing")), repo.ErrNotFound)
}

func TestFireRecordSwap(t *testing.T) {
	r, ctx := newRepo(t)
	require.NoError(t, r.InsertRule(ctx, sampleRule("rule4")))
	key := domain.FireKey{RuleID: "rule4", EntityID: "inv-1"}

	rec := domain.FireRecord{RuleID: "rule4", EntityKind: domain.KindInvoice, EntityID: "inv-1", ProjectID: "p1", LastFiredAt: ts, CycleStartedAt: ts}
	ok, err := r.SwapFireRecord(ctx, nil, rec)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.SwapFireRecord(ctx, nil, rec)
	require.NoError(t, err)
	assert.False(t, ok, "key already claimed")

	stored, err := r.GetFireRecord(ctx, key)
	require.NoError(t, err)
	later := ts.Add(24 * time.Hour)
	next := stored
	next.LastFiredAt = later
	next.EscalationLevel = 1
	next.EscalatedAt = &later
	ok, err = r.SwapFireRecord(ctx, &stored, next)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.SwapFireRecord(ctx, &stored, next)
	require.NoError(t, err)
	assert.False(t, ok, "stale previous value")

	all, err := r.ListFireRecords(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	got, err := r.GetFireRecord(ctx, key)
	require.NoError(t, err)
	assert.True(t, got.LastFiredAt.Equal(later))
	assert.True(t, got.CycleStartedAt.Equal(ts))
	assert.Equal(t, 1, got.EscalationLevel)
	require.NotNil(t, got.EscalatedAt)
	assert.Nil(t, got.AcknowledgedAt)

	acked := got
	acked.AcknowledgedAt = &later
	ok, err = r.SwapFireRecord(ctx, &got, acked)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = r.SwapFireRecord(ctx, &got, next)
	require.NoError(t, err)
	assert.False(t, ok, "acknowledgement changed the row")

	require.NoError(t, r.DeleteFireRecord(ctx, key))
	assert.ErrorIs(t, r.DeleteFireRecord(ctx, key), repo.ErrNotFound)
	_, err = r.GetFireRecord(ctx, key)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestDeleteRuleFireRecords(t *testing.T) {
	r, ctx := newRepo(t)
	require.NoError(t, r.InsertRule(ctx, sampleRule("rule4")))
	for _, id := range []string{"inv-1", "inv-2"} {
		_, err := r.SwapFireRecord(ctx, nil, domain.FireRecord{RuleID: "rule4", EntityKind: domain.KindInvoice, EntityID: id, LastFiredAt: ts, CycleStartedAt: ts})
		require.NoError(t, err)
	}
	n, err := r.DeleteRuleFireRecordsTx(ctx, nil, "rule4")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestFireRecordRequiresRule(t *testing.T) {
	r, ctx := newRepo(t)
	_, err := r.SwapFireRecord(ctx, nil, domain.FireRecord{RuleID: "ghost", EntityKind: domain.KindTask, EntityID: "t", LastFiredAt: ts, CycleStartedAt: ts})
	assert.Error(t, err)
}

func notification(id, user string, ch domain.Channel, created time.Time) domain.Notification {
	n := domain.Notification{
		ID: id, UserID: user, Type: domain.NotifyInvoiceDue, RuleID: "rule4",
		EntityKind: domain.KindInvoice, EntityID: "inv-1", ProjectID: "p1",
		Title: "Invoice due: INV-1", Message: "due", Channel: ch,
		CreatedAt: created, DeliveryStatus: domain.DeliveryPending,
	}
	if ch == domain.ChannelInApp {
		n.DeliveryStatus = domain.DeliveryDelivered
		n.Attempts = 1
		n.DeliveredAt = &created
	}
	return n
}

func TestInboxAndDeliveries(t *testing.T) {
	r, ctx := newRepo(t)
	require.NoError(t, r.InsertNotification(ctx, notification("n1", "u1", domain.ChannelInApp, ts)))
	require.NoError(t, r.InsertNotification(ctx, notification("n2", "u1", domain.ChannelInApp, ts.Add(time.Minute))))
	require.NoError(t, r.InsertNotification(ctx, notification("n3", "u1", domain.ChannelEmail, ts)))
	require.NoError(t, r.InsertNotification(ctx, notification("n4", "u2", domain.ChannelSlack, ts.Add(time.Second))))

	inbox, err := r.ListNotifications(ctx, repo.InboxFilters{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, inbox, 2, "inbox only shows in-app rows")
	assert.Equal(t, "n2", inbox[0].ID)

	pending, err := r.ListPendingDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "n3", pending[0].ID)

	n3 := pending[0]
	n3.Attempts = 2
	n3.LastError = "timeout"
	require.NoError(t, r.UpdateDelivery(ctx, n3))
	n3.DeliveryStatus = domain.DeliveryFailed
	require.NoError(t, r.UpdateDelivery(ctx, n3))
	n3.DeliveryStatus = domain.DeliveryDelivered
	assert.ErrorIs(t, r.UpdateDelivery(ctx, n3), repo.ErrNotFound, "terminal rows are immutable")

	failed, err := r.ListDeliveries(ctx, repo.DeliveryFilters{Status: domain.DeliveryFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].Attempts)
	assert.Equal(t, "timeout", failed[0].LastError)

	count, err := r.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	read, err := r.MarkRead(ctx, "n1", ts.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, read.IsRead)
	again, err := r.MarkRead(ctx, "n1", ts.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, again.ReadAt.Equal(ts.Add(time.Hour)), "first read time wins")

	marked, err := r.MarkAllRead(ctx, "u1", ts.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, marked, 1)
	assert.Equal(t, "n2", marked[0].ID)

	archived, err := r.ArchiveNotification(ctx, "n2")
	require.NoError(t, err)
	assert.True(t, archived.IsArchived)
	no := false
	visible, err := r.ListNotifications(ctx, repo.InboxFilters{UserID: "u1", Archived: &no})
	require.NoError(t, err)
	assert.Len(t, visible, 1)

	require.NoError(t, r.DeleteNotification(ctx, "n1"))
	assert.ErrorIs(t, r.DeleteNotification(ctx, "n1"), repo.ErrNotFound)
	_, err = r.MarkRead(ctx, "n1", ts)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestDirectoryAndEntities(t *testing.T) {
	r, ctx := newRepo(t)
	counts, err := r.ImportDataset(ctx, domain.Dataset{
		Projects: []domain.Project{{ID: "p1", Name: "Apollo", ManagerID: "pm-1"}},
		Users: []domain.User{
			{ID: "pm-1", Email: "pm@example.com", Roles: []string{"pm", "finance"}},
			{ID: "old", Roles: []string{"finance"}, Status: "inactive"},
		},
		Invoices: []domain.Invoice{{ID: "inv-1", Project: "p1", Code: "INV-1", Status: "sent", TotalAmount: 10, DueDate: ts}},
		Tasks:    []domain.Task{{ID: "t-1", Project: "p1", Title: "Ship", Status: "todo", PlannedEnd: ts}},
	})
	require.NoError(t, err)
	assert.Equal(t, repo.ImportCounts{Projects: 1, Users: 2, Entities: 2}, counts)

	members, err := r.RoleMembers(ctx, "finance")
	require.NoError(t, err)
	assert.Equal(t, []string{"pm-1"}, members)

	roles, err := r.UserRoles(ctx, "pm-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"finance", "pm"}, roles)

	ok, err := r.UserExists(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok)

	email, err := r.UserEmail(ctx, "pm-1")
	require.NoError(t, err)
	assert.Equal(t, "pm@example.com", email)
	_, err = r.UserEmail(ctx, "nobody")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	p, err := r.Project(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "pm-1", p.ManagerID)
	_, err = r.Project(ctx, "p2")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	invoices, err := r.ListWatchable(ctx, domain.KindInvoice)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	inv, ok := invoices[0].(domain.Invoice)
	require.True(t, ok)
	assert.Equal(t, "INV-1", inv.Code)
	assert.True(t, inv.DueDate.Equal(ts))

	w, err := r.GetWatchable(ctx, domain.EntityRef{Kind: domain.KindTask, ID: "t-1"})
	require.NoError(t, err)
	assert.Equal(t, "Ship", w.Fields()["title"])
	_, err = r.GetWatchable(ctx, domain.EntityRef{Kind: domain.KindIssue, ID: "t-1"})
	assert.ErrorIs(t, err, repo.ErrNotFound)

	_, err = r.ImportDataset(ctx, domain.Dataset{Users: []domain.User{{Email: "x@example.com"}}})
	var verr domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestEventsCursor(t *testing.T) {
	r, ctx := newRepo(t)
	w := events.Writer{DB: r.DB, Now: func() time.Time { return ts }}
	for _, typ := range []string{"rule.created", "reminder.fired", "delivery.failed"} {
		require.NoError(t, w.Append(ctx, typ, "p1", "invoice", "inv-1", "", events.EventPayload{"k": typ}))
	}

	latest, err := r.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest)

	after, err := r.EventsAfter(ctx, 10, 1)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "reminder.fired", after[0].Type)
	assert.Equal(t, "anonymous", after[0].ActorID)

	fired, err := r.ListEvents(ctx, repo.EventFilters{Type: "delivery.failed"})
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.JSONEq(t, `{"k":"delivery.failed"}`, fired[0].Payload)

	page, err := r.ListEvents(ctx, repo.EventFilters{Before: 3, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(2), page[0].ID)
}

func TestAPIKeys(t *testing.T) {
	r, ctx := newRepo(t)
	hash := repo.HashAPIKey(" secret ")
	assert.Equal(t, repo.HashAPIKey("secret"), hash)
	require.NoError(t, r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k1", ActorID: "admin-1", Name: "ci", KeyHash: hash}))

	key, err := r.GetAPIKeyByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "admin-1", key.ActorID)
	assert.Equal(t, "ci", key.Name)

	assert.False(t, key.CreatedAt.IsZero())
	assert.Nil(t, key.LastUsedAt)

	used := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, r.TouchAPIKey(ctx, "k1", used))
	require.NoError(t, r.TouchAPIKey(ctx, "k1", used.Add(-time.Hour)))

	keys, err := r.ListAPIKeys(ctx, "admin-1")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.NotNil(t, keys[0].LastUsedAt)
	assert.True(t, used.Equal(*keys[0].LastUsedAt), "an older use must not rewind last_used_at")

	keys, err = r.ListAPIKeys(ctx, "dev-1")
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, r.DeleteAPIKey(ctx, "k1"))
	assert.ErrorIs(t, r.DeleteAPIKey(ctx, "k1"), repo.ErrNotFound)
}

func TestWebhookCursor(t *testing.T) {
	r, ctx := newRepo(t)
	_, ok, err := r.WebhookCursor(ctx, "ops")
	require.NoError(t, err)
	assert.False(t, ok)

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, r.SaveWebhookCursor(ctx, "ops", 7, at))
	require.NoError(t, r.SaveWebhookCursor(ctx, "ops", 4, at))
	cur, ok, err := r.WebhookCursor(ctx, "ops")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(7), cur)

	require.NoError(t, r.SaveWebhookCursor(ctx, "ops", 9, at))
	cur, _, err = r.WebhookCursor(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, int64(9), cur)

	assert.Error(t, r.SaveWebhookCursor(ctx, "", 1, at))
}
