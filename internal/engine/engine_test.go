package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duewatch/internal/channel"
	"duewatch/internal/config"
	"duewatch/internal/db"
	"duewatch/internal/domain"
	"duewatch/internal/engine"
	"duewatch/internal/logging"
	"duewatch/internal/migrate"
	"duewatch/internal/repo"
)

var start = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type outbox struct {
	mu   sync.Mutex
	sent []channel.Message
	err  error
}

func (o *outbox) Send(ctx context.Context, msg channel.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.sent = append(o.sent, msg)
	return nil
}

func (o *outbox) messages() []channel.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]channel.Message(nil), o.sent...)
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Email  *outbox
	Slack  *outbox
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Delivery.MaxAttempts = 3
	cfg.ActionURLBase = "https://pm.example.com/"
	eng, err := engine.New(conn, cfg, logging.Discard())
	require.NoError(t, err)

	env := &testEnv{Ctx: ctx, Email: &outbox{}, Slack: &outbox{}, now: start}
	eng.Now = func() time.Time { return env.now }
	eng.Dispatcher.Now = eng.Now
	eng.Dispatcher.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	eng.Dispatcher.Transports = channel.Registry{
		domain.ChannelEmail: env.Email,
		domain.ChannelSlack: env.Slack,
	}
	env.Engine = eng

	_, err = eng.Repo.ImportDataset(ctx, domain.Dataset{
		Projects: []domain.Project{{ID: "p1", Name: "Apollo", ManagerID: "pm-1"}},
		Users: []domain.User{
			{ID: "pm-1", Email: "pm@example.com", Roles: []string{"pm"}},
			{ID: "fin-1", Email: "fin@example.com", Roles: []string{"finance"}},
			{ID: "pmo-1", Email: "pmo@example.com", Roles: []string{"pmo"}},
			{ID: "admin-1", Roles: []string{"admin"}},
			{ID: "owner-1"},
			{ID: "dev-1"},
			{ID: "gone-1", Roles: []string{"finance"}, Status: "inactive"},
		},
	})
	require.NoError(t, err)
	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func (env *testEnv) days(n int) {
	env.advance(time.Duration(n) * 24 * time.Hour)
}

func (env *testEnv) put(t *testing.T, w domain.Watchable) {
	t.Helper()
	require.NoError(t, env.Engine.Repo.UpsertEntity(env.Ctx, nil, w))
}

func (env *testEnv) rule(t *testing.T, r domain.ReminderRule) domain.ReminderRule {
	t.Helper()
	r.IsActive = true
	created, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{Rule: r, ActorID: "admin-1"})
	require.NoError(t, err)
	return created
}

func (env *testEnv) sweep(t *testing.T) engine.SweepReport {
	t.Helper()
	rep, err := env.Engine.Sweep(env.Ctx)
	require.NoError(t, err)
	return rep
}

func (env *testEnv) deliveries(t *testing.T, ruleID string) []domain.Notification {
	t.Helper()
	rows, err := env.Engine.Repo.ListDeliveries(env.Ctx, repo.DeliveryFilters{RuleID: ruleID})
	require.NoError(t, err)
	return rows
}

func milestoneRule() domain.ReminderRule {
	return domain.ReminderRule{
		ID:          "ms-due",
		Name:        "Milestone Due Reminder",
		EntityType:  domain.KindMilestone,
		Trigger:     domain.TriggerDaysBefore,
		TriggerDays: 10,
		Recipients: domain.Recipients{
			Roles:        []string{"finance"},
			ProjectRoles: []domain.ProjectRole{domain.ProjectRolePM, domain.ProjectRoleOwner},
		},
		Channels:        []domain.Channel{domain.ChannelInApp},
		MessageTemplate: `Milestone "{entity.name}" is due in {days} days`,
	}
}

func goLive(due time.Time) domain.Milestone {
	return domain.Milestone{ID: "ms-1", Project: "p1", Code: "MS-1", Name: "Go-live", Status: "pending", PlannedDate: due, Owner: "owner-1"}
}

func TestDaysBeforeFiresOnceAtThreshold(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, milestoneRule())
	env.put(t, goLive(time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC)))

	rep := env.sweep(t)
	assert.Equal(t, 0, rep.Triggered, "11 days out")
	assert.Empty(t, env.deliveries(t, "ms-due"))

	env.days(1)
	rep = env.sweep(t)
	assert.Equal(t, 1, rep.Fired, "10 days out")
	assert.Equal(t, 3, rep.Notifications)
	assert.Equal(t, 3, rep.Delivered)

	rows := env.deliveries(t, "ms-due")
	require.Len(t, rows, 3)
	users := []string{}
	for _, n := range rows {
		users = append(users, n.UserID)
		assert.Equal(t, "Milestone upcoming: Go-live", n.Title)
		assert.Equal(t, `Milestone "Go-live" is due in 10 days`, n.Message)
		assert.Equal(t, domain.NotifyMilestoneUpcoming, n.Type)
		assert.Equal(t, domain.DeliveryDelivered, n.DeliveryStatus)
		assert.Equal(t, "https://pm.example.com/projects/p1/milestone/ms-1", n.ActionURL)
	}
	assert.ElementsMatch(t, []string{"fin-1", "pm-1", "owner-1"}, users)

	env.days(1)
	rep = env.sweep(t)
	assert.Equal(t, 1, rep.Triggered, "9 days out still satisfies the window")
	assert.Equal(t, 0, rep.Fired)
	assert.Equal(t, 1, rep.Suppressed)
	assert.Len(t, env.deliveries(t, "ms-due"), 3)
}

func TestSweepIsIdempotentAtSameInstant(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, milestoneRule())
	env.put(t, goLive(start.AddDate(0, 0, 5)))

	first := env.sweep(t)
	second := env.sweep(t)
	assert.Equal(t, 1, first.Fired)
	assert.Equal(t, 0, second.Fired)
	assert.Equal(t, 0, second.Notifications)
	assert.Len(t, env.deliveries(t, "ms-due"), 3)
}

func TestDaysAfterRearmsDaily(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, domain.ReminderRule{
		ID:              "task-overdue",
		Name:            "Task Overdue Notification",
		EntityType:      domain.KindTask,
		Trigger:         domain.TriggerDaysAfter,
		TriggerDays:     1,
		Recipients:      domain.Recipients{ProjectRoles: []domain.ProjectRole{domain.ProjectRoleAssignee}},
		Channels:        []domain.Channel{domain.ChannelInApp},
		MessageTemplate: `Task "{entity.title}" is {days} day(s) overdue`,
	})
	env.put(t, domain.Task{ID: "t-1", Project: "p1", Title: "Wire API", Status: "in_progress", PlannedEnd: start.AddDate(0, 0, -2), Assignee: "dev-1"})

	assert.Equal(t, 1, env.sweep(t).Fired)
	env.advance(3 * time.Hour)
	assert.Equal(t, 0, env.sweep(t).Fired, "same calendar day")
	env.days(1)
	assert.Equal(t, 1, env.sweep(t).Fired, "next day re-arms")

	rows := env.deliveries(t, "task-overdue")
	require.Len(t, rows, 2)
	assert.Equal(t, `Task "Wire API" is 3 day(s) overdue`, rows[0].Message)
	assert.Equal(t, domain.NotifyTaskOverdue, rows[0].Type)
}

func TestEscalationFiresOnceAfterDays(t *testing.T) {
	env := newTestEnv(t)
	r := milestoneRule()
	r.Escalation = &domain.Escalation{AfterDays: 7, EscalateTo: []string{"pmo"}}
	env.rule(t, r)
	env.put(t, goLive(start.AddDate(0, 0, 10)))

	require.Equal(t, 1, env.sweep(t).Fired)

	env.days(6)
	assert.Equal(t, 0, env.sweep(t).Escalated)

	env.days(1)
	rep := env.sweep(t)
	assert.Equal(t, 1, rep.Escalated)

	var escalations []domain.Notification
	for _, n := range env.deliveries(t, "ms-due") {
		if n.EscalationLevel == 1 {
			escalations = append(escalations, n)
		}
	}
	require.Len(t, escalations, 1)
	assert.Equal(t, "pmo-1", escalations[0].UserID)
	assert.Equal(t, "[Escalation] Milestone upcoming: Go-live", escalations[0].Title)
	assert.Equal(t, `[Escalation] Milestone "Go-live" is due in 3 days (unacknowledged for 7 days)`, escalations[0].Message)

	rec, err := env.Engine.Repo.GetFireRecord(env.Ctx, domain.FireKey{RuleID: "ms-due", EntityID: "ms-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.EscalationLevel)
	require.NotNil(t, rec.EscalatedAt)

	env.days(3)
	assert.Equal(t, 0, env.sweep(t).Escalated)

	escalated, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilters{Type: "reminder.escalated"})
	require.NoError(t, err)
	assert.Len(t, escalated, 1)
}

func TestEscalationSameSweepWhenAfterDaysZero(t *testing.T) {
	env := newTestEnv(t)
	r := milestoneRule()
	r.Escalation = &domain.Escalation{AfterDays: 0, EscalateTo: []string{"admin"}}
	env.rule(t, r)
	env.put(t, goLive(start.AddDate(0, 0, 2)))

	rep := env.sweep(t)
	assert.Equal(t, 1, rep.Fired)
	assert.Equal(t, 1, rep.Escalated)
	assert.Equal(t, 4, rep.Notifications)
}

func TestMarkReadAcknowledgesAndStopsEscalation(t *testing.T) {
	env := newTestEnv(t)
	r := milestoneRule()
	r.Escalation = &domain.Escalation{AfterDays: 7, EscalateTo: []string{"pmo"}}
	env.rule(t, r)
	env.put(t, goLive(start.AddDate(0, 0, 10)))
	env.sweep(t)

	inbox, err := env.Engine.Repo.ListNotifications(env.Ctx, repo.InboxFilters{UserID: "pm-1"})
	require.NoError(t, err)
	require.Len(t, inbox, 1)

	env.days(2)
	read, err := env.Engine.MarkRead(env.Ctx, inbox[0].ID, "pm-1")
	require.NoError(t, err)
	assert.True(t, read.IsRead)
	require.NotNil(t, read.ReadAt)

	rec, err := env.Engine.Repo.GetFireRecord(env.Ctx, domain.FireKey{RuleID: "ms-due", EntityID: "ms-1"})
	require.NoError(t, err)
	require.NotNil(t, rec.AcknowledgedAt)
	assert.True(t, rec.AcknowledgedAt.Equal(env.now))

	env.days(5)
	assert.Equal(t, 0, env.sweep(t).Escalated)

	count, err := env.Engine.Repo.UnreadCount(env.Ctx, "pm-1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestAcknowledgeUnknownPair(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, milestoneRule())
	_, err := env.Engine.Acknowledge(env.Ctx, "ms-due", "nope", "pm-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPartialDeliveryFailureIsIsolated(t *testing.T) {
	env := newTestEnv(t)
	env.Email.err = errors.New("smtp: connection refused")
	r := milestoneRule()
	r.Recipients = domain.Recipients{Roles: []string{"finance"}}
	r.Channels = []domain.Channel{domain.ChannelInApp, domain.ChannelEmail, domain.ChannelSlack}
	env.rule(t, r)
	env.put(t, goLive(start.AddDate(0, 0, 3)))

	rep := env.sweep(t)
	assert.Equal(t, 1, rep.Fired)
	assert.Equal(t, 3, rep.Notifications)
	assert.Equal(t, 2, rep.Delivered)
	assert.Equal(t, 1, rep.Failed)

	byChannel := map[domain.Channel]domain.Notification{}
	for _, n := range env.deliveries(t, "ms-due") {
		byChannel[n.Channel] = n
	}
	assert.Equal(t, domain.DeliveryDelivered, byChannel[domain.ChannelInApp].DeliveryStatus)
	assert.Equal(t, domain.DeliveryDelivered, byChannel[domain.ChannelSlack].DeliveryStatus)
	email := byChannel[domain.ChannelEmail]
	assert.Equal(t, domain.DeliveryFailed, email.DeliveryStatus)
	assert.Equal(t, 3, email.Attempts)
	assert.Contains(t, email.LastError, "connection refused")
	assert.Len(t, env.Slack.messages(), 1)

	failed, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilters{Type: "delivery.failed"})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "ms-1", failed[0].EntityID)

	// The failure does not re-open the edge.
	assert.Equal(t, 0, env.sweep(t).Fired)
}

func TestPermanentFailureStopsRetrying(t *testing.T) {
	env := newTestEnv(t)
	env.Email.err = channel.Permanent(errors.New("no address"))
	r := milestoneRule()
	r.Recipients = domain.Recipients{Roles: []string{"finance"}}
	r.Channels = []domain.Channel{domain.ChannelEmail, domain.ChannelTeams}
	env.rule(t, r)
	env.put(t, goLive(start.AddDate(0, 0, 3)))

	rep := env.sweep(t)
	assert.Equal(t, 2, rep.Failed)
	for _, n := range env.deliveries(t, "ms-due") {
		assert.Equal(t, domain.DeliveryFailed, n.DeliveryStatus)
		assert.Equal(t, 1, n.Attempts, string(n.Channel))
	}
}

func TestMissingAssigneeCommitsWithoutNotifications(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, domain.ReminderRule{
		ID:              "task-overdue",
		Name:            "Task Overdue Notification",
		EntityType:      domain.KindTask,
		Trigger:         domain.TriggerDaysAfter,
		TriggerDays:     1,
		Recipients:      domain.Recipients{ProjectRoles: []domain.ProjectRole{domain.ProjectRoleAssignee}},
		Channels:        []domain.Channel{domain.ChannelInApp},
		MessageTemplate: "overdue",
	})
	env.put(t, domain.Task{ID: "t-1", Project: "p1", Title: "Nobody", Status: "todo", PlannedEnd: start.AddDate(0, 0, -3)})

	rep := env.sweep(t)
	assert.Equal(t, 1, rep.Fired)
	assert.Equal(t, 1, rep.Unresolved)
	assert.Equal(t, 0, rep.Notifications)
	assert.Empty(t, env.deliveries(t, "task-overdue"))

	_, err := env.Engine.Repo.GetFireRecord(env.Ctx, domain.FireKey{RuleID: "task-overdue", EntityID: "t-1"})
	require.NoError(t, err)
	unresolved, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilters{Type: "reminder.unresolved"})
	require.NoError(t, err)
	assert.Len(t, unresolved, 1)
}

func TestInactiveRoleMembersAreSkipped(t *testing.T) {
	env := newTestEnv(t)
	r := milestoneRule()
	r.Recipients = domain.Recipients{Roles: []string{"finance"}, Users: []string{"ghost", "dev-1"}}
	env.rule(t, r)
	env.put(t, goLive(start.AddDate(0, 0, 1)))

	env.sweep(t)
	users := []string{}
	for _, n := range env.deliveries(t, "ms-due") {
		users = append(users, n.UserID)
	}
	assert.ElementsMatch(t, []string{"fin-1", "dev-1"}, users)
}

func TestFrozenOrDeletedEntityDropsRecord(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, milestoneRule())
	ms := goLive(start.AddDate(0, 0, 4))
	env.put(t, ms)
	env.put(t, domain.Milestone{ID: "ms-2", Project: "p1", Name: "Beta", Status: "pending", PlannedDate: start.AddDate(0, 0, 4), Owner: "owner-1"})
	require.Equal(t, 2, env.sweep(t).Fired)

	ms.Status = "achieved"
	env.put(t, ms)
	require.NoError(t, env.Engine.Repo.DeleteEntity(env.Ctx, domain.EntityRef{Kind: domain.KindMilestone, ID: "ms-2"}))

	rep := env.sweep(t)
	assert.Equal(t, 2, rep.Forgotten)
	assert.Equal(t, 0, rep.Triggered)
	for _, id := range []string{"ms-1", "ms-2"} {
		_, err := env.Engine.Repo.GetFireRecord(env.Ctx, domain.FireKey{RuleID: "ms-due", EntityID: id})
		assert.ErrorIs(t, err, domain.ErrNotFound, id)
	}

	// A reopened milestone is a fresh pair and fires again.
	ms.Status = "pending"
	env.put(t, ms)
	assert.Equal(t, 1, env.sweep(t).Fired)
}

func TestInactiveRuleDoesNotFire(t *testing.T) {
	env := newTestEnv(t)
	r := env.rule(t, milestoneRule())
	_, err := env.Engine.ToggleRule(env.Ctx, r.ID, "admin-1")
	require.NoError(t, err)
	env.put(t, goLive(start.AddDate(0, 0, 2)))

	rep := env.sweep(t)
	assert.Equal(t, 0, rep.Rules)
	assert.Equal(t, 0, rep.Fired)
}

func TestDeleteRuleCascadesFireRecords(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, milestoneRule())
	env.put(t, goLive(start.AddDate(0, 0, 2)))
	env.sweep(t)

	require.NoError(t, env.Engine.DeleteRule(env.Ctx, "ms-due", "admin-1"))
	recs, err := env.Engine.Repo.ListFireRecords(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.ErrorIs(t, env.Engine.DeleteRule(env.Ctx, "ms-due", "admin-1"), domain.ErrNotFound)
}

func TestUpdateRuleValidates(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, milestoneRule())

	empty := []domain.Channel{}
	_, err := env.Engine.UpdateRule(env.Ctx, engine.RuleUpdateOptions{ID: "ms-due", Patch: engine.RulePatch{Channels: &empty}, ActorID: "admin-1"})
	var verr domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "channels", verr.Field)

	days := 14
	updated, err := env.Engine.UpdateRule(env.Ctx, engine.RuleUpdateOptions{ID: "ms-due", Patch: engine.RulePatch{TriggerDays: &days, ClearEscalation: true}, ActorID: "admin-1"})
	require.NoError(t, err)
	assert.Equal(t, 14, updated.TriggerDays)
	assert.Nil(t, updated.Escalation)

	got, err := env.Engine.GetRule(env.Ctx, "ms-due")
	require.NoError(t, err)
	assert.Equal(t, 14, got.TriggerDays)
}

func TestSeedRulesIsRepeatable(t *testing.T) {
	env := newTestEnv(t)
	n, err := env.Engine.SeedRules(env.Ctx, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, err = env.Engine.SeedRules(env.Ctx, "admin-1")
	require.NoError(t, err)

	rules, err := env.Engine.ListRules(env.Ctx)
	require.NoError(t, err)
	require.Len(t, rules, 6)
	assert.False(t, rules[4].IsActive, "task overdue ships disabled")
}

func TestMarkAllRead(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, milestoneRule())
	env.put(t, goLive(start.AddDate(0, 0, 2)))
	env.put(t, domain.Milestone{ID: "ms-2", Project: "p1", Name: "Beta", Status: "pending", PlannedDate: start.AddDate(0, 0, 3), Owner: "owner-1"})
	env.sweep(t)

	n, err := env.Engine.MarkAllRead(env.Ctx, "owner-1", "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	recs, err := env.Engine.Repo.ListFireRecords(env.Ctx)
	require.NoError(t, err)
	for _, rec := range recs {
		assert.True(t, rec.Acknowledged(), rec.EntityID)
	}
}

func TestCancelledSweepLeavesDeliveryPending(t *testing.T) {
	env := newTestEnv(t)
	env.Email.err = errors.New("timeout")
	r := milestoneRule()
	r.Recipients = domain.Recipients{Roles: []string{"finance"}}
	r.Channels = []domain.Channel{domain.ChannelEmail}
	env.rule(t, r)
	env.put(t, goLive(start.AddDate(0, 0, 2)))

	ctx, cancel := context.WithCancel(env.Ctx)
	env.Engine.Dispatcher.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	rep, _ := env.Engine.Sweep(ctx)
	assert.Equal(t, 1, rep.Fired)
	assert.Equal(t, 1, rep.Pending)

	rows := env.deliveries(t, "ms-due")
	require.Len(t, rows, 1)
	assert.Equal(t, domain.DeliveryPending, rows[0].DeliveryStatus)
	assert.Equal(t, 1, rows[0].Attempts)

	env.Email.err = nil
	env.Engine.Dispatcher.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	rep = env.sweep(t)
	assert.Equal(t, 1, rep.Redriven)
	assert.Equal(t, 1, rep.Delivered)

	rows = env.deliveries(t, "ms-due")
	assert.Equal(t, domain.DeliveryDelivered, rows[0].DeliveryStatus)
	assert.Equal(t, 2, rows[0].Attempts)
	assert.Len(t, env.Email.messages(), 1)
}

func TestConcurrentGateCommitsOnce(t *testing.T) {
	env := newTestEnv(t)
	r := env.rule(t, milestoneRule())
	ms := goLive(start.AddDate(0, 0, 2))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		prepared int
		fired    int
	)
	ev := engine.TriggerEvent{Rule: r, Entity: ms, Instant: start, Days: 2}
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := env.Engine.Tracker.Gate(env.Ctx, ev, func(context.Context) error {
				mu.Lock()
				prepared++
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				fired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fired)
	assert.Equal(t, 1, prepared)
}

func TestGateStaleForgetsRecord(t *testing.T) {
	env := newTestEnv(t)
	r := env.rule(t, domain.ReminderRule{
		ID: "inv", Name: "Invoice", EntityType: domain.KindInvoice, Trigger: domain.TriggerRecurring, TriggerDays: 1,
		Recipients: domain.Recipients{Roles: []string{"finance"}}, Channels: []domain.Channel{domain.ChannelInApp}, MessageTemplate: "x",
	})
	inv := domain.Invoice{ID: "inv-1", Project: "p1", Code: "INV-1", Status: "sent", DueDate: start}
	ev := engine.TriggerEvent{Rule: r, Entity: inv, Instant: start}

	ok, err := env.Engine.Tracker.Gate(env.Ctx, ev, nil)
	require.NoError(t, err)
	require.True(t, ok)

	ev.Instant = start.AddDate(0, 0, 1)
	ok, err = env.Engine.Tracker.Gate(env.Ctx, ev, func(context.Context) error { return engine.ErrStale })
	assert.ErrorIs(t, err, engine.ErrStale)
	assert.False(t, ok)
	rec, err := env.Engine.Tracker.Lookup(env.Ctx, ev.Key())
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestBackoff(t *testing.T) {
	p := engine.RetryPolicy{BaseBackoff: time.Second, MaxBackoff: 30 * time.Second}
	assert.Equal(t, time.Duration(0), p.Backoff(0))
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 16*time.Second, p.Backoff(5))
	assert.Equal(t, 30*time.Second, p.Backoff(6))
	assert.Equal(t, 30*time.Second, p.Backoff(20))
}

// cancellingDirectory cancels the sweep once RoleMembers has been asked
// more than `after` times.
type cancellingDirectory struct {
	engine.Directory
	cancel context.CancelFunc
	after  int
	calls  int
}

func (d *cancellingDirectory) RoleMembers(ctx context.Context, role string) ([]string, error) {
	d.calls++
	if d.calls > d.after {
		d.cancel()
	}
	return d.Directory.RoleMembers(ctx, role)
}

func TestCancelledSweepKeepsCommittedReminders(t *testing.T) {
	env := newTestEnv(t)
	r := milestoneRule()
	r.Recipients = domain.Recipients{Roles: []string{"finance"}}
	env.rule(t, r)
	env.put(t, goLive(start.AddDate(0, 0, 3)))
	env.put(t, domain.Milestone{ID: "ms-2", Project: "p1", Name: "Beta", Status: "pending", PlannedDate: start.AddDate(0, 0, 4), Owner: "owner-1"})

	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	env.Engine.Resolver.Directory = &cancellingDirectory{Directory: env.Engine.Repo, cancel: cancel, after: 1}
	rep, err := env.Engine.Sweep(ctx)
	require.Error(t, err)
	assert.True(t, rep.Abandoned)
	assert.Equal(t, 1, rep.Fired)
	assert.Equal(t, 1, rep.Notifications)

	rows := env.deliveries(t, "ms-due")
	require.Len(t, rows, 1, "the committed edge still reaches the inbox")
	assert.Equal(t, "ms-1", rows[0].EntityID)
	fired, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilters{Type: "reminder.fired"})
	require.NoError(t, err)
	assert.Len(t, fired, 1)

	env.Engine.Resolver.Directory = env.Engine.Repo
	rep = env.sweep(t)
	assert.Equal(t, 1, rep.Fired, "the interrupted edge was left for the next tick")
	assert.Equal(t, 1, rep.Suppressed)
	ids := []string{}
	for _, n := range env.deliveries(t, "ms-due") {
		ids = append(ids, n.EntityID)
	}
	assert.ElementsMatch(t, []string{"ms-1", "ms-2"}, ids)
}

func TestGateLosesToAnotherProcess(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	open := func() engine.Engine {
		conn, err := db.Open(db.Config{Workspace: dir})
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		_, err = migrate.Migrate(ctx, conn)
		require.NoError(t, err)
		eng, err := engine.New(conn, config.Default(), logging.Discard())
		require.NoError(t, err)
		eng.Now = func() time.Time { return start }
		return eng
	}
	a, b := open(), open()

	rule := milestoneRule()
	rule.IsActive = true
	r, err := a.CreateRule(ctx, engine.RuleCreateOptions{Rule: rule, ActorID: "admin-1"})
	require.NoError(t, err)
	ev := engine.TriggerEvent{Rule: r, Entity: goLive(start.AddDate(0, 0, 2)), Instant: start, Days: 2}

	var firedB bool
	firedA, err := a.Tracker.Gate(ctx, ev, func(ctx context.Context) error {
		var err error
		firedB, err = b.Tracker.Gate(ctx, ev, nil)
		return err
	})
	require.NoError(t, err)
	assert.True(t, firedB)
	assert.False(t, firedA, "the second writer must see the edge as already fired")

	recs, err := a.Repo.ListFireRecords(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestPromoteLosesToAcknowledgement(t *testing.T) {
	env := newTestEnv(t)
	r := milestoneRule()
	r.Escalation = &domain.Escalation{AfterDays: 0, EscalateTo: []string{"pmo"}}
	r = env.rule(t, r)
	ev := engine.TriggerEvent{Rule: r, Entity: goLive(start.AddDate(0, 0, 2)), Instant: start}
	ok, err := env.Engine.Tracker.Gate(env.Ctx, ev, nil)
	require.NoError(t, err)
	require.True(t, ok)

	other := engine.NewTracker(env.Engine.Repo, env.Engine.Evaluator.Policy)
	promoted, err := env.Engine.Tracker.Promote(env.Ctx, ev.Key(), 0, start, func(ctx context.Context, rec domain.FireRecord) error {
		_, err := other.Acknowledge(ctx, ev.Key(), start)
		return err
	})
	require.NoError(t, err)
	assert.False(t, promoted)

	rec, err := env.Engine.Repo.GetFireRecord(env.Ctx, ev.Key())
	require.NoError(t, err)
	assert.Equal(t, 0, rec.EscalationLevel)
	assert.NotNil(t, rec.AcknowledgedAt)
}

// flakyProvider fails to reload one entity.
type flakyProvider struct {
	engine.Provider
	failID string
}

func (p flakyProvider) GetWatchable(ctx context.Context, ref domain.EntityRef) (domain.Watchable, error) {
	if ref.ID == p.failID {
		return nil, errors.New("provider unavailable")
	}
	return p.Provider.GetWatchable(ctx, ref)
}

func TestPairFaultDoesNotAbortSweep(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, milestoneRule())
	env.put(t, goLive(start.AddDate(0, 0, 3)))
	env.put(t, domain.Milestone{ID: "ms-2", Project: "p1", Name: "Beta", Status: "pending", PlannedDate: start.AddDate(0, 0, 4), Owner: "owner-1"})
	env.put(t, domain.Milestone{ID: "ms-3", Project: "p1", Name: "GA", Status: "pending", PlannedDate: start.AddDate(0, 0, 5), Owner: "owner-1"})

	env.Engine.Provider = flakyProvider{Provider: env.Engine.Repo, failID: "ms-2"}
	rep, err := env.Engine.Sweep(env.Ctx)
	require.Error(t, err)
	assert.False(t, rep.Abandoned)
	assert.Equal(t, 3, rep.Triggered)
	assert.Equal(t, 2, rep.Fired)
	require.Len(t, rep.Errors, 1)
	assert.Contains(t, rep.Errors[0], "ms-2")
	assert.Contains(t, rep.Errors[0], "provider unavailable")

	_, err = env.Engine.Repo.GetFireRecord(env.Ctx, domain.FireKey{RuleID: "ms-due", EntityID: "ms-2"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	env.Engine.Provider = env.Engine.Repo
	rep = env.sweep(t)
	assert.Equal(t, 1, rep.Fired)
	assert.Equal(t, 2, rep.Suppressed)
}

func TestRecurringSweepCadence(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, domain.ReminderRule{
		ID:              "inv-nag",
		Name:            "Invoice follow-up",
		EntityType:      domain.KindInvoice,
		Trigger:         domain.TriggerRecurring,
		TriggerDays:     3,
		Recipients:      domain.Recipients{Roles: []string{"finance"}},
		Channels:        []domain.Channel{domain.ChannelInApp},
		MessageTemplate: `Invoice "{entity.code}" is still open`,
	})
	env.put(t, domain.Invoice{ID: "inv-1", Project: "p1", Code: "INV-1", Status: "sent", DueDate: start.AddDate(0, 0, 20)})

	fired := []int{}
	for day := 0; day <= 6; day++ {
		if day > 0 {
			env.days(1)
		}
		fired = append(fired, env.sweep(t).Fired)
	}
	assert.Equal(t, []int{1, 0, 0, 1, 0, 0, 1}, fired)
	assert.Len(t, env.deliveries(t, "inv-nag"), 3)
}

func TestOnDateFiresOnlyOnAnchorDay(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, domain.ReminderRule{
		ID:              "task-today",
		Name:            "Task due today",
		EntityType:      domain.KindTask,
		Trigger:         domain.TriggerOnDate,
		Recipients:      domain.Recipients{ProjectRoles: []domain.ProjectRole{domain.ProjectRoleAssignee}},
		Channels:        []domain.Channel{domain.ChannelInApp},
		MessageTemplate: `Task "{entity.title}" is due today`,
	})
	env.put(t, domain.Task{ID: "t-1", Project: "p1", Title: "Cut release", Status: "todo", PlannedEnd: start.AddDate(0, 0, 2).Add(6 * time.Hour), Assignee: "dev-1"})

	assert.Equal(t, 0, env.sweep(t).Fired)
	env.days(2)
	assert.Equal(t, 1, env.sweep(t).Fired)
	env.advance(2 * time.Hour)
	assert.Equal(t, 0, env.sweep(t).Fired, "same day")
	env.days(1)
	assert.Equal(t, 0, env.sweep(t).Fired, "day after")
	env.days(7)
	assert.Equal(t, 0, env.sweep(t).Fired)

	rows := env.deliveries(t, "task-today")
	require.Len(t, rows, 1)
	assert.Equal(t, "dev-1", rows[0].UserID)
	assert.Equal(t, domain.NotifyGeneral, rows[0].Type)
}

func TestIssueSLAReminderIsNotEscalated(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, domain.ReminderRule{
		ID:              "issue-sla",
		Name:            "Issue SLA Warning",
		EntityType:      domain.KindIssue,
		Trigger:         domain.TriggerDaysBefore,
		TriggerDays:     1,
		Recipients:      domain.Recipients{ProjectRoles: []domain.ProjectRole{domain.ProjectRoleOwner}},
		Channels:        []domain.Channel{domain.ChannelInApp},
		Escalation:      &domain.Escalation{AfterDays: 1, EscalateTo: []string{"pmo"}},
		MessageTemplate: `Issue "{entity.code}" SLA deadline is in {days} day(s)`,
	})
	env.put(t, domain.Issue{ID: "i-1", Project: "p1", Code: "ISS-1", Title: "Login broken", Status: "open", SLADeadline: start.Add(20 * time.Hour), Owner: "owner-1"})

	require.Equal(t, 1, env.sweep(t).Fired)
	env.days(1)
	require.Equal(t, 1, env.sweep(t).Escalated)

	byLevel := map[int]domain.Notification{}
	for _, n := range env.deliveries(t, "issue-sla") {
		byLevel[n.EscalationLevel] = n
	}
	require.Len(t, byLevel, 2)
	assert.Equal(t, domain.NotifyIssueSLA, byLevel[0].Type)
	assert.Equal(t, "Issue SLA: Login broken", byLevel[0].Title)
	assert.Equal(t, domain.NotifyIssueEscalated, byLevel[1].Type)
	assert.Equal(t, "[Escalation] Issue escalated: Login broken", byLevel[1].Title)
}

func TestRetypingRuleClearsFireRecords(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, milestoneRule())
	env.put(t, goLive(start.AddDate(0, 0, 3)))
	require.Equal(t, 1, env.sweep(t).Fired)

	kind := domain.KindTask
	_, err := env.Engine.UpdateRule(env.Ctx, engine.RuleUpdateOptions{ID: "ms-due", Patch: engine.RulePatch{EntityType: &kind}, ActorID: "admin-1"})
	require.NoError(t, err)
	recs, err := env.Engine.Repo.ListFireRecords(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)

	env.put(t, domain.Task{ID: "ms-1", Project: "p1", Title: "Same id, new kind", Status: "todo", PlannedEnd: start.AddDate(0, 0, 5), Reporter: "owner-1"})
	assert.Equal(t, 1, env.sweep(t).Fired)
}
