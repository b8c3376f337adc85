package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"duewatch/internal/channel"
	"duewatch/internal/config"
	"duewatch/internal/domain"
	"duewatch/internal/events"
	"duewatch/internal/repo"
)

const systemActor = "duewatch"

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	Logger *slog.Logger

	Rules      RuleStore
	Provider   Provider
	Directory  Directory
	Tracker    *Tracker
	Evaluator  Evaluator
	Resolver   Resolver
	Dispatcher *Dispatcher
	// Log overrides Events as the sink for sweep decisions.
	Log EventLog
}

// New wires an engine over a migrated database. Transports default to the
// logging transport for every external channel; callers replace
// Dispatcher.Transports and Dispatcher.Publisher to deliver for real.
func New(db *sql.DB, cfg *config.Config, logger *slog.Logger) (Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	policy, err := ParseDayPolicy(cfg.Policy.DayCounting, cfg.Policy.Timezone)
	if err != nil {
		return Engine{}, err
	}
	r := repo.Repo{DB: db}
	e := Engine{
		DB:        db,
		Repo:      r,
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Now:       time.Now,
		Logger:    logger,
		Rules:     r,
		Provider:  r,
		Directory: r,
		Tracker:   NewTracker(r, policy),
		Evaluator: Evaluator{Policy: policy, Workers: cfg.Sweep.Workers},
		Resolver:  Resolver{Directory: r, Logger: logger},
	}
	logTransport := channel.LogTransport{Logger: logger}
	e.Dispatcher = &Dispatcher{
		Inbox:  r,
		Events: e.Events,
		Retry: RetryPolicy{
			MaxAttempts:    cfg.Delivery.MaxAttempts,
			BaseBackoff:    cfg.Delivery.BaseBackoff,
			MaxBackoff:     cfg.Delivery.MaxBackoff,
			AttemptTimeout: cfg.Delivery.AttemptTimeout,
		},
		Workers: cfg.Delivery.Workers,
		Logger:  logger,
		Transports: channel.Registry{
			domain.ChannelEmail: logTransport,
			domain.ChannelSlack: logTransport,
			domain.ChannelTeams: logTransport,
		},
	}
	return e, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) eventLog() EventLog {
	if e.Log != nil {
		return e.Log
	}
	return e.Events
}

// current re-reads an entity; deleted or frozen entities are stale.
func (e Engine) current(ctx context.Context, ref domain.EntityRef) (domain.Watchable, error) {
	cur, err := e.Provider.GetWatchable(ctx, ref)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrStale
	}
	if err != nil {
		return nil, fmt.Errorf("reload %s: %w", ref, err)
	}
	if cur.IsFrozen() {
		return nil, ErrStale
	}
	return cur, nil
}

func (e Engine) projectName(ctx context.Context, projectID string) string {
	if projectID == "" || e.Directory == nil {
		return ""
	}
	p, err := e.Directory.Project(ctx, projectID)
	if err != nil {
		return ""
	}
	return p.Name
}

func (e Engine) actionURL(w domain.Watchable) string {
	if e.Config == nil || strings.TrimSpace(e.Config.ActionURLBase) == "" {
		return ""
	}
	ref := w.Ref()
	return fmt.Sprintf("%s/projects/%s/%s/%s", strings.TrimRight(e.Config.ActionURLBase, "/"), w.ProjectID(), ref.Kind, ref.ID)
}

// RuleCreateOptions are parameters for creating a rule.
type RuleCreateOptions struct {
	Rule    domain.ReminderRule
	ActorID string
}

func (e Engine) CreateRule(ctx context.Context, opts RuleCreateOptions) (domain.ReminderRule, error) {
	r := opts.Rule
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := e.now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	if err := domain.ValidateRule(r); err != nil {
		return domain.ReminderRule{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReminderRule{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRuleTx(ctx, tx, r); err != nil {
		return domain.ReminderRule{}, err
	}
	if err := e.Events.AppendTx(ctx, tx, "rule.created", "", "rule", r.ID, opts.ActorID, events.EventPayload{"name": r.Name, "entity_type": r.EntityType, "trigger": r.Trigger}); err != nil {
		return domain.ReminderRule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReminderRule{}, err
	}
	return r, nil
}

// RulePatch lists the fields an update may change; nil fields are kept.
type RulePatch struct {
	Name            *string
	Description     *string
	IsActive        *bool
	EntityType      *domain.EntityKind
	Trigger         *domain.TriggerKind
	TriggerDays     *int
	Recipients      *domain.Recipients
	Channels        *[]domain.Channel
	Escalation      *domain.Escalation
	ClearEscalation bool
	MessageTemplate *string
}

// RuleUpdateOptions are parameters for updating a rule.
type RuleUpdateOptions struct {
	ID      string
	Patch   RulePatch
	ActorID string
}

func (e Engine) UpdateRule(ctx context.Context, opts RuleUpdateOptions) (domain.ReminderRule, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReminderRule{}, err
	}
	defer tx.Rollback()
	r, err := e.Repo.GetRuleTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.ReminderRule{}, err
	}
	p := opts.Patch
	changed := []string{}
	if p.Name != nil {
		r.Name = *p.Name
		changed = append(changed, "name")
	}
	if p.Description != nil {
		r.Description = *p.Description
		changed = append(changed, "description")
	}
	if p.IsActive != nil {
		r.IsActive = *p.IsActive
		changed = append(changed, "is_active")
	}
	retyped := false
	if p.EntityType != nil {
		retyped = *p.EntityType != r.EntityType
		r.EntityType = *p.EntityType
		changed = append(changed, "entity_type")
	}
	if p.Trigger != nil {
		r.Trigger = *p.Trigger
		changed = append(changed, "trigger")
	}
	if p.TriggerDays != nil {
		r.TriggerDays = *p.TriggerDays
		changed = append(changed, "trigger_days")
	}
	if p.Recipients != nil {
		r.Recipients = *p.Recipients
		changed = append(changed, "recipients")
	}
	if p.Channels != nil {
		r.Channels = *p.Channels
		changed = append(changed, "channels")
	}
	if p.ClearEscalation {
		r.Escalation = nil
		changed = append(changed, "escalation")
	} else if p.Escalation != nil {
		esc := *p.Escalation
		r.Escalation = &esc
		changed = append(changed, "escalation")
	}
	if p.MessageTemplate != nil {
		r.MessageTemplate = *p.MessageTemplate
		changed = append(changed, "message_template")
	}
	if len(changed) == 0 {
		return r, nil
	}
	r.UpdatedAt = e.now().UTC()
	if err := domain.ValidateRule(r); err != nil {
		return domain.ReminderRule{}, err
	}
	if err := e.Repo.UpdateRuleTx(ctx, tx, r); err != nil {
		return domain.ReminderRule{}, err
	}
	payload := events.EventPayload{"fields": changed}
	if retyped {
		// Records are keyed by entity id only; ids of the old kind must not
		// shadow entities of the new one.
		cleared, err := e.Repo.DeleteRuleFireRecordsTx(ctx, tx, r.ID)
		if err != nil {
			return domain.ReminderRule{}, fmt.Errorf("clear fire records of %s: %w", r.ID, err)
		}
		payload["fire_records_cleared"] = cleared
	}
	if err := e.Events.AppendTx(ctx, tx, "rule.updated", "", "rule", r.ID, opts.ActorID, payload); err != nil {
		return domain.ReminderRule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReminderRule{}, err
	}
	return r, nil
}

// ToggleRule flips the active flag. Activating a rule runs full validation.
func (e Engine) ToggleRule(ctx context.Context, id, actorID string) (domain.ReminderRule, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReminderRule{}, err
	}
	defer tx.Rollback()
	r, err := e.Repo.GetRuleTx(ctx, tx, id)
	if err != nil {
		return domain.ReminderRule{}, err
	}
	r.IsActive = !r.IsActive
	r.UpdatedAt = e.now().UTC()
	if err := domain.ValidateRule(r); err != nil {
		return domain.ReminderRule{}, err
	}
	if err := e.Repo.UpdateRuleTx(ctx, tx, r); err != nil {
		return domain.ReminderRule{}, err
	}
	if err := e.Events.AppendTx(ctx, tx, "rule.toggled", "", "rule", r.ID, actorID, events.EventPayload{"is_active": r.IsActive}); err != nil {
		return domain.ReminderRule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReminderRule{}, err
	}
	return r, nil
}

// DeleteRule removes a rule and every fire record it owns.
func (e Engine) DeleteRule(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteRuleTx(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.AppendTx(ctx, tx, "rule.deleted", "", "rule", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) GetRule(ctx context.Context, id string) (domain.ReminderRule, error) {
	return e.Rules.GetRule(ctx, id)
}

func (e Engine) ListRules(ctx context.Context) ([]domain.ReminderRule, error) {
	return e.Rules.ListRules(ctx)
}

// ImportRules creates unknown rules and replaces known ones by id. The whole
// set is validated before anything is written.
func (e Engine) ImportRules(ctx context.Context, rules []domain.ReminderRule, actorID string) (int, error) {
	now := e.now().UTC()
	for i := range rules {
		if rules[i].ID == "" {
			rules[i].ID = uuid.NewString()
		}
		if err := domain.ValidateRule(rules[i]); err != nil {
			return 0, fmt.Errorf("rule %s: %w", rules[i].ID, err)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	for _, r := range rules {
		existing, err := e.Repo.GetRuleTx(ctx, tx, r.ID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			r.CreatedAt, r.UpdatedAt = now, now
			if err := e.Repo.InsertRuleTx(ctx, tx, r); err != nil {
				return 0, err
			}
		case err != nil:
			return 0, err
		default:
			r.CreatedAt, r.UpdatedAt = existing.CreatedAt, now
			if err := e.Repo.UpdateRuleTx(ctx, tx, r); err != nil {
				return 0, err
			}
		}
	}
	if err := e.Events.AppendTx(ctx, tx, "rule.imported", "", "rule", "", actorID, events.EventPayload{"count": len(rules)}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(rules), nil
}

// SeedRules installs the demo rule set.
func (e Engine) SeedRules(ctx context.Context, actorID string) (int, error) {
	return e.ImportRules(ctx, DemoRules(), actorID)
}

// Acknowledge closes the open reminder cycle for (rule, entity).
func (e Engine) Acknowledge(ctx context.Context, ruleID, entityID, actorID string) (domain.FireRecord, error) {
	rec, err := e.Tracker.Acknowledge(ctx, domain.FireKey{RuleID: ruleID, EntityID: entityID}, e.now().UTC())
	if err != nil {
		return domain.FireRecord{}, err
	}
	payload := events.EventPayload{"rule_id": ruleID, "escalation_level": rec.EscalationLevel}
	if err := e.Events.Append(ctx, "reminder.acknowledged", rec.ProjectID, string(rec.EntityKind), rec.EntityID, actorID, payload); err != nil {
		return domain.FireRecord{}, err
	}
	return rec, nil
}

// MarkRead marks a notification read. Reading a reminder acknowledges it.
func (e Engine) MarkRead(ctx context.Context, notificationID, actorID string) (domain.Notification, error) {
	n, err := e.Repo.MarkRead(ctx, notificationID, e.now())
	if err != nil {
		return domain.Notification{}, err
	}
	if err := e.acknowledgeNotification(ctx, n, actorID); err != nil {
		return domain.Notification{}, err
	}
	return n, nil
}

// MarkAllRead marks every unread notification of a user read and
// acknowledges the reminders behind them.
func (e Engine) MarkAllRead(ctx context.Context, userID, actorID string) (int, error) {
	marked, err := e.Repo.MarkAllRead(ctx, userID, e.now())
	if err != nil {
		return 0, err
	}
	seen := map[domain.FireKey]bool{}
	for _, n := range marked {
		key := domain.FireKey{RuleID: n.RuleID, EntityID: n.EntityID}
		if seen[key] {
			continue
		}
		seen[key] = true
		if err := e.acknowledgeNotification(ctx, n, actorID); err != nil {
			return len(marked), err
		}
	}
	return len(marked), nil
}

func (e Engine) acknowledgeNotification(ctx context.Context, n domain.Notification, actorID string) error {
	if n.RuleID == "" || n.EntityID == "" {
		return nil
	}
	_, err := e.Acknowledge(ctx, n.RuleID, n.EntityID, actorID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

// DemoRules returns the stock rule set shipped for new installations.
func DemoRules() []domain.ReminderRule {
	return []domain.ReminderRule{
		{
			ID: "rule1", Name: "Milestone Due Reminder", Description: "Notify PM and Finance before milestone due date",
			IsActive: true, EntityType: domain.KindMilestone, Trigger: domain.TriggerDaysBefore, TriggerDays: 10,
			Recipients:      domain.Recipients{Roles: []string{"pm", "finance"}, ProjectRoles: []domain.ProjectRole{domain.ProjectRolePM, domain.ProjectRoleOwner}},
			Channels:        []domain.Channel{domain.ChannelInApp, domain.ChannelEmail},
			Escalation:      &domain.Escalation{AfterDays: 7, EscalateTo: []string{"pmo"}},
			MessageTemplate: `Milestone "{entity.name}" is due in {days} days`,
		},
		{
			ID: "rule2", Name: "Deliverable Overdue Alert", Description: "Escalate overdue deliverables to Director",
			IsActive: true, EntityType: domain.KindDeliverable, Trigger: domain.TriggerDaysAfter, TriggerDays: 3,
			Recipients:      domain.Recipients{ProjectRoles: []domain.ProjectRole{domain.ProjectRoleOwner, domain.ProjectRoleAssignee}},
			Channels:        []domain.Channel{domain.ChannelInApp, domain.ChannelEmail, domain.ChannelSlack},
			Escalation:      &domain.Escalation{AfterDays: 7, EscalateTo: []string{"admin"}},
			MessageTemplate: `Deliverable "{entity.name}" is {days} days overdue`,
		},
		{
			ID: "rule3", Name: "PO Delivery Warning", Description: "Alert before PO expected delivery date",
			IsActive: true, EntityType: domain.KindPurchaseOrder, Trigger: domain.TriggerDaysBefore, TriggerDays: 5,
			Recipients:      domain.Recipients{Roles: []string{"procurement"}, ProjectRoles: []domain.ProjectRole{domain.ProjectRolePM}},
			Channels:        []domain.Channel{domain.ChannelInApp, domain.ChannelEmail},
			MessageTemplate: `PO "{entity.code}" delivery expected in {days} days`,
		},
		{
			ID: "rule4", Name: "Invoice Due Reminder", Description: "Remind about upcoming invoice due dates",
			IsActive: true, EntityType: domain.KindInvoice, Trigger: domain.TriggerDaysBefore, TriggerDays: 7,
			Recipients:      domain.Recipients{Roles: []string{"finance"}},
			Channels:        []domain.Channel{domain.ChannelInApp, domain.ChannelEmail},
			Escalation:      &domain.Escalation{AfterDays: 0, EscalateTo: []string{"admin"}},
			MessageTemplate: `Invoice "{entity.code}" for ${entity.amount} is due in {days} days`,
		},
		{
			ID: "rule5", Name: "Task Overdue Notification", Description: "Notify assignee and PM when tasks are overdue",
			IsActive: false, EntityType: domain.KindTask, Trigger: domain.TriggerDaysAfter, TriggerDays: 1,
			Recipients:      domain.Recipients{ProjectRoles: []domain.ProjectRole{domain.ProjectRoleAssignee, domain.ProjectRolePM}},
			Channels:        []domain.Channel{domain.ChannelInApp},
			MessageTemplate: `Task "{entity.title}" is {days} day(s) overdue`,
		},
		{
			ID: "rule6", Name: "Issue SLA Warning", Description: "Alert when issue SLA is at risk",
			IsActive: true, EntityType: domain.KindIssue, Trigger: domain.TriggerDaysBefore, TriggerDays: 1,
			Recipients:      domain.Recipients{ProjectRoles: []domain.ProjectRole{domain.ProjectRoleOwner, domain.ProjectRoleAssignee}},
			Channels:        []domain.Channel{domain.ChannelInApp, domain.ChannelEmail, domain.ChannelTeams},
			Escalation:      &domain.Escalation{AfterDays: 0, EscalateTo: []string{"pm"}},
			MessageTemplate: `Issue "{entity.code}" SLA deadline is in {days} day(s)`,
		},
	}
}
