package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"duewatch/internal/domain"
	"duewatch/internal/events"
)

// escalationPass promotes every open cycle whose rule escalates and whose
// age reached afterDays. Promotion is committed before the escalation is
// handed to the dispatcher, so a second pass never re-sends it.
func (e Engine) escalationPass(ctx context.Context, now time.Time, rules map[string]domain.ReminderRule, rep *SweepReport) ([]Delivery, []error) {
	records, err := e.Tracker.Snapshot(ctx)
	if err != nil {
		return nil, []error{err}
	}
	keys := make([]domain.FireKey, 0, len(records))
	for k := range records {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var (
		batch []Delivery
		errs  []error
	)
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		rec := records[key]
		rule, ok := rules[rec.RuleID]
		if !ok || !rule.IsActive || rule.Escalation == nil {
			continue
		}
		if !e.Tracker.EscalationDue(rec, rule.Escalation.AfterDays, now) {
			continue
		}
		del, promoted, err := e.escalate(ctx, now, rule, key)
		switch {
		case errors.Is(err, ErrStale):
			rep.Stale++
		case err != nil:
			errs = append(errs, fmt.Errorf("escalate %s: %w", key, err))
		case promoted:
			rep.Escalated++
			if len(del.Recipients) == 0 {
				rep.Unresolved++
				continue
			}
			batch = append(batch, del)
		}
	}
	return batch, errs
}

func (e Engine) escalate(ctx context.Context, now time.Time, rule domain.ReminderRule, key domain.FireKey) (Delivery, bool, error) {
	var (
		del    Delivery
		unack  int
		entity domain.Watchable
	)
	promoted, err := e.Tracker.Promote(ctx, key, rule.Escalation.AfterDays, now, func(ctx context.Context, rec domain.FireRecord) error {
		cur, err := e.current(ctx, domain.EntityRef{Kind: rec.EntityKind, ID: rec.EntityID})
		if err != nil {
			return err
		}
		recipients, err := e.Resolver.ResolveRoles(ctx, rule.Escalation.EscalateTo)
		if err != nil {
			return err
		}
		entity = cur
		unack = e.Evaluator.Policy.DaysBetween(rec.CycleStartedAt, now)
		computed := Computed{Days: e.Evaluator.Distance(rule, cur, now), ProjectName: e.projectName(ctx, cur.ProjectID())}
		del = Delivery{
			Rule:            rule,
			Entity:          cur,
			Recipients:      recipients,
			Channels:        rule.Channels,
			Composed:        ComposeEscalation(rule, cur, computed, unack),
			ActionURL:       e.actionURL(cur),
			EscalationLevel: 1,
		}
		return nil
	})
	if err != nil || !promoted {
		return Delivery{}, false, err
	}
	ref := entity.Ref()
	payload := events.EventPayload{
		"rule_id":             rule.ID,
		"escalate_to":         rule.Escalation.EscalateTo,
		"recipients":          del.Recipients,
		"unacknowledged_days": unack,
	}
	if err := e.eventLog().Append(context.WithoutCancel(ctx), "reminder.escalated", entity.ProjectID(), string(ref.Kind), ref.ID, systemActor, payload); err != nil {
		e.logger().Warn("append reminder.escalated event", "err", err)
	}
	if len(del.Recipients) == 0 {
		e.logger().Warn("escalation resolved no recipients", "rule", rule.ID, "entity", ref.String(), "escalate_to", rule.Escalation.EscalateTo)
	}
	return del, true, nil
}
