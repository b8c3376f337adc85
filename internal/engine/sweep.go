package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"duewatch/internal/domain"
	"duewatch/internal/events"
)

// pendingRedriveLimit caps how many interrupted deliveries one sweep redrives.
const pendingRedriveLimit = 500

var errConditionCleared = errors.New("trigger condition no longer holds")

// SweepReport summarizes one tick.
type SweepReport struct {
	Now           time.Time `json:"now"`
	Duration      string    `json:"duration"`
	Rules         int       `json:"rules"`
	Entities      int       `json:"entities"`
	Triggered     int       `json:"triggered"`
	Fired         int       `json:"fired"`
	Suppressed    int       `json:"suppressed"`
	Stale         int       `json:"stale"`
	Unresolved    int       `json:"unresolved"`
	Forgotten     int       `json:"forgotten"`
	Escalated     int       `json:"escalated"`
	Notifications int       `json:"notifications"`
	Delivered     int       `json:"delivered"`
	Failed        int       `json:"failed"`
	Pending       int       `json:"pending"`
	Redriven      int       `json:"redriven"`
	Abandoned     bool      `json:"abandoned"`
	Errors        []string  `json:"errors,omitempty"`
}

func (r *SweepReport) tally(outcomes []Outcome) {
	for _, o := range outcomes {
		r.Notifications++
		switch o.Status {
		case domain.DeliveryDelivered:
			r.Delivered++
		case domain.DeliveryFailed:
			r.Failed++
		default:
			r.Pending++
		}
	}
}

// Sweep runs one tick at a fixed now: redrive interrupted deliveries,
// evaluate every active rule, gate and commit each trigger, dispatch, then
// run the escalation pass. Per-pair faults are collected and joined into the
// returned error; they never stop the tick. Only failing to read the rules
// aborts a sweep.
func (e Engine) Sweep(ctx context.Context) (SweepReport, error) {
	now := e.now()
	started := time.Now()
	rep := SweepReport{Now: now}
	if e.Config != nil && e.Config.Sweep.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Config.Sweep.Timeout)
		defer cancel()
	}
	var errs []error
	fault := func(err error) {
		if err == nil {
			return
		}
		e.logger().Error("sweep fault", "err", err)
		errs = append(errs, err)
	}
	finish := func() (SweepReport, error) {
		rep.Duration = time.Since(started).Round(time.Millisecond).String()
		rep.Abandoned = ctx.Err() != nil
		for _, err := range errs {
			rep.Errors = append(rep.Errors, err.Error())
		}
		e.logger().Info("sweep finished",
			"now", now.Format(time.RFC3339),
			"fired", rep.Fired,
			"escalated", rep.Escalated,
			"notifications", rep.Notifications,
			"failed", rep.Failed,
			"errors", len(errs),
			"duration", rep.Duration,
		)
		return rep, errors.Join(errs...)
	}

	redriven, err := e.Dispatcher.RetryPending(ctx, pendingRedriveLimit)
	fault(err)
	rep.Redriven = len(redriven)
	rep.tally(redriven)

	rules, err := e.Rules.ListRules(ctx)
	if err != nil {
		return rep, fmt.Errorf("list rules: %w", err)
	}
	byID := make(map[string]domain.ReminderRule, len(rules))
	var active []domain.ReminderRule
	for _, r := range rules {
		byID[r.ID] = r
		if r.IsActive {
			active = append(active, r)
		}
	}
	rep.Rules = len(active)

	records, err := e.Tracker.Snapshot(ctx)
	if err != nil {
		fault(err)
		return finish()
	}

	kinds := map[domain.EntityKind]bool{}
	for _, r := range active {
		kinds[r.EntityType] = true
	}
	for _, rec := range records {
		kinds[rec.EntityKind] = true
	}
	snapshots := map[domain.EntityKind][]domain.Watchable{}
	for _, kind := range domain.EntityKinds {
		if !kinds[kind] {
			continue
		}
		list, err := e.Provider.ListWatchable(ctx, kind)
		if err != nil {
			fault(fmt.Errorf("list %s: %w", kind, err))
			continue
		}
		snapshots[kind] = list
		rep.Entities += len(list)
	}

	rep.Forgotten = e.collectGarbage(ctx, records, byID, snapshots, fault)

	triggered, err := e.Evaluator.Evaluate(ctx, now, active, snapshots, func(k domain.FireKey) *domain.FireRecord {
		if rec, ok := records[k]; ok {
			return &rec
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		fault(err)
	}
	rep.Triggered = len(triggered)

	var batch []Delivery
	for _, ev := range triggered {
		if ctx.Err() != nil {
			break
		}
		del, fired, err := e.fire(ctx, ev)
		switch {
		case errors.Is(err, ErrStale):
			rep.Stale++
		case errors.Is(err, errConditionCleared):
			rep.Suppressed++
		case err != nil:
			fault(fmt.Errorf("fire %s: %w", ev.Key(), err))
		case !fired:
			rep.Suppressed++
		default:
			rep.Fired++
			if len(del.Recipients) == 0 {
				rep.Unresolved++
				continue
			}
			batch = append(batch, del)
		}
	}
	outcomes, err := e.Dispatcher.DispatchAll(ctx, batch)
	fault(err)
	rep.tally(outcomes)

	escalations, escErrs := e.escalationPass(ctx, now, byID, &rep)
	for _, err := range escErrs {
		fault(err)
	}
	outcomes, err = e.Dispatcher.DispatchAll(ctx, escalations)
	fault(err)
	rep.tally(outcomes)

	return finish()
}

// fire gates one trigger event. The entity is re-read under the key lock so
// a record deleted or frozen since the listing is dropped, and recipients are
// resolved before the commit so a directory fault leaves the edge for the
// next tick.
func (e Engine) fire(ctx context.Context, ev TriggerEvent) (Delivery, bool, error) {
	var del Delivery
	fired, err := e.Tracker.Gate(ctx, ev, func(ctx context.Context) error {
		cur, err := e.current(ctx, ev.Entity.Ref())
		if err != nil {
			return err
		}
		days, ok := e.Evaluator.Satisfied(ev.Rule, cur, nil, ev.Instant)
		if !ok {
			return errConditionCleared
		}
		recipients, err := e.Resolver.Resolve(ctx, ev.Rule.Recipients, cur)
		if err != nil {
			return err
		}
		computed := Computed{Days: days, ProjectName: e.projectName(ctx, cur.ProjectID())}
		del = Delivery{
			Rule:       ev.Rule,
			Entity:     cur,
			Recipients: recipients,
			Channels:   ev.Rule.Channels,
			Composed:   Compose(ev.Rule, cur, computed),
			ActionURL:  e.actionURL(cur),
		}
		return nil
	})
	if err != nil || !fired {
		return Delivery{}, false, err
	}
	// The edge is committed; its audit trail must not depend on ctx.
	wctx := context.WithoutCancel(ctx)
	ref := del.Entity.Ref()
	payload := events.EventPayload{
		"rule_id":    ev.Rule.ID,
		"trigger":    ev.Rule.Trigger,
		"recipients": del.Recipients,
		"channels":   ev.Rule.Channels,
	}
	if err := e.eventLog().Append(wctx, "reminder.fired", del.Entity.ProjectID(), string(ref.Kind), ref.ID, systemActor, payload); err != nil {
		e.logger().Warn("append reminder.fired event", "err", err)
	}
	if len(del.Recipients) == 0 {
		e.logger().Warn("reminder resolved no recipients", "rule", ev.Rule.ID, "entity", ref.String())
		unresolved := events.EventPayload{"rule_id": ev.Rule.ID, "recipients": ev.Rule.Recipients}
		if err := e.eventLog().Append(wctx, "reminder.unresolved", del.Entity.ProjectID(), string(ref.Kind), ref.ID, systemActor, unresolved); err != nil {
			e.logger().Warn("append reminder.unresolved event", "err", err)
		}
	}
	return del, true, nil
}

// collectGarbage forgets records whose rule is gone or whose entity was
// deleted or frozen. Records of kinds that failed to list are kept.
func (e Engine) collectGarbage(ctx context.Context, records map[domain.FireKey]domain.FireRecord, rules map[string]domain.ReminderRule, snapshots map[domain.EntityKind][]domain.Watchable, fault func(error)) int {
	live := map[domain.EntityRef]bool{}
	for _, list := range snapshots {
		for _, w := range list {
			if !w.IsFrozen() {
				live[w.Ref()] = true
			}
		}
	}
	forgotten := 0
	for key, rec := range records {
		_, ruleKnown := rules[rec.RuleID]
		_, kindListed := snapshots[rec.EntityKind]
		ref := domain.EntityRef{Kind: rec.EntityKind, ID: rec.EntityID}
		if ruleKnown && (!kindListed || live[ref]) {
			continue
		}
		if err := e.Tracker.Forget(ctx, key); err != nil {
			fault(err)
			continue
		}
		delete(records, key)
		forgotten++
	}
	return forgotten
}
