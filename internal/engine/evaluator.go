package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"duewatch/internal/domain"
)

// TriggerEvent is a rule whose condition is satisfied for an entity at a tick.
type TriggerEvent struct {
	Rule    domain.ReminderRule
	Entity  domain.Watchable
	Instant time.Time
	// Days is the day distance shown to recipients: remaining for upcoming
	// triggers, elapsed for overdue ones.
	Days int
}

func (ev TriggerEvent) Key() domain.FireKey {
	return domain.FireKey{RuleID: ev.Rule.ID, EntityID: ev.Entity.Ref().ID}
}

// FireLookup returns the current fire record for a key, or nil.
type FireLookup func(key domain.FireKey) *domain.FireRecord

// Evaluator computes which (rule, entity) pairs currently satisfy their trigger.
type Evaluator struct {
	Policy  DayPolicy
	Workers int
}

// Evaluate checks every active rule against the snapshots of its entity kind.
// Rules are evaluated concurrently; the result is ordered by
// (project, rule, entity).
func (e Evaluator) Evaluate(ctx context.Context, now time.Time, rules []domain.ReminderRule, snapshots map[domain.EntityKind][]domain.Watchable, lookup FireLookup) ([]TriggerEvent, error) {
	if lookup == nil {
		lookup = func(domain.FireKey) *domain.FireRecord { return nil }
	}
	var (
		mu     sync.Mutex
		events []TriggerEvent
	)
	g, gctx := errgroup.WithContext(ctx)
	if e.Workers > 0 {
		g.SetLimit(e.Workers)
	}
	for _, rule := range rules {
		if !rule.IsActive {
			continue
		}
		entities := snapshots[rule.EntityType]
		if len(entities) == 0 {
			continue
		}
		g.Go(func() error {
			var local []TriggerEvent
			for _, ent := range entities {
				if err := gctx.Err(); err != nil {
					return err
				}
				if ent.Ref().Kind != rule.EntityType || ent.IsFrozen() {
					continue
				}
				rec := lookup(domain.FireKey{RuleID: rule.ID, EntityID: ent.Ref().ID})
				days, ok := e.Satisfied(rule, ent, rec, now)
				if !ok {
					continue
				}
				local = append(local, TriggerEvent{Rule: rule, Entity: ent, Instant: now, Days: days})
			}
			mu.Lock()
			events = append(events, local...)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	SortEvents(events)
	return events, err
}

// Satisfied reports whether rule's trigger condition holds for entity at now,
// and the day distance to render.
func (e Evaluator) Satisfied(rule domain.ReminderRule, entity domain.Watchable, rec *domain.FireRecord, now time.Time) (int, bool) {
	anchor := entity.AnchorDate()
	n := rule.TriggerDays
	switch rule.Trigger {
	case domain.TriggerDaysBefore:
		if !anchor.After(now) {
			return 0, false
		}
		remaining := e.Policy.DaysBetween(now, anchor)
		return remaining, remaining <= n
	case domain.TriggerDaysAfter:
		if now.Before(anchor) {
			return 0, false
		}
		elapsed := e.Policy.DaysBetween(anchor, now)
		return elapsed, elapsed >= n
	case domain.TriggerOnDate:
		return 0, e.Policy.SameDay(now, anchor)
	case domain.TriggerRecurring:
		if rec != nil && e.Policy.DaysBetween(rec.LastFiredAt, now) < n {
			return 0, false
		}
		days := e.Policy.DaysBetween(anchor, now)
		if days < 0 {
			days = -days
		}
		return days, true
	}
	return 0, false
}

// Distance is the {days} value for rule against entity at now: days remaining
// for upcoming triggers, days elapsed otherwise.
func (e Evaluator) Distance(rule domain.ReminderRule, entity domain.Watchable, now time.Time) int {
	anchor := entity.AnchorDate()
	var days int
	switch rule.Trigger {
	case domain.TriggerDaysBefore, domain.TriggerOnDate:
		days = e.Policy.DaysBetween(now, anchor)
	default:
		days = e.Policy.DaysBetween(anchor, now)
	}
	if days < 0 {
		return -days
	}
	return days
}

// SortEvents orders events by (project, rule, entity).
func SortEvents(events []TriggerEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if pa, pb := a.Entity.ProjectID(), b.Entity.ProjectID(); pa != pb {
			return pa < pb
		}
		if a.Rule.ID != b.Rule.ID {
			return a.Rule.ID < b.Rule.ID
		}
		return a.Entity.Ref().ID < b.Entity.Ref().ID
	})
}
