package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"duewatch/internal/domain"
)

// ErrStale marks an event whose entity disappeared or froze between the
// listing and the commit.
var ErrStale = errors.New("entity no longer watchable")

// ackAttempts bounds how often Acknowledge re-reads a record that another
// writer changed underneath it.
const ackAttempts = 3

// Tracker is the single owner of fire records. Every read-decide-write
// sequence for a key runs under that key's lock, and every write is a
// compare-and-swap against the row it read so a second process sharing the
// database loses cleanly instead of firing twice.
type Tracker struct {
	store  FireStore
	policy DayPolicy
	locks  keyedMutex
}

func NewTracker(store FireStore, policy DayPolicy) *Tracker {
	return &Tracker{store: store, policy: policy}
}

// Lookup returns the stored record for key, or nil if none exists.
func (t *Tracker) Lookup(ctx context.Context, key domain.FireKey) (*domain.FireRecord, error) {
	rec, err := t.store.GetFireRecord(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load fire record %s: %w", key, err)
	}
	return &rec, nil
}

// Snapshot loads every record into a lookup table for one evaluation pass.
func (t *Tracker) Snapshot(ctx context.Context) (map[domain.FireKey]domain.FireRecord, error) {
	recs, err := t.store.ListFireRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("list fire records: %w", err)
	}
	out := make(map[domain.FireKey]domain.FireRecord, len(recs))
	for _, r := range recs {
		out[r.Key()] = r
	}
	return out, nil
}

// ShouldFire applies the dedup policy: once-per-entity triggers fire only
// while no record exists, repeating triggers at most once per calendar day.
func (t *Tracker) ShouldFire(rule domain.ReminderRule, rec *domain.FireRecord, now time.Time) bool {
	if rec == nil {
		return true
	}
	if rule.Trigger.OncePerEntity() {
		return false
	}
	if t.policy.SameDay(rec.LastFiredAt, now) {
		return false
	}
	if rule.Trigger == domain.TriggerRecurring && t.policy.DaysBetween(rec.LastFiredAt, now) < rule.TriggerDays {
		return false
	}
	return true
}

// Gate serializes shouldFire+commit for the event's key. prepare runs under
// the lock after the dedup check and before the commit; returning ErrStale
// drops the event and forgets the record, any other error leaves the record
// untouched so the next tick retries. A commit lost to another writer
// reports false.
func (t *Tracker) Gate(ctx context.Context, ev TriggerEvent, prepare func(ctx context.Context) error) (bool, error) {
	key := ev.Key()
	unlock := t.locks.Lock(key.String())
	defer unlock()

	rec, err := t.Lookup(ctx, key)
	if err != nil {
		return false, err
	}
	if !t.ShouldFire(ev.Rule, rec, ev.Instant) {
		return false, nil
	}
	if prepare != nil {
		if err := prepare(ctx); err != nil {
			if errors.Is(err, ErrStale) && rec != nil {
				if derr := t.store.DeleteFireRecord(ctx, key); derr != nil {
					return false, errors.Join(err, derr)
				}
			}
			return false, err
		}
	}
	return t.commit(ctx, rec, ev)
}

// commit is the only writer of LastFiredAt. A fire on a fresh or
// acknowledged record opens a new cycle; a repeat fire on an open cycle only
// advances LastFiredAt so escalation keeps counting from the cycle start.
func (t *Tracker) commit(ctx context.Context, prev *domain.FireRecord, ev TriggerEvent) (bool, error) {
	ref := ev.Entity.Ref()
	next := domain.FireRecord{
		RuleID:         ev.Rule.ID,
		EntityKind:     ref.Kind,
		EntityID:       ref.ID,
		ProjectID:      ev.Entity.ProjectID(),
		LastFiredAt:    ev.Instant,
		CycleStartedAt: ev.Instant,
	}
	if prev != nil && !prev.Acknowledged() {
		next.CycleStartedAt = prev.CycleStartedAt
		next.EscalationLevel = prev.EscalationLevel
		next.EscalatedAt = prev.EscalatedAt
	}
	won, err := t.store.SwapFireRecord(ctx, prev, next)
	if err != nil {
		return false, fmt.Errorf("commit fire record %s: %w", ev.Key(), err)
	}
	return won, nil
}

// Promote moves an open, unescalated cycle to escalation level 1 when due.
// prepare runs under the lock before the level is written.
func (t *Tracker) Promote(ctx context.Context, key domain.FireKey, afterDays int, now time.Time, prepare func(ctx context.Context, rec domain.FireRecord) error) (bool, error) {
	unlock := t.locks.Lock(key.String())
	defer unlock()

	rec, err := t.Lookup(ctx, key)
	if err != nil || rec == nil {
		return false, err
	}
	if !t.EscalationDue(*rec, afterDays, now) {
		return false, nil
	}
	if prepare != nil {
		if err := prepare(ctx, *rec); err != nil {
			if errors.Is(err, ErrStale) {
				if derr := t.store.DeleteFireRecord(ctx, key); derr != nil {
					return false, errors.Join(err, derr)
				}
			}
			return false, err
		}
	}
	at := now
	next := *rec
	next.EscalationLevel = 1
	next.EscalatedAt = &at
	won, err := t.store.SwapFireRecord(ctx, rec, next)
	if err != nil {
		return false, fmt.Errorf("promote fire record %s: %w", key, err)
	}
	return won, nil
}

// EscalationDue reports whether rec should transition Normal -> Escalated.
func (t *Tracker) EscalationDue(rec domain.FireRecord, afterDays int, now time.Time) bool {
	if rec.Acknowledged() || rec.EscalationLevel > 0 {
		return false
	}
	return t.policy.DaysBetween(rec.CycleStartedAt, now) >= afterDays
}

// Acknowledge closes the open cycle for key. It returns domain.ErrNotFound
// when nothing has fired yet.
func (t *Tracker) Acknowledge(ctx context.Context, key domain.FireKey, at time.Time) (domain.FireRecord, error) {
	unlock := t.locks.Lock(key.String())
	defer unlock()

	for range ackAttempts {
		rec, err := t.store.GetFireRecord(ctx, key)
		if err != nil {
			return domain.FireRecord{}, err
		}
		if rec.Acknowledged() {
			return rec, nil
		}
		next := rec
		next.AcknowledgedAt = &at
		won, err := t.store.SwapFireRecord(ctx, &rec, next)
		if err != nil {
			return domain.FireRecord{}, fmt.Errorf("acknowledge %s: %w", key, err)
		}
		if won {
			return next, nil
		}
	}
	return domain.FireRecord{}, fmt.Errorf("acknowledge %s: record kept changing", key)
}

// Forget removes the record for an entity that froze or vanished.
func (t *Tracker) Forget(ctx context.Context, key domain.FireKey) error {
	unlock := t.locks.Lock(key.String())
	defer unlock()
	if err := t.store.DeleteFireRecord(ctx, key); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("forget %s: %w", key, err)
	}
	return nil
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the mutex for key and returns its release func. Entries are
// dropped once no goroutine holds or waits on them.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
