package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duewatch/internal/domain"
	"duewatch/internal/engine"
)

func TestDayPolicyCounting(t *testing.T) {
	late := time.Date(2025, 3, 1, 23, 0, 0, 0, time.UTC)
	early := time.Date(2025, 3, 2, 1, 0, 0, 0, time.UTC)

	cal := engine.DayPolicy{Counting: engine.CountCalendarDays}
	assert.Equal(t, 1, cal.DaysBetween(late, early))
	assert.Equal(t, -1, cal.DaysBetween(early, late))
	assert.False(t, cal.SameDay(late, early))

	elapsed := engine.DayPolicy{Counting: engine.CountElapsedDays}
	assert.Equal(t, 0, elapsed.DaysBetween(late, early))
	assert.Equal(t, 2, elapsed.DaysBetween(late, late.Add(49*time.Hour)))
}

func TestDayPolicyLocation(t *testing.T) {
	tokyo := engine.DayPolicy{Counting: engine.CountCalendarDays, Location: time.FixedZone("JST", 9*3600)}
	a := time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC) // 23:00 JST
	b := time.Date(2025, 3, 1, 16, 0, 0, 0, time.UTC) // 01:00 JST next day
	assert.Equal(t, 1, tokyo.DaysBetween(a, b))
	assert.True(t, engine.DayPolicy{}.SameDay(a, b))
}

func TestParseDayPolicy(t *testing.T) {
	p, err := engine.ParseDayPolicy("", "")
	require.NoError(t, err)
	assert.Equal(t, engine.CountCalendarDays, p.Counting)
	assert.Equal(t, time.UTC, p.Location)

	_, err = engine.ParseDayPolicy("weekly", "")
	assert.Error(t, err)
	_, err = engine.ParseDayPolicy("elapsed", "Not/AZone")
	assert.Error(t, err)
}

func TestSatisfiedBoundaries(t *testing.T) {
	ev := engine.Evaluator{Policy: engine.DayPolicy{Counting: engine.CountCalendarDays}}
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	due := func(d time.Time) domain.Milestone { return domain.Milestone{ID: "m", PlannedDate: d} }

	before := domain.ReminderRule{Trigger: domain.TriggerDaysBefore, TriggerDays: 3}
	days, ok := ev.Satisfied(before, due(now.AddDate(0, 0, 3)), nil, now)
	assert.True(t, ok)
	assert.Equal(t, 3, days)
	_, ok = ev.Satisfied(before, due(now.AddDate(0, 0, 4)), nil, now)
	assert.False(t, ok)
	_, ok = ev.Satisfied(before, due(now.Add(-time.Minute)), nil, now)
	assert.False(t, ok, "past anchors never satisfy days_before")

	after := domain.ReminderRule{Trigger: domain.TriggerDaysAfter, TriggerDays: 0}
	days, ok = ev.Satisfied(after, due(now), nil, now)
	assert.True(t, ok)
	assert.Equal(t, 0, days)
	_, ok = ev.Satisfied(after, due(now.Add(time.Hour)), nil, now)
	assert.False(t, ok)

	on := domain.ReminderRule{Trigger: domain.TriggerOnDate}
	_, ok = ev.Satisfied(on, due(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)), nil, now)
	assert.True(t, ok)
	_, ok = ev.Satisfied(on, due(now.AddDate(0, 0, 1)), nil, now)
	assert.False(t, ok)

	rec := &domain.FireRecord{LastFiredAt: now.AddDate(0, 0, -2)}
	recurring := domain.ReminderRule{Trigger: domain.TriggerRecurring, TriggerDays: 3}
	_, ok = ev.Satisfied(recurring, due(now), rec, now)
	assert.False(t, ok)
	rec.LastFiredAt = now.AddDate(0, 0, -3)
	_, ok = ev.Satisfied(recurring, due(now), rec, now)
	assert.True(t, ok)
}

func TestSortEvents(t *testing.T) {
	mk := func(project, rule, id string) engine.TriggerEvent {
		return engine.TriggerEvent{Rule: domain.ReminderRule{ID: rule}, Entity: domain.Task{ID: id, Project: project}}
	}
	evs := []engine.TriggerEvent{mk("p2", "r1", "a"), mk("p1", "r2", "a"), mk("p1", "r1", "b"), mk("p1", "r1", "a")}
	engine.SortEvents(evs)
	var keys []string
	for _, e := range evs {
		keys = append(keys, e.Entity.ProjectID()+"/"+e.Key().String())
	}
	assert.Equal(t, []string{"p1/r1|a", "p1/r1|b", "p1/r2|a", "p2/r1|a"}, keys)
}
