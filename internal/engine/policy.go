package engine

import (
	"fmt"
	"time"
)

// DayCounting selects how "N days" is measured between two instants.
type DayCounting string

const (
	// CountCalendarDays compares calendar dates in the policy location.
	CountCalendarDays DayCounting = "calendar"
	// CountElapsedDays counts whole 24h periods.
	CountElapsedDays DayCounting = "elapsed"
)

// DayPolicy holds the boundary semantics for day based triggers.
type DayPolicy struct {
	Counting DayCounting
	Location *time.Location
}

// ParseDayPolicy builds a policy from config values.
func ParseDayPolicy(counting, timezone string) (DayPolicy, error) {
	p := DayPolicy{Counting: DayCounting(counting), Location: time.UTC}
	switch p.Counting {
	case "":
		p.Counting = CountCalendarDays
	case CountCalendarDays, CountElapsedDays:
	default:
		return DayPolicy{}, fmt.Errorf("unknown day counting %q", counting)
	}
	if timezone != "" {
		loc, err := time.LoadLocation(timezone)
		if err != nil {
			return DayPolicy{}, fmt.Errorf("load timezone: %w", err)
		}
		p.Location = loc
	}
	return p, nil
}

func (p DayPolicy) loc() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// DaysBetween returns the signed number of days from a to b.
func (p DayPolicy) DaysBetween(a, b time.Time) int {
	if p.Counting == CountElapsedDays {
		return int(b.Sub(a) / (24 * time.Hour))
	}
	da, db := p.civil(a), p.civil(b)
	return int(db.Sub(da).Hours() / 24)
}

// SameDay reports whether a and b fall on the same calendar day.
func (p DayPolicy) SameDay(a, b time.Time) bool {
	return p.civil(a).Equal(p.civil(b))
}

// civil projects t onto midnight UTC of its calendar date in the policy
// location so day arithmetic is immune to DST shifts.
func (p DayPolicy) civil(t time.Time) time.Time {
	y, m, d := t.In(p.loc()).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
