package capacity

import (
	"fmt"
	"time"
)

// =============================================================================
// DAY - Calendar day, always UTC midnight
// =============================================================================

// Day is a calendar day. Slots are planned in whole days, so every Day is
// normalized to 00:00 UTC and comparisons never see a time-of-day.
type Day struct {
	Time time.Time
}

const dayLayout = "2006-01-02"

func NewDay(year int, month time.Month, day int) Day {
	return Day{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DayOf truncates t to its calendar day in t's own location.
func DayOf(t time.Time) Day {
	return NewDay(t.Year(), t.Month(), t.Day())
}

// ParseDay parses YYYY-MM-DD.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(dayLayout, s)
	if err != nil {
		return Day{}, fmt.Errorf("invalid day %q (use YYYY-MM-DD): %w", s, err)
	}
	return DayOf(t), nil
}

func MustParseDay(s string) Day {
	d, err := ParseDay(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Day) Before(o Day) bool        { return d.Time.Before(o.Time) }
func (d Day) After(o Day) bool         { return d.Time.After(o.Time) }
func (d Day) Equal(o Day) bool         { return d.Time.Equal(o.Time) }
func (d Day) BeforeOrEqual(o Day) bool { return !d.After(o) }
func (d Day) AfterOrEqual(o Day) bool  { return !d.Before(o) }
func (d Day) IsZero() bool             { return d.Time.IsZero() }
func (d Day) AddDays(n int) Day        { return DayOf(d.Time.AddDate(0, 0, n)) }
func (d Day) String() string           { return d.Time.Format(dayLayout) }

// DaysBetween counts whole days from a to b (negative when b is earlier).
func DaysBetween(a, b Day) int {
	return int(b.Time.Sub(a.Time).Hours() / 24)
}

// =============================================================================
// PERIOD - Closed interval of days
// =============================================================================

// Period is the closed interval [Start, End].
type Period struct {
	Start Day
	End   Day
}

func (p Period) Valid() bool { return p.Start.BeforeOrEqual(p.End) }

func (p Period) Contains(d Day) bool {
	return d.AfterOrEqual(p.Start) && d.BeforeOrEqual(p.End)
}

// Overlaps reports whether the two closed intervals share at least one day.
func (p Period) Overlaps(o Period) bool {
	return p.Start.BeforeOrEqual(o.End) && o.Start.BeforeOrEqual(p.End)
}

// Length is the number of days in the period, counting both ends.
func (p Period) Length() int {
	return DaysBetween(p.Start, p.End) + 1
}

func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}
