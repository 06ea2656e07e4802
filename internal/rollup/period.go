package rollup

import (
	"fmt"
	"time"
)

// Granularity is the width of a rollup bucket.
type Granularity string

const (
	Hour     Granularity = "hour"
	Day      Granularity = "day"
	Week     Granularity = "week"
	Year     Granularity = "year"
	Lifetime Granularity = "lifetime"
)

// Granularities lists every bucket width an event is counted in.
var Granularities = []Granularity{Hour, Day, Week, Year, Lifetime}

// ParseGranularity maps a name to a Granularity.
func ParseGranularity(name string) (Granularity, error) {
	switch g := Granularity(name); g {
	case Hour, Day, Week, Year, Lifetime:
		return g, nil
	default:
		return "", fmt.Errorf("unknown granularity %q", name)
	}
}

// Period is one bucket: a granularity and the instant it starts, in the
// engine's time zone. The lifetime period has a zero start.
type Period struct {
	Granularity Granularity
	Start       time.Time
}

// PeriodOf returns the period of granularity g containing t, in loc.
// Weeks start on Monday.
func PeriodOf(g Granularity, t time.Time, loc *time.Location) Period {
	t = t.In(loc)
	year, month, day := t.Date()

	switch g {
	case Hour:
		return Period{Granularity: g, Start: time.Date(year, month, day, t.Hour(), 0, 0, 0, loc)}
	case Day:
		return Period{Granularity: g, Start: time.Date(year, month, day, 0, 0, 0, 0, loc)}
	case Week:
		sinceMonday := (int(t.Weekday()) + 6) % 7
		return Period{Granularity: g, Start: time.Date(year, month, day-sinceMonday, 0, 0, 0, 0, loc)}
	case Year:
		return Period{Granularity: g, Start: time.Date(year, time.January, 1, 0, 0, 0, 0, loc)}
	default:
		return Period{Granularity: Lifetime}
	}
}

// LifetimePeriod is the bucket holding every event.
func LifetimePeriod() Period {
	return Period{Granularity: Lifetime}
}

// End returns the first instant after the period. The lifetime period
// has no end and returns the zero time.
func (p Period) End() time.Time {
	year, month, day := p.Start.Date()
	loc := p.Start.Location()
	switch p.Granularity {
	case Hour:
		return time.Date(year, month, day, p.Start.Hour()+1, 0, 0, 0, loc)
	case Day:
		return time.Date(year, month, day+1, 0, 0, 0, 0, loc)
	case Week:
		return time.Date(year, month, day+7, 0, 0, 0, 0, loc)
	case Year:
		return time.Date(year+1, time.January, 1, 0, 0, 0, 0, loc)
	default:
		return time.Time{}
	}
}

// Previous returns the period just before p.
func (p Period) Previous() Period {
	if p.Granularity == Lifetime {
		return p
	}
	return PeriodOf(p.Granularity, p.Start.Add(-time.Nanosecond), p.Start.Location())
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	if p.Granularity == Lifetime {
		return true
	}
	return !t.Before(p.Start) && t.Before(p.End())
}

// Key is the stable name of the bucket, e.g. "day/2025-03-10" or
// "week/2025-W11".
func (p Period) Key() string {
	switch p.Granularity {
	case Hour:
		return "hour/" + p.Start.Format("2006-01-02T15-0700")
	case Day:
		return "day/" + p.Start.Format("2006-01-02")
	case Week:
		year, week := p.Start.ISOWeek()
		return fmt.Sprintf("week/%04d-W%02d", year, week)
	case Year:
		return fmt.Sprintf("year/%04d", p.Start.Year())
	default:
		return "lifetime"
	}
}

func (p Period) String() string {
	return p.Key()
}
