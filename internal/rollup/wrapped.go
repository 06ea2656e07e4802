package rollup

import "time"

// WrappedTopN is how many entries each ranking in a report holds.
const WrappedTopN = 5

// Report is the "wrapped" summary of a period, built from rollups only.
type Report struct {
	Period         Period    `json:"-"`
	PeriodKey      string    `json:"period"`
	TotalCommands  int64     `json:"total_commands"`
	UniqueCommands int       `json:"unique_commands"`
	TopCommands    []Entry   `json:"top_commands"`
	TopCategories  []Entry   `json:"top_categories"`
	TopDirectories []Entry   `json:"top_directories"`
	BusiestHour    Slot      `json:"busiest_hour"`
	BusiestWeekday Slot      `json:"busiest_weekday"`
	BusiestDay     DayCount  `json:"busiest_day"`
	ActiveDays     int       `json:"active_days"`
	LongestStreak  int       `json:"longest_streak"`
	Success        Rate      `json:"success"`
	AverageMs      int64     `json:"average_ms"`
	ExitClasses    []Entry   `json:"exit_classes"`
	Trend          Trend     `json:"trend"`
	CommandsPerDay DailyRate `json:"commands_per_day"`
}

// Wrapped builds the summary report of p. An empty period yields a
// report of zeros.
func (e *Engine) Wrapped(p Period) Report {
	e.mu.RLock()
	defer e.mu.RUnlock()

	report := Report{Period: p, PeriodKey: p.Key()}
	b := e.live.Bucket(p)
	if b == nil {
		report.Trend = Trend{Direction: TrendFlat}
		return report
	}

	report.TotalCommands = b.Totals.Count
	report.UniqueCommands = len(b.Commands)
	report.TopCommands = topN(b.Commands, WrappedTopN)
	report.TopCategories = topN(b.Categories, WrappedTopN)
	report.TopDirectories = topN(b.Directories, WrappedTopN)
	report.BusiestHour = busiest(b.Hours[:])
	report.BusiestWeekday = busiest(b.Weekdays[:])
	report.Success = Rate{Successes: b.Totals.Successes, Total: b.Totals.Count}
	report.AverageMs = Average{Count: b.Totals.Count, TotalMs: b.Totals.DurationMs}.Ms()

	classes := make(map[string]Counter, len(b.ExitClasses))
	for class, n := range b.ExitClasses {
		classes[class] = Counter{Count: n}
	}
	report.ExitClasses = topN(classes, len(classes))

	days := e.daysIn(p)
	if p.Granularity == Hour || p.Granularity == Day {
		// The period sits inside a single day; count only its own events.
		days = []DayCount{{Day: PeriodOf(Day, p.Start, e.loc).Start, Count: b.Totals.Count}}
	}
	report.ActiveDays = len(days)
	report.LongestStreak = longestStreak(days)
	for _, d := range days {
		if d.Count > report.BusiestDay.Count {
			report.BusiestDay = d
		}
	}
	report.CommandsPerDay = DailyRate{Commands: b.Totals.Count, ActiveDays: int64(len(days))}

	var previous int64
	if p.Granularity != Lifetime {
		if prev := e.live.Bucket(p.Previous()); prev != nil {
			previous = prev.Totals.Count
		}
	}
	report.Trend = Trend{Current: b.Totals.Count, Previous: previous, Direction: trendDirection(b.Totals.Count, previous)}

	return report
}

// WrappedYear builds the report of a calendar year.
func (e *Engine) WrappedYear(year int) Report {
	return e.Wrapped(Period{Granularity: Year, Start: time.Date(year, time.January, 1, 0, 0, 0, 0, e.loc)})
}
