package rollup

import (
	"cmp"
	"slices"
	"time"
)

// Entry is one ranked key with its count.
type Entry struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Rate is an exact success ratio.
type Rate struct {
	Successes int64 `json:"successes"`
	Total     int64 `json:"total"`
}

// Float returns the ratio, 0 for an empty rate.
func (r Rate) Float() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Successes) / float64(r.Total)
}

// Average is an integer-millisecond mean.
type Average struct {
	Count   int64 `json:"count"`
	TotalMs int64 `json:"total_ms"`
}

// Ms returns the mean in whole milliseconds, 0 when nothing was counted.
func (a Average) Ms() int64 {
	if a.Count == 0 {
		return 0
	}
	return a.TotalMs / a.Count
}

// Duration returns the mean as a time.Duration.
func (a Average) Duration() time.Duration {
	return time.Duration(a.Ms()) * time.Millisecond
}

// SlotKind picks the histogram BusiestPeriod looks at.
type SlotKind string

const (
	HourOfDay SlotKind = DimHour
	DayOfWeek SlotKind = DimWeekday
)

// Slot is a histogram position: an hour 0-23 or a time.Weekday.
type Slot struct {
	Index int   `json:"index"`
	Count int64 `json:"count"`
}

// Filter narrows AverageDuration to one key of a dimension. An empty
// Dimension means all commands.
type Filter struct {
	Period    Period
	Dimension string
	Key       string
}

// TrendDirection compares a period with the one before it.
type TrendDirection string

const (
	TrendUp   TrendDirection = "up"
	TrendDown TrendDirection = "down"
	TrendFlat TrendDirection = "flat"
)

// Trend is the change in command count from the previous period.
type Trend struct {
	Current   int64          `json:"current"`
	Previous  int64          `json:"previous"`
	Direction TrendDirection `json:"direction"`
}

// DailyRate is commands per active day.
type DailyRate struct {
	Commands   int64 `json:"commands"`
	ActiveDays int64 `json:"active_days"`
}

// Float returns the mean commands per active day.
func (d DailyRate) Float() float64 {
	if d.ActiveDays == 0 {
		return 0
	}
	return float64(d.Commands) / float64(d.ActiveDays)
}

// Period returns the period of granularity g containing t in the
// engine's zone.
func (e *Engine) Period(g Granularity, t time.Time) Period {
	return PeriodOf(g, t, e.loc)
}

// Current returns the period of granularity g containing now.
func (e *Engine) Current(g Granularity) Period {
	return PeriodOf(g, e.clock.Now(), e.loc)
}

// read runs fn with the bucket of p, or nil when it is empty.
func (e *Engine) read(p Period, fn func(*Bucket)) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn(e.live.Bucket(p))
}

// TopFrequency returns the n most frequent commands in p. Ties are broken
// by lexical command order.
func (e *Engine) TopFrequency(n int, p Period) []Entry {
	var top []Entry
	e.read(p, func(b *Bucket) {
		if b != nil {
			top = topN(b.Commands, n)
		}
	})
	return top
}

// TopCategories returns the n most frequent command categories in p.
func (e *Engine) TopCategories(n int, p Period) []Entry {
	var top []Entry
	e.read(p, func(b *Bucket) {
		if b != nil {
			top = topN(b.Categories, n)
		}
	})
	return top
}

// TopDirectories returns the n directories most commands ran in during p.
func (e *Engine) TopDirectories(n int, p Period) []Entry {
	var top []Entry
	e.read(p, func(b *Bucket) {
		if b != nil {
			top = topN(b.Directories, n)
		}
	})
	return top
}

func topN(counters map[string]Counter, n int) []Entry {
	if n <= 0 || len(counters) == 0 {
		return nil
	}
	entries := make([]Entry, 0, len(counters))
	for key, c := range counters {
		entries = append(entries, Entry{Key: key, Count: c.Count})
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		return cmp.Or(cmp.Compare(b.Count, a.Count), cmp.Compare(a.Key, b.Key))
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}

// SuccessRate returns successes over total in p.
func (e *Engine) SuccessRate(p Period) Rate {
	var rate Rate
	e.read(p, func(b *Bucket) {
		if b != nil {
			rate = Rate{Successes: b.Totals.Successes, Total: b.Totals.Count}
		}
	})
	return rate
}

// AverageDuration returns the mean duration of the commands f selects.
func (e *Engine) AverageDuration(f Filter) Average {
	var avg Average
	e.read(f.Period, func(b *Bucket) {
		if b == nil {
			return
		}
		var c Counter
		switch f.Dimension {
		case "", DimTotal:
			c = b.Totals
		case DimCommand:
			c = b.Commands[f.Key]
		case DimCategory:
			c = b.Categories[f.Key]
		case DimDirectory:
			c = b.Directories[f.Key]
		}
		avg = Average{Count: c.Count, TotalMs: c.DurationMs}
	})
	return avg
}

// BusiestPeriod returns the busiest hour of day or day of week in p.
// Ties go to the lowest slot.
func (e *Engine) BusiestPeriod(kind SlotKind, p Period) Slot {
	var slot Slot
	e.read(p, func(b *Bucket) {
		if b == nil {
			return
		}
		switch kind {
		case HourOfDay:
			slot = busiest(b.Hours[:])
		case DayOfWeek:
			slot = busiest(b.Weekdays[:])
		}
	})
	return slot
}

func busiest(histogram []int64) Slot {
	var slot Slot
	for i, n := range histogram {
		if n > slot.Count {
			slot = Slot{Index: i, Count: n}
		}
	}
	return slot
}

// HourlyActivity returns the hour-of-day histogram of p.
func (e *Engine) HourlyActivity(p Period) [24]int64 {
	var hours [24]int64
	e.read(p, func(b *Bucket) {
		if b != nil {
			hours = b.Hours
		}
	})
	return hours
}

// Trend compares the command count of p with the period before it: up
// above 120%, down below 80%, flat otherwise.
func (e *Engine) Trend(p Period) Trend {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var t Trend
	if b := e.live.Bucket(p); b != nil {
		t.Current = b.Totals.Count
	}
	if p.Granularity != Lifetime {
		if b := e.live.Bucket(p.Previous()); b != nil {
			t.Previous = b.Totals.Count
		}
	}
	t.Direction = trendDirection(t.Current, t.Previous)
	return t
}

func trendDirection(current, previous int64) TrendDirection {
	switch {
	case previous == 0 && current == 0:
		return TrendFlat
	case previous == 0:
		return TrendUp
	case current*10 > previous*12:
		return TrendUp
	case current*10 < previous*8:
		return TrendDown
	default:
		return TrendFlat
	}
}

// CommandsPerDay returns the command count of p over its active days.
func (e *Engine) CommandsPerDay(p Period) DailyRate {
	e.mu.RLock()
	defer e.mu.RUnlock()

	days := e.daysIn(p)
	rate := DailyRate{ActiveDays: int64(len(days))}
	if b := e.live.Bucket(p); b != nil {
		rate.Commands = b.Totals.Count
	}
	return rate
}

// DayCount is the command count of one calendar day.
type DayCount struct {
	Day   time.Time `json:"day"`
	Count int64     `json:"count"`
}

// daysIn returns the non-empty day buckets overlapping p, oldest first.
// The caller holds e.mu.
func (e *Engine) daysIn(p Period) []DayCount {
	var days []DayCount
	for _, b := range e.live.Buckets {
		if b.Granularity != Day || b.Totals.Count == 0 {
			continue
		}
		day := PeriodOf(Day, time.UnixMilli(b.StartMs), e.loc)
		if !overlaps(p, day) {
			continue
		}
		days = append(days, DayCount{Day: day.Start, Count: b.Totals.Count})
	}
	slices.SortFunc(days, func(a, b DayCount) int {
		return a.Day.Compare(b.Day)
	})
	return days
}

func overlaps(p, day Period) bool {
	if p.Granularity == Lifetime {
		return true
	}
	return day.Start.Before(p.End()) && p.Start.Before(day.End())
}

// longestStreak counts the longest run of consecutive calendar days.
func longestStreak(days []DayCount) int {
	longest, run := 0, 0
	for i, d := range days {
		if i > 0 && days[i-1].Day.AddDate(0, 0, 1).Equal(d.Day) {
			run++
		} else {
			run = 1
		}
		longest = max(longest, run)
	}
	return longest
}
