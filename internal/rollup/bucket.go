package rollup

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/entl/cliwrapped/internal/event"
)

// Counter accumulates totals for one key. Durations are integer
// milliseconds so sums are exact.
type Counter struct {
	Count      int64 `json:"count"`
	Successes  int64 `json:"successes"`
	DurationMs int64 `json:"duration_ms"`
}

func (c *Counter) add(e *event.CommandEvent) {
	c.Count++
	if e.Succeeded() {
		c.Successes++
	}
	c.DurationMs += e.DurationMs
}

func (c *Counter) merge(other Counter) {
	c.Count += other.Count
	c.Successes += other.Successes
	c.DurationMs += other.DurationMs
}

// Bucket holds the counters of one period.
type Bucket struct {
	Granularity Granularity `json:"granularity"`
	StartMs     int64       `json:"start_ms"`

	Totals      Counter            `json:"totals"`
	Commands    map[string]Counter `json:"commands"`
	Categories  map[string]Counter `json:"categories"`
	Directories map[string]Counter `json:"directories"`
	ExitClasses map[string]int64   `json:"exit_classes"`
	// Hours is indexed by hour of day, Weekdays by time.Weekday.
	Hours    [24]int64 `json:"hours"`
	Weekdays [7]int64  `json:"weekdays"`
}

func newBucket(p Period) *Bucket {
	b := &Bucket{
		Granularity: p.Granularity,
		Commands:    make(map[string]Counter),
		Categories:  make(map[string]Counter),
		Directories: make(map[string]Counter),
		ExitClasses: make(map[string]int64),
	}
	if p.Granularity != Lifetime {
		b.StartMs = p.Start.UnixMilli()
	}
	return b
}

func (b *Bucket) add(e *event.CommandEvent, local time.Time) {
	b.Totals.add(e)
	addTo(b.Commands, e.Command, e)
	addTo(b.Categories, e.Category(), e)
	addTo(b.Directories, e.Cwd, e)
	b.ExitClasses[string(e.ExitClass())]++
	b.Hours[local.Hour()]++
	b.Weekdays[local.Weekday()]++
}

func addTo(counters map[string]Counter, key string, e *event.CommandEvent) {
	c := counters[key]
	c.add(e)
	counters[key] = c
}

func (b *Bucket) merge(other *Bucket) {
	b.Totals.merge(other.Totals)
	mergeCounters(b.Commands, other.Commands)
	mergeCounters(b.Categories, other.Categories)
	mergeCounters(b.Directories, other.Directories)
	for class, n := range other.ExitClasses {
		b.ExitClasses[class] += n
	}
	for i, n := range other.Hours {
		b.Hours[i] += n
	}
	for i, n := range other.Weekdays {
		b.Weekdays[i] += n
	}
}

func mergeCounters(into, from map[string]Counter) {
	for key, counter := range from {
		c := into[key]
		c.merge(counter)
		into[key] = c
	}
}

// Set is a collection of buckets keyed by Period.Key.
type Set struct {
	Buckets map[string]*Bucket `json:"buckets"`
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{Buckets: make(map[string]*Bucket)}
}

// Add counts e in its hour, day, week, year and lifetime buckets.
func (s *Set) Add(e event.CommandEvent, loc *time.Location) {
	local := e.Start().In(loc)
	for _, g := range Granularities {
		p := PeriodOf(g, local, loc)
		key := p.Key()
		b, ok := s.Buckets[key]
		if !ok {
			b = newBucket(p)
			s.Buckets[key] = b
		}
		b.add(&e, local)
	}
}

// Merge adds every bucket of other into s.
func (s *Set) Merge(other *Set) {
	for key, from := range other.Buckets {
		b, ok := s.Buckets[key]
		if !ok {
			b = &Bucket{
				Granularity: from.Granularity,
				StartMs:     from.StartMs,
				Commands:    make(map[string]Counter),
				Categories:  make(map[string]Counter),
				Directories: make(map[string]Counter),
				ExitClasses: make(map[string]int64),
			}
			s.Buckets[key] = b
		}
		b.merge(from)
	}
}

// Clone returns a deep copy of s.
func (s *Set) Clone() *Set {
	clone := NewSet()
	clone.Merge(s)
	return clone
}

// Bucket returns the bucket of p, or nil when nothing was counted in it.
func (s *Set) Bucket(p Period) *Bucket {
	return s.Buckets[p.Key()]
}

// AggregateRecord is one derived counter keyed by period, dimension,
// key and metric.
type AggregateRecord struct {
	Period    string `json:"period"`
	Dimension string `json:"dimension"`
	Key       string `json:"key"`
	Metric    string `json:"metric"`
	Value     int64  `json:"value"`
}

// Dimension names used in records and queries.
const (
	DimTotal     = "total"
	DimCommand   = "command"
	DimCategory  = "category"
	DimDirectory = "directory"
	DimExitClass = "exit_class"
	DimHour      = "hour_of_day"
	DimWeekday   = "day_of_week"
)

// Records flattens the set into sorted records. Two sets with equal
// records hold the same aggregates.
func (s *Set) Records() []AggregateRecord {
	var records []AggregateRecord
	for key, b := range s.Buckets {
		counter := func(dim, k string, c Counter) {
			records = append(records,
				AggregateRecord{Period: key, Dimension: dim, Key: k, Metric: "count", Value: c.Count},
				AggregateRecord{Period: key, Dimension: dim, Key: k, Metric: "successes", Value: c.Successes},
				AggregateRecord{Period: key, Dimension: dim, Key: k, Metric: "duration_ms", Value: c.DurationMs},
			)
		}
		counter(DimTotal, "", b.Totals)
		for k, c := range b.Commands {
			counter(DimCommand, k, c)
		}
		for k, c := range b.Categories {
			counter(DimCategory, k, c)
		}
		for k, c := range b.Directories {
			counter(DimDirectory, k, c)
		}
		for k, n := range b.ExitClasses {
			records = append(records, AggregateRecord{Period: key, Dimension: DimExitClass, Key: k, Metric: "count", Value: n})
		}
		for hour, n := range b.Hours {
			if n != 0 {
				records = append(records, AggregateRecord{Period: key, Dimension: DimHour, Key: fmt.Sprintf("%02d", hour), Metric: "count", Value: n})
			}
		}
		for day, n := range b.Weekdays {
			if n != 0 {
				records = append(records, AggregateRecord{Period: key, Dimension: DimWeekday, Key: strings.ToLower(time.Weekday(day).String()), Metric: "count", Value: n})
			}
		}
	}

	slices.SortFunc(records, func(a, b AggregateRecord) int {
		return cmp.Or(
			cmp.Compare(a.Period, b.Period),
			cmp.Compare(a.Dimension, b.Dimension),
			cmp.Compare(a.Key, b.Key),
			cmp.Compare(a.Metric, b.Metric),
		)
	})
	return records
}
