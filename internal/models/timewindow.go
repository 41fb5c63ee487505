// internal/models/timewindow.go
package models

import (
	"fmt"
	"time"
)

// DateLayout is the wire and storage format for calendar dates.
const DateLayout = "2006-01-02"

// MaxWindowDays is the longest window a plan may query.
const MaxWindowDays = 1830

// TimeWindow is an inclusive range of calendar dates in UTC.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func NewTimeWindow(start, end time.Time) TimeWindow {
	s, e := Day(start), Day(end)
	if e.Before(s) {
		s, e = e, s
	}
	return TimeWindow{Start: s, End: e}
}

// TrailingWindow returns the last days days ending at end, inclusive.
func TrailingWindow(end time.Time, days int) TimeWindow {
	if days < 1 {
		days = 1
	}
	e := Day(end)
	return TimeWindow{Start: e.AddDate(0, 0, -(days - 1)), End: e}
}

// MonthWindow returns the calendar month containing t.
func MonthWindow(t time.Time) TimeWindow {
	d := Day(t)
	start := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
	return TimeWindow{Start: start, End: start.AddDate(0, 1, -1)}
}

func (w TimeWindow) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

func (w TimeWindow) Days() int {
	if w.IsZero() {
		return 0
	}
	return int(w.End.Sub(w.Start).Hours()/24) + 1
}

// EndExclusive is the first date after the window, used for half-open SQL ranges.
func (w TimeWindow) EndExclusive() time.Time {
	return w.End.AddDate(0, 0, 1)
}

func (w TimeWindow) Contains(t time.Time) bool {
	d := Day(t)
	return !d.Before(w.Start) && !d.After(w.End)
}

// wholeMonths reports how many calendar months the window spans when it
// starts on the first and ends on the last day of a month.
func (w TimeWindow) wholeMonths() (int, bool) {
	if w.IsZero() || w.Start.Day() != 1 {
		return 0, false
	}
	if w.End.AddDate(0, 0, 1).Day() != 1 {
		return 0, false
	}
	months := (w.End.Year()-w.Start.Year())*12 + int(w.End.Month()-w.Start.Month()) + 1
	return months, months > 0
}

// Previous returns the immediately preceding window of equal length.
// Month-aligned windows step back by whole calendar months.
func (w TimeWindow) Previous() TimeWindow {
	if months, ok := w.wholeMonths(); ok {
		return TimeWindow{Start: w.Start.AddDate(0, -months, 0), End: w.Start.AddDate(0, 0, -1)}
	}
	days := w.Days()
	end := w.Start.AddDate(0, 0, -1)
	return TimeWindow{Start: end.AddDate(0, 0, -(days - 1)), End: end}
}

// Widen extends the window backwards by its own length.
func (w TimeWindow) Widen() TimeWindow {
	if months, ok := w.wholeMonths(); ok {
		return TimeWindow{Start: w.Start.AddDate(0, -months, 0), End: w.End}
	}
	return TimeWindow{Start: w.Start.AddDate(0, 0, -w.Days()), End: w.End}
}

// Clamp shortens the window to at most maxDays, keeping its end.
func (w TimeWindow) Clamp(maxDays int) TimeWindow {
	if maxDays < 1 || w.Days() <= maxDays {
		return w
	}
	return TimeWindow{Start: w.End.AddDate(0, 0, -(maxDays - 1)), End: w.End}
}

func (w TimeWindow) StartDate() string { return w.Start.Format(DateLayout) }
func (w TimeWindow) EndDate() string   { return w.End.Format(DateLayout) }

func (w TimeWindow) String() string {
	if w.IsZero() {
		return "unbounded"
	}
	return fmt.Sprintf("%s to %s", w.StartDate(), w.EndDate())
}
