package quota

import (
	"fmt"
	"strconv"
	"time"
)

// Window is the period a usage counter covers.
type Window struct {
	size     time.Duration // zero for calendar months
	calendar bool
}

// Monthly is the calendar month in UTC.
func Monthly() Window {
	return Window{calendar: true}
}

// Sliding is a window of duration d ending now.
func Sliding(d time.Duration) Window {
	return Window{size: d}
}

// IsCalendar reports whether the window is calendar-aligned.
func (w Window) IsCalendar() bool {
	return w.calendar
}

// Size returns the duration of a sliding window.
func (w Window) Size() time.Duration {
	return w.size
}

// Bounds returns the calendar window containing now as [start, end).
// For sliding windows, it returns the fixed window of the same size containing now.
func (w Window) Bounds(now time.Time) (start, end time.Time) {
	now = now.UTC()
	if w.calendar {
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	}
	start = now.Truncate(w.size)
	return start, start.Add(w.size)
}

// ID identifies the window starting at start in counter keys.
func (w Window) ID(start time.Time) string {
	if w.calendar {
		return start.UTC().Format("200601")
	}
	return strconv.FormatInt(start.Unix(), 10)
}

func (w Window) String() string {
	if w.calendar {
		return "monthly"
	}
	return fmt.Sprintf("sliding(%s)", w.size)
}
