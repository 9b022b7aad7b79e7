package analytics

import (
	"strings"
	"time"
)

// Window is a lookback window. Only the lower bound filters records;
// records stamped after End (clock skew) still count.
type Window struct {
	Start time.Time `json:"start" yaml:"start"`
	End   time.Time `json:"end" yaml:"end"`
	Days  int       `json:"days" yaml:"days"`
}

// NewWindow returns the window covering the given number of days up to now.
func NewWindow(now time.Time, days int) Window {
	now = now.UTC()

	return Window{
		Start: now.Add(-time.Duration(days) * 24 * time.Hour),
		End:   now,
		Days:  days,
	}
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start)
}

// MatchesFilter reports whether name contains search, ignoring case.
// An empty search matches everything.
func MatchesFilter(name, search string) bool {
	if search == "" {
		return true
	}

	return strings.Contains(strings.ToLower(name), strings.ToLower(search))
}

// InWindow returns the records observed inside the window, preserving order.
func InWindow[T Timed](records []T, w Window) []T {
	out := make([]T, 0, len(records))

	for _, r := range records {
		if w.Contains(r.ObservedTime()) {
			out = append(out, r)
		}
	}

	return out
}
