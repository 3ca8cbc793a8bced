// Package schedule implements quiet-hour gating and humanized pacing
// delays for the outreach scheduler.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// maxSleepChunk bounds how long the gate sleeps before re-checking, so a
// config change or shutdown is noticed promptly.
const maxSleepChunk = 5 * time.Minute

// Window is a daily quiet window in minutes-from-midnight. A window whose
// start is after its end wraps past midnight ("21:00-08:00").
type Window struct {
	Start int
	End   int
}

// ParseWindow parses "HH:MM-HH:MM" into a Window.
func ParseWindow(s string) (Window, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "-", 2)
	if len(parts) != 2 {
		return Window{}, fmt.Errorf("sleep window %q: want HH:MM-HH:MM", s)
	}
	start, err := parseClock(parts[0])
	if err != nil {
		return Window{}, fmt.Errorf("sleep window %q: %w", s, err)
	}
	end, err := parseClock(parts[1])
	if err != nil {
		return Window{}, fmt.Errorf("sleep window %q: %w", s, err)
	}
	return Window{Start: start, End: end}, nil
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("bad clock value %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock value %q out of range", s)
	}
	return h*60 + m, nil
}

// Contains reports whether the minute-of-day falls inside the window.
// Both endpoints are quiet, so "13:00-14:00" still blocks at exactly
// 14:00. Wrapping windows cover [start, 24h) plus [0, end].
func (w Window) Contains(minute int) bool {
	if w.Start <= w.End {
		return minute >= w.Start && minute <= w.End
	}
	return minute >= w.Start || minute <= w.End
}

// Gate answers "is now inside a quiet window" for a campaign. The zero
// value never sleeps.
type Gate struct {
	windows []Window
	offset  time.Duration // campaign timezone offset from UTC
}

// NewGate parses the window specs. Invalid entries are skipped and
// reported in the returned error list; the gate still works with the
// windows that parsed.
func NewGate(specs []string, tzOffsetHours int) (*Gate, []error) {
	g := &Gate{offset: time.Duration(tzOffsetHours) * time.Hour}
	var errs []error
	for _, s := range specs {
		if strings.TrimSpace(s) == "" {
			continue
		}
		w, err := ParseWindow(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		g.windows = append(g.windows, w)
	}
	return g, errs
}

func (g *Gate) localMinute(now time.Time) int {
	local := now.UTC().Add(g.offset)
	return local.Hour()*60 + local.Minute()
}

// Asleep reports whether now falls inside any quiet window.
func (g *Gate) Asleep(now time.Time) bool {
	minute := g.localMinute(now)
	for _, w := range g.windows {
		if w.Contains(minute) {
			return true
		}
	}
	return false
}

// NextWake returns the earliest time at or after now that is outside every
// quiet window. If now is already awake it returns now.
func (g *Gate) NextWake(now time.Time) time.Time {
	if !g.Asleep(now) {
		return now
	}
	// Scan forward minute by minute; windows are daily so one full day is
	// enough unless the windows cover all 24h.
	t := now.Truncate(time.Minute)
	for i := 0; i < 24*60; i++ {
		t = t.Add(time.Minute)
		if !g.Asleep(t) {
			return t
		}
	}
	// Fully covered day: treat as a one-day sleep.
	return now.Add(24 * time.Hour)
}

// WaitUntilAwake blocks in short chunks until the gate is open or the
// context is cancelled.
func (g *Gate) WaitUntilAwake(ctx context.Context) error {
	for g.Asleep(time.Now()) {
		remaining := time.Until(g.NextWake(time.Now()))
		if remaining <= 0 {
			return nil
		}
		chunk := remaining
		if chunk > maxSleepChunk {
			chunk = maxSleepChunk
		}
		timer := time.NewTimer(chunk)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}
