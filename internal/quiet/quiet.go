// Package quiet decides whether an instant falls inside a user's quiet hours
// and when the window ends.
package quiet

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"omninotify/internal/model"
)

// Clock is a time of day with second precision, stored as seconds since
// midnight.
type Clock int

const day = 24 * 60 * 60

// NewClock builds a Clock from its parts.
func NewClock(h, m, s int) Clock { return Clock(h*3600 + m*60 + s) }

// ClockOf extracts the wall-clock time of t in t's location.
func ClockOf(t time.Time) Clock {
	h, m, s := t.Clock()
	return NewClock(h, m, s)
}

// ParseClock accepts "HH:MM" and "HH:MM:SS".
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("quiet: invalid clock %q", s)
	}
	lim := []int{23, 59, 59}
	vals := [3]int{}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > lim[i] || len(p) > 2 {
			return 0, fmt.Errorf("quiet: invalid clock %q", s)
		}
		vals[i] = n
	}
	return NewClock(vals[0], vals[1], vals[2]), nil
}

func (c Clock) Parts() (h, m, s int) {
	v := int(c) % day
	return v / 3600, (v / 60) % 60, v % 60
}

func (c Clock) String() string {
	h, m, s := c.Parts()
	if s == 0 {
		return fmt.Sprintf("%02d:%02d", h, m)
	}
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// IsQuiet reports whether now lies inside [start, end). A window with
// start > end wraps midnight. start == end is an empty window.
func IsQuiet(now, start, end Clock) bool {
	switch {
	case start == end:
		return false
	case start < end:
		return now >= start && now < end
	default:
		return now >= start || now < end
	}
}

// NextBoundaryAfterQuiet returns end on now's calendar day if it is still
// ahead, otherwise end on the following day. The result is in now's location.
func NextBoundaryAfterQuiet(now time.Time, end Clock) time.Time {
	h, m, s := end.Parts()
	y, mo, d := now.Date()
	at := time.Date(y, mo, d, h, m, s, 0, now.Location())
	if at.After(now) {
		return at
	}
	return time.Date(y, mo, d+1, h, m, s, 0, now.Location())
}

// Window is a user's configured quiet hours.
type Window struct {
	Enabled  bool
	Start    string
	End      string
	Timezone string
}

// FromSettings extracts the quiet window from channel settings.
func FromSettings(s model.ChannelSettings) Window {
	return Window{
		Enabled:  s.QuietEnabled,
		Start:    s.QuietStart,
		End:      s.QuietEnd,
		Timezone: s.QuietTimezone,
	}
}

// Zone is the timezone name the window is evaluated in: its own, else
// fallbackTZ. Resolve maps an unknown name to UTC.
func (w Window) Zone(fallbackTZ string) string {
	if w.Timezone != "" {
		return w.Timezone
	}
	return fallbackTZ
}

// Resolve evaluates the window at now. The window timezone wins, then
// fallbackTZ, then UTC. Unparseable clocks disable the window. until is the
// end of the window and only meaningful when quiet is true.
func (w Window) Resolve(now time.Time, fallbackTZ string) (quiet bool, until time.Time) {
	if !w.Enabled {
		return false, time.Time{}
	}
	start, err := ParseClock(w.Start)
	if err != nil {
		return false, time.Time{}
	}
	end, err := ParseClock(w.End)
	if err != nil {
		return false, time.Time{}
	}
	local := now.In(model.LoadLocation(w.Zone(fallbackTZ)))
	if !IsQuiet(ClockOf(local), start, end) {
		return false, time.Time{}
	}
	return true, NextBoundaryAfterQuiet(local, end)
}
