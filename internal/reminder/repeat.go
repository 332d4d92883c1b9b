package reminder

import (
	"time"

	"omninotify/internal/model"
)

// Advance returns at moved forward by one repeat interval, computed on the
// wall clock of loc. Monthly steps clamp to the last day of a shorter month
// (Jan 31 -> Feb 29 -> Mar 29). RepeatNone returns at unchanged.
func Advance(at time.Time, kind model.RepeatKind, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := at.In(loc)
	y, m, d := local.Date()
	hh, mm, ss := local.Clock()
	ns := local.Nanosecond()

	switch kind {
	case model.RepeatDaily:
		return time.Date(y, m, d+1, hh, mm, ss, ns, loc)
	case model.RepeatWeekly:
		return time.Date(y, m, d+7, hh, mm, ss, ns, loc)
	case model.RepeatMonthly:
		ny, nm := y, m+1
		if nm > time.December {
			ny, nm = y+1, time.January
		}
		if last := daysIn(ny, nm); d > last {
			d = last
		}
		return time.Date(ny, nm, d, hh, mm, ss, ns, loc)
	default:
		return at
	}
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// nextOccurrence decides where a repeating reminder goes after firing at now.
// nil means the reminder is finished. A snooze that fired after the
// occurrence was already advanced keeps the advanced remindAt.
func nextOccurrence(r model.Reminder, now time.Time) *time.Time {
	if r.Repeat == "" || r.Repeat == model.RepeatNone {
		return nil
	}
	if r.RemindAt.After(now) {
		return model.TimePtr(r.RemindAt)
	}
	next := Advance(r.RemindAt, r.Repeat, r.Location())
	return &next
}
