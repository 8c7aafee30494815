package scenario

import "time"

// QuietAllowed reports whether a send is allowed right now under the quiet
// hours window. Disabled or absent config always allows. The user's timezone
// wins over the config default; an unresolvable timezone falls back to UTC.
// The window is [start, end) in local hours and wraps midnight when
// start > end. A blocked send is deferred, never cancelled: step state is
// untouched so the next sweep re-attempts.
func QuietAllowed(q *QuietHours, userTimezone string, now time.Time) bool {
	if q == nil || !q.Enabled {
		return true
	}

	tz := userTimezone
	if tz == "" {
		tz = q.TimezoneDefault
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}

	hour := now.In(loc).Hour()
	start, end := q.AllowedStart, q.AllowedEnd

	switch {
	case start == end:
		// Degenerate window: treat as always allowed.
		return true
	case start < end:
		return hour >= start && hour < end
	default:
		return hour >= start || hour < end
	}
}
