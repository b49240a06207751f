package matcher

import (
	"time"
	_ "time/tzdata" // IANA zones for user timezones on hosts without zoneinfo.
)

// InQuietHours reports whether t falls inside the [start, end) window,
// evaluated in the named timezone. Windows with start after end wrap past
// midnight. An empty or unparseable window never silences.
func InQuietHours(t time.Time, start, end, layout, tz string) bool {
	if start == "" || end == "" {
		return false
	}
	s, err := time.Parse(layout, start)
	if err != nil {
		return false
	}
	e, err := time.Parse(layout, end)
	if err != nil {
		return false
	}
	loc, err := time.LoadLocation(tz)
	if err != nil || tz == "" {
		loc = time.UTC
	}

	local := t.In(loc)
	now := local.Hour()*60 + local.Minute()
	from := s.Hour()*60 + s.Minute()
	to := e.Hour()*60 + e.Minute()

	switch {
	case from == to:
		return false
	case from < to:
		return now >= from && now < to
	default:
		return now >= from || now < to
	}
}
