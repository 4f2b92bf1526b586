package timeparse

import (
	"fmt"
	"strings"
	"time"
)

// ParseTimeSpec resolves a one-shot run time to a UTC instant. Accepted
// forms:
//
//	RFC 3339                "2026-03-01T14:30:00Z"
//	date and time           "2026-03-01 14:30"
//	today / tomorrow        "today 14:30", "tomorrow 09:00"
//	relative                "+30m", "in 2h"
//
// Named and clock forms are interpreted in local time, then converted.
func ParseTimeSpec(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time spec")
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04:05", s, now.Location()); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04", s, now.Location()); err == nil {
		return t.UTC(), nil
	}

	if rest, ok := strings.CutPrefix(s, "+"); ok {
		d, err := ParseDuration(rest)
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(d).UTC(), nil
	}
	if rest, ok := strings.CutPrefix(s, "in "); ok {
		d, err := ParseDuration(rest)
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(d).UTC(), nil
	}

	fields := strings.Fields(s)
	if len(fields) == 2 {
		var dayOffset int
		switch strings.ToLower(fields[0]) {
		case "today":
			dayOffset = 0
		case "tomorrow":
			dayOffset = 1
		default:
			return time.Time{}, fmt.Errorf("unrecognized time spec %q", s)
		}
		clock, err := parseClock(fields[1])
		if err != nil {
			return time.Time{}, err
		}
		local := now.Local()
		t := time.Date(local.Year(), local.Month(), local.Day()+dayOffset,
			clock.hour, clock.min, clock.sec, 0, local.Location())
		return t.UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unrecognized time spec %q", s)
}

type clockTime struct{ hour, min, sec int }

func parseClock(s string) (clockTime, error) {
	var c clockTime
	switch strings.Count(s, ":") {
	case 1:
		if _, err := fmt.Sscanf(s, "%d:%d", &c.hour, &c.min); err != nil {
			return c, fmt.Errorf("invalid clock time %q", s)
		}
	case 2:
		if _, err := fmt.Sscanf(s, "%d:%d:%d", &c.hour, &c.min, &c.sec); err != nil {
			return c, fmt.Errorf("invalid clock time %q", s)
		}
	default:
		return c, fmt.Errorf("invalid clock time %q", s)
	}
	if c.hour < 0 || c.hour > 23 || c.min < 0 || c.min > 59 || c.sec < 0 || c.sec > 59 {
		return c, fmt.Errorf("clock time out of range %q", s)
	}
	return c, nil
}
