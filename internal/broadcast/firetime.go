package broadcast

import (
	"fmt"
	"strings"
	"time"
)

// ParseFireTime parses a daily "HH:MM" fire time (24h clock). The hour may
// be one or two digits; the minute is always two.
func ParseFireTime(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	hs, ms, ok := strings.Cut(s, ":")
	if !ok || strings.Contains(ms, ":") {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, ok := digits(hs, 1, 2)
	if !ok || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, ok := digits(ms, 2, 2)
	if !ok || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// digits parses an unsigned decimal of lo..hi ASCII digits.
func digits(s string, lo, hi int) (int, bool) {
	if len(s) < lo || len(s) > hi {
		return 0, false
	}
	n := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

// NextFire returns the first instant strictly after now at which the wall
// clock in loc reads hour:minute:00.
//
// If today's occurrence is not after now (including exactly now), the next
// calendar day's occurrence is returned.
func NextFire(now time.Time, hour, minute int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	y, mo, d := local.Date()
	at := time.Date(y, mo, d, hour, minute, 0, 0, loc)
	if !at.After(now) {
		at = time.Date(y, mo, d+1, hour, minute, 0, 0, loc)
	}
	return at
}
