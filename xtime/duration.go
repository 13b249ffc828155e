package xtime

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	day   = 24 * time.Hour
	week  = 7 * day
	month = 30 * day
	year  = 365 * day
)

// longUnits are the units ParseDuration accepts on top of the ones supported
// by time.ParseDuration.
var longUnits = map[string]time.Duration{
	"d": day, "D": day,
	"w": week, "W": week,
	"M": month,
	"y": year, "Y": year,
}

var durationRx = regexp.MustCompile(`(\d*\.\d+|\d+)([^\d.]*)`)

// ParseDuration parses a duration string.
// Examples: "10d", "-1.5w", "3Y4M5d" or "1d12h".
// On top of the units supported by time.ParseDuration, it accepts
// "d"="D" (days), "w"="W" (weeks), "M" (30 days) and "y"="Y" (365 days).
func ParseDuration(s string) (time.Duration, error) {
	orig := s
	neg := false
	if len(s) > 0 && (s[0] == '-' || s[0] == '+') {
		neg = s[0] == '-'
		s = s[1:]
	}
	if s == "" {
		return 0, fmt.Errorf("invalid duration '%s'", orig)
	}
	if s == "0" {
		return 0, nil
	}

	matches := durationRx.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 || matches[0][0] != 0 {
		return 0, fmt.Errorf("invalid duration '%s'", orig)
	}

	var sum time.Duration
	end := 0
	for _, m := range matches {
		if m[0] != end {
			return 0, fmt.Errorf("invalid duration '%s'", orig)
		}
		end = m[1]

		num, unit := s[m[2]:m[3]], s[m[4]:m[5]]
		if unit == "" {
			return 0, fmt.Errorf("missing unit in duration '%s'", orig)
		}

		if mult, ok := longUnits[unit]; ok {
			// Parse as hours to support fractional values.
			dur, err := time.ParseDuration(num + "h")
			if err != nil {
				return 0, fmt.Errorf("invalid duration '%s': %w", orig, err)
			}
			sum += dur * (mult / time.Hour)
			continue
		}

		dur, err := time.ParseDuration(num + unit)
		if err != nil {
			return 0, fmt.Errorf("invalid duration '%s': unknown unit '%s'", orig, unit)
		}
		sum += dur
	}
	if end != len(s) {
		return 0, fmt.Errorf("invalid duration '%s'", orig)
	}

	if neg {
		sum = -sum
	}

	return sum, nil
}

// FormatDuration formats a duration into a string with friendly units.
// Returns strings like "10d", "-1w2d", "3Y4M5d", etc.
// Uses the same units as ParseDuration, so its output can be parsed back.
// The round parameter specifies the smallest unit to include.
func FormatDuration(d time.Duration, round time.Duration) string {
	if round > 0 {
		d = d.Round(round)
	}
	if d == 0 {
		return "0d"
	}

	neg := d < 0
	if neg {
		d = -d
	}

	var sb strings.Builder
	if neg {
		sb.WriteByte('-')
	}

	for _, u := range []struct {
		size time.Duration
		name string
	}{
		{year, "Y"}, {month, "M"}, {week, "w"}, {day, "d"},
		{time.Hour, "h"}, {time.Minute, "m"}, {time.Second, "s"},
	} {
		if u.size < round {
			break
		}
		if n := d / u.size; n > 0 {
			fmt.Fprintf(&sb, "%d%s", n, u.name)
			d -= n * u.size
		}
	}

	if d > 0 && round < time.Second {
		switch {
		case d%time.Millisecond == 0 && round <= time.Millisecond:
			fmt.Fprintf(&sb, "%dms", d/time.Millisecond)
		case d%time.Microsecond == 0 && round <= time.Microsecond:
			fmt.Fprintf(&sb, "%dµs", d/time.Microsecond)
		case round <= time.Nanosecond:
			fmt.Fprintf(&sb, "%dns", d)
		}
	}

	return sb.String()
}
