package annotations

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var timeOfDayRegex = regexp.MustCompile(
	`^\s*(?P<start>\d{2}:\d{2}),\s*(?P<stop>\d{2}:\d{2})(?:,\s*(?P<tz>[+-]\d{2}:\d{2}))?\s*$`)

const timeOfDaySyntax = "Syntax is 't, t[, tz]'. t: 'HH:MM', tz: '+/-HH:MM'."

// ClockTime is a wall-clock time of day with minute precision.
type ClockTime struct {
	Hour   int
	Minute int
}

// String formats the time as HH:MM.
func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

func (c ClockTime) seconds() int {
	return c.Hour*3600 + c.Minute*60
}

// ParseTimeOfDay parses a "start, stop[, tz]" window such as
// "22:00, 06:00, -05:00". The offset defaults to +00:00.
func ParseTimeOfDay(s string) (*TimeOfDay, error) {
	m := timeOfDayRegex.FindStringSubmatch(s)
	if m == nil {
		return nil, newConstraintError(s, timeOfDaySyntax)
	}

	start, ok := parseClock(m[timeOfDayRegex.SubexpIndex("start")])
	if !ok {
		return nil, newConstraintError(s, timeOfDaySyntax)
	}
	stop, ok := parseClock(m[timeOfDayRegex.SubexpIndex("stop")])
	if !ok {
		return nil, newConstraintError(s, timeOfDaySyntax)
	}

	tz := m[timeOfDayRegex.SubexpIndex("tz")]
	if tz == "" {
		tz = "+00:00"
	}
	offset, ok := parseOffset(tz)
	if !ok {
		return nil, newConstraintError(s, "UTC offset is invalid.")
	}
	if offset >= 24*time.Hour || offset <= -24*time.Hour {
		return nil, newConstraintError(s, "UTC offset must be less than one day.")
	}

	return &TimeOfDay{Start: start, Stop: stop, Offset: offset}, nil
}

// parseClock accepts HH:MM on a 24 hour clock.
func parseClock(s string) (ClockTime, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return ClockTime{}, false
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, true
}

// parseOffset accepts +HH:MM or -HH:MM. The sign applies to both fields.
func parseOffset(s string) (time.Duration, bool) {
	if len(s) != 6 || s[3] != ':' {
		return 0, false
	}
	h, err := strconv.Atoi(s[1:3])
	if err != nil {
		return 0, false
	}
	mins, err := strconv.Atoi(s[4:6])
	if err != nil || mins > 59 {
		return 0, false
	}
	d := time.Duration(h)*time.Hour + time.Duration(mins)*time.Minute
	switch s[0] {
	case '+':
		return d, true
	case '-':
		return -d, true
	default:
		return 0, false
	}
}
