package annotations

import (
	"regexp"
	"strconv"
	"time"
)

var (
	durationRegex     = regexp.MustCompile(`^(\d+[dhms])+$`)
	durationPartRegex = regexp.MustCompile(`(\d+)([dhms])`)
)

var durationUnits = map[byte]time.Duration{
	'd': 24 * time.Hour,
	'h': time.Hour,
	'm': time.Minute,
	's': time.Second,
}

// ParseDuration parses interval strings such as "45m" or "1d2h3m4s".
// Units may repeat and are summed, so "1h1h" is two hours.
// The result must be greater than zero.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, newConstraintError(s, "Time interval must be greater than zero")
	}
	if !durationRegex.MatchString(s) {
		return 0, newConstraintError(s, "Syntax is one or more of '<n>d', '<n>h', '<n>m', '<n>s'")
	}

	var total time.Duration
	for _, m := range durationPartRegex.FindAllStringSubmatch(s, -1) {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, newConstraintError(s, "Time interval is out of range")
		}
		unit := durationUnits[m[2][0]]
		if n > int64(maxDuration/unit) || total > maxDuration-time.Duration(n)*unit {
			return 0, newConstraintError(s, "Time interval is out of range")
		}
		total += time.Duration(n) * unit
	}

	if total <= 0 {
		return 0, newConstraintError(s, "Time interval must be greater than zero")
	}
	return total, nil
}

const maxDuration = time.Duration(1<<63 - 1)
