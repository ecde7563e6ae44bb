package annotations

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ConstraintDelimiter separates clauses in a constraint list.
const ConstraintDelimiter = ";"

// Clause arguments allow the punctuation TimeOfDay needs.
var clauseRegex = regexp.MustCompile(`^\s*(\w+)\(([\w:,+\- ]*)\)\s*$`)

// Subject is the workload a constraint is evaluated against.
// A zero time means the event never happened.
type Subject interface {
	LaunchedAt() time.Time
	NotifiedAt() time.Time
}

// Constraint is a parsed, immutable time-based predicate.
type Constraint interface {
	// Name returns the canonical constraint name.
	Name() string

	// String returns the clause in Name(Arg) form.
	String() string

	// Holds reports whether the predicate is true for subject at now.
	Holds(subject Subject, now time.Time) bool
}

type constraintFactory func(arg string) (Constraint, error)

var constraintTable = map[string]constraintFactory{
	"Runtime":    newMinRuntime, // deprecated alias
	"MinRuntime": newMinRuntime,
	"Notified":   newNotified,
	"TimeOfDay":  newTimeOfDay,
}

// ConstraintNames returns the recognised clause names, sorted.
func ConstraintNames() []string {
	names := make([]string, 0, len(constraintTable))
	for name := range constraintTable {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseConstraints parses a semicolon delimited clause list in order.
// The empty string yields an empty list.
func ParseConstraints(s string) ([]Constraint, error) {
	if strings.TrimSpace(s) == "" {
		return []Constraint{}, nil
	}

	parts := strings.Split(s, ConstraintDelimiter)
	constraints := make([]Constraint, 0, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		c, err := parseClause(part)
		if err != nil {
			return nil, err
		}
		constraints = append(constraints, c)
	}
	return constraints, nil
}

func parseClause(clause string) (Constraint, error) {
	m := clauseRegex.FindStringSubmatch(clause)
	if m == nil {
		return nil, newConstraintError(clause, "Invalid constraint syntax")
	}

	name, arg := m[1], m[2]
	factory, ok := constraintTable[name]
	if !ok {
		return nil, newConstraintError(clause, fmt.Sprintf("Could not find constraint class for %s (known: %s)", name, strings.Join(ConstraintNames(), ", ")))
	}
	return factory(arg)
}

// AllHold reports whether every constraint holds. An empty list holds.
func AllHold(constraints []Constraint, subject Subject, now time.Time) bool {
	for _, c := range constraints {
		if !c.Holds(subject, now) {
			return false
		}
	}
	return true
}

// MinRuntime holds once the subject has been running longer than Duration.
type MinRuntime struct {
	Duration time.Duration
	arg      string
}

func newMinRuntime(arg string) (Constraint, error) {
	d, err := ParseDuration(arg)
	if err != nil {
		return nil, err
	}
	return &MinRuntime{Duration: d, arg: arg}, nil
}

// Name implements Constraint.
func (c *MinRuntime) Name() string { return "MinRuntime" }

// String implements Constraint.
func (c *MinRuntime) String() string { return "MinRuntime(" + c.arg + ")" }

// Holds implements Constraint.
func (c *MinRuntime) Holds(subject Subject, now time.Time) bool {
	launched := subject.LaunchedAt()
	if launched.IsZero() {
		return false
	}
	return now.Sub(launched) > c.Duration
}

// Notified holds once more than Duration has passed since the subject was
// last sent a scheduled-action notice.
type Notified struct {
	Duration time.Duration
	arg      string
}

func newNotified(arg string) (Constraint, error) {
	d, err := ParseDuration(arg)
	if err != nil {
		return nil, err
	}
	return &Notified{Duration: d, arg: arg}, nil
}

// Name implements Constraint.
func (c *Notified) Name() string { return "Notified" }

// String implements Constraint.
func (c *Notified) String() string { return "Notified(" + c.arg + ")" }

// Holds implements Constraint.
func (c *Notified) Holds(subject Subject, now time.Time) bool {
	notified := subject.NotifiedAt()
	if notified.IsZero() {
		return false
	}
	return now.Sub(notified) > c.Duration
}

// TimeOfDay holds while the time of day at Offset from UTC lies strictly
// inside the window. Windows with Start after Stop wrap past midnight.
type TimeOfDay struct {
	Start  ClockTime
	Stop   ClockTime
	Offset time.Duration
}

func newTimeOfDay(arg string) (Constraint, error) {
	return ParseTimeOfDay(arg)
}

// Name implements Constraint.
func (c *TimeOfDay) Name() string { return "TimeOfDay" }

// String implements Constraint.
func (c *TimeOfDay) String() string {
	sign := '+'
	off := c.Offset
	if off < 0 {
		sign = '-'
		off = -off
	}
	return fmt.Sprintf("TimeOfDay(%s,%s,%c%02d:%02d)", c.Start, c.Stop, sign,
		int(off/time.Hour), int(off%time.Hour/time.Minute))
}

// Holds implements Constraint. The subject is not consulted.
func (c *TimeOfDay) Holds(_ Subject, now time.Time) bool {
	return c.HoldsAt(now)
}

// HoldsAt evaluates the window at instant now.
func (c *TimeOfDay) HoldsAt(now time.Time) bool {
	local := now.UTC().Add(c.Offset)
	cur := local.Hour()*3600 + local.Minute()*60 + local.Second()
	start, stop := c.Start.seconds(), c.Stop.seconds()

	if start <= stop {
		return start < cur && cur < stop
	}
	return cur > start || cur < stop
}
