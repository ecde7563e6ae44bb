package annotations

import (
	"errors"
	"testing"
	"time"
)

type fakeSubject struct {
	launched time.Time
	notified time.Time
}

func (f fakeSubject) LaunchedAt() time.Time { return f.launched }
func (f fakeSubject) NotifiedAt() time.Time { return f.notified }

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{input: "45m", expected: 45 * time.Minute},
		{input: "1d", expected: 24 * time.Hour},
		{input: "1d2h3m4s", expected: 24*time.Hour + 2*time.Hour + 3*time.Minute + 4*time.Second},
		{input: "1h1h", expected: 2 * time.Hour},
		{input: "0d0h5s", expected: 5 * time.Second},
		{input: "0s", wantErr: true},
		{input: "", wantErr: true},
		{input: "foo", wantErr: true},
		{input: "10", wantErr: true},
		{input: "3w", wantErr: true},
		{input: "1h30", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDuration(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got %v", tt.input, got)
				}
				if !errors.Is(err, ErrConstraintSyntax) {
					t.Errorf("expected constraint syntax error, got %T: %v", err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestParseDurationZeroMessage(t *testing.T) {
	_, err := ParseDuration("0m")
	var cerr *ConstraintSyntaxError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConstraintSyntaxError, got %v", err)
	}
	if cerr.Description != "Time interval must be greater than zero" {
		t.Errorf("unexpected description: %s", cerr.Description)
	}
}

func TestParseTimeOfDay(t *testing.T) {
	valid := []string{
		"22:00, 06:00", "22:00, 06:30", "22:00,06:30", "06:30,12:00",
		"22:00, 06:00, +06:00", "22:00, 06:30, +11:00",
		"22:00,06:30,+04:00", "22:00,06:30,-04:00",
		"22:00, 06:00, -06:00", "22:00, 06:30, -11:00",
		"23:00,06:00,+23:00",
	}
	for _, s := range valid {
		if _, err := ParseTimeOfDay(s); err != nil {
			t.Errorf("expected %q to parse, got %v", s, err)
		}
	}

	invalid := []string{
		"24:00, 06:00", "23:00,6:30", "23:61, 23:00", "asdfasdf",
		"234:44:22, 2343", "23:00,6:00, 01:00", "23:00,06:00,+25:00",
		"23:00,06:00,+24:00", "23:00", "",
	}
	for _, s := range invalid {
		_, err := ParseTimeOfDay(s)
		if !errors.Is(err, ErrConstraintSyntax) {
			t.Errorf("expected constraint syntax error for %q, got %v", s, err)
		}
	}
}

func TestParseTimeOfDayFields(t *testing.T) {
	tests := []struct {
		input  string
		start  ClockTime
		stop   ClockTime
		offset time.Duration
	}{
		{"22:00,06:30,+04:00", ClockTime{22, 0}, ClockTime{6, 30}, 4 * time.Hour},
		{"22:00,06:30,-04:00", ClockTime{22, 0}, ClockTime{6, 30}, -4 * time.Hour},
		{"22:00, 06:00, -06:00", ClockTime{22, 0}, ClockTime{6, 0}, -6 * time.Hour},
		{"12:35, 05:59, -11:30", ClockTime{12, 35}, ClockTime{5, 59}, -(11*time.Hour + 30*time.Minute)},
		{"06:30,12:00", ClockTime{6, 30}, ClockTime{12, 0}, 0},
	}

	for _, tt := range tests {
		tod, err := ParseTimeOfDay(tt.input)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", tt.input, err)
		}
		if tod.Start != tt.start || tod.Stop != tt.stop || tod.Offset != tt.offset {
			t.Errorf("%q: got (%v, %v, %v), expected (%v, %v, %v)",
				tt.input, tod.Start, tod.Stop, tod.Offset, tt.start, tt.stop, tt.offset)
		}
	}
}

func at(hour, minute int) time.Time {
	return time.Date(2024, 3, 14, hour, minute, 0, 0, time.UTC)
}

func TestTimeOfDayHolds(t *testing.T) {
	tests := []struct {
		window string
		now    time.Time
		holds  bool
	}{
		{"22:00,06:00", at(23, 30), true},
		{"22:00,06:00", at(1, 0), true},
		{"22:00,06:00", at(12, 0), false},
		{"22:00,06:00", at(22, 0), false},
		{"22:00,06:00", at(6, 0), false},
		{"06:30,12:00", at(8, 0), true},
		{"06:30,12:00", at(23, 0), false},
		{"06:30,12:00", at(6, 30), false},
		{"06:30,12:00", at(12, 0), false},
		// 04:00 UTC is 08:00 at +04:00
		{"06:30,12:00,+04:00", at(4, 0), true},
		{"06:30,12:00,+04:00", at(7, 0), true},
		{"06:30,12:00,+04:00", at(8, 0), false},
		{"06:30,12:00,+04:00", at(9, 0), false},
		// 03:00 UTC is 22:00 the previous day at -05:00
		{"21:00,23:00,-05:00", at(3, 0), true},
	}

	for _, tt := range tests {
		tod, err := ParseTimeOfDay(tt.window)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", tt.window, err)
		}
		if got := tod.Holds(fakeSubject{}, tt.now); got != tt.holds {
			t.Errorf("%q at %s: expected %v, got %v", tt.window, tt.now.Format("15:04"), tt.holds, got)
		}
	}
}

func TestTimeOfDayHoldsConvertsToUTC(t *testing.T) {
	tod, err := ParseTimeOfDay("06:30,12:00")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	loc := time.FixedZone("EST", -5*3600)
	// 03:00 EST is 08:00 UTC
	now := time.Date(2024, 3, 14, 3, 0, 0, 0, loc)
	if !tod.HoldsAt(now) {
		t.Errorf("expected window to hold at %v", now.UTC())
	}
}

func TestParseConstraints(t *testing.T) {
	cs, err := ParseConstraints("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cs) != 0 {
		t.Fatalf("expected no constraints, got %d", len(cs))
	}

	cs, err = ParseConstraints("Notified(3m);Runtime(4h)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cs) != 2 {
		t.Fatalf("expected 2 constraints, got %d", len(cs))
	}
	n, ok := cs[0].(*Notified)
	if !ok || n.Duration != 3*time.Minute {
		t.Errorf("expected Notified(3m) first, got %v", cs[0])
	}
	r, ok := cs[1].(*MinRuntime)
	if !ok || r.Duration != 4*time.Hour {
		t.Errorf("expected MinRuntime(4h) second, got %v", cs[1])
	}

	cs, err = ParseConstraints("MinRuntime(1d);TimeOfDay(22:00,06:00,+04:00)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cs) != 2 || cs[1].Name() != "TimeOfDay" {
		t.Fatalf("expected TimeOfDay second, got %v", cs)
	}
	if cs[1].String() != "TimeOfDay(22:00,06:00,+04:00)" {
		t.Errorf("unexpected string form: %s", cs[1].String())
	}
}

func TestParseConstraintsErrors(t *testing.T) {
	tests := []struct {
		input string
		desc  string
	}{
		{"Runner()", "Could not find constraint class for Runner (known: MinRuntime, Notified, Runtime, TimeOfDay)"},
		{"Runtime()", "Time interval must be greater than zero"},
		{"Runtime(foo)", ""},
		{"Notified(foo)", ""},
		{"Runtime;Notified", "Invalid constraint syntax"},
		{"Notified(3m);", ""},
		{"TimeOfDay(24:00,06:00)", ""},
	}

	for _, tt := range tests {
		cs, err := ParseConstraints(tt.input)
		if tt.input == "Notified(3m);" {
			// trailing delimiter leaves an empty clause, which is skipped
			if err != nil || len(cs) != 1 {
				t.Errorf("%q: expected one constraint, got %v, %v", tt.input, cs, err)
			}
			continue
		}
		var cerr *ConstraintSyntaxError
		if !errors.As(err, &cerr) {
			t.Errorf("%q: expected ConstraintSyntaxError, got %v", tt.input, err)
			continue
		}
		if tt.desc != "" && cerr.Description != tt.desc {
			t.Errorf("%q: expected description %q, got %q", tt.input, tt.desc, cerr.Description)
		}
	}
}

func TestDurationConstraintsHold(t *testing.T) {
	now := time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC)
	cs, err := ParseConstraints("MinRuntime(2h);Notified(10m)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name    string
		subject fakeSubject
		holds   bool
	}{
		{"never notified", fakeSubject{launched: now.Add(-3 * time.Hour)}, false},
		{"notified recently", fakeSubject{launched: now.Add(-3 * time.Hour), notified: now.Add(-5 * time.Minute)}, false},
		{"too young", fakeSubject{launched: now.Add(-1 * time.Hour), notified: now.Add(-20 * time.Minute)}, false},
		{"exact boundary", fakeSubject{launched: now.Add(-2 * time.Hour), notified: now.Add(-20 * time.Minute)}, false},
		{"both satisfied", fakeSubject{launched: now.Add(-3 * time.Hour), notified: now.Add(-20 * time.Minute)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AllHold(cs, tt.subject, now); got != tt.holds {
				t.Errorf("expected %v, got %v", tt.holds, got)
			}
		})
	}

	if !AllHold(nil, fakeSubject{}, now) {
		t.Error("expected empty constraint list to hold")
	}
}
