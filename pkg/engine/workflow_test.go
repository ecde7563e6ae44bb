package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func testEnv() *Env {
	return &Env{
		Fleet:     newFakeFleet(),
		Notifier:  &fakeNotifier{},
		Instances: nil,
		Now:       base,
		Logger:    zerolog.Nop(),
	}
}

func returns(next string) StateHandler {
	return func(context.Context, *ServiceEvent, *Env) (string, error) { return next, nil }
}

func TestNewMachineValidation(t *testing.T) {
	handlers := map[string]StateHandler{"a": unchanged, "b": unchanged, "c": unchanged}

	tests := []struct {
		name    string
		spec    MachineSpec
		wantErr string
	}{
		{
			name: "valid",
			spec: MachineSpec{Name: "w", Handlers: handlers, Terminal: []string{"c"},
				Transitions: []TransitionDesc{{Event: "go", Src: []string{"a"}, Dst: "b"}}},
		},
		{
			name:    "missing name",
			spec:    MachineSpec{Handlers: handlers},
			wantErr: "name is required",
		},
		{
			name: "event shadows state",
			spec: MachineSpec{Name: "w", Handlers: handlers,
				Transitions: []TransitionDesc{{Event: "b", Src: []string{"a"}, Dst: "b"}}},
			wantErr: "shadows",
		},
		{
			name: "duplicate event",
			spec: MachineSpec{Name: "w", Handlers: handlers,
				Transitions: []TransitionDesc{
					{Event: "go", Src: []string{"a"}, Dst: "b"},
					{Event: "go", Src: []string{"b"}, Dst: "c"},
				}},
			wantErr: "duplicate",
		},
		{
			name: "unknown destination",
			spec: MachineSpec{Name: "w", Handlers: handlers,
				Transitions: []TransitionDesc{{Event: "go", Src: []string{"a"}, Dst: "z"}}},
			wantErr: "unknown state z",
		},
		{
			name: "leaves terminal",
			spec: MachineSpec{Name: "w", Handlers: handlers, Terminal: []string{"c"},
				Transitions: []TransitionDesc{{Event: "go", Src: []string{"c"}, Dst: "a"}}},
			wantErr: "terminal",
		},
		{
			name: "action for unknown event",
			spec: MachineSpec{Name: "w", Handlers: handlers,
				EntryActions: map[string]EntryAction{"nope": func(context.Context, *ServiceEvent, *Env) error { return nil }}},
			wantErr: "unknown event nope",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMachine(tt.spec)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("NewMachine() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("NewMachine() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestMachineRun(t *testing.T) {
	calls := 0
	m, err := NewMachine(MachineSpec{
		Name: "w",
		Handlers: map[string]StateHandler{
			"a": returns("b"),
			"b": returns("a"),
			"c": returns(""),
		},
		Terminal:    []string{"c"},
		Transitions: []TransitionDesc{{Event: "go", Src: []string{"a"}, Dst: "b"}},
		EntryActions: map[string]EntryAction{
			"go": func(context.Context, *ServiceEvent, *Env) error { calls++; return nil },
		},
	})
	if err != nil {
		t.Fatalf("NewMachine() error = %v", err)
	}

	next, err := m.Run(context.Background(), &ServiceEvent{State: "a"}, testEnv())
	if err != nil || next != "b" {
		t.Fatalf("Run(a) = %q, %v; want b", next, err)
	}
	if calls != 1 {
		t.Errorf("entry action ran %d times, want 1", calls)
	}

	// b -> a is not declared.
	_, err = m.Run(context.Background(), &ServiceEvent{State: "b"}, testEnv())
	if !HasCode(err, ErrCodeInvalidTransition) || !IsPermanent(err) {
		t.Errorf("Run(b) error = %v, want permanent invalid transition", err)
	}
	if calls != 1 {
		t.Errorf("entry action ran on rejected transition")
	}

	next, err = m.Run(context.Background(), &ServiceEvent{State: "c"}, testEnv())
	if err != nil || next != "" {
		t.Errorf("Run(c) = %q, %v; want unchanged", next, err)
	}

	_, err = m.Run(context.Background(), &ServiceEvent{State: "zz"}, testEnv())
	if !HasCode(err, ErrCodeUnknownState) || !IsPermanent(err) {
		t.Errorf("Run(zz) error = %v, want permanent unknown state", err)
	}
}

func TestMachineEntryActionError(t *testing.T) {
	boom := errors.New("boom")
	m, err := NewMachine(MachineSpec{
		Name:        "w",
		Handlers:    map[string]StateHandler{"a": returns("b"), "b": unchanged},
		Transitions: []TransitionDesc{{Event: "go", Src: []string{"a"}, Dst: "b"}},
		EntryActions: map[string]EntryAction{
			"go": func(context.Context, *ServiceEvent, *Env) error { return boom },
		},
	})
	if err != nil {
		t.Fatalf("NewMachine() error = %v", err)
	}

	next, err := m.Run(context.Background(), &ServiceEvent{State: "a"}, testEnv())
	if !errors.Is(err, boom) || next != "" {
		t.Fatalf("Run() = %q, %v; want boom and no state", next, err)
	}
}

func TestBuiltinWorkflowTopology(t *testing.T) {
	del, err := NewDeleteInstances()
	if err != nil {
		t.Fatalf("NewDeleteInstances() error = %v", err)
	}
	if got := strings.Join(del.TerminalStates(), ","); got != "canceled,complete,drained" {
		t.Errorf("delete-instances terminal = %s", got)
	}
	if got := strings.Join(del.States(), ","); got != "active_drain,canceled,complete,drained,initialized,passive_drain" {
		t.Errorf("delete-instances states = %s", got)
	}
	if !strings.Contains(Diagram(del), "initialized -> passive_drain  (begin_passive_drain)") {
		t.Errorf("diagram missing passive drain:\n%s", Diagram(del))
	}

	restart, err := NewRestartInstances()
	if err != nil {
		t.Fatalf("NewRestartInstances() error = %v", err)
	}
	if got := strings.Join(restart.TerminalStates(), ","); got != "canceled,completed" {
		t.Errorf("restart-instances terminal = %s", got)
	}
	if len(restart.Transitions()) != 5 {
		t.Errorf("restart-instances transitions = %d, want 5", len(restart.Transitions()))
	}
}

func TestRecipientsFor(t *testing.T) {
	tests := []struct {
		name string
		inst Instance
		want Recipients
	}{
		{"url wins", Instance{OwnerEmail: "o@x", Metadata: map[string]string{"notify_url": "https://h/x"}}, Recipients{URLs: []string{"https://h/x"}}},
		{"email", Instance{OwnerEmail: "o@x"}, Recipients{Emails: []string{"o@x"}}},
		{"bad url falls back", Instance{OwnerEmail: "o@x", Metadata: map[string]string{"notify_url": "ftp:nope"}}, Recipients{Emails: []string{"o@x"}}},
		{"nobody", Instance{}, Recipients{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RecipientsFor(&tt.inst)
			if strings.Join(got.URLs, ",") != strings.Join(tt.want.URLs, ",") ||
				strings.Join(got.Emails, ",") != strings.Join(tt.want.Emails, ",") {
				t.Errorf("RecipientsFor() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestEnvWarn(t *testing.T) {
	env := testEnv()
	env.Warn("instance %s deferred", "i-1")
	if w := env.Warnings(); len(w) != 1 || w[0] != "instance i-1 deferred" {
		t.Errorf("Warnings() = %v", w)
	}
}
