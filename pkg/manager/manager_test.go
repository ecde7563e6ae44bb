package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/poncho/poncho/pkg/engine"
	"github.com/poncho/poncho/pkg/stores"
)

var t0 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, opts ...Option) (*Manager, stores.Store) {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{DSN: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	registry, err := engine.DefaultRegistry(nil)
	if err != nil {
		t.Fatalf("DefaultRegistry() error = %v", err)
	}

	opts = append([]Option{WithClock(func() time.Time { return t0 })}, opts...)
	return New(store, registry, opts...), store
}

func durationPtr(d time.Duration) *time.Duration { return &d }

func TestCreateEvent(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	ev, err := m.CreateEvent(ctx, CreateRequest{
		Hosts:       []string{"compute-1", " compute-2 ", "compute-1"},
		Workflow:    engine.DeleteInstancesName,
		Description: "Replacing DIMMs",
		Notes:       "ticket 42",
		Delay:       time.Hour,
		Notify:      durationPtr(4 * time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}
	if ev.ID == 0 {
		t.Fatal("expected event to be assigned an id")
	}
	if ev.State != engine.StateInitialized {
		t.Errorf("State = %q, want %q", ev.State, engine.StateInitialized)
	}
	if !ev.BeginPassiveDrainAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("BeginPassiveDrainAt = %v, want %v", ev.BeginPassiveDrainAt, t0.Add(time.Hour))
	}
	if !ev.BeginActiveDrainAt.Equal(t0.Add(4 * time.Hour)) {
		t.Errorf("BeginActiveDrainAt = %v, want %v", ev.BeginActiveDrainAt, t0.Add(4*time.Hour))
	}

	got, err := store.GetEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("GetEvent() error = %v", err)
	}
	names := got.HostNames()
	if len(names) != 2 || names[0] != "compute-1" || names[1] != "compute-2" {
		t.Errorf("hosts = %v, want [compute-1 compute-2]", names)
	}
	if got.Description != "Replacing DIMMs" || got.Notes != "ticket 42" {
		t.Errorf("description/notes = %q/%q", got.Description, got.Notes)
	}
}

func TestCreateEventDefaultNotify(t *testing.T) {
	m, _ := newTestManager(t)

	ev, err := m.CreateEvent(context.Background(), CreateRequest{
		Hosts:    []string{"compute-1"},
		Workflow: engine.DeleteInstancesName,
		DryRun:   true,
	})
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}
	if want := t0.Add(DefaultNotify); !ev.BeginActiveDrainAt.Equal(want) {
		t.Errorf("BeginActiveDrainAt = %v, want %v", ev.BeginActiveDrainAt, want)
	}
	if !ev.BeginPassiveDrainAt.Equal(t0) {
		t.Errorf("BeginPassiveDrainAt = %v, want %v", ev.BeginPassiveDrainAt, t0)
	}
}

func TestCreateEventCapsNotify(t *testing.T) {
	m, _ := newTestManager(t, WithMaximumNotify(24*time.Hour))

	ev, err := m.CreateEvent(context.Background(), CreateRequest{
		Hosts:    []string{"compute-1"},
		Workflow: engine.DeleteInstancesName,
		Notify:   durationPtr(72 * time.Hour),
		DryRun:   true,
	})
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}
	if want := t0.Add(24 * time.Hour); !ev.BeginActiveDrainAt.Equal(want) {
		t.Errorf("BeginActiveDrainAt = %v, want %v", ev.BeginActiveDrainAt, want)
	}
}

func TestCreateEventDryRunDoesNotPersist(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	ev, err := m.CreateEvent(ctx, CreateRequest{
		Hosts:    []string{"compute-1"},
		Workflow: engine.RestartInstancesName,
		DryRun:   true,
	})
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}
	if ev.ID != 0 {
		t.Errorf("dry run event ID = %d, want 0", ev.ID)
	}

	events, err := m.ListEvents(ctx, true)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) != 0 {
		t.Errorf("ListEvents() returned %d events, want 0", len(events))
	}
}

func TestCreateEventRejects(t *testing.T) {
	tests := []struct {
		name     string
		req      CreateRequest
		wantCode string
	}{
		{
			name:     "unknown workflow",
			req:      CreateRequest{Hosts: []string{"compute-1"}, Workflow: "reimage"},
			wantCode: engine.ErrCodeUnknownWorkflow,
		},
		{
			name:     "no hosts",
			req:      CreateRequest{Hosts: []string{" ", ""}, Workflow: engine.DeleteInstancesName},
			wantCode: engine.ErrCodeValidation,
		},
		{
			name: "notify shorter than delay",
			req: CreateRequest{
				Hosts:    []string{"compute-1"},
				Workflow: engine.DeleteInstancesName,
				Delay:    2 * time.Hour,
				Notify:   durationPtr(time.Hour),
			},
			wantCode: engine.ErrCodeValidation,
		},
		{
			name:     "negative delay",
			req:      CreateRequest{Hosts: []string{"compute-1"}, Workflow: engine.DeleteInstancesName, Delay: -time.Minute},
			wantCode: engine.ErrCodeValidation,
		},
		{
			name: "bad annotation",
			req: CreateRequest{
				Hosts:       []string{"compute-1"},
				Workflow:    engine.DeleteInstancesName,
				Annotations: map[string]string{"ha_group_min": "several"},
			},
			wantCode: engine.ErrCodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(t)
			_, err := m.CreateEvent(context.Background(), tt.req)
			if err == nil {
				t.Fatal("expected error")
			}
			var engErr *engine.EngineError
			if !errors.As(err, &engErr) {
				t.Fatalf("error %v is not an EngineError", err)
			}
			if engErr.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", engErr.Code, tt.wantCode)
			}
		})
	}
}

func TestCompleteEvent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	ev, err := m.CreateEvent(ctx, CreateRequest{Hosts: []string{"compute-1"}, Workflow: engine.DeleteInstancesName})
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}

	done, err := m.CompleteEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("CompleteEvent() error = %v", err)
	}
	if !done.Completed || done.State != engine.StateComplete {
		t.Errorf("event = completed %v state %q, want completed complete", done.Completed, done.State)
	}
	if done.CompletedAt == nil || !done.CompletedAt.Equal(t0) {
		t.Errorf("CompletedAt = %v, want %v", done.CompletedAt, t0)
	}

	if _, err := m.CompleteEvent(ctx, ev.ID); !errors.Is(err, engine.ErrEventCompleted) {
		t.Errorf("second CompleteEvent() error = %v, want ErrEventCompleted", err)
	}
	if _, err := m.CancelEvent(ctx, ev.ID, true); !errors.Is(err, engine.ErrEventCompleted) {
		t.Errorf("CancelEvent() after complete error = %v, want ErrEventCompleted", err)
	}

	open, err := m.ListEvents(ctx, false)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(open) != 0 {
		t.Errorf("ListEvents(false) returned %d events, want 0", len(open))
	}
	all, err := m.ListEvents(ctx, true)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(all) != 1 {
		t.Errorf("ListEvents(true) returned %d events, want 1", len(all))
	}
}

func TestCancelEventRecordsTransition(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	ev, err := m.CreateEvent(ctx, CreateRequest{Hosts: []string{"compute-1"}, Workflow: engine.RestartInstancesName})
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}
	if _, err := m.CancelEvent(ctx, ev.ID, false); err != nil {
		t.Fatalf("CancelEvent() error = %v", err)
	}

	history, err := m.Transitions(ctx, ev.ID)
	if err != nil {
		t.Fatalf("Transitions() error = %v", err)
	}
	if len(history) == 0 {
		t.Fatal("expected transitions")
	}
	last := history[len(history)-1]
	if last.FromState != engine.StateInitialized || last.ToState != engine.StateCanceled {
		t.Errorf("last transition = %s -> %s, want %s -> %s",
			last.FromState, last.ToState, engine.StateInitialized, engine.StateCanceled)
	}
	if last.Actor != engine.ActorOperator {
		t.Errorf("Actor = %q, want %q", last.Actor, engine.ActorOperator)
	}
}

func TestFinishUsesWorkflowTerminalState(t *testing.T) {
	tests := []struct {
		workflow string
		cancel   bool
		want     string
	}{
		{workflow: engine.DeleteInstancesName, want: engine.StateComplete},
		{workflow: engine.DeleteInstancesName, cancel: true, want: engine.StateCanceled},
		{workflow: engine.RestartInstancesName, want: engine.StateCompleted},
		{workflow: engine.RestartInstancesName, cancel: true, want: engine.StateCanceled},
	}

	for _, tt := range tests {
		name := tt.workflow + "/complete"
		if tt.cancel {
			name = tt.workflow + "/cancel"
		}
		t.Run(name, func(t *testing.T) {
			m, _ := newTestManager(t)
			ctx := context.Background()

			ev, err := m.CreateEvent(ctx, CreateRequest{Hosts: []string{"compute-1"}, Workflow: tt.workflow})
			if err != nil {
				t.Fatalf("CreateEvent() error = %v", err)
			}
			var done *engine.ServiceEvent
			if tt.cancel {
				done, err = m.CancelEvent(ctx, ev.ID, true)
			} else {
				done, err = m.CompleteEvent(ctx, ev.ID)
			}
			if err != nil {
				t.Fatalf("finish error = %v", err)
			}
			if done.State != tt.want {
				t.Errorf("State = %q, want %q", done.State, tt.want)
			}

			wf, err := m.Workflow(tt.workflow)
			if err != nil {
				t.Fatalf("Workflow() error = %v", err)
			}
			stored, err := m.GetEvent(ctx, ev.ID)
			if err != nil {
				t.Fatalf("GetEvent() error = %v", err)
			}
			if !stored.Completed || !engine.IsTerminal(wf, stored.State) {
				t.Errorf("stored event completed=%v state=%q, want a terminal state of %v",
					stored.Completed, stored.State, wf.TerminalStates())
			}
		})
	}
}

func holdState(context.Context, *engine.ServiceEvent, *engine.Env) (string, error) { return "", nil }

func TestFinishRejectsWorkflowWithoutState(t *testing.T) {
	_, store := newTestManager(t)
	ctx := context.Background()

	registry := engine.NewRegistry()
	registry.MustRegister("drain-only", func() (engine.Workflow, error) {
		return engine.NewMachine(engine.MachineSpec{
			Name: "drain-only",
			Handlers: map[string]engine.StateHandler{
				engine.StateInitialized: holdState,
				engine.StateDrained:     holdState,
			},
			Terminal: []string{engine.StateDrained},
			Transitions: []engine.TransitionDesc{
				{Event: "finish_drain", Src: []string{engine.StateInitialized}, Dst: engine.StateDrained},
			},
		})
	})
	m := New(store, registry, WithClock(func() time.Time { return t0 }))

	ev, err := m.CreateEvent(ctx, CreateRequest{Hosts: []string{"compute-1"}, Workflow: "drain-only"})
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}

	for name, finish := range map[string]func() error{
		"complete": func() error { _, err := m.CompleteEvent(ctx, ev.ID); return err },
		"cancel":   func() error { _, err := m.CancelEvent(ctx, ev.ID, true); return err },
	} {
		err := finish()
		var engErr *engine.EngineError
		if !errors.As(err, &engErr) || engErr.Code != engine.ErrCodeValidation {
			t.Errorf("%s error = %v, want a validation error", name, err)
		}
	}

	stored, err := m.GetEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("GetEvent() error = %v", err)
	}
	if stored.Completed || stored.State != engine.StateInitialized {
		t.Errorf("rejected finish changed the event: completed=%v state=%q", stored.Completed, stored.State)
	}
}

func TestFinishRejectsUnregisteredWorkflow(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	ev, err := m.CreateEvent(ctx, CreateRequest{Hosts: []string{"compute-1"}, Workflow: engine.RestartInstancesName})
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}

	// The worker config no longer enables restart-instances.
	registry, err := engine.DefaultRegistry([]string{engine.DeleteInstancesName})
	if err != nil {
		t.Fatalf("DefaultRegistry() error = %v", err)
	}
	narrow := New(store, registry, WithClock(func() time.Time { return t0 }))

	_, err = narrow.CompleteEvent(ctx, ev.ID)
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) || engErr.Code != engine.ErrCodeUnknownWorkflow {
		t.Errorf("CompleteEvent() error = %v, want an unknown workflow error", err)
	}
}

func TestUnknownEvent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.CompleteEvent(ctx, 999); !errors.Is(err, engine.ErrEventNotFound) {
		t.Errorf("CompleteEvent() error = %v, want ErrEventNotFound", err)
	}
	if _, err := m.Transitions(ctx, 999); !errors.Is(err, engine.ErrEventNotFound) {
		t.Errorf("Transitions() error = %v, want ErrEventNotFound", err)
	}
}

func TestWorkflows(t *testing.T) {
	m, _ := newTestManager(t)

	if len(m.Workflows()) != len(engine.BuiltinNames()) {
		t.Errorf("Workflows() returned %d, want %d", len(m.Workflows()), len(engine.BuiltinNames()))
	}
	wf, err := m.Workflow(engine.DeleteInstancesName)
	if err != nil {
		t.Fatalf("Workflow() error = %v", err)
	}
	if wf.Name() != engine.DeleteInstancesName {
		t.Errorf("Name() = %q", wf.Name())
	}
}
