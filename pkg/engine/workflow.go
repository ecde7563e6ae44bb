package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/poncho/poncho/pkg/telemetry"
)

// Workflow advances a service event through named states.
type Workflow interface {
	// Name is the registry key.
	Name() string

	// Description documents the workflow for operators.
	Description() string

	// States lists every state the workflow implements.
	States() []string

	// TerminalStates lists states that complete the event.
	TerminalStates() []string

	// Transitions lists the allowed state changes.
	Transitions() []TransitionDesc

	// Run evaluates the handler for the event's current state and returns
	// the next state, or "" when the state is unchanged. A non-nil error
	// means nothing was advanced.
	Run(ctx context.Context, event *ServiceEvent, env *Env) (string, error)
}

// Env is what a state handler may use besides the event itself.
type Env struct {
	Fleet     FleetClient
	Notifier  Notifier
	Instances InstanceStore
	Guard     DeletionGuard
	Now       time.Time
	Logger    zerolog.Logger

	warnings []string
}

// Warn records a non-fatal problem encountered during the step. Warnings
// are reported in the step result and do not roll anything back.
func (e *Env) Warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	e.warnings = append(e.warnings, msg)
	e.Logger.Warn().Msg(msg)
}

// Warnings returns the warnings recorded so far.
func (e *Env) Warnings() []string {
	return e.warnings
}

// StateHandler evaluates one state. Returning "" leaves the state unchanged.
type StateHandler func(ctx context.Context, event *ServiceEvent, env *Env) (string, error)

// EntryAction runs once when a transition fires. An error cancels the
// transition.
type EntryAction func(ctx context.Context, event *ServiceEvent, env *Env) error

// TransitionDesc names one allowed state change.
type TransitionDesc struct {
	Event string   `json:"event"`
	Src   []string `json:"src"`
	Dst   string   `json:"dst"`
}

// Machine is a Workflow assembled from a handler table and a declared
// topology. Every state change a handler asks for is fired through a
// looplab/fsm machine so undeclared transitions are rejected and entry
// actions run exactly once per transition.
type Machine struct {
	name        string
	description string
	handlers    map[string]StateHandler
	terminal    map[string]bool
	events      fsm.Events
	actions     map[string]EntryAction
}

// MachineSpec describes a Machine.
type MachineSpec struct {
	Name        string
	Description string
	Handlers    map[string]StateHandler
	Terminal    []string
	Transitions []TransitionDesc
	// EntryActions are keyed by transition event name.
	EntryActions map[string]EntryAction
}

// NewMachine validates spec and builds a Machine.
func NewMachine(spec MachineSpec) (*Machine, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("workflow name is required")
	}

	m := &Machine{
		name:        spec.Name,
		description: spec.Description,
		handlers:    spec.Handlers,
		terminal:    make(map[string]bool, len(spec.Terminal)),
		actions:     spec.EntryActions,
	}
	if m.actions == nil {
		m.actions = map[string]EntryAction{}
	}

	for _, s := range spec.Terminal {
		if _, ok := spec.Handlers[s]; !ok {
			return nil, fmt.Errorf("workflow %s: terminal state %s has no handler", spec.Name, s)
		}
		m.terminal[s] = true
	}

	seen := map[string]bool{}
	for _, t := range spec.Transitions {
		if _, clash := spec.Handlers[t.Event]; clash {
			return nil, fmt.Errorf("workflow %s: event %s shadows a state name", spec.Name, t.Event)
		}
		if seen[t.Event] {
			return nil, fmt.Errorf("workflow %s: duplicate event %s", spec.Name, t.Event)
		}
		seen[t.Event] = true
		if _, ok := spec.Handlers[t.Dst]; !ok {
			return nil, fmt.Errorf("workflow %s: event %s targets unknown state %s", spec.Name, t.Event, t.Dst)
		}
		for _, src := range t.Src {
			if _, ok := spec.Handlers[src]; !ok {
				return nil, fmt.Errorf("workflow %s: event %s leaves unknown state %s", spec.Name, t.Event, src)
			}
			if m.terminal[src] {
				return nil, fmt.Errorf("workflow %s: event %s leaves terminal state %s", spec.Name, t.Event, src)
			}
		}
		m.events = append(m.events, fsm.EventDesc{Name: t.Event, Src: t.Src, Dst: t.Dst})
	}

	for name := range m.actions {
		if !seen[name] {
			return nil, fmt.Errorf("workflow %s: entry action for unknown event %s", spec.Name, name)
		}
	}

	return m, nil
}

// Name implements Workflow.
func (m *Machine) Name() string { return m.name }

// Description implements Workflow.
func (m *Machine) Description() string { return m.description }

// States implements Workflow.
func (m *Machine) States() []string {
	states := make([]string, 0, len(m.handlers))
	for s := range m.handlers {
		states = append(states, s)
	}
	sort.Strings(states)
	return states
}

// TerminalStates implements Workflow.
func (m *Machine) TerminalStates() []string {
	states := make([]string, 0, len(m.terminal))
	for s := range m.terminal {
		states = append(states, s)
	}
	sort.Strings(states)
	return states
}

// Transitions implements Workflow.
func (m *Machine) Transitions() []TransitionDesc {
	out := make([]TransitionDesc, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, TransitionDesc{Event: e.Name, Src: append([]string(nil), e.Src...), Dst: e.Dst})
	}
	return out
}

// IsTerminal reports whether state completes the event.
func (m *Machine) IsTerminal(state string) bool {
	return m.terminal[state]
}

// Run implements Workflow.
func (m *Machine) Run(ctx context.Context, event *ServiceEvent, env *Env) (next string, err error) {
	handler, ok := m.handlers[event.State]
	if !ok {
		return "", NewUnknownStateError(m.name, event.State).WithEvent(event.ID)
	}

	op := telemetry.StartOperation(ctx, "workflow."+event.State,
		telemetry.AttrWorkflow.String(m.name),
		telemetry.AttrState.String(event.State),
	)
	defer func() {
		if next != "" {
			op.SetAttributes(telemetry.AttrNextState.String(next))
		}
		op.End(err)
	}()
	return m.evaluate(op.Ctx, handler, event, env)
}

// evaluate runs the state handler and, when it picks another state, the
// transition into it.
func (m *Machine) evaluate(ctx context.Context, handler StateHandler, event *ServiceEvent, env *Env) (string, error) {
	next, err := handler(ctx, event, env)
	if err != nil {
		return "", err
	}
	if next == "" || next == event.State {
		return "", nil
	}
	if err := m.fire(ctx, event, env, next); err != nil {
		return "", err
	}
	return next, nil
}

// fire validates src -> dst against the topology and runs the entry action.
func (m *Machine) fire(ctx context.Context, event *ServiceEvent, env *Env, dst string) error {
	name := m.eventFor(event.State, dst)
	if name == "" {
		return NewPermanentError(
			fmt.Sprintf("workflow %s does not allow %s -> %s", m.name, event.State, dst), nil).
			WithCode(ErrCodeInvalidTransition).
			WithEvent(event.ID)
	}

	var actionErr error
	callbacks := fsm.Callbacks{}
	if action, ok := m.actions[name]; ok {
		callbacks["before_"+name] = func(ctx context.Context, e *fsm.Event) {
			if err := action(ctx, event, env); err != nil {
				actionErr = err
				e.Cancel(err)
			}
		}
	}

	machine := fsm.NewFSM(event.State, m.events, callbacks)
	if err := machine.Event(ctx, name); err != nil {
		if actionErr != nil {
			return actionErr
		}
		var canceled fsm.CanceledError
		if errors.As(err, &canceled) {
			return NewTransientError("transition canceled", err).WithEvent(event.ID)
		}
		return NewPermanentError(fmt.Sprintf("transition %s failed", name), err).
			WithCode(ErrCodeInvalidTransition).
			WithEvent(event.ID)
	}
	if machine.Current() != dst {
		return NewPermanentError(
			fmt.Sprintf("transition %s ended in %s, expected %s", name, machine.Current(), dst), nil).
			WithCode(ErrCodeInvalidTransition).
			WithEvent(event.ID)
	}
	return nil
}

func (m *Machine) eventFor(src, dst string) string {
	for _, e := range m.events {
		if e.Dst != dst {
			continue
		}
		for _, s := range e.Src {
			if s == src {
				return e.Name
			}
		}
	}
	return ""
}

// Diagram renders the topology one transition per line.
func Diagram(w Workflow) string {
	var b strings.Builder
	for _, t := range w.Transitions() {
		fmt.Fprintf(&b, "%s -> %s  (%s)\n", strings.Join(t.Src, "|"), t.Dst, t.Event)
	}
	return b.String()
}

// unchanged is returned by terminal and waiting handlers.
func unchanged(context.Context, *ServiceEvent, *Env) (string, error) {
	return "", nil
}
