package manager

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/poncho/poncho/pkg/annotations"
	"github.com/poncho/poncho/pkg/engine"
	"github.com/poncho/poncho/pkg/stores"
)

// DefaultNotify is the notice owners get when a request does not set one.
const DefaultNotify = 48 * time.Hour

// CreateRequest describes a new service event.
type CreateRequest struct {
	// Hosts are the compute hosts to service. Duplicates are dropped.
	Hosts []string

	// Workflow names a registered workflow.
	Workflow string

	// Description is sent to workload owners.
	Description string

	// Notes stay internal.
	Notes string

	// Delay postpones the passive drain.
	Delay time.Duration

	// Notify is the minimum time before the active drain. Nil uses the
	// manager default.
	Notify *time.Duration

	// DryRun computes the event without storing it.
	DryRun bool

	// Annotations are operator-supplied policy values, validated against
	// the annotation catalog before anything is created.
	Annotations map[string]string
}

// Manager handles operator actions on service events. The poller is the
// only other writer.
type Manager struct {
	store         stores.Store
	registry      *engine.Registry
	catalog       *annotations.Catalog
	defaultNotify time.Duration
	maximumNotify time.Duration
	logger        zerolog.Logger
	now           engine.Clock
}

// Option configures a Manager.
type Option func(*Manager)

// WithDefaultNotify sets the notice used when a request has none.
func WithDefaultNotify(d time.Duration) Option {
	return func(m *Manager) { m.defaultNotify = d }
}

// WithMaximumNotify caps requested notice. Zero disables the cap.
func WithMaximumNotify(d time.Duration) Option {
	return func(m *Manager) { m.maximumNotify = d }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock replaces time.Now.
func WithClock(c engine.Clock) Option {
	return func(m *Manager) { m.now = c }
}

// New creates a manager over store, resolving workflows in registry.
func New(store stores.Store, registry *engine.Registry, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		registry:      registry,
		catalog:       annotations.DefaultCatalog(),
		defaultNotify: DefaultNotify,
		logger:        zerolog.Nop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "manager").Logger()
	return m
}

// CreateEvent validates req and stores the resulting event in its
// workflow's initial state. The passive drain begins after req.Delay, the
// active drain after the notice, and never before the passive drain.
func (m *Manager) CreateEvent(ctx context.Context, req CreateRequest) (*engine.ServiceEvent, error) {
	if _, err := m.registry.Resolve(req.Workflow); err != nil {
		return nil, err
	}
	if err := m.catalog.ValidateAll(req.Annotations); err != nil {
		return nil, engine.NewPermanentError("invalid annotations", err).WithCode(engine.ErrCodeValidation)
	}
	if req.Delay < 0 {
		return nil, validationError("delay must not be negative")
	}

	notify := m.defaultNotify
	if req.Notify != nil {
		notify = *req.Notify
	}
	if notify < 0 {
		return nil, validationError("notify must not be negative")
	}
	if m.maximumNotify > 0 && notify > m.maximumNotify {
		m.logger.Warn().
			Dur("requested", notify).
			Dur("maximum", m.maximumNotify).
			Msg("Notice exceeds the maximum, capping")
		notify = m.maximumNotify
	}
	if notify < req.Delay {
		return nil, validationError(fmt.Sprintf("notify (%s) must not be shorter than delay (%s)", notify, req.Delay))
	}

	hosts := normalizeHosts(req.Hosts)
	if len(hosts) == 0 {
		return nil, validationError("at least one host is required")
	}

	now := m.now().UTC().Truncate(time.Second)
	event := &engine.ServiceEvent{
		Workflow:            req.Workflow,
		State:               engine.StateInitialized,
		CreatedAt:           now,
		Description:         req.Description,
		Notes:               req.Notes,
		BeginPassiveDrainAt: now.Add(req.Delay),
		BeginActiveDrainAt:  now.Add(notify),
	}
	for _, h := range hosts {
		event.Hosts = append(event.Hosts, engine.Host{Name: h})
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}

	if req.DryRun {
		m.logger.Info().
			Str("workflow", event.Workflow).
			Strs("hosts", hosts).
			Time("passive_drain", event.BeginPassiveDrainAt).
			Time("active_drain", event.BeginActiveDrainAt).
			Msg("Dry run, event not created")
		return event, nil
	}

	if err := m.store.CreateEvent(ctx, event); err != nil {
		return nil, err
	}
	m.logger.Info().
		Int64("event_id", event.ID).
		Str("workflow", event.Workflow).
		Strs("hosts", hosts).
		Msg("Service event created")
	return event, nil
}

// Operator finishes map to these states, in order of preference. The first
// one the event's workflow declares terminal is used.
var (
	completeStates = []string{engine.StateComplete, engine.StateCompleted}
	cancelStates   = []string{engine.StateCanceled}
)

// CompleteEvent moves the event to its workflow's completion state.
func (m *Manager) CompleteEvent(ctx context.Context, id int64) (*engine.ServiceEvent, error) {
	return m.finish(ctx, id, completeStates, "completed by operator")
}

// CancelEvent marks the event canceled. Owners are never told about
// cancellations; silent only quiets the log.
func (m *Manager) CancelEvent(ctx context.Context, id int64, silent bool) (*engine.ServiceEvent, error) {
	event, err := m.finish(ctx, id, cancelStates, "canceled by operator")
	if err != nil {
		return nil, err
	}
	if !silent {
		m.logger.Info().Int64("event_id", id).Msg("Cancellation notices are not sent to owners")
	}
	return event, nil
}

// finish completes the event under its row lock in the first of states
// that is terminal for its workflow. An event is completed at most once.
func (m *Manager) finish(ctx context.Context, id int64, states []string, reason string) (event *engine.ServiceEvent, err error) {
	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	event, err = tx.LockForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if event.Completed {
		return nil, engine.NewConflictError(fmt.Sprintf("service event %d is already completed", id), nil).
			WithCode(engine.ErrCodeEventCompleted).
			WithEvent(id)
	}

	state, err := m.terminalState(event, states)
	if err != nil {
		return nil, err
	}

	from := event.State
	now := m.now().UTC()
	event.MarkCompleted(state, now)
	event.UpdatedAt = now

	if err := tx.Save(ctx, event); err != nil {
		return nil, err
	}
	if err := tx.AppendTransition(ctx, &engine.Transition{
		EventID:   id,
		FromState: from,
		ToState:   state,
		Actor:     engine.ActorOperator,
		Reason:    reason,
		At:        now,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit service event %d: %w", id, err)
	}
	committed = true

	m.logger.Info().Int64("event_id", id).Str("from", from).Str("to", state).Msg("Service event finished")
	return event, nil
}

// terminalState picks the first candidate the event's workflow accepts as
// terminal.
func (m *Manager) terminalState(event *engine.ServiceEvent, candidates []string) (string, error) {
	wf, err := m.registry.Resolve(event.Workflow)
	if err != nil {
		return "", err
	}
	for _, state := range candidates {
		if engine.IsTerminal(wf, state) {
			return state, nil
		}
	}
	return "", engine.NewPermanentError(
		fmt.Sprintf("workflow %s has no terminal state among %s", wf.Name(), strings.Join(candidates, ", ")), nil).
		WithCode(engine.ErrCodeValidation).
		WithEvent(event.ID)
}

// GetEvent returns one event.
func (m *Manager) GetEvent(ctx context.Context, id int64) (*engine.ServiceEvent, error) {
	return m.store.GetEvent(ctx, id)
}

// ListEvents lists events, newest first. Completed events are left out
// unless includeCompleted is set.
func (m *Manager) ListEvents(ctx context.Context, includeCompleted bool) ([]*engine.ServiceEvent, error) {
	return m.store.ListEvents(ctx, stores.EventFilter{IncludeCompleted: includeCompleted})
}

// Transitions returns the event's history, oldest first.
func (m *Manager) Transitions(ctx context.Context, id int64) ([]engine.Transition, error) {
	if _, err := m.store.GetEvent(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListTransitions(ctx, id)
}

// Unstick lets the poller pick a stuck event up again.
func (m *Manager) Unstick(ctx context.Context, id int64) error {
	if err := m.store.Unstick(ctx, id); err != nil {
		return err
	}
	m.logger.Info().Int64("event_id", id).Msg("Service event unstuck")
	return nil
}

// Workflows lists the registered workflows.
func (m *Manager) Workflows() []engine.Workflow {
	return m.registry.List()
}

// Workflow resolves one workflow by name.
func (m *Manager) Workflow(name string) (engine.Workflow, error) {
	return m.registry.Resolve(name)
}

func normalizeHosts(hosts []string) []string {
	seen := make(map[string]bool, len(hosts))
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}

func validationError(msg string) error {
	return engine.NewPermanentError(msg, nil).WithCode(engine.ErrCodeValidation)
}
