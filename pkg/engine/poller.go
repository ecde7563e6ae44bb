package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/poncho/poncho/pkg/telemetry"
)

// Poller advances every incomplete service event by at most one state per
// Step. It does not own a timer; callers decide when to step.
type Poller struct {
	store    EventStore
	registry *Registry
	fleet    FleetClient
	notifier Notifier
	guard    DeletionGuard
	metrics  Metrics
	logger   zerolog.Logger
	now      Clock
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithGuard sets the deletion guard consulted before deleting instances.
func WithGuard(g DeletionGuard) PollerOption {
	return func(p *Poller) { p.guard = g }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) PollerOption {
	return func(p *Poller) { p.metrics = m }
}

// WithLogger sets the poller logger.
func WithLogger(l zerolog.Logger) PollerOption {
	return func(p *Poller) { p.logger = l }
}

// WithClock overrides time.Now.
func WithClock(c Clock) PollerOption {
	return func(p *Poller) { p.now = c }
}

// NewPoller creates a poller.
func NewPoller(store EventStore, registry *Registry, fleet FleetClient, notifier Notifier, opts ...PollerOption) *Poller {
	p := &Poller{
		store:    store,
		registry: registry,
		fleet:    fleet,
		notifier: notifier,
		metrics:  nopMetrics{},
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// EventResult is the outcome of stepping one event.
type EventResult struct {
	ID       int64      `json:"id"`
	Workflow string     `json:"workflow"`
	From     string     `json:"from"`
	To       string     `json:"to,omitempty"`
	Err      error      `json:"-"`
	Error    string     `json:"error,omitempty"`
	Class    ErrorClass `json:"class,omitempty"`
	Warnings []string   `json:"warnings,omitempty"`
	Stuck    bool       `json:"stuck,omitempty"`
	Skipped  bool       `json:"skipped,omitempty"`
}

// Advanced reports whether the event changed state.
func (r *EventResult) Advanced() bool {
	return r.Err == nil && r.To != "" && r.To != r.From
}

// StepResult summarises one poll step.
type StepResult struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Events    []EventResult `json:"events"`
}

// Failed returns the results that ended in an error.
func (r *StepResult) Failed() []EventResult {
	var out []EventResult
	for _, e := range r.Events {
		if e.Err != nil {
			out = append(out, e)
		}
	}
	return out
}

// Step runs one poll pass. Per-event failures are recorded in the result and
// never abort the pass; the returned error is non-nil only when the
// incomplete events could not be listed. Steps are traced when ctx carries
// telemetry.
func (p *Poller) Step(ctx context.Context) (result *StepResult, err error) {
	op := telemetry.StartOperation(ctx, "poller.step")
	defer func() { op.End(err) }()

	started := p.now()
	result = &StepResult{StartedAt: started}

	events, err := p.store.ListIncomplete(op.Ctx)
	if err != nil {
		return nil, NewTransientError("failed to list incomplete events", err).
			WithCode(ErrCodeStoreFailed).
			WithOperation("list_incomplete")
	}

	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}
		res := p.stepEvent(op.Ctx, ev.ID, ev.Workflow)
		result.Events = append(result.Events, res)
	}

	result.Duration = time.Since(started)
	if result.Duration < 0 {
		result.Duration = 0
	}
	p.metrics.RecordStep(result.Duration, len(result.Events))
	return result, nil
}

func (p *Poller) stepEvent(ctx context.Context, id int64, workflow string) (res EventResult) {
	op := telemetry.StartOperation(ctx, "poller.event",
		telemetry.AttrEventID.Int64(id),
		telemetry.AttrWorkflow.String(workflow),
	)
	defer func() { op.End(res.Err) }()
	ctx = op.Ctx

	res = EventResult{ID: id, Workflow: workflow}
	lctx := p.logger.With().Int64("event_id", id).Str("workflow", workflow)
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		lctx = lctx.Str("trace_id", traceID)
	}
	logger := lctx.Logger()

	tx, err := p.store.BeginTx(ctx)
	if err != nil {
		p.fail(&res, op, NewTransientError("failed to begin transaction", err).
			WithCode(ErrCodeStoreFailed).WithEvent(id))
		logger.Warn().Err(err).Msg("Could not open transaction")
		return res
	}

	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil {
				logger.Debug().Err(rbErr).Msg("Rollback failed")
			}
		}
	}()

	event, err := tx.LockForUpdate(ctx, id)
	if err != nil {
		p.fail(&res, op, err)
		logger.Warn().Err(err).Msg("Could not lock event")
		return res
	}
	res.From = event.State
	res.Workflow = event.Workflow
	op.SetAttributes(telemetry.AttrState.String(event.State))

	// Another worker may have finished the event since it was listed.
	if event.Completed || event.Stuck {
		res.Skipped = true
		return res
	}

	env := &Env{
		Fleet:     p.fleet,
		Notifier:  p.notifier,
		Instances: tx,
		Guard:     p.guard,
		Now:       p.now(),
		Logger:    logger,
	}

	wf, next, runErr := p.run(ctx, event, env)
	res.Warnings = env.Warnings()
	if runErr != nil {
		class := ClassOf(runErr)
		p.fail(&res, op, runErr)
		p.metrics.RecordEventError(event.Workflow, string(class))

		if IsRetryable(runErr) {
			entry := logger.Warn()
			if IsConflict(runErr) {
				entry = logger.Info()
			}
			entry.Err(runErr).Str("class", string(class)).Msg("Step failed, retrying next tick")
			return res
		}

		// Discard partial writes, then record the failure in a fresh transaction.
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Debug().Err(rbErr).Msg("Rollback failed")
		}
		committed = true
		if err := p.markStuck(ctx, id, runErr); err != nil {
			logger.Error().Err(err).Msg("Could not mark event stuck")
			return res
		}
		res.Stuck = true
		p.metrics.RecordStuck(event.Workflow)
		logger.Error().Err(runErr).Msg("Event marked stuck")
		return res
	}

	if next == "" {
		if err := tx.Commit(); err != nil {
			p.fail(&res, op, NewTransientError("failed to commit", err).WithCode(ErrCodeStoreFailed).WithEvent(id))
			return res
		}
		committed = true
		return res
	}

	from := event.State
	event.State = next
	if IsTerminal(wf, next) {
		event.MarkCompleted(next, env.Now)
	}
	event.UpdatedAt = env.Now

	if err := tx.Save(ctx, event); err != nil {
		p.fail(&res, op, err)
		logger.Warn().Err(err).Msg("Could not save event")
		return res
	}
	if err := tx.AppendTransition(ctx, &Transition{
		EventID:   id,
		FromState: from,
		ToState:   next,
		Actor:     ActorPoller,
		At:        env.Now,
	}); err != nil {
		p.fail(&res, op, err)
		return res
	}
	if err := tx.Commit(); err != nil {
		p.fail(&res, op, NewTransientError("failed to commit", err).WithCode(ErrCodeStoreFailed).WithEvent(id))
		return res
	}
	committed = true

	res.To = next
	op.SetAttributes(telemetry.AttrNextState.String(next))
	p.metrics.RecordTransition(event.Workflow, from, next)
	logger.Info().Str("from", from).Str("to", next).Bool("completed", event.Completed).Msg("Event advanced")
	return res
}

// run resolves the workflow and evaluates the current state, converting a
// handler panic into a permanent error.
func (p *Poller) run(ctx context.Context, event *ServiceEvent, env *Env) (wf Workflow, next string, err error) {
	wf, err = p.registry.Resolve(event.Workflow)
	if err != nil {
		return nil, "", err
	}

	defer func() {
		if r := recover(); r != nil {
			next = ""
			err = NewPermanentError(fmt.Sprintf("state handler panicked: %v", r), nil).WithEvent(event.ID)
		}
	}()
	next, err = wf.Run(ctx, event, env)
	return wf, next, err
}

func (p *Poller) markStuck(ctx context.Context, id int64, cause error) error {
	tx, err := p.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	if err := tx.MarkStuck(ctx, id, cause.Error()); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// fail records err on the result. The span status is set when the event's
// operation ends.
func (p *Poller) fail(res *EventResult, op *telemetry.Operation, err error) {
	res.Err = err
	res.Error = err.Error()
	res.Class = ClassOf(err)
	op.SetAttributes(telemetry.AttrErrorClass.String(string(res.Class)))
}

type nopMetrics struct{}

func (nopMetrics) RecordStep(time.Duration, int)   {}
func (nopMetrics) RecordTransition(_, _, _ string) {}
func (nopMetrics) RecordEventError(_, _ string)    {}
func (nopMetrics) RecordStuck(string)              {}
