package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/poncho/poncho/pkg/engine"
)

// Stepper runs one poll pass.
type Stepper interface {
	Step(ctx context.Context) (*engine.StepResult, error)
}

// Status is the outcome of the most recent pass.
type Status struct {
	Passes   int64              `json:"passes"`
	LastRun  time.Time          `json:"last_run,omitempty"`
	Last     *engine.StepResult `json:"last,omitempty"`
	LastErr  string             `json:"last_error,omitempty"`
	Interval time.Duration      `json:"interval"`
}

// Worker drives a Stepper.
type Worker struct {
	stepper  Stepper
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.RWMutex
	status Status
}

// New creates a worker polling every interval. Cron schedules have a
// one-second resolution.
func New(stepper Stepper, interval time.Duration, logger zerolog.Logger) (*Worker, error) {
	if interval < time.Second {
		return nil, fmt.Errorf("polling interval %s is below one second", interval)
	}
	return &Worker{
		stepper:  stepper,
		interval: interval.Truncate(time.Second),
		logger:   logger.With().Str("component", "worker").Logger(),
		status:   Status{Interval: interval.Truncate(time.Second)},
	}, nil
}

// RetryBudget is the longest a single outbound call may spend retrying
// during a pass polling every interval. Calls run while the event row is
// locked, so half the interval leaves the next tick room to start.
func RetryBudget(interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	return interval / 2
}

// Schedule is the cron spec the worker runs under.
func (w *Worker) Schedule() string {
	return "@every " + w.interval.String()
}

// RunOnce runs a single pass and records its outcome. Per-event failures
// are logged and never returned.
func (w *Worker) RunOnce(ctx context.Context) (*engine.StepResult, error) {
	result, err := w.stepper.Step(ctx)

	w.mu.Lock()
	w.status.Passes++
	w.status.LastRun = time.Now().UTC()
	w.status.Last = result
	w.status.LastErr = ""
	if err != nil {
		w.status.LastErr = err.Error()
	}
	w.mu.Unlock()

	if err != nil {
		w.logger.Error().Err(err).Msg("Poll pass failed")
		return nil, err
	}

	for _, ev := range result.Events {
		switch {
		case ev.Err != nil:
			w.logger.Warn().
				Int64("event_id", ev.ID).
				Str("workflow", ev.Workflow).
				Str("class", string(ev.Class)).
				Bool("stuck", ev.Stuck).
				Msg(ev.Error)
		case ev.Advanced():
			w.logger.Info().
				Int64("event_id", ev.ID).
				Str("workflow", ev.Workflow).
				Str("from", ev.From).
				Str("to", ev.To).
				Msg("Service event advanced")
		}
		for _, warning := range ev.Warnings {
			w.logger.Warn().Int64("event_id", ev.ID).Msg(warning)
		}
	}
	w.logger.Debug().Int("events", len(result.Events)).Dur("duration", result.Duration).Msg("Poll pass finished")
	return result, nil
}

// Run polls until ctx is canceled. The first pass runs immediately.
func (w *Worker) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithLogger(cronLogger{w.logger}),
		cron.WithChain(cron.Recover(cronLogger{w.logger}), cron.SkipIfStillRunning(cronLogger{w.logger})),
	)
	if _, err := c.AddFunc(w.Schedule(), func() { _, _ = w.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", w.Schedule(), err)
	}

	w.logger.Info().Str("schedule", w.Schedule()).Msg("Worker started")
	_, _ = w.RunOnce(ctx)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	w.logger.Info().Msg("Worker stopped")
	return nil
}

// Status returns a snapshot of the last pass.
func (w *Worker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
