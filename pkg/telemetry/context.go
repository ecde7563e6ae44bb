package telemetry

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Telemetry is the logger, tracer and metrics of one worker process.
type Telemetry struct {
	Logger  zerolog.Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

type contextKey struct{}

// NewTelemetry validates cfg and builds every component.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	return &Telemetry{Logger: logger, Tracer: tracer, Metrics: metrics, Config: cfg}, nil
}

// WithContext returns ctx carrying t. Operations started from the returned
// context are traced by t.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// FromContext returns the Telemetry carried by ctx, or nil.
func FromContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(contextKey{}).(*Telemetry)
	return t
}

// Shutdown flushes and stops the tracer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.Tracer.Shutdown(ctx)
}

// Operation is one traced and timed unit of work.
type Operation struct {
	// Ctx carries the operation's span to nested operations.
	Ctx   context.Context
	Span  trace.Span
	Timer *Timer
}

// StartOperation starts a span named name under the Telemetry in ctx.
// Without one the span records nothing, so library code can always start
// operations.
func StartOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) *Operation {
	op := &Operation{Ctx: ctx, Span: noop.Span{}, Timer: NewTimer()}
	if t := FromContext(ctx); t != nil {
		op.Ctx, op.Span = t.Tracer.StartSpan(ctx, name, attrs...)
	}
	return op
}

// SetAttributes adds attrs to the operation's span.
func (op *Operation) SetAttributes(attrs ...attribute.KeyValue) {
	op.Span.SetAttributes(attrs...)
}

// End records err, or success when err is nil, and ends the span.
func (op *Operation) End(err error) {
	if err != nil {
		RecordError(op.Span, err)
	} else {
		RecordSuccess(op.Span)
	}
	op.Span.End()
}
