package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer and metrics of one invocation.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown flushes spans and writes the metrics textfile for command.
func (t *Telemetry) Shutdown(ctx context.Context, command string) error {
	return errors.Join(
		t.Tracer.Shutdown(ctx),
		t.Metrics.WriteTextfile(command),
	)
}

// Operation is an instrumented unit of work: a span, a timer and a logger.
type Operation struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger

	kind    string
	metrics *Metrics
	timer   *Timer
}

// StartOperation starts a span for kind/name and records the step when ended.
func StartOperation(ctx context.Context, kind, name string, attrs ...attribute.KeyValue) *Operation {
	var tracer *Tracer
	var metrics *Metrics
	if t := FromTelemetryContext(ctx); t != nil {
		tracer = t.Tracer
		metrics = t.Metrics
	}

	ctx, span := tracer.StartStepSpan(ctx, kind, name)
	span.SetAttributes(attrs...)

	return &Operation{
		Ctx:     ctx,
		Span:    span,
		Logger:  FromContext(ctx).WithField("step", kind+"."+name),
		kind:    kind,
		metrics: metrics,
		timer:   NewTimer(),
	}
}

// End closes the span and records the step outcome.
func (o *Operation) End(err error) time.Duration {
	d := o.timer.Duration()
	status := "succeeded"
	if err != nil {
		status = "failed"
		RecordError(o.Span, err)
	} else {
		RecordSuccess(o.Span)
	}
	o.metrics.RecordStep(o.kind, status, d)
	o.Span.End()
	return d
}
