// Package telemetry exports run, group and step spans over OTLP/HTTP.
package telemetry

import (
	"context"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/ngld/buildsys/pkg/runlog"
)

const instrumentationName = "github.com/ngld/buildsys"

// Setup installs a global tracer provider exporting to endpoint. Tracing is opt-in: with an empty
// endpoint nothing is registered and the returned shutdown function does nothing.
func Setup(ctx context.Context, endpoint, serviceName string) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(endpoint),
	)
	if err != nil {
		return noop, eris.Wrap(err, "failed to create trace exporter")
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return noop, eris.Wrap(err, "failed to create trace resource")
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}

// Observer turns runner events into spans. Groups become children of the run span and
// steps children of their group.
type Observer struct {
	tracer trace.Tracer
}

// NewObserver creates an observer using tp. A nil provider uses the global one.
func NewObserver(tp trace.TracerProvider) *Observer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Observer{tracer: tp.Tracer(instrumentationName)}
}

// StartRun opens the span covering a whole invocation. The returned function ends it with the
// final record.
func (o *Observer) StartRun(ctx context.Context, kind, name string) (context.Context, func(*runlog.Record)) {
	ctx, span := o.tracer.Start(ctx, kind+" "+name, trace.WithAttributes(
		attribute.String("buildsys.run.kind", kind),
		attribute.String("buildsys.run.name", name),
	))

	return ctx, func(record *runlog.Record) {
		span.SetAttributes(
			attribute.String("buildsys.run.id", record.ID),
			attribute.String("buildsys.run.trigger", record.Trigger),
			attribute.String("buildsys.status", string(record.Status)),
			attribute.Int("buildsys.exit_code", record.ExitCode),
		)
		setStatus(span, record.Status, "")
		span.End()
	}
}

func setStatus(span trace.Span, status runlog.Status, message string) {
	switch status {
	case runlog.StatusFailed:
		span.SetStatus(codes.Error, message)
	case runlog.StatusCancelled:
		span.SetStatus(codes.Error, "cancelled")
	default:
		span.SetStatus(codes.Ok, "")
	}
}

func (o *Observer) GroupStarted(ctx context.Context, group string) context.Context {
	ctx, _ = o.tracer.Start(ctx, group, trace.WithAttributes(
		attribute.String("buildsys.group", group),
	))
	return ctx
}

func (o *Observer) GroupFinished(ctx context.Context, _ string, status runlog.Status) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("buildsys.status", string(status)))
	setStatus(span, status, "")
	span.End()
}

func (o *Observer) StepStarted(ctx context.Context, step *runlog.Step) context.Context {
	ctx, _ = o.tracer.Start(ctx, step.Name,
		trace.WithTimestamp(step.Started),
		trace.WithAttributes(
			attribute.String("buildsys.group", step.Group),
			attribute.String("buildsys.command", step.Command),
		),
	)
	return ctx
}

func (o *Observer) StepFinished(ctx context.Context, step *runlog.Step) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("buildsys.status", string(step.Status)),
		attribute.Int("buildsys.exit_code", step.ExitCode),
	)
	if step.Reason != "" {
		span.SetAttributes(attribute.String("buildsys.reason", step.Reason))
	}
	if step.Tolerated {
		span.SetAttributes(attribute.Bool("buildsys.tolerated", true))
	}
	setStatus(span, step.Status, step.Error)
	span.End()
}
