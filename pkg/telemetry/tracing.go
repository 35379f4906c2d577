// Package telemetry provides pipeline.Instrumentation implementations for
// OpenTelemetry tracing, Prometheus metrics and logrus stage logging, plus a
// Prometheus collector for cache statistics.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/pario-ai/llmgate/pkg/gwerr"
	"github.com/pario-ai/llmgate/pkg/models"
	"github.com/pario-ai/llmgate/pkg/pipeline"
)

// TracerRuntime holds the tracer and its shutdown hook.
type TracerRuntime struct {
	Tracer   oteltrace.Tracer
	Shutdown func(context.Context) error
}

// SetupTracing installs a tracer provider exporting spans to w as JSON.
// When enabled is false the global no-op tracer is returned.
func SetupTracing(serviceName string, enabled bool, w io.Writer) (TracerRuntime, error) {
	noop := TracerRuntime{
		Tracer:   otel.Tracer(serviceName),
		Shutdown: func(context.Context) error { return nil },
	}
	if !enabled {
		return noop, nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return TracerRuntime{}, fmt.Errorf("otel resource: %w", err)
	}

	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return TracerRuntime{}, fmt.Errorf("otel stdout exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return TracerRuntime{
		Tracer:   tp.Tracer(serviceName),
		Shutdown: tp.Shutdown,
	}, nil
}

// Tracing opens one span per pipeline stage.
type Tracing struct {
	tracer oteltrace.Tracer
}

func NewTracing(tracer oteltrace.Tracer) *Tracing {
	return &Tracing{tracer: tracer}
}

func (t *Tracing) OnStageStart(ctx context.Context, stage pipeline.Stage, req *models.GenerateRequest) context.Context {
	ctx, _ = t.tracer.Start(ctx, "llmgate."+string(stage),
		oteltrace.WithAttributes(
			attribute.String("llmgate.stage", string(stage)),
			attribute.String("llmgate.request_id", req.ID),
			attribute.String("llmgate.model", req.Parameters.Model),
		),
	)
	return ctx
}

func (t *Tracing) OnStageEnd(ctx context.Context, _ pipeline.Stage, _ *models.GenerateRequest, _ time.Duration) {
	oteltrace.SpanFromContext(ctx).End()
}

func (t *Tracing) OnError(ctx context.Context, _ pipeline.Stage, _ *models.GenerateRequest, err error) {
	span := oteltrace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if kind := gwerr.KindOf(err); kind != "" {
		span.SetAttributes(attribute.String("llmgate.error_kind", string(kind)))
	}
}
