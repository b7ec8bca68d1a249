// Package observer exports world activity as OpenTelemetry traces: message
// publishes, agent turns, LLM calls, and tool executions become spans in
// any OTLP-compatible backend. Export is configured through the standard
// OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
package observer

import (
	"context"
	"fmt"

	worlds "github.com/nivara/worlds"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nivara/worlds/observer"

// Init configures the global OTEL trace provider with an OTLP HTTP
// exporter and returns a worlds.Tracer bound to it, plus a shutdown
// function that must be called on application exit to flush spans.
func Init(ctx context.Context, serviceName string) (worlds.Tracer, func(context.Context) error, error) {
	if serviceName == "" {
		serviceName = "worlds"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	exp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return NewTracer(), tp.Shutdown, nil
}

// NewTracer returns a worlds.Tracer backed by the global TracerProvider.
// Without a prior Init the spans go to a no-op backend, which keeps the
// runtime's span call sites unconditional.
func NewTracer() worlds.Tracer {
	return tracer{t: otel.Tracer(scopeName)}
}

type tracer struct {
	t trace.Tracer
}

func (tr tracer) Start(ctx context.Context, name string, attrs ...worlds.SpanAttr) (context.Context, worlds.Span) {
	ctx, sp := tr.t.Start(ctx, name, trace.WithAttributes(kvs(attrs)...))
	return ctx, span{s: sp}
}

type span struct {
	s trace.Span
}

func (sp span) SetAttr(attrs ...worlds.SpanAttr) {
	sp.s.SetAttributes(kvs(attrs)...)
}

func (sp span) Event(name string, attrs ...worlds.SpanAttr) {
	sp.s.AddEvent(name, trace.WithAttributes(kvs(attrs)...))
}

func (sp span) Error(err error) {
	sp.s.RecordError(err)
	sp.s.SetStatus(codes.Error, err.Error())
}

func (sp span) End() {
	sp.s.End()
}

// kvs converts runtime span attributes to OTEL key-values. The runtime
// emits string attributes almost exclusively (world_id, agent_id, chat_id,
// tool); numeric and bool values keep their type, anything else is
// formatted.
func kvs(attrs []worlds.SpanAttr) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		switch v := a.Value.(type) {
		case string:
			out[i] = attribute.String(a.Key, v)
		case int:
			out[i] = attribute.Int(a.Key, v)
		case int64:
			out[i] = attribute.Int64(a.Key, v)
		case float64:
			out[i] = attribute.Float64(a.Key, v)
		case bool:
			out[i] = attribute.Bool(a.Key, v)
		default:
			out[i] = attribute.String(a.Key, fmt.Sprintf("%v", v))
		}
	}
	return out
}

var (
	_ worlds.Tracer = tracer{}
	_ worlds.Span   = span{}
)
