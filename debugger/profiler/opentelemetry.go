// Copyright © 2024 The robotdev authors

package profiler

import (
	"context"

	"github.com/luthersystems/robotdev/framework"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

type contextKey string

// ContextOpenTelemetryTracerKey looks up a parent tracer name from a
// context key.
const ContextOpenTelemetryTracerKey contextKey = "otelParentTracer"

// Span attribute keys beyond the semantic conventions.
const (
	AttrNodeType   = attribute.Key("robot.type")
	AttrNodeID     = attribute.Key("robot.id")
	AttrNodeTags   = attribute.Key("robot.tags")
	AttrNodeArgs   = attribute.Key("robot.args")
	AttrNodeStatus = attribute.Key("robot.status")
)

// OpenTelemetryListener records each suite, test and keyword as a span.
// Spans nest the way the nodes do, under the span of the context given to
// NewOpenTelemetryListener.
type OpenTelemetryListener struct {
	profiler
	currentContext context.Context
	contexts       []context.Context
}

// NewOpenTelemetryListener returns a listener tracing through the global
// tracer provider.
func NewOpenTelemetryListener(parentContext context.Context, opts ...Option) *OpenTelemetryListener {
	l := &OpenTelemetryListener{currentContext: parentContext}
	l.impl = l
	l.applyConfigs(opts...)
	return l
}

// WithTracerName returns a context whose listeners use the named tracer.
func WithTracerName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ContextOpenTelemetryTracerKey, name)
}

func contextTracer(ctx context.Context) trace.Tracer {
	tracerName, ok := ctx.Value(ContextOpenTelemetryTracerKey).(string)
	if !ok {
		tracerName = "robotdev"
	}
	return otel.GetTracerProvider().Tracer(tracerName)
}

func (l *OpenTelemetryListener) begin(label string, n node) {
	l.contexts = append(l.contexts, l.currentContext)
	l.currentContext, _ = contextTracer(l.currentContext).Start(l.currentContext, label,
		trace.WithAttributes(codeAttributes(n)...))
}

func (l *OpenTelemetryListener) finish(n node) {
	endSpan(trace.SpanFromContext(l.currentContext), n.Attrs.Status, n.Attrs.Message)
	last := len(l.contexts) - 1
	l.currentContext = l.contexts[last]
	l.contexts = l.contexts[:last]
}

func (l *OpenTelemetryListener) logMessage(msg framework.LogMessage) {
	trace.SpanFromContext(l.currentContext).AddEvent("log", trace.WithAttributes(
		attribute.String("level", msg.Level),
		attribute.String("message", msg.Message),
	))
}

func (l *OpenTelemetryListener) complete() {
	for len(l.contexts) > 0 {
		endSpan(trace.SpanFromContext(l.currentContext), framework.StatusNotRun, "run ended")
		last := len(l.contexts) - 1
		l.currentContext = l.contexts[last]
		l.contexts = l.contexts[:last]
	}
}

func endSpan(span trace.Span, status framework.Status, message string) {
	if status != "" {
		span.SetAttributes(AttrNodeStatus.String(string(status)))
	}
	switch status {
	case framework.StatusFail:
		span.SetStatus(codes.Error, message)
	case framework.StatusPass:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func codeAttributes(n node) []attribute.KeyValue {
	namespace, function := codeName(n)
	attrs := []attribute.KeyValue{
		semconv.CodeFunction(function),
		AttrNodeType.String(string(n.Type)),
	}
	if namespace != "" {
		attrs = append(attrs, semconv.CodeNamespace(namespace))
	}
	if n.Attrs.Source != "" {
		attrs = append(attrs, semconv.CodeFilepath(n.Attrs.Source))
	}
	if n.Attrs.LineNo > 0 {
		attrs = append(attrs, semconv.CodeLineNumber(n.Attrs.LineNo))
	}
	if n.Attrs.ID != "" {
		attrs = append(attrs, AttrNodeID.String(n.Attrs.ID))
	}
	if len(n.Attrs.Tags) > 0 {
		attrs = append(attrs, AttrNodeTags.StringSlice(n.Attrs.Tags))
	}
	if len(n.Attrs.Args) > 0 {
		attrs = append(attrs, AttrNodeArgs.StringSlice(n.Attrs.Args))
	}
	return attrs
}
