// Copyright © 2024 The robotdev authors

package profiler_test

import (
	"context"
	"testing"

	"github.com/luthersystems/robotdev/debugger/profiler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

func newExporter(t *testing.T) *tracetest.InMemoryExporter {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(
		trace.WithSyncer(exporter),
		trace.WithSampler(trace.AlwaysSample()),
	)
	t.Cleanup(func() {
		err := tp.Shutdown(context.Background())
		assert.NoError(t, err, "TracerProvider shutdown")
	})
	otel.SetTracerProvider(tp)
	return exporter
}

func attrValue(attrs []attribute.KeyValue, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestOpenTelemetryListener(t *testing.T) {
	exporter := newExporter(t)
	playRun(profiler.NewOpenTelemetryListener(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 5, "iterations are not traced")
	names := make([]string, len(spans))
	for i, s := range spans {
		names[i] = s.Name
	}
	assert.Equal(t, []string{"BuiltIn.Log", "Steps.Do Step", "${i} IN RANGE 1", "Greet.Say Hello", "Greet"}, names)

	logSpan, step, loop, test, suite := spans[0], spans[1], spans[2], spans[3], spans[4]
	assert.Equal(t, test.SpanContext.SpanID(), logSpan.Parent.SpanID())
	assert.Equal(t, loop.SpanContext.SpanID(), step.Parent.SpanID())
	assert.Equal(t, suite.SpanContext.SpanID(), test.Parent.SpanID())
	assert.False(t, suite.Parent.IsValid())

	fn, ok := attrValue(logSpan.Attributes, semconv.CodeFunctionKey)
	require.True(t, ok)
	assert.Equal(t, "Log", fn.AsString())
	ns, _ := attrValue(logSpan.Attributes, semconv.CodeNamespaceKey)
	assert.Equal(t, "BuiltIn", ns.AsString())
	file, _ := attrValue(logSpan.Attributes, semconv.CodeFilepathKey)
	assert.Equal(t, source, file.AsString())
	line, _ := attrValue(logSpan.Attributes, semconv.CodeLineNumberKey)
	assert.EqualValues(t, 4, line.AsInt64())
	require.Len(t, logSpan.Events, 1)
	assert.Equal(t, "log", logSpan.Events[0].Name)
	assert.Equal(t, codes.Ok, logSpan.Status.Code)

	ns, _ = attrValue(test.Attributes, semconv.CodeNamespaceKey)
	assert.Equal(t, "Greet", ns.AsString())
	tags, _ := attrValue(test.Attributes, profiler.AttrNodeTags)
	assert.Equal(t, []string{"smoke"}, tags.AsStringSlice())
	assert.Equal(t, codes.Error, test.Status.Code)
	assert.Equal(t, "boom", test.Status.Description)
	status, _ := attrValue(test.Attributes, profiler.AttrNodeStatus)
	assert.Equal(t, "FAIL", status.AsString())
}

func TestOpenTelemetryListenerTraceTags(t *testing.T) {
	exporter := newExporter(t)
	playRun(profiler.NewOpenTelemetryListener(context.Background(),
		profiler.WithTraceTagFilter(),
		profiler.WithTraceTagLabeler()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 3, "Expected selective spans")
	assert.Equal(t, "My_Step", spans[0].Name, "Expected custom label")
	assert.Equal(t, "Greet.Say Hello", spans[1].Name)
	assert.Equal(t, spans[1].SpanContext.SpanID(), spans[0].Parent.SpanID())
}

func TestOpenTelemetryListenerTracerName(t *testing.T) {
	exporter := newExporter(t)
	ctx := profiler.WithTracerName(context.Background(), "suite-runner")
	playRun(profiler.NewOpenTelemetryListener(ctx))

	spans := exporter.GetSpans()
	require.NotEmpty(t, spans)
	assert.Equal(t, "suite-runner", spans[0].InstrumentationLibrary.Name)
}

func TestOpenTelemetryListenerAbort(t *testing.T) {
	exporter := newExporter(t)
	abortRun(profiler.NewOpenTelemetryListener(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "Greet.Say Hello", spans[0].Name)
	assert.Equal(t, "Greet", spans[1].Name)
	status, _ := attrValue(spans[0].Attributes, profiler.AttrNodeStatus)
	assert.Equal(t, "NOT RUN", status.AsString())
}
