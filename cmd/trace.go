// Copyright © 2024 The robotdev authors

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/luthersystems/robotdev/debugger/profiler"
	"github.com/luthersystems/robotdev/framework"
	"github.com/spf13/pflag"
	"go.opencensus.io/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/multierr"
)

// Trace formats accepted by --trace.
const (
	traceOpenTelemetry = "otel"
	traceOpenCensus    = "opencensus"
)

// profileFlags select the profiling listeners of a run.
type profileFlags struct {
	trace     string
	traceFile string
	callgrind string
	tagged    bool
}

func bindProfileFlags(fs *pflag.FlagSet) *profileFlags {
	f := &profileFlags{}
	fs.StringVar(&f.trace, "trace", "",
		`Record the run as trace spans: "otel" or "opencensus"`)
	fs.StringVar(&f.traceFile, "trace-file", "trace.json",
		"File receiving the spans recorded with --trace")
	fs.StringVar(&f.callgrind, "callgrind", "",
		"Write a callgrind profile of the run to this file")
	fs.BoolVar(&f.tagged, "trace-tagged", false,
		`Only record keywords tagged "trace" and label spans with their trace: tags`)
	return f
}

// listeners starts the selected profilers. The returned function flushes
// and closes them once the run has ended.
func (f *profileFlags) listeners(ctx context.Context, e *env) ([]framework.Listener, func() error, error) {
	var (
		ls      []framework.Listener
		closers []func() error
	)
	closeAll := func() error {
		var err error
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i]())
		}
		return err
	}
	var opts []profiler.Option
	if f.tagged {
		opts = append(opts, profiler.WithTraceTagFilter(), profiler.WithTraceTagLabeler())
	}

	if f.trace != "" {
		w, err := os.Create(f.traceFile)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, w.Close)
		switch f.trace {
		case traceOpenTelemetry:
			shutdown, err := installTracerProvider(w)
			if err != nil {
				closeAll() //nolint:errcheck
				return nil, nil, err
			}
			closers = append(closers, func() error { return shutdown(context.Background()) })
			ls = append(ls, profiler.NewOpenTelemetryListener(profiler.WithTracerName(ctx, "robotdev"), opts...))
		case traceOpenCensus:
			exp := profiler.NewJSONExporter(w)
			trace.ApplyConfig(trace.Config{DefaultSampler: trace.AlwaysSample()})
			trace.RegisterExporter(exp)
			closers = append(closers, func() error {
				trace.UnregisterExporter(exp)
				return exp.Err()
			})
			ls = append(ls, profiler.NewOpenCensusListener(ctx, opts...))
		default:
			closeAll() //nolint:errcheck
			return nil, nil, fmt.Errorf("unknown trace format %q", f.trace)
		}
		e.log.V(1).Info("tracing run", "format", f.trace, "file", f.traceFile)
	}

	if f.callgrind != "" {
		w, err := os.Create(f.callgrind)
		if err != nil {
			closeAll() //nolint:errcheck
			return nil, nil, err
		}
		l := profiler.NewCallgrindListener(w, opts...)
		closers = append(closers, w.Close, l.Err)
		ls = append(ls, l)
	}
	return ls, closeAll, nil
}

// installTracerProvider makes the global tracer provider export spans to w
// as they end.
func installTracerProvider(w io.Writer) (func(context.Context) error, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exp),
		sdktrace.WithResource(resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName("robotdev"))),
	)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	return func(ctx context.Context) error {
		defer otel.SetTracerProvider(prev)
		return tp.Shutdown(ctx)
	}, nil
}
