// Copyright © 2024 The robotdev authors

package profiler

import (
	"context"
	"strings"

	"github.com/luthersystems/robotdev/framework"
	"go.opencensus.io/trace"
)

// OpenCensusListener records each suite, test and keyword as an OpenCensus
// span.
type OpenCensusListener struct {
	profiler
	currentContext context.Context
	currentSpan    *trace.Span
	contexts       []context.Context
}

// NewOpenCensusListener returns a listener whose spans are children of the
// span in parentContext, if any.
func NewOpenCensusListener(parentContext context.Context, opts ...Option) *OpenCensusListener {
	l := &OpenCensusListener{currentContext: parentContext}
	l.impl = l
	l.applyConfigs(opts...)
	return l
}

func (l *OpenCensusListener) begin(label string, n node) {
	l.contexts = append(l.contexts, l.currentContext)
	l.currentContext, l.currentSpan = trace.StartSpan(l.currentContext, label)
	namespace, function := codeName(n)
	attrs := []trace.Attribute{
		trace.StringAttribute("code.function", function),
		trace.StringAttribute("robot.type", string(n.Type)),
	}
	if namespace != "" {
		attrs = append(attrs, trace.StringAttribute("code.namespace", namespace))
	}
	if n.Attrs.ID != "" {
		attrs = append(attrs, trace.StringAttribute("robot.id", n.Attrs.ID))
	}
	if len(n.Attrs.Tags) > 0 {
		attrs = append(attrs, trace.StringAttribute("robot.tags", strings.Join(n.Attrs.Tags, ",")))
	}
	l.currentSpan.AddAttributes(attrs...)
}

func (l *OpenCensusListener) finish(n node) {
	l.currentSpan.Annotate([]trace.Attribute{
		trace.StringAttribute("file", n.Attrs.Source),
		trace.Int64Attribute("line", int64(n.Attrs.LineNo)),
	}, "source")
	l.endCurrent(n.Attrs.Status, n.Attrs.Message)
}

func (l *OpenCensusListener) logMessage(msg framework.LogMessage) {
	l.currentSpan.Annotate([]trace.Attribute{
		trace.StringAttribute("level", msg.Level),
	}, msg.Message)
}

func (l *OpenCensusListener) complete() {
	for len(l.contexts) > 0 {
		l.endCurrent(framework.StatusNotRun, "run ended")
	}
}

func (l *OpenCensusListener) endCurrent(status framework.Status, message string) {
	if status != "" {
		l.currentSpan.AddAttributes(trace.StringAttribute("robot.status", string(status)))
	}
	if status == framework.StatusFail {
		l.currentSpan.SetStatus(trace.Status{Code: trace.StatusCodeUnknown, Message: message})
	}
	l.currentSpan.End()
	// And pop the current context back
	last := len(l.contexts) - 1
	l.currentContext = l.contexts[last]
	l.contexts = l.contexts[:last]
	l.currentSpan = trace.FromContext(l.currentContext)
}
