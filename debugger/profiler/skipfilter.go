// Copyright © 2024 The robotdev authors

package profiler

import (
	"strings"

	"github.com/luthersystems/robotdev/framework"
)

// SkipFilter reports whether a node is left out of the profile. The
// children of a skipped node are still considered.
type SkipFilter func(name string, typ framework.FrameType, attrs framework.Attributes) bool

// Iterations are recorded through their loop; a span per iteration drowns
// the trace.
func defaultSkipFilter(typ framework.FrameType) bool {
	return typ == framework.FrameIteration
}

// WithSkipFilter sets the filter for tracing spans.
func WithSkipFilter(skipFilter SkipFilter) Option {
	return func(p *profiler) {
		p.skipFilter = skipFilter
	}
}

// WithTraceTagFilter limits the profile to suites and tests, plus the
// keywords carrying a tag that starts with TraceTag.
func WithTraceTagFilter() Option {
	return WithSkipFilter(traceTagSkipFilter)
}

// WithTypeFilter limits the profile to nodes of the given types.
func WithTypeFilter(types ...framework.FrameType) Option {
	keep := make(map[framework.FrameType]bool, len(types))
	for _, t := range types {
		keep[t] = true
	}
	return WithSkipFilter(func(_ string, typ framework.FrameType, _ framework.Attributes) bool {
		return !keep[typ]
	})
}

// TraceTag is a magic tag used to enable tracing in a profiler configured
// WithTraceTagFilter. A keyword tagged "robot:trace" or
// "robot:trace:Label" is traced.
const TraceTag = "robot:trace"

func traceTagSkipFilter(_ string, typ framework.FrameType, attrs framework.Attributes) bool {
	if typ == framework.FrameSuite || typ == framework.FrameTest {
		return false
	}
	_, ok := traceTag(attrs.Tags)
	return !ok
}

// traceTag finds the trace tag in tags and returns the label it carries.
func traceTag(tags []string) (string, bool) {
	for _, tag := range tags {
		rest, ok := strings.CutPrefix(strings.TrimSpace(tag), TraceTag)
		if !ok {
			continue
		}
		if rest == "" {
			return "", true
		}
		if label, ok := strings.CutPrefix(rest, ":"); ok {
			return strings.TrimSpace(label), true
		}
	}
	return "", false
}
