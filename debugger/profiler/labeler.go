// Copyright © 2024 The robotdev authors

package profiler

import (
	"regexp"

	"github.com/luthersystems/robotdev/framework"
)

// Labeler provides an alternative name for a node in the trace.
type Labeler func(name string, typ framework.FrameType, attrs framework.Attributes) string

// WithLabeler sets the labeler for tracing spans.
func WithLabeler(labeler Labeler) Option {
	return func(p *profiler) {
		p.labeler = labeler
	}
}

// WithTraceTagLabeler labels spans using the label of a "robot:trace:Label"
// tag.
func WithTraceTagLabeler() Option {
	return WithLabeler(traceTagLabeler)
}

var (
	sanitizeRegExp   = regexp.MustCompile(`[\s_]+`)
	validLabelRegExp = regexp.MustCompile(`[[:graph:]]*`)
)

func sanitizeLabel(userLabel string) string {
	if userLabel == "" {
		return ""
	}
	userLabel = sanitizeRegExp.ReplaceAllString(userLabel, "_")
	return validLabelRegExp.FindString(userLabel)
}

func traceTagLabeler(_ string, _ framework.FrameType, attrs framework.Attributes) string {
	label, _ := traceTag(attrs.Tags)
	return sanitizeLabel(label)
}
