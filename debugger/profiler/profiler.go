// Copyright © 2024 The robotdev authors

// Package profiler provides framework listeners that record the execution
// of a run as trace spans or as a callgrind profile. The listeners compose
// with the debugger through framework.Listeners.
package profiler

import (
	"sync"

	"github.com/luthersystems/robotdev/framework"
)

// node is a suite, test or keyword as seen by a listener.
type node struct {
	Name  string
	Type  framework.FrameType
	Attrs framework.Attributes
}

// hooks are the node callbacks of a concrete profiler.
type hooks interface {
	begin(label string, n node)
	finish(n node)
	logMessage(msg framework.LogMessage)
	complete()
}

// profiler adapts hooks to framework.Listener. It applies the skip filter
// and the labeler and keeps starts and ends of skipped nodes balanced.
type profiler struct {
	mu         sync.Mutex
	impl       hooks
	skipFilter SkipFilter
	labeler    Labeler
	skipped    []bool
	closed     bool
}

var _ framework.Listener = &profiler{}

// Option configures a profiler.
type Option func(*profiler)

func (p *profiler) applyConfigs(opts ...Option) {
	for _, opt := range opts {
		opt(p)
	}
}

func (p *profiler) StartSuite(name string, attrs framework.Attributes) {
	p.start(node{Name: name, Type: framework.FrameSuite, Attrs: attrs})
}

func (p *profiler) EndSuite(name string, attrs framework.Attributes) {
	p.end(node{Name: name, Type: framework.FrameSuite, Attrs: attrs})
}

func (p *profiler) StartTest(name string, attrs framework.Attributes) {
	p.start(node{Name: name, Type: framework.FrameTest, Attrs: attrs})
}

func (p *profiler) EndTest(name string, attrs framework.Attributes) {
	p.end(node{Name: name, Type: framework.FrameTest, Attrs: attrs})
}

func (p *profiler) StartKeyword(name string, attrs framework.Attributes) {
	p.start(node{Name: name, Type: framework.NormalizeType(attrs.Type), Attrs: attrs})
}

func (p *profiler) EndKeyword(name string, attrs framework.Attributes) {
	p.end(node{Name: name, Type: framework.NormalizeType(attrs.Type), Attrs: attrs})
}

func (p *profiler) LogMessage(msg framework.LogMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	// Messages belong to the innermost traced node.
	for i := len(p.skipped) - 1; i >= 0; i-- {
		if !p.skipped[i] {
			p.impl.logMessage(msg)
			return
		}
	}
}

func (p *profiler) Message(framework.LogMessage) {}

// Close ends the nodes still open, as happens when a run is aborted, and
// completes the profile. Callbacks after Close are ignored.
func (p *profiler) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.impl.complete()
}

func (p *profiler) start(n node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	skip := p.skipTrace(n)
	p.skipped = append(p.skipped, skip)
	if !skip {
		p.impl.begin(p.label(n), n)
	}
}

func (p *profiler) end(n node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	last := len(p.skipped) - 1
	if p.closed || last < 0 {
		return
	}
	skip := p.skipped[last]
	p.skipped = p.skipped[:last]
	if !skip {
		p.impl.finish(n)
	}
}

// label returns the span name of n. Without a labeler, or when the labeler
// returns an empty label, suites and tests are named by their long name and
// keywords by their full name.
func (p *profiler) label(n node) string {
	if p.labeler != nil {
		if label := p.labeler(n.Name, n.Type, n.Attrs); label != "" {
			return label
		}
	}
	return defaultLabel(n)
}

func defaultLabel(n node) string {
	switch n.Type {
	case framework.FrameSuite, framework.FrameTest:
		if n.Attrs.LongName != "" {
			return n.Attrs.LongName
		}
	}
	if n.Name != "" {
		return n.Name
	}
	return string(n.Type)
}

// skipTrace is a helper function to decide whether to skip tracing.
func (p *profiler) skipTrace(n node) bool {
	return defaultSkipFilter(n.Type) || p.skipFilter != nil && p.skipFilter(n.Name, n.Type, n.Attrs)
}

// codeName returns the keyword (or node) name and its namespace: the
// keyword's library, or the suite a test belongs to.
func codeName(n node) (namespace, function string) {
	switch n.Type {
	case framework.FrameSuite:
		return n.Attrs.LongName, n.Name
	case framework.FrameTest:
		if i := len(n.Attrs.LongName) - len(n.Name) - 1; i > 0 && n.Attrs.LongName[i] == '.' {
			return n.Attrs.LongName[:i], n.Name
		}
		return "", n.Name
	}
	if n.Attrs.KwName != "" {
		return n.Attrs.LibName, n.Attrs.KwName
	}
	return n.Attrs.LibName, n.Name
}
