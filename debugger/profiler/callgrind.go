// Copyright © 2024 The robotdev authors

package profiler

import (
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/luthersystems/robotdev/framework"
)

// errWriter wraps an io.Writer and captures the first write error,
// short-circuiting subsequent writes after a failure.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}
	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func (ew *errWriter) print(s string) {
	if ew.err != nil {
		return
	}
	_, ew.err = io.WriteString(ew.w, s)
}

// CallgrindListener writes the timing of suites, tests and keywords as a
// callgrind profile. The file can be opened in KCacheGrind or QCacheGrind.
type CallgrindListener struct {
	profiler
	w       *errWriter
	started bool
	start   time.Time
	refs    map[string]int
	current *callRef
}

// Represents something that got called
type callRef struct {
	start    time.Time
	prev     *callRef
	name     string
	children []*callRef
	duration time.Duration
	file     string
	line     int
}

// NewCallgrindListener returns a listener writing its profile to w. The
// profile is complete once the listener is closed; see Err.
func NewCallgrindListener(w io.Writer, opts ...Option) *CallgrindListener {
	l := &CallgrindListener{
		w:    &errWriter{w: w},
		refs: make(map[string]int),
	}
	l.impl = l
	l.applyConfigs(opts...)
	return l
}

// Err returns the first error writing the profile.
func (l *CallgrindListener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.err
}

func (l *CallgrindListener) header() {
	l.started = true
	l.start = time.Now()
	l.w.printf("version: 1\ncreator: robotdev (Go %s)\n", runtime.Version())
	l.w.print("cmd: run\npart: 1\npositions: line\n\n")
	l.w.print("events: Time_(ns)\n\n")
	l.current = &callRef{name: "ENTRYPOINT", file: "-", start: l.start}
}

func (l *CallgrindListener) begin(label string, n node) {
	if !l.started {
		l.header()
	}
	ref := &callRef{
		name:  label,
		prev:  l.current,
		file:  n.Attrs.Source,
		line:  n.Attrs.LineNo,
		start: time.Now(),
	}
	l.current.children = append(l.current.children, ref)
	l.current = ref
}

func (l *CallgrindListener) finish(node) {
	ref := l.current
	l.current = ref.prev
	ref.duration = time.Since(ref.start)
	if ref.duration == 0 {
		ref.duration = 1
	}
	l.writeRef(ref)
}

func (l *CallgrindListener) logMessage(framework.LogMessage) {}

func (l *CallgrindListener) complete() {
	if !l.started {
		return
	}
	for l.current.prev != nil {
		l.finish(node{})
	}
	ref := l.current
	ref.duration = time.Since(ref.start)
	l.writeRef(ref)
	l.w.printf("summary: %d\n\n", time.Since(l.start).Nanoseconds())
}

// writeRef writes the cost of ref and the calls it made.
func (l *CallgrindListener) writeRef(ref *callRef) {
	l.w.printf("fl=%s\n", l.getRef(fileName(ref.file)))
	l.w.printf("fn=%s\n", l.getRef(ref.name))
	self := ref.duration
	for _, child := range ref.children {
		self -= child.duration
	}
	l.w.printf("%d %d\n", ref.line, max(self, 0))
	for _, child := range ref.children {
		l.w.printf("cfl=%s\n", l.getRef(fileName(child.file)))
		l.w.printf("cfn=%s\n", l.getRef(child.name))
		l.w.print("calls=1 0\n")
		l.w.printf("%d %d\n", child.line, child.duration)
	}
	l.w.print("\n")
}

// getRef compresses repeated names the way callgrind allows.
func (l *CallgrindListener) getRef(name string) string {
	if ref, ok := l.refs[name]; ok {
		return fmt.Sprintf("(%d)", ref)
	}
	ref := len(l.refs) + 1
	l.refs[name] = ref
	return fmt.Sprintf("(%d) %s", ref, name)
}

func fileName(file string) string {
	if file == "" {
		return "-"
	}
	return file
}
