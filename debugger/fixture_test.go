// Copyright © 2024 The robotdev authors

package debugger

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/luthersystems/robotdev/framework"
	"github.com/stretchr/testify/require"
)

const suitePath = "/work/tests/suite.robot"

// fakeFramework is a framework.Context backed by fixed tables.
type fakeFramework struct {
	mu       sync.Mutex
	vars     map[framework.ScopeKind][]framework.Variable
	exprs    map[string]framework.Value
	calls    []framework.KeywordCall
	scopes   []framework.Scope
	listener framework.Listener
	block    chan struct{} // when set, Evaluate waits for it
}

func newFakeFramework() *fakeFramework {
	return &fakeFramework{
		vars: make(map[framework.ScopeKind][]framework.Variable),
		exprs: map[string]framework.Value{
			"True":  framework.FromGo(true),
			"False": framework.FromGo(false),
		},
	}
}

func (f *fakeFramework) setVar(kind framework.ScopeKind, name string, v framework.Value) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vars[kind] = append(f.vars[kind], framework.Variable{Name: name, Value: v})
}

func (f *fakeFramework) RunKeyword(_ context.Context, call framework.KeywordCall) (framework.Value, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	l := f.listener
	f.mu.Unlock()
	if l != nil {
		// Keywords run from the debugger still report to the listener.
		attrs := framework.Attributes{ID: "eval", KwName: call.Name, Type: "KEYWORD", Source: suitePath, LineNo: call.LineNo}
		l.StartKeyword(call.Name, attrs)
		l.LogMessage(framework.LogMessage{Message: "ran " + call.Name, Level: "INFO"})
		attrs.Status = framework.StatusPass
		l.EndKeyword(call.Name, attrs)
	}
	if call.Name == "Fail" {
		return framework.Value{}, &framework.Error{Kind: "AssertionError", Message: strings.Join(call.Args, " ")}
	}
	if len(call.Args) > 0 {
		return framework.String(call.Args[0]), nil
	}
	return framework.None, nil
}

func (f *fakeFramework) Evaluate(ctx context.Context, expr string, scope framework.Scope) (framework.Value, error) {
	f.mu.Lock()
	block := f.block
	v, ok := f.exprs[expr]
	f.scopes = append(f.scopes, scope)
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if !ok {
		return framework.Value{}, &framework.Error{Kind: "SyntaxError", Message: "cannot evaluate " + expr}
	}
	return v, nil
}

func (f *fakeFramework) Variables(_ context.Context, scope framework.Scope) ([]framework.Variable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scopes = append(f.scopes, scope)
	return append([]framework.Variable(nil), f.vars[scope.Kind]...), nil
}

func (f *fakeFramework) SetVariable(_ context.Context, scope framework.Scope, name, value string) (framework.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.exprs[value]
	if !ok {
		v = framework.String(value)
	}
	list := f.vars[scope.Kind]
	for i := range list {
		if list[i].Name == name {
			list[i].Value = v
			return v, nil
		}
	}
	f.vars[scope.Kind] = append(list, framework.Variable{Name: name, Value: v})
	return v, nil
}

func (f *fakeFramework) ReplaceVariables(_ context.Context, text string, _ framework.Scope) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, list := range f.vars {
		for _, v := range list {
			text = strings.ReplaceAll(text, v.Name, v.Value.Repr)
		}
	}
	return text, nil
}

func (f *fakeFramework) keywordCalls() []framework.KeywordCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]framework.KeywordCall(nil), f.calls...)
}

// harness drives an engine from a simulated framework goroutine.
type harness struct {
	t      *testing.T
	e      *Engine
	fw     *fakeFramework
	events chan Event
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{t: t, fw: newFakeFramework(), events: make(chan Event, 256)}
	opts = append([]Option{
		WithLogger(testr.New(t)),
		WithFramework(h.fw),
		WithEventCallback(func(ev Event) { h.events <- ev }),
	}, opts...)
	h.e = New(opts...)
	h.fw.listener = h.e
	return h
}

// run executes script as the framework goroutine.
func (h *harness) run(script func(l framework.Listener)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		script(h.e)
	}()
	return done
}

// next returns the next event that is not output.
func (h *harness) next() Event {
	h.t.Helper()
	for {
		select {
		case ev := <-h.events:
			if ev.Type == EventOutput {
				continue
			}
			return ev
		case <-time.After(5 * time.Second):
			h.t.Fatal("timeout waiting for event")
			return Event{}
		}
	}
}

// output returns the next output event.
func (h *harness) output() Output {
	h.t.Helper()
	for {
		select {
		case ev := <-h.events:
			if ev.Type == EventOutput {
				return *ev.Output
			}
		case <-time.After(5 * time.Second):
			h.t.Fatal("timeout waiting for output")
			return Output{}
		}
	}
}

func (h *harness) stopped(reason StopReason) Event {
	h.t.Helper()
	ev := h.next()
	require.Equal(h.t, EventStopped, ev.Type, "event %+v", ev)
	require.Equal(h.t, reason, ev.Reason)
	return ev
}

func (h *harness) resume(step func() error) {
	h.t.Helper()
	require.NoError(h.t, step())
	ev := h.next()
	require.Equal(h.t, EventContinued, ev.Type, "event %+v", ev)
}

func wait(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("framework goroutine did not finish")
	}
}

func suiteAttrs(line int) framework.Attributes {
	return framework.Attributes{ID: "s1", LongName: "Suite", Source: suitePath, LineNo: line}
}

func testAttrs(id string, line int) framework.Attributes {
	return framework.Attributes{ID: id, LongName: "Suite." + id, Source: suitePath, LineNo: line}
}

func kwAttrs(id, name string, line int) framework.Attributes {
	return framework.Attributes{
		ID:       id,
		KwName:   name,
		LibName:  "BuiltIn",
		LongName: "BuiltIn." + name,
		Type:     "KEYWORD",
		Source:   suitePath,
		LineNo:   line,
	}
}

func nodeAttrs(id, typ string, line int) framework.Attributes {
	return framework.Attributes{ID: id, Type: typ, Source: suitePath, LineNo: line}
}

func ended(a framework.Attributes, status framework.Status, msg string) framework.Attributes {
	a.Status = status
	a.Message = msg
	return a
}

// keyword runs a passing keyword with an optional body.
func keyword(l framework.Listener, id, name string, line int, body func()) {
	a := kwAttrs(id, name, line)
	l.StartKeyword(name, a)
	if body != nil {
		body()
	}
	l.EndKeyword(name, ended(a, framework.StatusPass, ""))
}

func listOf(n int) framework.Value {
	items := make([]framework.Value, n)
	for i := range items {
		items[i] = framework.FromGo(i)
	}
	return framework.Sequence(items...)
}

func names(vs []VariableInfo) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Name
	}
	return out
}
