// Copyright © 2024 The robotdev authors

package debugger

import (
	"context"
	"testing"
	"time"

	"github.com/luthersystems/robotdev/framework"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakpointStopAndStackTrace(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	bps := h.e.SetBreakpoints(suitePath, []SourceBreakpoint{{Line: 7}})
	require.Len(t, bps, 1)

	done := h.run(func(l framework.Listener) {
		l.StartSuite("Suite", suiteAttrs(1))
		l.StartTest("T1", testAttrs("t1", 5))
		keyword(l, "k1", "Log", 6, nil)
		keyword(l, "k2", "My Keyword", 7, func() {
			keyword(l, "k3", "Log", 20, nil)
		})
		l.EndTest("T1", ended(testAttrs("t1", 5), framework.StatusPass, ""))
		l.EndSuite("Suite", ended(suiteAttrs(1), framework.StatusPass, ""))
		l.Close()
	})

	ev := h.stopped(StopBreakpoint)
	assert.Equal(t, []int{bps[0].ID}, ev.HitBreakpointIDs)
	assert.True(t, h.e.IsPaused())

	trace, err := h.e.StackTrace()
	require.NoError(t, err)
	require.Len(t, trace, 3)
	assert.Equal(t, "BuiltIn.My Keyword", trace[0].Name)
	assert.Equal(t, 7, trace[0].Line)
	assert.Equal(t, "T1", trace[1].Name)
	assert.Equal(t, 7, trace[1].Line)
	assert.Equal(t, "Suite", trace[2].Name)
	assert.Equal(t, 5, trace[2].Line)
	assert.Equal(t, suitePath, trace[0].Source)

	h.resume(h.e.Continue)
	wait(t, done)
	<-h.e.Done()

	_, err = h.e.StackTrace()
	assert.ErrorIs(t, err, ErrNotPaused)
}

func TestStepping(t *testing.T) {
	t.Parallel()
	h := newHarness(t, WithStopOnEntry(true))
	done := h.run(func(l framework.Listener) {
		l.StartSuite("Suite", suiteAttrs(1))
		l.StartTest("T1", testAttrs("t1", 3))
		keyword(l, "a", "A", 4, func() {
			keyword(l, "a1", "A1", 10, nil)
		})
		keyword(l, "b", "B", 5, func() {
			keyword(l, "b1", "B1", 12, func() {
				keyword(l, "b11", "B11", 14, nil)
			})
			keyword(l, "b2", "B2", 13, nil)
		})
		keyword(l, "c", "C", 6, nil)
		l.EndTest("T1", ended(testAttrs("t1", 3), framework.StatusPass, ""))
		l.EndSuite("Suite", ended(suiteAttrs(1), framework.StatusPass, ""))
	})

	top := func() string {
		trace, err := h.e.StackTrace()
		require.NoError(t, err)
		return trace[0].Name
	}

	h.stopped(StopEntry)
	assert.Equal(t, "Suite", top())

	// Next on a suite or test steps into it.
	h.resume(h.e.Next)
	h.stopped(StopStep)
	assert.Equal(t, "T1", top())
	h.resume(h.e.Next)
	h.stopped(StopStep)
	assert.Equal(t, "BuiltIn.A", top())

	// Next over A skips A1.
	h.resume(h.e.Next)
	h.stopped(StopStep)
	assert.Equal(t, "BuiltIn.B", top())

	h.resume(h.e.StepIn)
	h.stopped(StopStep)
	assert.Equal(t, "BuiltIn.B1", top())
	h.resume(h.e.StepIn)
	h.stopped(StopStep)
	assert.Equal(t, "BuiltIn.B11", top())

	// Out of B11 and the end of B1 lands on B2.
	h.resume(h.e.StepOut)
	h.stopped(StopStep)
	assert.Equal(t, "BuiltIn.B2", top())

	h.resume(h.e.StepOut)
	h.stopped(StopStep)
	assert.Equal(t, "BuiltIn.C", top())

	h.resume(h.e.Continue)
	wait(t, done)
}

func TestNextOverControlFlowEntersBranches(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.e.SetBreakpoints(suitePath, []SourceBreakpoint{{Line: 4}})
	done := h.run(func(l framework.Listener) {
		l.StartSuite("Suite", suiteAttrs(1))
		l.StartTest("T1", testAttrs("t1", 3))
		forAttrs := nodeAttrs("f", "FOR", 4)
		l.StartKeyword("FOR", forAttrs)
		for _, id := range []string{"i1", "i2"} {
			it := nodeAttrs(id, "ITERATION", 4)
			l.StartKeyword("", it)
			keyword(l, id+"k", "Log", 5, nil)
			l.EndKeyword("", ended(it, framework.StatusPass, ""))
		}
		l.EndKeyword("FOR", ended(forAttrs, framework.StatusPass, ""))
		l.EndTest("T1", ended(testAttrs("t1", 3), framework.StatusPass, ""))
		l.EndSuite("Suite", ended(suiteAttrs(1), framework.StatusPass, ""))
	})

	h.stopped(StopBreakpoint)
	// The FOR statement is on top; next stops at its first iteration.
	h.resume(h.e.Next)
	h.stopped(StopStep)
	h.resume(h.e.Continue)
	wait(t, done)
}

func TestHitCondition(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	bps := h.e.SetBreakpoints(suitePath, []SourceBreakpoint{{Line: 5, HitCondition: "2"}})
	done := h.run(func(l framework.Listener) {
		l.StartSuite("Suite", suiteAttrs(1))
		for i := 0; i < 3; i++ {
			keyword(l, "k", "Log", 5, nil)
		}
		l.EndSuite("Suite", ended(suiteAttrs(1), framework.StatusPass, ""))
	})
	ev := h.stopped(StopBreakpoint)
	assert.Equal(t, []int{bps[0].ID}, ev.HitBreakpointIDs)
	h.resume(h.e.Continue)
	wait(t, done)
	select {
	case ev := <-h.events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestConditionAndLogPoint(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fw.setVar(framework.ScopeLocal, "${x}", framework.FromGo(41))
	h.e.SetBreakpoints(suitePath, []SourceBreakpoint{
		{Line: 5, Condition: "False"},
		{Line: 6, Condition: "no such expression"},
		{Line: 7, LogMessage: "x is ${x}"},
		{Line: 8, Condition: "True"},
	})
	done := h.run(func(l framework.Listener) {
		l.StartSuite("Suite", suiteAttrs(1))
		keyword(l, "k5", "Log", 5, nil)
		keyword(l, "k6", "Log", 6, nil)
		keyword(l, "k7", "Log", 7, nil)
		keyword(l, "k8", "Log", 8, nil)
		l.EndSuite("Suite", ended(suiteAttrs(1), framework.StatusPass, ""))
	})

	out := h.output()
	assert.Equal(t, "x is 41\n", out.Text)
	assert.Equal(t, 7, out.Line)
	h.stopped(StopBreakpoint)
	trace, err := h.e.StackTrace()
	require.NoError(t, err)
	assert.Equal(t, 8, trace[0].Line)
	h.resume(h.e.Continue)
	wait(t, done)
}

func TestBranchOnStatementLineDoesNotStopTwice(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.e.SetBreakpoints(suitePath, []SourceBreakpoint{{Line: 4}})
	done := h.run(func(l framework.Listener) {
		l.StartSuite("Suite", suiteAttrs(1))
		ifAttrs := nodeAttrs("if", "IF/ELSE ROOT", 4)
		l.StartKeyword("IF", ifAttrs)
		branch := nodeAttrs("br", "IF", 4)
		l.StartKeyword("IF", branch)
		l.EndKeyword("IF", ended(branch, framework.StatusPass, ""))
		l.EndKeyword("IF", ended(ifAttrs, framework.StatusPass, ""))
		l.EndSuite("Suite", ended(suiteAttrs(1), framework.StatusPass, ""))
	})
	h.stopped(StopBreakpoint)
	h.resume(h.e.Continue)
	wait(t, done)
	select {
	case ev := <-h.events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestPauseRequest(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.e.Pause()
	done := h.run(func(l framework.Listener) {
		l.StartSuite("Suite", suiteAttrs(1))
		l.EndSuite("Suite", ended(suiteAttrs(1), framework.StatusPass, ""))
	})
	h.stopped(StopPause)
	assert.Equal(t, StatePaused, h.e.State())
	// Pausing while paused is a no-op.
	h.e.Pause()
	h.resume(h.e.Continue)
	wait(t, done)
}

func TestRequestsNeedPause(t *testing.T) {
	t.Parallel()
	e := New()
	assert.ErrorIs(t, e.Continue(), ErrNotPaused)
	assert.ErrorIs(t, e.Next(), ErrNotPaused)
	_, err := e.Evaluate(context.Background(), 0, "1", EvalWatch)
	assert.ErrorIs(t, err, ErrNotPaused)
	_, err = e.Scopes(1)
	assert.ErrorIs(t, err, ErrNotPaused)
}

func TestUncaughtFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	done := h.run(func(l framework.Listener) {
		l.StartSuite("Suite", suiteAttrs(1))
		l.StartTest("T1", testAttrs("t1", 3))
		outer := kwAttrs("o", "My Keyword", 4)
		l.StartKeyword("My Keyword", outer)
		inner := kwAttrs("f", "Fail", 20)
		l.StartKeyword("Fail", inner)
		l.EndKeyword("Fail", ended(inner, framework.StatusFail, "Boom"))
		l.EndKeyword("My Keyword", ended(outer, framework.StatusFail, "Boom"))
		l.EndTest("T1", ended(testAttrs("t1", 3), framework.StatusFail, "Boom"))
		l.EndSuite("Suite", ended(suiteAttrs(1), framework.StatusFail, "1 test failed"))
	})

	ev := h.stopped(StopException)
	assert.Equal(t, "Boom", ev.Text)
	assert.Equal(t, "Uncaught failure in keyword: BuiltIn.Fail", ev.Description)
	exc, ok := h.e.Exception()
	require.True(t, ok)
	assert.Equal(t, FilterUncaughtFailedKeyword, exc.FilterID)
	assert.True(t, exc.Uncaught)

	res, err := h.e.Evaluate(context.Background(), 0, "${EXCEPTION}[text]", EvalWatch)
	require.NoError(t, err)
	assert.Equal(t, "Boom", res.Result)

	// The failure propagating through My Keyword is not reported again,
	// and failed tests and suites are not enabled by default.
	h.resume(h.e.Continue)
	wait(t, done)
	_, ok = h.e.Exception()
	assert.False(t, ok)
	select {
	case ev := <-h.events:
		require.Equal(t, EventOutput, ev.Type, "unexpected event %+v", ev)
	default:
	}
}

func runTryFailure(l framework.Listener, excepts []framework.ExceptBranch, message string) {
	l.StartSuite("Suite", suiteAttrs(1))
	root := nodeAttrs("try", "TRY/EXCEPT ROOT", 4)
	root.Excepts = excepts
	l.StartKeyword("TRY", root)
	branch := nodeAttrs("tb", "TRY", 4)
	l.StartKeyword("TRY", branch)
	kw := kwAttrs("f", "Fail", 5)
	l.StartKeyword("Fail", kw)
	l.EndKeyword("Fail", ended(kw, framework.StatusFail, message))
	l.EndKeyword("TRY", ended(branch, framework.StatusFail, message))
	l.EndKeyword("TRY", ended(root, framework.StatusPass, ""))
	l.EndSuite("Suite", ended(suiteAttrs(1), framework.StatusPass, ""))
}

func TestTryCatchesFailure(t *testing.T) {
	t.Parallel()
	excepts := []framework.ExceptBranch{{Patterns: []string{"Boom*"}, PatternType: "GLOB"}}

	h := newHarness(t)
	wait(t, h.run(func(l framework.Listener) { runTryFailure(l, excepts, "Boom happened") }))
	select {
	case ev := <-h.events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}

	// Not matching the pattern leaves the failure uncaught.
	h = newHarness(t)
	done := h.run(func(l framework.Listener) { runTryFailure(l, excepts, "Other error") })
	h.stopped(StopException)
	h.resume(h.e.Continue)
	wait(t, done)

	// failed_keyword reports caught failures too.
	h = newHarness(t)
	h.e.SetExceptionFilters([]ExceptionFilter{{ID: FilterFailedKeyword}})
	done = h.run(func(l framework.Listener) { runTryFailure(l, excepts, "Boom happened") })
	ev := h.stopped(StopException)
	assert.Equal(t, "Keyword failed: BuiltIn.Fail", ev.Description)
	h.resume(h.e.Continue)
	wait(t, done)
}

func TestWrapperKeywordCatchesFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	done := h.run(func(l framework.Listener) {
		l.StartSuite("Suite", suiteAttrs(1))
		wrapper := kwAttrs("w", "Run Keyword And Ignore Error", 4)
		l.StartKeyword("Run Keyword And Ignore Error", wrapper)
		kw := kwAttrs("f", "Fail", 4)
		l.StartKeyword("Fail", kw)
		l.EndKeyword("Fail", ended(kw, framework.StatusFail, "Boom"))
		l.EndKeyword("Run Keyword And Ignore Error", ended(wrapper, framework.StatusPass, ""))
		l.EndSuite("Suite", ended(suiteAttrs(1), framework.StatusPass, ""))
	})
	wait(t, done)
	select {
	case ev := <-h.events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestFailedTestFilterWithCondition(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.e.SetExceptionFilters([]ExceptionFilter{
		{ID: FilterFailedTest, Condition: "False"},
		{ID: FilterFailedSuite, Condition: "True"},
	})
	done := h.run(func(l framework.Listener) {
		l.StartSuite("Suite", suiteAttrs(1))
		l.StartTest("T1", testAttrs("t1", 3))
		l.EndTest("T1", ended(testAttrs("t1", 3), framework.StatusFail, "Boom"))
		l.EndSuite("Suite", ended(suiteAttrs(1), framework.StatusFail, "1 test failed"))
	})
	ev := h.stopped(StopException)
	assert.Equal(t, "Suite failed: Suite", ev.Description)
	h.resume(h.e.Continue)
	wait(t, done)
}

func TestDetach(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.e.SetBreakpoints(suitePath, []SourceBreakpoint{{Line: 5}, {Line: 6}})
	done := h.run(func(l framework.Listener) {
		l.StartSuite("Suite", suiteAttrs(1))
		keyword(l, "k5", "Log", 5, nil)
		keyword(l, "k6", "Log", 6, nil)
		l.EndSuite("Suite", ended(suiteAttrs(1), framework.StatusPass, ""))
	})
	h.stopped(StopBreakpoint)
	h.e.Detach()
	ev := h.next()
	assert.Equal(t, EventContinued, ev.Type)
	wait(t, done)
	<-h.e.Done()
	select {
	case ev := <-h.events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestListenerCallsDuringEvaluationAreIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.e.SetBreakpoints(suitePath, []SourceBreakpoint{{Line: 5}})
	done := h.run(func(l framework.Listener) {
		l.StartSuite("Suite", suiteAttrs(1))
		keyword(l, "k5", "Log", 5, nil)
		l.EndSuite("Suite", ended(suiteAttrs(1), framework.StatusPass, ""))
	})
	h.stopped(StopBreakpoint)
	before, err := h.e.StackTrace()
	require.NoError(t, err)

	res, err := h.e.Evaluate(context.Background(), 0, "Log  hello", EvalRepl)
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Result)

	// The keyword's log output is flushed after the statement.
	out := h.output()
	assert.Contains(t, out.Text, "ran Log")
	after, err := h.e.StackTrace()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	h.resume(h.e.Continue)
	wait(t, done)
}

func TestEvaluateTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, WithEvaluateTimeout(50*time.Millisecond))
	h.e.SetBreakpoints(suitePath, []SourceBreakpoint{{Line: 5}})
	done := h.run(func(l framework.Listener) {
		l.StartSuite("Suite", suiteAttrs(1))
		keyword(l, "k5", "Log", 5, nil)
		l.EndSuite("Suite", ended(suiteAttrs(1), framework.StatusPass, ""))
	})
	h.stopped(StopBreakpoint)

	release := make(chan struct{})
	h.fw.mu.Lock()
	h.fw.block = release
	h.fw.mu.Unlock()
	_, err := h.e.Evaluate(context.Background(), 0, "1 + 1", EvalWatch)
	assert.ErrorIs(t, err, ErrEvaluateTimeout)
	assert.Equal(t, StatePaused, h.e.State())

	h.fw.mu.Lock()
	h.fw.block = nil
	h.fw.mu.Unlock()
	close(release)

	// The engine is still usable after a timed out evaluation.
	res, err := h.e.Evaluate(context.Background(), 0, "True", EvalWatch)
	require.NoError(t, err)
	assert.Equal(t, "True", res.Result)

	h.resume(h.e.Continue)
	wait(t, done)
}

func TestLogOutput(t *testing.T) {
	t.Parallel()
	h := newHarness(t, WithOutputOptions(OutputOptions{Log: true, Messages: true, Group: true}))
	done := h.run(func(l framework.Listener) {
		l.StartSuite("Suite", suiteAttrs(1))
		keyword(l, "k", "Log", 5, func() {
			l.LogMessage(framework.LogMessage{Message: "hello", Level: "WARN"})
		})
		l.Message(framework.LogMessage{Message: "bad import", Level: "ERROR"})
		l.EndSuite("Suite", ended(suiteAttrs(1), framework.StatusPass, ""))
	})
	start := h.output()
	assert.Equal(t, "start", start.Group)
	assert.Contains(t, start.Text, "BuiltIn.Log")
	msg := h.output()
	assert.Equal(t, CategoryConsole, msg.Category)
	assert.Equal(t, "[ "+sgrYellow+"WARN"+sgrReset+" ] hello\n", msg.Text)
	end := h.output()
	assert.Equal(t, "end", end.Group)
	fwMsg := h.output()
	assert.Equal(t, CategoryStderr, fwMsg.Category)
	wait(t, done)
}

func TestWrongEndPanics(t *testing.T) {
	t.Parallel()
	e := New()
	e.StartSuite("Suite", suiteAttrs(1))
	assert.Panics(t, func() {
		e.EndTest("T1", ended(testAttrs("t1", 3), framework.StatusPass, ""))
	})
}

func TestPathMappedBreakpoints(t *testing.T) {
	t.Parallel()
	h := newHarness(t, WithPathMappings([]PathMapping{{LocalRoot: `C:\Project`, RemoteRoot: "/work"}}))
	bps := h.e.SetBreakpoints(`c:\project\tests\SUITE.robot`, []SourceBreakpoint{{Line: 5}})
	require.Len(t, bps, 1)
	done := h.run(func(l framework.Listener) {
		l.StartSuite("Suite", suiteAttrs(1))
		keyword(l, "k5", "Log", 5, nil)
		l.EndSuite("Suite", ended(suiteAttrs(1), framework.StatusPass, ""))
	})
	h.stopped(StopBreakpoint)
	trace, err := h.e.StackTrace()
	require.NoError(t, err)
	assert.Equal(t, `C:\Project\tests\suite.robot`, trace[0].Source)
	h.resume(h.e.Continue)
	wait(t, done)
}
