// Copyright © 2024 The robotdev authors

package debugger

import (
	"context"
	"strings"
	"testing"

	"github.com/luthersystems/robotdev/framework"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pausedInKeyword stops the harness inside a keyword of a test and
// returns the keyword's frame id and a function finishing the run.
func pausedInKeyword(t *testing.T, h *harness) (int, func()) {
	t.Helper()
	h.e.SetBreakpoints(suitePath, []SourceBreakpoint{{Line: 5}})
	done := h.run(func(l framework.Listener) {
		l.StartSuite("Suite", suiteAttrs(1))
		l.StartTest("T1", testAttrs("t1", 3))
		keyword(l, "k5", "Log", 5, nil)
		l.EndTest("T1", ended(testAttrs("t1", 3), framework.StatusPass, ""))
		l.EndSuite("Suite", ended(suiteAttrs(1), framework.StatusPass, ""))
	})
	h.stopped(StopBreakpoint)
	trace, err := h.e.StackTrace()
	require.NoError(t, err)
	return trace[0].ID, func() {
		h.resume(h.e.Continue)
		wait(t, done)
	}
}

func scopeRef(t *testing.T, scopes []ScopeInfo, kind framework.ScopeKind) int {
	t.Helper()
	for _, s := range scopes {
		if s.Kind == kind {
			return s.VariablesReference
		}
	}
	t.Fatalf("no %s scope", kind)
	return 0
}

func TestScopesPerFrameType(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	frameID, finish := pausedInKeyword(t, h)
	defer finish()

	scopes, err := h.e.Scopes(frameID)
	require.NoError(t, err)
	var got []string
	for _, s := range scopes {
		got = append(got, s.Name)
	}
	assert.Equal(t, []string{"Local", "Test", "Suite", "Global"}, got)

	trace, err := h.e.StackTrace()
	require.NoError(t, err)
	scopes, err = h.e.Scopes(trace[1].ID)
	require.NoError(t, err)
	require.Len(t, scopes, 3)
	assert.Equal(t, "Suite", scopes[1].Name)

	scopes, err = h.e.Scopes(trace[2].ID)
	require.NoError(t, err)
	require.Len(t, scopes, 2)
	assert.Equal(t, []framework.ScopeKind{framework.ScopeLocal, framework.ScopeGlobal}, []framework.ScopeKind{scopes[0].Kind, scopes[1].Kind})

	// Scope references are stable within one pause.
	again, err := h.e.Scopes(trace[2].ID)
	require.NoError(t, err)
	assert.Equal(t, scopes, again)

	_, err = h.e.Scopes(9999)
	assert.ErrorIs(t, err, ErrUnknownFrame)
}

func TestVariablesExpansion(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fw.setVar(framework.ScopeLocal, "${count}", framework.FromGo(3))
	h.fw.setVar(framework.ScopeLocal, "@{items}", listOf(12))
	h.fw.setVar(framework.ScopeLocal, "&{conf}", framework.FromGo(map[string]any{
		"host":                   "localhost",
		strings.Repeat("k", 150): 1,
	}))
	frameID, finish := pausedInKeyword(t, h)
	defer finish()

	scopes, err := h.e.Scopes(frameID)
	require.NoError(t, err)
	vars, err := h.e.Variables(context.Background(), scopeRef(t, scopes, framework.ScopeLocal), "", 0, 0)
	require.NoError(t, err)
	require.Len(t, vars, 3)
	assert.Equal(t, "${count}", vars[0].Name)
	assert.Equal(t, "3", vars[0].Value)
	assert.Zero(t, vars[0].VariablesReference)

	items := vars[1]
	assert.Equal(t, "list", items.Type)
	assert.Equal(t, 12, items.IndexedVariables)
	assert.Equal(t, 1, items.NamedVariables)
	require.NotZero(t, items.VariablesReference)

	all, err := h.e.Variables(context.Background(), items.VariablesReference, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 13)
	assert.Equal(t, "len()", all[0].Name)
	assert.Equal(t, "12", all[0].Value)
	assert.Equal(t, "virtual", all[0].PresentationHint)
	assert.Equal(t, "00", all[1].Name)
	assert.Equal(t, "11", all[12].Name)

	page, err := h.e.Variables(context.Background(), items.VariablesReference, FilterIndexed, 10, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"10", "11"}, names(page))

	named, err := h.e.Variables(context.Background(), items.VariablesReference, FilterNamed, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"len()"}, names(named))

	conf, err := h.e.Variables(context.Background(), vars[2].VariablesReference, FilterNamed, 0, 0)
	require.NoError(t, err)
	require.Len(t, conf, 2)
	assert.Equal(t, "host", conf[0].Name)
	assert.Equal(t, "localhost", conf[0].Value)
	assert.Equal(t, strings.Repeat("k", 100)+"...", conf[1].Name)

	// Maps answer indexed requests too.
	idx, err := h.e.Variables(context.Background(), vars[2].VariablesReference, FilterIndexed, 1, 1)
	require.NoError(t, err)
	require.Len(t, idx, 1)
	assert.Equal(t, "1", idx[0].Value)

	_, err = h.e.Variables(context.Background(), 12345, "", 0, 0)
	assert.ErrorIs(t, err, ErrUnknownReference)
}

func TestVariablesExpansionIsCapped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fw.setVar(framework.ScopeLocal, "@{big}", listOf(1200))
	frameID, finish := pausedInKeyword(t, h)
	defer finish()

	scopes, err := h.e.Scopes(frameID)
	require.NoError(t, err)
	vars, err := h.e.Variables(context.Background(), scopeRef(t, scopes, framework.ScopeLocal), "", 0, 0)
	require.NoError(t, err)
	ref := vars[0].VariablesReference

	out, err := h.e.Variables(context.Background(), ref, FilterIndexed, 0, 0)
	require.NoError(t, err)
	require.Len(t, out, maxExpandItems+1)
	assert.Equal(t, "0000", out[0].Name)
	assert.Equal(t, "0499", out[maxExpandItems-1].Name)
	assert.Equal(t, "...", out[maxExpandItems].Name)

	out, err = h.e.Variables(context.Background(), ref, FilterIndexed, 1000, 0)
	require.NoError(t, err)
	require.Len(t, out, 200)
	assert.Equal(t, "1199", out[199].Name)
}

func TestReferencesArePurgedOnResume(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fw.setVar(framework.ScopeLocal, "@{items}", listOf(3))
	h.e.SetBreakpoints(suitePath, []SourceBreakpoint{{Line: 5}, {Line: 6}})
	done := h.run(func(l framework.Listener) {
		l.StartSuite("Suite", suiteAttrs(1))
		keyword(l, "k5", "Log", 5, nil)
		keyword(l, "k6", "Log", 6, nil)
		l.EndSuite("Suite", ended(suiteAttrs(1), framework.StatusPass, ""))
	})
	h.stopped(StopBreakpoint)
	trace, err := h.e.StackTrace()
	require.NoError(t, err)
	scopes, err := h.e.Scopes(trace[0].ID)
	require.NoError(t, err)
	vars, err := h.e.Variables(context.Background(), scopeRef(t, scopes, framework.ScopeLocal), "", 0, 0)
	require.NoError(t, err)
	ref := vars[0].VariablesReference
	live := h.e.IDs().Len()

	h.resume(h.e.Continue)
	h.stopped(StopBreakpoint)
	_, err = h.e.Variables(context.Background(), ref, "", 0, 0)
	assert.ErrorIs(t, err, ErrUnknownReference)
	assert.Less(t, h.e.IDs().Len(), live)

	h.resume(h.e.Continue)
	wait(t, done)
}

func TestSetVariable(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fw.setVar(framework.ScopeLocal, "${x}", framework.FromGo(1))
	h.fw.exprs["[1, 2]"] = listOf(2)
	frameID, finish := pausedInKeyword(t, h)
	defer finish()

	scopes, err := h.e.Scopes(frameID)
	require.NoError(t, err)
	local := scopeRef(t, scopes, framework.ScopeLocal)
	v, err := h.e.SetVariable(context.Background(), local, "${x}", "[1, 2]")
	require.NoError(t, err)
	assert.Equal(t, "${x}", v.Name)
	assert.Equal(t, "[0, 1]", v.Value)
	assert.NotZero(t, v.VariablesReference)

	vars, err := h.e.Variables(context.Background(), local, "", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "[0, 1]", vars[0].Value)

	_, err = h.e.SetVariable(context.Background(), v.VariablesReference, "0", "5")
	assert.ErrorIs(t, err, ErrUnknownReference)
}
