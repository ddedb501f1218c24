// Copyright © 2024 The robotdev authors

package debugger

import (
	"runtime"
	"testing"
	"weak"

	"github.com/luthersystems/robotdev/framework"
	"github.com/stretchr/testify/assert"
)

func TestPatternMatch(t *testing.T) {
	t.Parallel()
	m := newPatternMatcher()
	tests := []struct {
		message, pattern, typ string
		want                  bool
	}{
		{"Boom", "Boom", "", true},
		{"Boom!", "Boom", "LITERAL", false},
		{"Boom happened", "Boom*", "GLOB", true},
		{"Boom happened", "boom*", "glob", false},
		{"error 42", "error [0-9]?", "GLOB", true},
		{"error x", "error [!0-9]", "GLOB", true},
		{"multi\nline", "multi*", "GLOB", true},
		{"code 500", `code \d+`, "REGEXP", true},
		{"code 500 x", `code \d+`, "REGEXP", false},
		{"code", "(", "REGEXP", false},
		{"Prefix: rest", "Prefix:", "START", true},
		{"rest", "Prefix:", "START", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, m.match(tc.message, tc.pattern, tc.typ), "%q %s %q", tc.message, tc.typ, tc.pattern)
	}
	assert.LessOrEqual(t, m.cache.Len(), regexCacheSize)
	m.purge()
	assert.Zero(t, m.cache.Len())
}

func TestNormalizeName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "builtin.runkeywordandignoreerror", NormalizeName("BuiltIn.Run Keyword_And Ignore Error"))
	assert.True(t, IsWrapperKeyword("builtin.wait until keyword succeeds"))
	assert.False(t, IsWrapperKeyword("BuiltIn.Run Keyword"))
}

func chain(frames ...*Frame) *Frame {
	for i := 1; i < len(frames); i++ {
		frames[i].parent = weak.Make(frames[i-1])
	}
	return frames[len(frames)-1]
}

func TestCaughtSkipsActiveHandlers(t *testing.T) {
	t.Parallel()
	m := newPatternMatcher()
	root := &Frame{Type: framework.FrameTry, Attrs: framework.Attributes{
		Excepts: []framework.ExceptBranch{{}},
	}}
	// A bare EXCEPT catches failures of the TRY body.
	body := &Frame{Type: framework.FrameTry}
	kw := &Frame{Type: framework.FrameKeyword}
	f := chain(root, body, kw)
	assert.True(t, m.caught(f, "anything", nil))

	// Failures inside the EXCEPT branch are not caught by the same TRY.
	handler := &Frame{Type: framework.FrameExcept}
	kw2 := &Frame{Type: framework.FrameKeyword}
	f = chain(root, handler, kw2)
	assert.False(t, m.caught(f, "anything", nil))
	runtime.KeepAlive(root)
	runtime.KeepAlive(body)
	runtime.KeepAlive(handler)
}

func TestCaughtReplacesVariablesInPatterns(t *testing.T) {
	t.Parallel()
	m := newPatternMatcher()
	root := &Frame{Type: framework.FrameTry, Attrs: framework.Attributes{
		Excepts: []framework.ExceptBranch{{Patterns: []string{"${expected}"}}},
	}}
	body := &Frame{Type: framework.FrameTry}
	kw := &Frame{Type: framework.FrameKeyword}
	f := chain(root, body, kw)
	replace := func(s string) string {
		if s == "${expected}" {
			return "Boom"
		}
		return s
	}
	assert.True(t, m.caught(f, "Boom", replace))
	assert.False(t, m.caught(f, "Bang", replace))
	runtime.KeepAlive(root)
	runtime.KeepAlive(body)
}
