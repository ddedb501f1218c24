// Copyright © 2024 The robotdev authors

package debugger

import (
	"context"
	"testing"

	"github.com/luthersystems/robotdev/framework"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticKeywords []string

func (k staticKeywords) Keywords(context.Context, string) ([]string, error) {
	return k, nil
}

func TestExtractPrefix(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text   string
		column int
		want   string
	}{
		{"Log", 4, "Log"},
		{"Should Be Eq", 13, "Should Be Eq"},
		{"Log  ${va", 10, "${va"},
		{"Log\tx", 6, "x"},
		{"Log  ", 6, ""},
		{"", 1, ""},
		{"abc", 0, ""},
		{"abc", 99, "abc"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ExtractPrefix(tc.text, tc.column), "%q@%d", tc.text, tc.column)
	}
}

func TestCompletions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, WithKeywordSource(staticKeywords{"Log", "Log Many", "Should Be Equal"}))
	h.fw.setVar(framework.ScopeLocal, "${my var}", framework.FromGo(1))
	h.fw.setVar(framework.ScopeLocal, "${other}", framework.FromGo(2))
	frameID, finish := pausedInKeyword(t, h)
	defer finish()

	got, err := h.e.Completions(context.Background(), frameID, "log", 4)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Log", got[0].Label)
	assert.Equal(t, "function", got[0].Type)
	assert.Equal(t, 0, got[0].Start)
	assert.Equal(t, 3, got[0].Length)

	got, err = h.e.Completions(context.Background(), frameID, "Log  ${my_", 11)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "${my var}", got[0].Label)
	assert.Equal(t, "variable", got[0].Type)
	assert.Equal(t, 5, got[0].Start)
}
