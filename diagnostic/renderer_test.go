// Copyright © 2024 The robotdev authors

package diagnostic

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/luthersystems/robotdev/namespace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const suite = `*** Settings ***
Library    Browser

*** Test Cases ***
Login
    Open Login Pag    user
	Log	done`

// testRenderer returns a Renderer with colors disabled and a fake source reader.
func testRenderer(sources map[string]string) *Renderer {
	return &Renderer{
		Color: ColorNever,
		SourceReader: func(name string) ([]byte, error) {
			s, ok := sources[name]
			if !ok {
				return nil, errors.New("not found: " + name)
			}
			return []byte(s), nil
		},
	}
}

func render(t *testing.T, r *Renderer, d Diagnostic) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, r.Render(&buf, d))
	return buf.String()
}

func TestRenderError(t *testing.T) {
	r := testRenderer(map[string]string{"login.robot": suite})
	got := render(t, r, Diagnostic{
		Severity: SeverityError,
		Code:     "KeywordNotFound",
		Message:  "No keyword with name 'Open Login Pag' found.",
		Spans:    []Span{{File: "login.robot", Line: 6, Col: 5, EndCol: 19, Label: "did you mean 'Open Login Page'?"}},
	})

	want := `error[KeywordNotFound]: No keyword with name 'Open Login Pag' found.
  --> login.robot:6:5
   |
 6 |      Open Login Pag    user
   |      ^^^^^^^^^^^^^^ did you mean 'Open Login Page'?
   |
`
	assert.Equal(t, want, got)
}

func TestRenderDetectsCellEnd(t *testing.T) {
	r := testRenderer(map[string]string{"login.robot": suite})
	got := render(t, r, Diagnostic{
		Severity: SeverityWarning,
		Message:  "library reported an error",
		Spans:    []Span{{File: "login.robot", Line: 2, Col: 12}},
	})
	assert.Contains(t, got, "warning: library reported an error")
	assert.Contains(t, got, "\n   |             ^^^^^^^\n")
}

func TestRenderExpandsTabs(t *testing.T) {
	r := testRenderer(map[string]string{"login.robot": suite})
	got := render(t, r, Diagnostic{
		Severity: SeverityError,
		Message:  "tabs",
		Spans:    []Span{{File: "login.robot", Line: 7, Col: 2}},
	})
	assert.Contains(t, got, " 7 |      Log    done\n")
	assert.Contains(t, got, "\n   |      ^^^\n")
}

func TestRenderNoSource(t *testing.T) {
	r := testRenderer(nil)
	got := render(t, r, Diagnostic{
		Severity: SeverityInfo,
		Message:  "some note",
		Spans:    []Span{{File: "<stdin>", Line: 5, Col: 3}},
	})
	assert.Contains(t, got, "info: some note")
	assert.Contains(t, got, "--> <stdin>:5:3")
	assert.Contains(t, got, "|")
	assert.NotContains(t, got, "^")
}

func TestRenderNotesWrap(t *testing.T) {
	r := testRenderer(nil)
	r.Width = 40
	got := render(t, r, Diagnostic{
		Severity: SeverityError,
		Message:  "import failed",
		Notes:    []string{"imported through 'common.resource' from the suite setup of the login suite"},
	})
	lines := strings.Split(strings.TrimSuffix(got, "\n"), "\n")
	require.Greater(t, len(lines), 2)
	assert.True(t, strings.HasPrefix(lines[1], "   = note: imported"))
	for _, l := range lines[2:] {
		assert.True(t, strings.HasPrefix(l, strings.Repeat(" ", 11)), "continuation %q", l)
		assert.LessOrEqual(t, len(l), 40)
	}
}

func TestRenderColor(t *testing.T) {
	r := testRenderer(map[string]string{"login.robot": suite})
	r.Color = ColorAlways
	got := render(t, r, Diagnostic{Severity: SeverityError, Message: "x", Spans: []Span{{File: "login.robot", Line: 1, Col: 1}}})
	assert.Contains(t, got, "\033[1;31m")
	assert.Contains(t, got, "\033[0m")
}

func TestRenderAll(t *testing.T) {
	r := testRenderer(nil)
	var buf bytes.Buffer
	require.NoError(t, r.RenderAll(&buf, []Diagnostic{
		{Severity: SeverityError, Message: "first"},
		{Severity: SeverityWarning, Message: "second"},
	}))
	assert.Equal(t, "error: first\n\nwarning: second\n", buf.String())
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestRenderWriteError(t *testing.T) {
	r := testRenderer(nil)
	err := r.Render(failWriter{}, Diagnostic{Severity: SeverityError, Message: "x"})
	assert.EqualError(t, err, "disk full")
}

func TestFromNamespace(t *testing.T) {
	d := FromNamespace(namespace.Diagnostic{
		Pos:      namespace.Position{File: "/ws/login.robot", Line: 2, Column: 12, EndColumn: 19},
		Severity: namespace.SeverityWarning,
		Code:     namespace.CodeImportError,
		Message:  "library 'Browser' reported: boom",
	})
	assert.Equal(t, SeverityWarning, d.Severity)
	assert.Equal(t, "ImportError", d.Code)
	assert.Equal(t, []Span{{File: "/ws/login.robot", Line: 2, Col: 12, EndCol: 19}}, d.Spans)

	assert.Equal(t, SeverityInfo, FromNamespace(namespace.Diagnostic{Severity: namespace.SeverityInfo}).Severity)
	assert.Empty(t, FromNamespace(namespace.Diagnostic{}).Spans)
}

func TestCount(t *testing.T) {
	c := Count([]Diagnostic{{Severity: SeverityError}, {Severity: SeverityWarning}, {Severity: SeverityError}, {Severity: SeverityInfo}})
	assert.Equal(t, Counts{Errors: 2, Warnings: 1, Infos: 1}, c)
	c.Add(Counts{Errors: 1})
	assert.Equal(t, "3 errors, 1 warning", c.String())
}

func TestParseColorMode(t *testing.T) {
	m, err := ParseColorMode("always")
	require.NoError(t, err)
	assert.Equal(t, ColorAlways, m)
	_, err = ParseColorMode("sometimes")
	assert.Error(t, err)
}
