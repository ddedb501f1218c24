// Copyright © 2024 The robotdev authors

package diagnostic

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"
)

// tabWidth is the display width of a tab in source lines.
const tabWidth = 4

// Renderer formats diagnostics as annotated source snippets.
type Renderer struct {
	// Color controls ANSI color output. Default is ColorAuto.
	Color ColorMode

	// Width wraps notes to this many columns. Zero disables wrapping.
	Width int

	// SourceReader reads source file contents. If nil, os.ReadFile is used.
	SourceReader func(string) ([]byte, error)

	sources map[string][]string
}

// Render writes a single diagnostic to w.
func (r *Renderer) Render(w io.Writer, d Diagnostic) error {
	p := choosePalette(r.Color, fileFromWriter(w))
	bw := bufio.NewWriter(w)
	ew := &errWriter{w: bw}

	r.writeHeader(ew, d, p)
	for _, span := range d.Spans {
		r.writeSpan(ew, span, p)
	}
	for _, note := range d.Notes {
		r.writeNote(ew, note, p)
	}

	if ew.err != nil {
		return ew.err
	}
	return bw.Flush()
}

// RenderAll writes all diagnostics to w separated by blank lines.
func (r *Renderer) RenderAll(w io.Writer, diags []Diagnostic) error {
	for i, d := range diags {
		if i > 0 {
			if _, err := io.WriteString(w, "\n"); err != nil {
				return err
			}
		}
		if err := r.Render(w, d); err != nil {
			return err
		}
	}
	return nil
}

// errWriter captures the first write error and skips later writes.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, a ...any) {
	if ew.err != nil {
		return
	}
	_, ew.err = fmt.Fprintf(ew.w, format, a...)
}

func (ew *errWriter) print(s string) {
	if ew.err != nil {
		return
	}
	_, ew.err = io.WriteString(ew.w, s)
}

func (r *Renderer) writeHeader(ew *errWriter, d Diagnostic, p palette) {
	var sevColor string
	switch d.Severity {
	case SeverityError:
		sevColor = p.boldRed
	case SeverityWarning:
		sevColor = p.yellow
	default:
		sevColor = p.boldCyan
	}
	head := d.Severity.String()
	if d.Code != "" {
		head += "[" + d.Code + "]"
	}
	ew.printf("%s%s%s%s: %s%s%s\n", sevColor, p.bold, head, p.reset, p.bold, d.Message, p.reset)
}

// writeNote writes an "= note:" line, wrapping long notes under their
// first line.
func (r *Renderer) writeNote(ew *errWriter, note string, p palette) {
	const lead = "   = note: "
	text := note
	if r.Width > len(lead) {
		wrapped := wordwrap.String(note, r.Width-len(lead))
		first, rest, ok := strings.Cut(wrapped, "\n")
		text = first
		if ok {
			text += "\n" + indent.String(rest, uint(len(lead)))
		}
	}
	ew.printf("   %s=%s note: %s\n", p.boldCyan, p.reset, text)
}

func (r *Renderer) writeSpan(ew *errWriter, span Span, p palette) {
	loc := span.File
	if span.Line > 0 {
		loc = fmt.Sprintf("%s:%d", span.File, span.Line)
		if span.Col > 0 {
			loc = fmt.Sprintf("%s:%d:%d", span.File, span.Line, span.Col)
		}
	}
	ew.printf("  %s-->%s %s\n", p.boldBlue, p.reset, loc)

	source := r.sourceLine(span.File, span.Line)
	if source == "" {
		ew.printf("   %s|%s\n", p.boldBlue, p.reset)
		return
	}

	lineStr := fmt.Sprintf("%d", span.Line)
	pad := strings.Repeat(" ", len(lineStr))

	ew.printf(" %s%s |%s\n", p.boldBlue, pad, p.reset)
	ew.printf(" %s%s |%s  %s\n", p.boldBlue, lineStr, p.reset, strings.ReplaceAll(source, "\t", strings.Repeat(" ", tabWidth)))

	col := max(span.Col, 1)
	col = min(col, len(source)+1)
	endCol := span.EndCol
	if endCol <= col {
		endCol = cellEnd(source, col)
	}
	endCol = min(endCol, len(source)+1)

	underPad := strings.Repeat(" ", displayWidth(source[:col-1]))
	underline := strings.Repeat("^", max(displayWidth(source[col-1:endCol-1]), 1))
	ew.printf(" %s%s |%s  %s%s%s%s", p.boldBlue, pad, p.reset, underPad, p.boldRed, underline, p.reset)
	if span.Label != "" {
		ew.printf(" %s%s%s", p.boldRed, span.Label, p.reset)
	}
	ew.print("\n")
	ew.printf(" %s%s |%s\n", p.boldBlue, pad, p.reset)
}

// sourceLine returns the 1-based line of file, or "" if it cannot be read.
// Files are read once per renderer.
func (r *Renderer) sourceLine(file string, line int) string {
	if line <= 0 || file == "" {
		return ""
	}
	lines, ok := r.sources[file]
	if !ok {
		reader := r.SourceReader
		if reader == nil {
			reader = func(name string) ([]byte, error) {
				return os.ReadFile(name) //nolint:gosec // reads user-specified source files for display
			}
		}
		if data, err := reader(file); err == nil {
			scanner := bufio.NewScanner(bytes.NewReader(data))
			for scanner.Scan() {
				lines = append(lines, strings.TrimSuffix(scanner.Text(), "\r"))
			}
		}
		if r.sources == nil {
			r.sources = make(map[string][]string)
		}
		r.sources[file] = lines
	}
	if line > len(lines) {
		return ""
	}
	return lines[line-1]
}

// cellEnd returns the 1-based column after the data cell starting at col.
// Cells end at a tab or at two consecutive spaces.
func cellEnd(source string, col int) int {
	i := col - 1
	for i < len(source) {
		if source[i] == '\t' || (source[i] == ' ' && i+1 < len(source) && source[i+1] == ' ') {
			break
		}
		i++
	}
	return i + 1
}

// displayWidth returns the display width of s with tabs expanded.
func displayWidth(s string) int {
	w := 0
	for _, ch := range s {
		if ch == '\t' {
			w += tabWidth
		} else {
			w++
		}
	}
	return w
}

// fileFromWriter returns the *os.File behind w, if any, for terminal
// detection.
func fileFromWriter(w io.Writer) *os.File {
	if f, ok := w.(*os.File); ok {
		return f
	}
	return nil
}
