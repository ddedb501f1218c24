// Copyright © 2024 The robotdev authors

package lsp

import (
	"net/url"
	"strings"

	"github.com/luthersystems/robotdev/namespace"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

// safeUint converts a non-negative int to protocol.UInteger, clamping
// negative values to zero.
func safeUint(n int) protocol.UInteger {
	if n < 0 {
		return 0
	}
	return protocol.UInteger(n) // #nosec G115 -- line/col are always small positive ints
}

// diagnosticRange converts a 1-based namespace position to an LSP range in
// doc. Positions without a line cover the start of the file; positions
// without an end column run to the end of their line.
func diagnosticRange(pos namespace.Position, doc *Document) protocol.Range {
	if pos.Line <= 0 {
		return protocol.Range{}
	}
	line := min(pos.Line-1, doc.LineCount()-1)
	text := doc.Line(line)
	start := min(max(pos.Column-1, 0), len(text))
	end := len(text)
	if pos.EndColumn > pos.Column {
		end = min(pos.EndColumn-1, len(text))
	}
	if end < start {
		end = start
	}
	return protocol.Range{
		Start: protocol.Position{Line: safeUint(line), Character: safeUint(start)},
		End:   protocol.Position{Line: safeUint(line), Character: safeUint(end)},
	}
}

// lineRange returns the range of line (1-based) up to n characters.
func lineRange(line, n int) protocol.Range {
	l := safeUint(line - 1)
	return protocol.Range{
		Start: protocol.Position{Line: l},
		End:   protocol.Position{Line: l, Character: safeUint(n)},
	}
}

// cell is one data cell of a line. Start and End are byte offsets.
type cell struct {
	Text       string
	Start, End int
}

// splitCells splits a line of the space separated format into its cells.
// Cells are separated by a tab or by two or more spaces; a line starting
// with a separator has an empty first cell.
func splitCells(line string) []cell {
	var cells []cell
	if isSeparatorAt(line, 0) {
		cells = append(cells, cell{})
	}
	i := 0
	for i < len(line) {
		for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
			i++
		}
		if i >= len(line) {
			break
		}
		start := i
		for i < len(line) && !isSeparatorAt(line, i) {
			i++
		}
		text := strings.TrimRight(line[start:i], " ")
		cells = append(cells, cell{Text: text, Start: start, End: start + len(text)})
	}
	return cells
}

func isSeparatorAt(line string, i int) bool {
	if i >= len(line) {
		return false
	}
	if line[i] == '\t' {
		return true
	}
	return line[i] == ' ' && i+1 < len(line) && (line[i+1] == ' ' || line[i+1] == '\t')
}

// cellAt returns the cell containing or ending at col, and its index. A
// cursor inside a separator is in a new, empty cell.
func cellAt(line string, col int) (cell, int) {
	col = min(max(col, 0), len(line))
	if col == 0 {
		cells := splitCells(line)
		if len(cells) > 0 && cells[0].Text != "" {
			return cells[0], 0
		}
		return cell{}, 0
	}
	n := 0
	for i, c := range splitCells(line) {
		if c.Text != "" && col >= c.Start && col <= c.End {
			return c, i
		}
		if c.End <= col {
			n++
		}
	}
	return cell{Start: col, End: col}, n
}

// Section names of a suite file.
const (
	sectionNone      = ""
	sectionSettings  = "settings"
	sectionVariables = "variables"
	sectionTests     = "tests"
	sectionKeywords  = "keywords"
	sectionComments  = "comments"
)

// sectionAt returns the section containing the 0-based line.
func sectionAt(doc *Document, line int) string {
	lines := strings.Split(doc.Content, "\n")
	for i := min(line, len(lines)-1); i >= 0; i-- {
		header, ok := strings.CutPrefix(strings.TrimSpace(lines[i]), "*")
		if !ok {
			continue
		}
		name := strings.ToLower(strings.Trim(header, "* \t\r"))
		switch {
		case strings.HasPrefix(name, "setting"):
			return sectionSettings
		case strings.HasPrefix(name, "variable"):
			return sectionVariables
		case strings.HasPrefix(name, "test case"), strings.HasPrefix(name, "task"):
			return sectionTests
		case strings.HasPrefix(name, "keyword"):
			return sectionKeywords
		case strings.HasPrefix(name, "comment"):
			return sectionComments
		}
		return sectionNone
	}
	return sectionNone
}

// uriToPath converts a file:// URI to a filesystem path.
func uriToPath(uri string) string {
	path, ok := strings.CutPrefix(uri, "file://")
	if !ok {
		return uri
	}
	if unescaped, err := url.PathUnescape(path); err == nil {
		return unescaped
	}
	return path
}

// pathToURI converts a filesystem path to a file:// URI.
func pathToURI(path string) string {
	if strings.HasPrefix(path, "/") {
		return (&url.URL{Scheme: "file", Path: path}).String()
	}
	return path
}
