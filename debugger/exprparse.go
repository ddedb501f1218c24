// Copyright © 2024 The robotdev authors

// Keyword call and variable reference grammar used by the evaluator.
//
//	line    := <cell>*
//	cell    := /\S+(?: \S+)*/            cells are separated by two or more spaces or a tab
//	varref  := /[$@&%]\{[^}]+\}/ <item>*
//	item    := '[' /[^\]]*/ ']'

package debugger

import (
	"errors"
	"regexp"
	"strings"

	parsec "github.com/prataprc/goparsec"
)

const (
	nodeCell = "CELL"
	nodeVar  = "VAR"
	nodeItem = "ITEM"
)

var (
	assignRE = regexp.MustCompile(`^[$@&]\{[^}]+\}(?:\[[^\]]*\])*\s*=?$`)

	cellParser   = newCellParser()
	varRefParser = newVarRefParser()

	errNoKeyword = errors.New("no keyword to run")
)

func newCellParser() parsec.Parser {
	// The scanner skips whitespace between tokens and a cell never contains
	// two consecutive spaces or a tab, so those separate cells.
	cell := parsec.Token(`\S+(?: \S+)*`, nodeCell)
	return parsec.And(nil, parsec.Kleene(nil, cell), parsec.End())
}

func newVarRefParser() parsec.Parser {
	base := parsec.Token(`[$@&%]\{[^}]+\}`, nodeVar)
	item := parsec.Token(`\[[^\]]*\]`, nodeItem)
	return parsec.And(nil, base, parsec.Kleene(nil, item), parsec.End())
}

// terminals flattens a parse tree into its terminals of the given name.
func terminals(node parsec.ParsecNode, name string) []string {
	switch n := node.(type) {
	case *parsec.Terminal:
		if n.Name == name {
			return []string{n.Value}
		}
	case []parsec.ParsecNode:
		var out []string
		for _, c := range n {
			out = append(out, terminals(c, name)...)
		}
		return out
	}
	return nil
}

// splitCells splits a line into cells.
func splitCells(line string) []string {
	root, _ := cellParser(parsec.NewScanner([]byte(strings.TrimSpace(line))))
	if root == nil {
		return nil
	}
	return terminals(root, nodeCell)
}

// statement is a keyword call: optional assignment targets, the keyword
// name and its arguments.
type statement struct {
	Assign []string
	Name   string
	Args   []string
}

func parseStatement(cells []string) (statement, error) {
	var st statement
	i := 0
	for ; i < len(cells) && assignRE.MatchString(cells[i]); i++ {
		st.Assign = append(st.Assign, strings.TrimSpace(strings.TrimSuffix(cells[i], "=")))
	}
	if i == len(cells) {
		return st, errNoKeyword
	}
	st.Name = cells[i]
	st.Args = cells[i+1:]
	return st, nil
}

// splitStatements turns REPL input into statements. Lines starting with
// "..." continue the previous statement; blank lines and comments are
// skipped.
func splitStatements(input string) ([]statement, error) {
	var cellsList [][]string
	for _, line := range strings.Split(strings.ReplaceAll(input, "\r\n", "\n"), "\n") {
		cells := splitCells(line)
		if len(cells) == 0 || strings.HasPrefix(cells[0], "#") {
			continue
		}
		if cells[0] == "..." {
			if len(cellsList) > 0 {
				last := len(cellsList) - 1
				cellsList[last] = append(cellsList[last], cells[1:]...)
				continue
			}
			cells = cells[1:]
			if len(cells) == 0 {
				continue
			}
		}
		cellsList = append(cellsList, cells)
	}
	out := make([]statement, 0, len(cellsList))
	for _, cells := range cellsList {
		st, err := parseStatement(cells)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// varRef is a single variable reference with optional item access.
type varRef struct {
	Sigil byte
	Name  string   // without sigil and braces
	Items []string // without brackets
}

// parseVarRef parses text as a single variable reference.
func parseVarRef(text string) (varRef, bool) {
	text = strings.TrimSpace(text)
	root, _ := varRefParser(parsec.NewScanner([]byte(text)))
	if root == nil {
		return varRef{}, false
	}
	base := terminals(root, nodeVar)
	items := terminals(root, nodeItem)
	if len(base) != 1 || base[0]+strings.Join(items, "") != text {
		// Whitespace between the parts.
		return varRef{}, false
	}
	ref := varRef{Sigil: base[0][0], Name: base[0][2 : len(base[0])-1]}
	for _, it := range items {
		ref.Items = append(ref.Items, it[1:len(it)-1])
	}
	return ref, true
}

// Base returns the reference without item access, with its sigil.
func (r varRef) Base() string {
	return string(r.Sigil) + "{" + r.Name + "}"
}
