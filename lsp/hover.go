// Copyright © 2024 The robotdev authors

package lsp

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/luthersystems/robotdev/imports"
	"github.com/luthersystems/robotdev/namespace"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

// textDocumentHover handles the textDocument/hover request. Keyword calls
// show the keyword's documentation and variable references their value.
func (s *Server) textDocumentHover(_ *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	doc := s.docs.Get(params.TextDocument.URI)
	if doc == nil {
		return nil, nil
	}
	line := int(params.Position.Line)
	text := doc.Line(line)
	col := min(int(params.Position.Character), len(text))

	c, idx := cellAt(text, col)
	if c.Text == "" {
		return nil, nil
	}
	ns, err := s.namespaceFor(doc.Path)
	if err != nil {
		return nil, nil
	}

	if start, end, ok := variableAt(text, col); ok {
		vars := findVariables(ns, text[start:end])
		if len(vars) == 0 {
			return nil, nil
		}
		r := editRange(line, start, end)
		return &protocol.Hover{
			Contents: protocol.MarkupContent{Kind: protocol.MarkupKindMarkdown, Value: variableMarkdown(vars[0])},
			Range:    &r,
		}, nil
	}

	if !keywordPosition(sectionAt(doc, line), splitCells(text), idx) {
		return nil, nil
	}
	kws := findKeywords(ns, c.Text)
	if len(kws) == 0 {
		return nil, nil
	}
	parts := make([]string, 0, len(kws))
	for _, kw := range kws {
		parts = append(parts, keywordMarkdown(kw))
	}
	r := editRange(line, c.Start, c.End)
	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: strings.Join(parts, "\n\n---\n\n"),
		},
		Range: &r,
	}, nil
}

// findKeywords resolves a keyword call, retrying without a BDD prefix.
func findKeywords(ns *namespace.Namespace, call string) []*namespace.Keyword {
	if kws := ns.FindKeyword(call); len(kws) > 0 {
		return kws
	}
	if _, rest, ok := cutBDDPrefix(call); ok {
		return ns.FindKeyword(rest)
	}
	return nil
}

// findVariables returns the definitions of the variable ref refers to,
// whatever its sigil.
func findVariables(ns *namespace.Namespace, ref string) []imports.VariableDef {
	want := namespace.Normalize(variableBase(ref))
	var out []imports.VariableDef
	for _, v := range ns.Variables {
		if base := variableBase(v.Name); base != "" && namespace.Normalize(base) == want {
			out = append(out, v)
		}
	}
	return out
}

var variableRef = regexp.MustCompile(`[$@&%]\{[^{}]*\}`)

// variableAt returns the span of the variable reference under col.
func variableAt(text string, col int) (int, int, bool) {
	for _, loc := range variableRef.FindAllStringIndex(text, -1) {
		if col >= loc[0] && col <= loc[1] {
			return loc[0], loc[1], true
		}
	}
	return 0, 0, false
}

// keywordMarkdown builds Markdown hover text for a keyword.
func keywordMarkdown(kw *namespace.Keyword) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**%s**", kw.QualifiedName())
	if len(kw.Args) > 0 {
		args := make([]string, len(kw.Args))
		for i, a := range kw.Args {
			args[i] = "`" + a + "`"
		}
		fmt.Fprintf(&sb, "\n\n*Arguments:* %s", strings.Join(args, ", "))
	}
	if len(kw.Tags) > 0 {
		fmt.Fprintf(&sb, "\n\n*Tags:* %s", strings.Join(kw.Tags, ", "))
	}
	if kw.Doc != "" {
		sb.WriteString("\n\n")
		sb.WriteString(kw.Doc)
	}
	return sb.String()
}

func variableMarkdown(v imports.VariableDef) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "`%s`", v.Name)
	if v.Value != "" {
		fmt.Fprintf(&sb, " = `%s`", v.Value)
	}
	if v.Source != "" {
		fmt.Fprintf(&sb, "\n\nDefined in %s", v.Source)
		if v.LineNo > 0 {
			fmt.Fprintf(&sb, ":%d", v.LineNo)
		}
	}
	return sb.String()
}
