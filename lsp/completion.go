// Copyright © 2024 The robotdev authors

package lsp

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/luthersystems/robotdev/imports"
	"github.com/luthersystems/robotdev/namespace"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

// completionTimeout bounds an import name lookup in the workers.
const completionTimeout = 10 * time.Second

// textDocumentCompletion handles the textDocument/completion request.
func (s *Server) textDocumentCompletion(_ *glsp.Context, params *protocol.CompletionParams) (any, error) {
	doc := s.docs.Get(params.TextDocument.URI)
	if doc == nil {
		return nil, nil
	}
	line := int(params.Position.Line)
	text := doc.Line(line)
	col := min(int(params.Position.Character), len(text))

	c, idx := cellAt(text, col)
	prefix := text[c.Start:col]

	if start, ok := openVariable(prefix); ok {
		return s.variableCompletions(doc, prefix[start:], editRange(line, c.Start+start, col))
	}

	cells := splitCells(text)
	section := sectionAt(doc, line)
	if section == sectionSettings && idx == 1 && len(cells) > 0 {
		if kind, ok := importKind(cells[0].Text); ok {
			return s.importCompletions(doc, kind, prefix, editRange(line, c.Start, col))
		}
	}
	if keywordPosition(section, cells, idx) {
		if bdd, rest, ok := cutBDDPrefix(prefix); ok {
			return s.keywordCompletions(doc, rest, editRange(line, c.Start+len(bdd), col))
		}
		return s.keywordCompletions(doc, prefix, editRange(line, c.Start, col))
	}
	return nil, nil
}

func editRange(line, start, end int) protocol.Range {
	return protocol.Range{
		Start: protocol.Position{Line: safeUint(line), Character: safeUint(start)},
		End:   protocol.Position{Line: safeUint(line), Character: safeUint(end)},
	}
}

// keywordCompletions lists the keywords visible in doc whose name or
// qualified name starts with prefix. Names shared by several keywords are
// inserted qualified.
func (s *Server) keywordCompletions(doc *Document, prefix string, rng protocol.Range) ([]protocol.CompletionItem, error) {
	ns, err := s.namespaceFor(doc.Path)
	if err != nil {
		return nil, nil
	}
	want := namespace.Normalize(prefix)
	qualified := strings.Contains(prefix, ".")
	kind := protocol.CompletionItemKindFunction
	var items []protocol.CompletionItem
	seen := make(map[string]bool)
	for _, kw := range ns.Keywords() {
		name := kw.Name
		if qualified || len(ns.FindKeyword(kw.Name)) > 1 {
			name = kw.QualifiedName()
		}
		match := strings.HasPrefix(namespace.Normalize(kw.Name), want) ||
			strings.HasPrefix(namespace.Normalize(kw.QualifiedName()), want)
		if !match || seen[name] {
			continue
		}
		seen[name] = true
		item := protocol.CompletionItem{
			Label:    name,
			Kind:     &kind,
			TextEdit: protocol.TextEdit{Range: rng, NewText: name},
		}
		if kw.Owner != "" {
			item.Detail = strPtr(kw.Owner)
		}
		if md := keywordMarkdown(kw); md != "" {
			item.Documentation = protocol.MarkupContent{Kind: protocol.MarkupKindMarkdown, Value: md}
		}
		items = append(items, item)
	}
	return items, nil
}

// variableCompletions lists the variables visible in doc matching a
// partly typed reference such as "${us".
func (s *Server) variableCompletions(doc *Document, typed string, rng protocol.Range) ([]protocol.CompletionItem, error) {
	ns, err := s.namespaceFor(doc.Path)
	if err != nil {
		return nil, nil
	}
	sigil := typed[:1]
	want := namespace.Normalize(typed[2:])
	kind := protocol.CompletionItemKindVariable
	var items []protocol.CompletionItem
	seen := make(map[string]bool)
	for _, v := range ns.Variables {
		base := variableBase(v.Name)
		if base == "" || !strings.HasPrefix(namespace.Normalize(base), want) {
			continue
		}
		text := sigil + "{" + base + "}"
		if seen[text] {
			continue
		}
		seen[text] = true
		item := protocol.CompletionItem{
			Label:    text,
			Kind:     &kind,
			TextEdit: protocol.TextEdit{Range: rng, NewText: text},
		}
		if v.Value != "" {
			item.Detail = strPtr(v.Value)
		}
		items = append(items, item)
	}
	return items, nil
}

// importCompletions lists import names for a Library, Resource or
// Variables setting.
func (s *Server) importCompletions(doc *Document, kind imports.Kind, prefix string, rng protocol.Range) ([]protocol.CompletionItem, error) {
	ctx, cancel := context.WithTimeout(s.ctx, completionTimeout)
	defer cancel()
	comps, err := s.m.CompleteImport(ctx, kind, prefix, filepath.Dir(doc.Path))
	if err != nil {
		s.log.V(1).Info("import completion failed", "kind", string(kind), "prefix", prefix, "error", err.Error())
		return nil, nil
	}
	items := make([]protocol.CompletionItem, 0, len(comps))
	for _, c := range comps {
		itemKind := protocol.CompletionItemKindModule
		switch {
		case c.Dir:
			itemKind = protocol.CompletionItemKindFolder
		case kind != imports.KindLibrary:
			itemKind = protocol.CompletionItemKindFile
		}
		items = append(items, protocol.CompletionItem{
			Label:    c.Label,
			Kind:     &itemKind,
			TextEdit: protocol.TextEdit{Range: rng, NewText: c.Label},
		})
	}
	return items, nil
}

// importKind maps an import setting name to the kind of import.
func importKind(setting string) (imports.Kind, bool) {
	switch namespace.Normalize(setting) {
	case "library":
		return imports.KindLibrary, true
	case "resource":
		return imports.KindResource, true
	case "variables":
		return imports.KindVariables, true
	}
	return "", false
}

// Settings whose value is a keyword call.
var (
	keywordSettings = map[string]bool{
		"suitesetup":    true,
		"suiteteardown": true,
		"testsetup":     true,
		"testteardown":  true,
		"testtemplate":  true,
		"tasksetup":     true,
		"taskteardown":  true,
		"tasktemplate":  true,
	}
	keywordBracketSettings = map[string]bool{
		"[setup]":    true,
		"[teardown]": true,
		"[template]": true,
	}
)

var assignment = regexp.MustCompile(`^[$@&]\{[^}]*\}\s*=?$`)

// keywordPosition reports whether cell idx of a line holds a keyword name.
func keywordPosition(section string, cells []cell, idx int) bool {
	switch section {
	case sectionSettings:
		return idx == 1 && len(cells) > 0 && keywordSettings[namespace.Normalize(cells[0].Text)]
	case sectionTests, sectionKeywords:
		// Only indented lines are steps; the others name tests or keywords.
		if idx < 1 || len(cells) == 0 || cells[0].Text != "" {
			return false
		}
		if len(cells) > 1 && idx > 1 && keywordBracketSettings[strings.ToLower(cells[1].Text)] {
			return idx == 2
		}
		i := 1
		for ; i < idx && i < len(cells); i++ {
			if !assignment.MatchString(cells[i].Text) {
				return false
			}
		}
		return i == idx
	}
	return false
}

var bddPrefix = regexp.MustCompile(`(?i)^(given|when|then|and|but)\s+`)

// cutBDDPrefix splits a Given/When/Then/And/But prefix from a keyword
// name.
func cutBDDPrefix(name string) (prefix, rest string, ok bool) {
	loc := bddPrefix.FindStringIndex(name)
	if loc == nil {
		return "", name, false
	}
	return name[:loc[1]], name[loc[1]:], true
}

// openVariable finds an unclosed variable reference at the end of text
// and returns its start.
func openVariable(text string) (int, bool) {
	i := strings.LastIndex(text, "{")
	if i < 1 || strings.Contains(text[i:], "}") {
		return 0, false
	}
	switch text[i-1] {
	case '$', '@', '&', '%':
		return i - 1, true
	}
	return 0, false
}

// variableBase returns the name inside a variable reference, "USER" for
// "${USER}".
func variableBase(name string) string {
	if len(name) < 3 || name[1] != '{' || !strings.HasSuffix(name, "}") {
		return ""
	}
	return name[2 : len(name)-1]
}
