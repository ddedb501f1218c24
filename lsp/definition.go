// Copyright © 2024 The robotdev authors

package lsp

import (
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

// textDocumentDefinition handles the textDocument/definition request.
// Keyword calls jump to the keyword and variable references to where the
// variable is defined. Definitions without a file and line, such as
// keywords of libraries loaded from a module, have no location.
func (s *Server) textDocumentDefinition(_ *glsp.Context, params *protocol.DefinitionParams) (any, error) {
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

	var locs []protocol.Location
	if start, end, ok := variableAt(text, col); ok {
		for _, v := range findVariables(ns, text[start:end]) {
			if v.Source != "" && v.LineNo > 0 {
				locs = append(locs, protocol.Location{URI: pathToURI(v.Source), Range: lineRange(v.LineNo, len(v.Name))})
			}
		}
	} else if keywordPosition(sectionAt(doc, line), splitCells(text), idx) {
		for _, kw := range findKeywords(ns, c.Text) {
			if kw.Source != "" && kw.LineNo > 0 {
				locs = append(locs, protocol.Location{URI: pathToURI(kw.Source), Range: lineRange(kw.LineNo, len(kw.Name))})
			}
		}
	}
	switch len(locs) {
	case 0:
		return nil, nil
	case 1:
		return locs[0], nil
	}
	return locs, nil
}
