// Copyright © 2024 The robotdev authors

package lsp

import (
	"github.com/luthersystems/robotdev/namespace"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

// textDocumentDocumentSymbol handles the textDocument/documentSymbol
// request with the keywords and variables the document defines.
func (s *Server) textDocumentDocumentSymbol(_ *glsp.Context, params *protocol.DocumentSymbolParams) (any, error) {
	doc := s.docs.Get(params.TextDocument.URI)
	if doc == nil {
		return nil, nil
	}
	ns, err := s.namespaceFor(doc.Path)
	if err != nil {
		return nil, nil
	}

	symbols := []protocol.DocumentSymbol{}
	for _, v := range ns.Variables {
		if v.Source != doc.Path || v.LineNo == 0 {
			continue
		}
		r := lineRange(v.LineNo, len(v.Name))
		var detail *string
		if v.Value != "" {
			detail = strPtr(v.Value)
		}
		symbols = append(symbols, protocol.DocumentSymbol{
			Name:           v.Name,
			Detail:         detail,
			Kind:           protocol.SymbolKindVariable,
			Range:          r,
			SelectionRange: r,
		})
	}
	for _, kw := range ns.Keywords() {
		// Skip keywords not defined in this file.
		if kw.Tier != namespace.TierLocal || kw.LineNo == 0 {
			continue
		}
		if kw.Source != "" && kw.Source != doc.Path {
			continue
		}
		r := lineRange(kw.LineNo, len(kw.Name))
		symbols = append(symbols, protocol.DocumentSymbol{
			Name:           kw.Name,
			Detail:         symbolDetail(kw),
			Kind:           protocol.SymbolKindFunction,
			Range:          r,
			SelectionRange: r,
		})
	}
	return symbols, nil
}

// symbolDetail builds a short detail string from the keyword's arguments.
func symbolDetail(kw *namespace.Keyword) *string {
	if len(kw.Args) == 0 {
		return nil
	}
	s := ""
	for i, a := range kw.Args {
		if i > 0 {
			s += "  "
		}
		s += a
	}
	return &s
}
