// Copyright © 2024 The robotdev authors

package lsp

import (
	"time"

	"github.com/luthersystems/robotdev/namespace"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

// textDocumentDidOpen handles the textDocument/didOpen notification.
func (s *Server) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	s.captureNotify(ctx)
	doc := s.docs.Open(
		params.TextDocument.URI,
		int32(params.TextDocument.Version),
		params.TextDocument.Text,
	)
	s.schedule(doc.URI, 0)
	return nil
}

// textDocumentDidChange handles the textDocument/didChange notification.
// Diagnostics follow the saved file; edits only move them, so they are
// republished against the new content once typing settles.
func (s *Server) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	s.captureNotify(ctx)
	// With full sync, the last content change is the complete document.
	var content string
	for _, change := range params.ContentChanges {
		switch c := change.(type) {
		case protocol.TextDocumentContentChangeEventWhole:
			content = c.Text
		case protocol.TextDocumentContentChangeEvent:
			content = c.Text
		}
	}
	doc := s.docs.Change(
		params.TextDocument.URI,
		int32(params.TextDocument.Version),
		content,
	)
	s.schedule(doc.URI, s.delay)
	return nil
}

// textDocumentDidSave handles the textDocument/didSave notification. The
// saved file is invalidated in the imports manager, whose change event
// re-analyses every open document depending on it.
func (s *Server) textDocumentDidSave(ctx *glsp.Context, params *protocol.DidSaveTextDocumentParams) error {
	s.captureNotify(ctx)
	doc := s.docs.Get(params.TextDocument.URI)
	if doc == nil {
		return nil
	}
	s.forget(doc.Path)
	s.m.Invalidate(doc.Path)
	s.schedule(doc.URI, s.delay)
	return nil
}

// textDocumentDidClose handles the textDocument/didClose notification.
func (s *Server) textDocumentDidClose(_ *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	s.debounceMu.Lock()
	if t, ok := s.debounce[params.TextDocument.URI]; ok {
		t.Stop()
		delete(s.debounce, params.TextDocument.URI)
	}
	s.debounceMu.Unlock()

	if doc := s.docs.Get(params.TextDocument.URI); doc != nil {
		s.forget(doc.Path)
	}
	s.docs.Close(params.TextDocument.URI)

	// Clear diagnostics for the closed file.
	s.sendNotification(protocol.ServerTextDocumentPublishDiagnostics, &protocol.PublishDiagnosticsParams{
		URI:         params.TextDocument.URI,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

// schedule analyses uri and publishes its diagnostics after delay. A
// pending analysis of the same document is replaced.
func (s *Server) schedule(uri string, delay time.Duration) {
	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()
	if t, ok := s.debounce[uri]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.debounceMu.Lock()
		if s.debounce[uri] == t {
			delete(s.debounce, uri)
		}
		s.debounceMu.Unlock()
		s.analyzeAndPublish(uri)
	})
	s.debounce[uri] = t
}

// analyzeAndPublish builds the namespace of a document and publishes its
// diagnostics to the client.
func (s *Server) analyzeAndPublish(uri string) {
	doc := s.docs.Get(uri)
	if doc == nil || s.ctx.Err() != nil {
		return
	}
	var diags []protocol.Diagnostic
	ns, err := s.namespaceFor(doc.Path)
	if err != nil {
		s.log.V(1).Info("cannot analyse document", "path", doc.Path, "error", err.Error())
		diags = append(diags, protocol.Diagnostic{
			Range:    protocol.Range{},
			Severity: severity(protocol.DiagnosticSeverityError),
			Source:   strPtr(namespace.DiagnosticSource),
			Message:  err.Error(),
		})
	} else {
		diags = convertDiagnostics(ns.Diagnostics, doc)
	}

	// Drop the result if the document was closed meanwhile.
	if s.docs.Get(uri) == nil {
		return
	}
	s.sendNotification(protocol.ServerTextDocumentPublishDiagnostics, &protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diags,
	})
}

// convertDiagnostics converts the namespace diagnostics reported on doc.
func convertDiagnostics(diags []namespace.Diagnostic, doc *Document) []protocol.Diagnostic {
	out := make([]protocol.Diagnostic, 0, len(diags))
	for _, d := range diags {
		if d.Pos.File != "" && d.Pos.File != doc.Path {
			continue
		}
		out = append(out, protocol.Diagnostic{
			Range:    diagnosticRange(d.Pos, doc),
			Severity: severity(mapSeverity(d.Severity)),
			Code:     &protocol.IntegerOrString{Value: string(d.Code)},
			Source:   strPtr(d.Source),
			Message:  d.Message,
		})
	}
	return out
}

func mapSeverity(s namespace.Severity) protocol.DiagnosticSeverity {
	switch s {
	case namespace.SeverityWarning:
		return protocol.DiagnosticSeverityWarning
	case namespace.SeverityInfo:
		return protocol.DiagnosticSeverityInformation
	default:
		return protocol.DiagnosticSeverityError
	}
}

func severity(s protocol.DiagnosticSeverity) *protocol.DiagnosticSeverity {
	return &s
}
