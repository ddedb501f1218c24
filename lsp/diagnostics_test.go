// Copyright © 2024 The robotdev authors

package lsp

import (
	"testing"

	"github.com/luthersystems/robotdev/imports"
	"github.com/luthersystems/robotdev/namespace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

func mockContext() *glsp.Context {
	return &glsp.Context{
		Notify: func(method string, params any) {},
	}
}

func openParams(uri, text string) *protocol.DidOpenTextDocumentParams {
	return &protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{URI: uri, LanguageID: "robotframework", Version: 1, Text: text},
	}
}

func TestDidOpenPublishesDiagnostics(t *testing.T) {
	s, _, published := testServer(t, newFakeLoader())
	require.NoError(t, s.textDocumentDidOpen(nil, openParams(suiteURI, suiteText)))

	diags := waitDiagnostics(t, published, suiteURI)
	require.Len(t, diags, 1)
	d := diags[0]
	assert.Equal(t, "No keyword with name 'New' found.", d.Message)
	assert.Equal(t, editRange(15, 4, 7), d.Range)
	require.NotNil(t, d.Severity)
	assert.Equal(t, protocol.DiagnosticSeverityError, *d.Severity)
	require.NotNil(t, d.Code)
	assert.Equal(t, string(namespace.CodeKeywordNotFound), d.Code.Value)
	require.NotNil(t, d.Source)
	assert.Equal(t, namespace.DiagnosticSource, *d.Source)
}

func TestImportDiagnostics(t *testing.T) {
	l := newFakeLoader()
	delete(l.found, "common.resource")
	s, _, published := testServer(t, l)
	require.NoError(t, s.textDocumentDidOpen(nil, openParams(suiteURI, suiteText)))

	diags := waitDiagnostics(t, published, suiteURI)
	var messages []string
	for _, d := range diags {
		messages = append(messages, d.Message)
		if d.Code != nil && d.Code.Value == string(namespace.CodeResourceNotFound) {
			assert.Equal(t, editRange(3, 12, 27), d.Range)
		}
	}
	assert.Len(t, diags, 2, "%v", messages)
}

func TestUnparsableDocument(t *testing.T) {
	s, _, published := testServer(t, newFakeLoader())
	uri := "file:///ws/missing.robot"
	require.NoError(t, s.textDocumentDidOpen(nil, openParams(uri, "*** Test Cases ***\n")))

	diags := waitDiagnostics(t, published, uri)
	require.Len(t, diags, 1)
	assert.Contains(t, diags[0].Message, "no such file")
	assert.Equal(t, protocol.Range{}, diags[0].Range)
}

func TestDidSaveReanalyses(t *testing.T) {
	l := newFakeLoader()
	s, _, published := testServer(t, l)
	require.NoError(t, s.textDocumentDidOpen(nil, openParams(suiteURI, suiteText)))
	require.Len(t, waitDiagnostics(t, published, suiteURI), 1)

	fixed := l.documents[suitePath]
	fixed.Calls = fixed.Calls[:2]
	l.setDocument(fixed)

	require.NoError(t, s.textDocumentDidSave(nil, &protocol.DidSaveTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: suiteURI},
	}))
	assert.Empty(t, waitDiagnostics(t, published, suiteURI))
}

func TestDidChangeRepublishes(t *testing.T) {
	s, _, published := testServer(t, newFakeLoader())
	require.NoError(t, s.textDocumentDidOpen(nil, openParams(suiteURI, suiteText)))
	require.Len(t, waitDiagnostics(t, published, suiteURI), 1)

	// Unsaved edits reuse the analysis, clamped to the new content.
	require.NoError(t, s.textDocumentDidChange(nil, &protocol.DidChangeTextDocumentParams{
		TextDocument: protocol.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: suiteURI},
			Version:                2,
		},
		ContentChanges: []any{protocol.TextDocumentContentChangeEventWhole{Text: "*** Test Cases ***\nLogin"}},
	}))
	diags := waitDiagnostics(t, published, suiteURI)
	require.Len(t, diags, 1)
	assert.Equal(t, editRange(1, 4, 5), diags[0].Range)
	assert.Equal(t, "*** Test Cases ***\nLogin", s.docs.Get(suiteURI).Content)
}

func TestDependencyChangeReanalyses(t *testing.T) {
	l := newFakeLoader()
	s, m, published := testServer(t, l)
	require.NoError(t, s.textDocumentDidOpen(nil, openParams(suiteURI, suiteText)))
	require.Len(t, waitDiagnostics(t, published, suiteURI), 1)

	// The resource now provides the missing keyword.
	common := l.documents[commonPath]
	common.Keywords = append(common.Keywords, imports.KeywordDoc{Name: "New", Source: commonPath, LineNo: 9})
	l.setDocument(common)
	m.Invalidate(commonPath)

	assert.Empty(t, waitDiagnostics(t, published, suiteURI))
	assert.True(t, s.isCached(suitePath))
}

func TestDidClose(t *testing.T) {
	s, _, published := testServer(t, newFakeLoader())
	require.NoError(t, s.textDocumentDidOpen(nil, openParams(suiteURI, suiteText)))
	require.Len(t, waitDiagnostics(t, published, suiteURI), 1)

	require.NoError(t, s.textDocumentDidClose(nil, &protocol.DidCloseTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: suiteURI},
	}))
	assert.Empty(t, waitDiagnostics(t, published, suiteURI))
	assert.Nil(t, s.docs.Get(suiteURI))
	assert.False(t, s.isCached(suitePath))
}

func TestShutdownAndExit(t *testing.T) {
	s, _, _ := testServer(t, newFakeLoader())
	code := -1
	s.exitFn = func(c int) { code = c }
	require.NoError(t, s.shutdown(nil))
	require.NoError(t, s.exit(nil))
	assert.Equal(t, 0, code)
}
