// Copyright © 2024 The robotdev authors

package lsp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

func complete(t *testing.T, s *Server, line, char int) any {
	t.Helper()
	result, err := s.textDocumentCompletion(mockContext(), &protocol.CompletionParams{
		TextDocumentPositionParams: position(line, char),
	})
	require.NoError(t, err)
	return result
}

// withLine replaces the 0-based line of the suite text.
func withLine(line int, text string) string {
	lines := strings.Split(suiteText, "\n")
	lines[line] = text
	return strings.Join(lines, "\n")
}

func TestCompletionKeywords(t *testing.T) {
	s, _, _ := testServer(t, newFakeLoader())
	openDoc(s, suiteURI, suiteText)

	result := complete(t, s, 10, 6)
	labels := completionLabels(t, result)
	assert.Equal(t, []string{"Open Login Page"}, labels)

	items := result.([]protocol.CompletionItem)
	edit, ok := items[0].TextEdit.(protocol.TextEdit)
	require.True(t, ok)
	assert.Equal(t, editRange(10, 4, 6), edit.Range)
	doc, ok := items[0].Documentation.(protocol.MarkupContent)
	require.True(t, ok)
	assert.Contains(t, doc.Value, "Opens it.")
}

func TestCompletionAmbiguousKeywords(t *testing.T) {
	s, _, _ := testServer(t, newFakeLoader())
	openDoc(s, suiteURI, suiteText)

	// "New Page" exists in two libraries, so it is offered qualified.
	labels := completionLabels(t, complete(t, s, 15, 7))
	assert.Equal(t, []string{"Browser.New Page", "Pages.New Page"}, labels)

	openDoc(s, suiteURI, withLine(15, "    Pages.N"))
	labels = completionLabels(t, complete(t, s, 15, 11))
	assert.Equal(t, []string{"Pages.New Page"}, labels)
}

func TestCompletionAllKeywords(t *testing.T) {
	s, _, _ := testServer(t, newFakeLoader())
	openDoc(s, suiteURI, withLine(15, "    "))

	labels := completionLabels(t, complete(t, s, 15, 4))
	assert.ElementsMatch(t, []string{
		"Browser.New Page",
		"Pages.New Page",
		"Log",
		"Open Login Page",
		"Shared Step",
	}, labels)
}

func TestCompletionBDDPrefix(t *testing.T) {
	s, _, _ := testServer(t, newFakeLoader())
	openDoc(s, suiteURI, withLine(10, "    Given Sha"))

	result := complete(t, s, 10, 13)
	assert.Equal(t, []string{"Shared Step"}, completionLabels(t, result))
	edit := result.([]protocol.CompletionItem)[0].TextEdit.(protocol.TextEdit)
	assert.Equal(t, editRange(10, 10, 13), edit.Range)
}

func TestCompletionSettingKeyword(t *testing.T) {
	s, _, _ := testServer(t, newFakeLoader())
	openDoc(s, suiteURI, withLine(3, "Test Setup    Open"))

	assert.Equal(t, []string{"Open Login Page"}, completionLabels(t, complete(t, s, 3, 18)))
}

func TestCompletionVariables(t *testing.T) {
	s, _, _ := testServer(t, newFakeLoader())
	openDoc(s, suiteURI, withLine(11, "    Log    ${US"))

	result := complete(t, s, 11, 15)
	assert.Equal(t, []string{"${USER}"}, completionLabels(t, result))
	item := result.([]protocol.CompletionItem)[0]
	require.NotNil(t, item.Detail)
	assert.Equal(t, "alice", *item.Detail)
	edit := item.TextEdit.(protocol.TextEdit)
	assert.Equal(t, editRange(11, 11, 15), edit.Range)

	// The sigil typed is kept.
	openDoc(s, suiteURI, withLine(11, "    Log    @{"))
	labels := completionLabels(t, complete(t, s, 11, 13))
	assert.ElementsMatch(t, []string{"@{USER}", "@{BASE_URL}"}, labels)
}

func TestCompletionImports(t *testing.T) {
	s, _, _ := testServer(t, newFakeLoader())
	openDoc(s, suiteURI, withLine(1, "Library    Bu"))

	result := complete(t, s, 1, 13)
	assert.Equal(t, []string{"BuiltIn"}, completionLabels(t, result))
	item := result.([]protocol.CompletionItem)[0]
	assert.Equal(t, protocol.CompletionItemKindModule, *item.Kind)

	openDoc(s, suiteURI, withLine(3, "Resource    "))
	result = complete(t, s, 3, 12)
	assert.Equal(t, []string{"common.resource", "resources/"}, completionLabels(t, result))
	items := result.([]protocol.CompletionItem)
	assert.Equal(t, protocol.CompletionItemKindFile, *items[0].Kind)
	assert.Equal(t, protocol.CompletionItemKindFolder, *items[1].Kind)
}

func TestCompletionNothing(t *testing.T) {
	s, _, _ := testServer(t, newFakeLoader())
	openDoc(s, suiteURI, suiteText)

	// Test names and arguments are not completed.
	assert.Nil(t, complete(t, s, 9, 3))
	assert.Nil(t, complete(t, s, 11, 12))

	result, err := s.textDocumentCompletion(mockContext(), &protocol.CompletionParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: "file:///ws/unknown.robot"},
		},
	})
	require.NoError(t, err)
	assert.Nil(t, result)
}
