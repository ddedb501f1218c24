// Copyright © 2024 The robotdev authors

package lsp

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Document represents an open text document tracked by the LSP server.
// Analysis reads the file from disk; Content is the editor's buffer, used
// to locate the text under the cursor.
type Document struct {
	URI     string
	Path    string
	Version int32
	Content string
}

// Line returns the 0-based line n of the content, or "" past the end.
func (d *Document) Line(n int) string {
	lines := strings.Split(d.Content, "\n")
	if n < 0 || n >= len(lines) {
		return ""
	}
	return strings.TrimSuffix(lines[n], "\r")
}

// LineCount returns the number of lines of the content.
func (d *Document) LineCount() int {
	return strings.Count(d.Content, "\n") + 1
}

// DocumentStore manages open documents with thread-safe access. Documents
// are immutable; changes replace them.
type DocumentStore struct {
	mu   sync.RWMutex
	docs map[string]*Document
}

// NewDocumentStore creates an empty document store.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{docs: make(map[string]*Document)}
}

// Open adds a document to the store.
func (s *DocumentStore) Open(uri string, version int32, content string) *Document {
	doc := &Document{
		URI:     uri,
		Path:    filepath.Clean(uriToPath(uri)),
		Version: version,
		Content: content,
	}
	s.mu.Lock()
	s.docs[uri] = doc
	s.mu.Unlock()
	return doc
}

// Change replaces a document's content (full sync).
func (s *DocumentStore) Change(uri string, version int32, content string) *Document {
	return s.Open(uri, version, content)
}

// Close removes a document from the store.
func (s *DocumentStore) Close(uri string) {
	s.mu.Lock()
	delete(s.docs, uri)
	s.mu.Unlock()
}

// Get retrieves a document by URI. Returns nil if not found.
func (s *DocumentStore) Get(uri string) *Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[uri]
}

// All returns the open documents ordered by URI.
func (s *DocumentStore) All() []*Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Document, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}
