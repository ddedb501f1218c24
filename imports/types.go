// Copyright © 2024 The robotdev authors

package imports

import (
	"context"
	"errors"
)

// Kind is the kind of an import.
type Kind string

const (
	KindLibrary   Kind = "library"
	KindResource  Kind = "resource"
	KindVariables Kind = "variables"
)

// Errors reported by loaders.
var (
	// ErrLoadTimeout is returned when a worker does not answer in time.
	ErrLoadTimeout = errors.New("imports: load timed out")
	// ErrWorkerCrashed is returned when a worker dies during a call.
	ErrWorkerCrashed = errors.New("imports: worker crashed")
	// ErrNotFound is returned when an import cannot be resolved.
	ErrNotFound = errors.New("imports: not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("imports: manager closed")
)

// FindParams ask a loader to resolve an import name.
type FindParams struct {
	Kind    Kind     `json:"kind"`
	Name    string   `json:"name"`
	BaseDir string   `json:"base_dir,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// FindResult is a resolved import.
type FindResult struct {
	// Source is the resolved file, or the module name of a library that
	// has no file.
	Source string `json:"source"`
	// Package is set when the library is a package directory.
	Package bool `json:"package,omitempty"`
	// ModulePaths are the search roots the library's submodules load from.
	ModulePaths []string `json:"module_paths,omitempty"`
}

// KeywordDoc describes one keyword.
type KeywordDoc struct {
	Name   string   `json:"name"`
	Args   []string `json:"args,omitempty"`
	Doc    string   `json:"doc,omitempty"`
	Tags   []string `json:"tags,omitempty"`
	Source string   `json:"source,omitempty"`
	LineNo int      `json:"lineno,omitempty"`
}

// ErrorDetail is a load or parse error.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Source  string `json:"source,omitempty"`
	LineNo  int    `json:"lineno,omitempty"`
}

func (e ErrorDetail) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return e.Type + ": " + e.Message
}

// LibraryDoc is the keyword table of a library or resource.
type LibraryDoc struct {
	Name     string        `json:"name"`
	Source   string        `json:"source,omitempty"`
	Version  string        `json:"version,omitempty"`
	Scope    string        `json:"scope,omitempty"`
	Doc      string        `json:"doc,omitempty"`
	Inits    []KeywordDoc  `json:"inits,omitempty"`
	Keywords []KeywordDoc  `json:"keywords,omitempty"`
	Errors   []ErrorDetail `json:"errors,omitempty"`
}

// LoadParams ask a loader to load a library or variables file.
type LoadParams struct {
	Name    string   `json:"name"`
	Source  string   `json:"source,omitempty"`
	Args    []string `json:"args,omitempty"`
	BaseDir string   `json:"base_dir,omitempty"`
}

// Import is an import statement of a document.
type Import struct {
	Kind   Kind     `json:"kind"`
	Name   string   `json:"name"`
	Args   []string `json:"args,omitempty"`
	Alias  string   `json:"alias,omitempty"`
	Line   int      `json:"line"`
	Column int      `json:"column"`
	// EndColumn is the column after the import name.
	EndColumn int `json:"end_column"`
}

// VariableDef is a variable defined by a document or variables file.
type VariableDef struct {
	Name   string `json:"name"`
	Value  string `json:"value,omitempty"`
	Source string `json:"source,omitempty"`
	LineNo int    `json:"lineno,omitempty"`
}

// KeywordCall is a keyword used by a document.
type KeywordCall struct {
	Name      string `json:"name"`
	Line      int    `json:"line"`
	Column    int    `json:"column"`
	EndColumn int    `json:"end_column"`
}

// Document is a parsed suite or resource file.
type Document struct {
	Source    string        `json:"source"`
	Imports   []Import      `json:"imports,omitempty"`
	Keywords  []KeywordDoc  `json:"keywords,omitempty"`
	Variables []VariableDef `json:"variables,omitempty"`
	Calls     []KeywordCall `json:"calls,omitempty"`
	Errors    []ErrorDetail `json:"errors,omitempty"`
}

// CompleteParams ask for import name completions.
type CompleteParams struct {
	Kind    Kind   `json:"kind"`
	Prefix  string `json:"prefix"`
	BaseDir string `json:"base_dir,omitempty"`
}

// Completion is an import name candidate.
type Completion struct {
	Label string `json:"label"`
	// Dir is set for directories, which complete further.
	Dir bool `json:"dir,omitempty"`
}

// WorkerInfo describes the environment of the loader's workers.
type WorkerInfo struct {
	FrameworkVersion string   `json:"framework_version"`
	Interpreter      string   `json:"interpreter"`
	SearchPaths      []string `json:"search_paths,omitempty"`
}

// Loader loads import metadata, usually in isolated worker processes.
type Loader interface {
	Find(ctx context.Context, p FindParams) (FindResult, error)
	LoadLibrary(ctx context.Context, p LoadParams) (LibraryDoc, error)
	LoadVariables(ctx context.Context, p LoadParams) ([]VariableDef, error)
	ParseDocument(ctx context.Context, source string) (Document, error)
	CompleteImport(ctx context.Context, p CompleteParams) ([]Completion, error)
	Info(ctx context.Context) (WorkerInfo, error)
}
