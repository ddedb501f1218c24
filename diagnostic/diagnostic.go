// Copyright © 2024 The robotdev authors

// Package diagnostic renders problems found in suite and resource files as
// annotated source snippets for terminal output.
package diagnostic

import (
	"fmt"

	"github.com/luthersystems/robotdev/namespace"
)

// Severity indicates the severity level of a diagnostic.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
	SeverityInfo
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityInfo:
		return "info"
	default:
		return "unknown"
	}
}

// MarshalText encodes s by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Span identifies a region of source code to highlight in the diagnostic.
type Span struct {
	File   string `json:"file"`                 // path for reading source; display name if unreadable
	Line   int    `json:"line"`                 // 1-based line number
	Col    int    `json:"column,omitempty"`     // 1-based start column
	EndCol int    `json:"end_column,omitempty"` // 1-based column after the span (0 = to the end of the cell)
	Label  string `json:"label,omitempty"`      // text shown under the underline
}

// Diagnostic represents a single problem with optional source annotations
// and trailing notes.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	// Code names the kind of problem, e.g. KeywordNotFound.
	Code    string   `json:"code,omitempty"`
	Message string   `json:"message"`
	Spans   []Span   `json:"spans,omitempty"`
	Notes   []string `json:"notes,omitempty"`
}

// FromNamespace converts a namespace diagnostic.
func FromNamespace(d namespace.Diagnostic) Diagnostic {
	out := Diagnostic{
		Code:    string(d.Code),
		Message: d.Message,
	}
	switch d.Severity {
	case namespace.SeverityError:
		out.Severity = SeverityError
	case namespace.SeverityWarning:
		out.Severity = SeverityWarning
	default:
		out.Severity = SeverityInfo
	}
	if d.Pos.File != "" {
		out.Spans = []Span{{
			File:   d.Pos.File,
			Line:   d.Pos.Line,
			Col:    d.Pos.Column,
			EndCol: d.Pos.EndColumn,
		}}
	}
	return out
}

// Counts tallies diagnostics by severity.
type Counts struct {
	Errors, Warnings, Infos int
}

// Count tallies diags.
func Count(diags []Diagnostic) Counts {
	var c Counts
	for _, d := range diags {
		switch d.Severity {
		case SeverityError:
			c.Errors++
		case SeverityWarning:
			c.Warnings++
		default:
			c.Infos++
		}
	}
	return c
}

// Add adds o to c.
func (c *Counts) Add(o Counts) {
	c.Errors += o.Errors
	c.Warnings += o.Warnings
	c.Infos += o.Infos
}

func (c Counts) String() string {
	return fmt.Sprintf("%s, %s", plural(c.Errors, "error"), plural(c.Warnings, "warning"))
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return fmt.Sprintf("%d %ss", n, word)
}
