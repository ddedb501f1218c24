// Copyright © 2024 The robotdev authors

package namespace

import (
	"encoding/json"
	"fmt"
)

// DiagnosticSource tags every diagnostic reported by this package.
const DiagnosticSource = "robotdev.namespace"

// Code identifies the kind of a diagnostic.
type Code string

const (
	CodeImportError       Code = "ImportError"
	CodeResourceNotFound  Code = "ResourceNotFound"
	CodeVariablesNotFound Code = "VariablesNotFound"
	CodeLoadTimeout       Code = "LoadTimeout"
	CodeKeywordNotFound   Code = "KeywordNotFound"
	CodeMultipleKeywords  Code = "MultipleKeywords"
)

// Severity indicates the severity level of a diagnostic.
type Severity int

const (
	SeverityError Severity = iota + 1
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

// MarshalJSON serializes the severity as a JSON string.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON deserializes a severity from a JSON string.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "error":
		*s = SeverityError
	case "warning":
		*s = SeverityWarning
	case "info":
		*s = SeverityInfo
	default:
		return fmt.Errorf("unknown severity: %q", str)
	}
	return nil
}

// Position identifies a region on one line. Line 0 refers to the whole
// file; columns are 1-based and EndColumn is exclusive.
type Position struct {
	File      string `json:"file"`
	Line      int    `json:"line"`
	Column    int    `json:"column,omitempty"`
	EndColumn int    `json:"end_column,omitempty"`
}

func (p Position) String() string {
	if p.Line == 0 {
		return p.File
	}
	if p.Column == 0 {
		return fmt.Sprintf("%s:%d", p.File, p.Line)
	}
	return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Column)
}

// Diagnostic is a problem found while building a namespace.
type Diagnostic struct {
	Pos      Position `json:"pos"`
	Severity Severity `json:"severity"`
	Code     Code     `json:"code"`
	Message  string   `json:"message"`
	// Source is always DiagnosticSource.
	Source string `json:"source"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s: %s [%s]", d.Pos, d.Severity, d.Message, d.Code)
}
