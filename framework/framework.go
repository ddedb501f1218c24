// Copyright © 2024 The robotdev authors

// Package framework describes the parts of the test framework that robotdev
// talks to: the listener callbacks fired while a run executes and the
// services the framework offers back (keyword execution, expression
// evaluation, the variable store). robotdev never runs tests itself; an
// implementation of these interfaces is provided by the framework process,
// usually through the remote bridge.
package framework

import (
	"context"
	"errors"
	"strings"
)

// FrameType is the kind of an execution node.
type FrameType string

const (
	FrameSuite     FrameType = "SUITE"
	FrameTest      FrameType = "TEST"
	FrameKeyword   FrameType = "KEYWORD"
	FrameSetup     FrameType = "SETUP"
	FrameTeardown  FrameType = "TEARDOWN"
	FrameFor       FrameType = "FOR"
	FrameIf        FrameType = "IF"
	FrameElse      FrameType = "ELSE"
	FrameTry       FrameType = "TRY"
	FrameExcept    FrameType = "EXCEPT"
	FrameFinally   FrameType = "FINALLY"
	FrameWhile     FrameType = "WHILE"
	FrameIteration FrameType = "ITERATION"
)

// NormalizeType maps the type string reported by the listener to a
// FrameType. Root nodes of compound statements map to the statement, and
// statement-like keywords (RETURN, BREAK, VAR, ...) map to KEYWORD.
func NormalizeType(raw string) FrameType {
	switch t := strings.ToUpper(strings.TrimSpace(raw)); t {
	case "SUITE", "TEST", "SETUP", "TEARDOWN", "FOR", "IF", "ELSE",
		"TRY", "EXCEPT", "FINALLY", "WHILE", "ITERATION":
		return FrameType(t)
	case "IF/ELSE ROOT":
		return FrameIf
	case "ELSE IF":
		return FrameElse
	case "TRY/EXCEPT ROOT":
		return FrameTry
	case "FOR ITERATION", "WHILE ITERATION":
		return FrameIteration
	}
	return FrameKeyword
}

// IsControlFlow reports whether t is a compound statement node.
func (t FrameType) IsControlFlow() bool {
	switch t {
	case FrameFor, FrameIf, FrameElse, FrameTry, FrameExcept, FrameFinally, FrameWhile, FrameIteration:
		return true
	}
	return false
}

// IsKeywordLike reports whether a failure of a node of type t is a keyword
// failure.
func (t FrameType) IsKeywordLike() bool {
	return t == FrameKeyword || t == FrameSetup || t == FrameTeardown
}

// Status is the result status of a finished node.
type Status string

const (
	StatusPass   Status = "PASS"
	StatusFail   Status = "FAIL"
	StatusSkip   Status = "SKIP"
	StatusNotRun Status = "NOT RUN"
)

// ExceptBranch is one EXCEPT branch of a TRY statement.
type ExceptBranch struct {
	// Patterns are the branch's match patterns. A branch without patterns
	// catches every failure.
	Patterns []string `json:"patterns,omitempty"`
	// PatternType is LITERAL (default), GLOB, REGEXP or START.
	PatternType string `json:"pattern_type,omitempty"`
}

// Attributes are the listener attributes of a node.
type Attributes struct {
	ID        string   `json:"id,omitempty"`
	LongName  string   `json:"longname,omitempty"`
	Doc       string   `json:"doc,omitempty"`
	Source    string   `json:"source,omitempty"`
	LineNo    int      `json:"lineno,omitempty"`
	Type      string   `json:"type,omitempty"`
	Status    Status   `json:"status,omitempty"`
	Message   string   `json:"message,omitempty"`
	KwName    string   `json:"kwname,omitempty"`
	LibName   string   `json:"libname,omitempty"`
	Args      []string `json:"args,omitempty"`
	Assign    []string `json:"assign,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	StartTime string   `json:"starttime,omitempty"`
	EndTime   string   `json:"endtime,omitempty"`
	ElapsedMS int64    `json:"elapsedtime,omitempty"`

	// Excepts lists the EXCEPT branches of a TRY statement node.
	Excepts []ExceptBranch `json:"excepts,omitempty"`
}

// LogMessage is a message logged by a keyword or emitted by the framework.
type LogMessage struct {
	Message   string `json:"message"`
	Level     string `json:"level"`
	Timestamp string `json:"timestamp,omitempty"`
	HTML      bool   `json:"html,omitempty"`
}

// Listener receives the execution callbacks of a run. Callbacks are made
// on the framework's execution goroutine, one at a time.
type Listener interface {
	StartSuite(name string, attrs Attributes)
	EndSuite(name string, attrs Attributes)
	StartTest(name string, attrs Attributes)
	EndTest(name string, attrs Attributes)
	StartKeyword(name string, attrs Attributes)
	EndKeyword(name string, attrs Attributes)
	LogMessage(msg LogMessage)
	Message(msg LogMessage)
	Close()
}

// Listeners fans callbacks out to several listeners in order.
type Listeners []Listener

var _ Listener = Listeners(nil)

func (ls Listeners) StartSuite(name string, attrs Attributes) {
	for _, l := range ls {
		l.StartSuite(name, attrs)
	}
}

func (ls Listeners) EndSuite(name string, attrs Attributes) {
	for _, l := range ls {
		l.EndSuite(name, attrs)
	}
}

func (ls Listeners) StartTest(name string, attrs Attributes) {
	for _, l := range ls {
		l.StartTest(name, attrs)
	}
}

func (ls Listeners) EndTest(name string, attrs Attributes) {
	for _, l := range ls {
		l.EndTest(name, attrs)
	}
}

func (ls Listeners) StartKeyword(name string, attrs Attributes) {
	for _, l := range ls {
		l.StartKeyword(name, attrs)
	}
}

func (ls Listeners) EndKeyword(name string, attrs Attributes) {
	for _, l := range ls {
		l.EndKeyword(name, attrs)
	}
}

func (ls Listeners) LogMessage(msg LogMessage) {
	for _, l := range ls {
		l.LogMessage(msg)
	}
}

func (ls Listeners) Message(msg LogMessage) {
	for _, l := range ls {
		l.Message(msg)
	}
}

func (ls Listeners) Close() {
	for _, l := range ls {
		l.Close()
	}
}

// ScopeKind selects one of the framework's variable stores.
type ScopeKind string

const (
	ScopeLocal  ScopeKind = "local"
	ScopeTest   ScopeKind = "test"
	ScopeSuite  ScopeKind = "suite"
	ScopeGlobal ScopeKind = "global"
)

// Scope addresses a variable store. FrameID is the listener id of the node
// whose local scope is meant; it is ignored for the other kinds.
type Scope struct {
	Kind    ScopeKind `json:"kind"`
	FrameID string    `json:"frame_id,omitempty"`
}

// KeywordCall is a keyword invocation.
type KeywordCall struct {
	Name   string   `json:"name"`
	Args   []string `json:"args,omitempty"`
	Assign []string `json:"assign,omitempty"`
	// Source and LineNo locate the call for log output, if known.
	Source string `json:"source,omitempty"`
	LineNo int    `json:"lineno,omitempty"`
}

// Variable is a named value in a variable store.
type Variable struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
}

// Context is the set of services the framework offers while a run is in
// progress. Its methods must be called from the framework's execution
// goroutine, which is the goroutine making the listener callbacks.
type Context interface {
	// RunKeyword runs call and returns its return value.
	RunKeyword(ctx context.Context, call KeywordCall) (Value, error)
	// Evaluate evaluates expr with the framework's expression language in
	// the given scope.
	Evaluate(ctx context.Context, expr string, scope Scope) (Value, error)
	// Variables lists the variables of a scope.
	Variables(ctx context.Context, scope Scope) ([]Variable, error)
	// SetVariable assigns value (an expression) to name in scope and
	// returns the stored value.
	SetVariable(ctx context.Context, scope Scope, name, value string) (Value, error)
	// ReplaceVariables substitutes variables in text.
	ReplaceVariables(ctx context.Context, text string, scope Scope) (string, error)
}

// Error is a failure reported by the framework.
type Error struct {
	// Kind is the framework's exception type name, e.g. "VariableError".
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

// IsVariableNotFound reports whether err is the framework's unresolved
// variable error.
func IsVariableNotFound(err error) bool {
	var fe *Error
	if !errors.As(err, &fe) {
		return false
	}
	return fe.Kind == "VariableError" || strings.HasPrefix(fe.Message, "Variable '") && strings.HasSuffix(fe.Message, "' not found.")
}
