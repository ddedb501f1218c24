// Copyright © 2024 The robotdev authors

package debugger

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/luthersystems/robotdev/framework"
)

// Evaluation contexts.
const (
	EvalRepl      = "repl"
	EvalWatch     = "watch"
	EvalHover     = "hover"
	EvalClipboard = "clipboard"
	EvalVariables = "variables"
)

// ExprModeCommand toggles the REPL between statement and expression mode.
const ExprModeCommand = "#exprmode"

// Undefined is the result shown for unresolved variables in watch and
// hover evaluations.
const Undefined = "<undefined>"

// EvalResult is the result of an evaluation.
type EvalResult struct {
	Result             string
	Type               string
	VariablesReference int
	NamedVariables     int
	IndexedVariables   int
}

// ExpressionMode reports whether REPL input is evaluated as expressions.
func (e *Engine) ExpressionMode() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exprMode
}

// Evaluate evaluates expr in the frame with the given id, or in the
// innermost frame when frameID is 0. In the repl context input is run as
// keyword call statements unless expression mode was switched on with
// #exprmode.
func (e *Engine) Evaluate(ctx context.Context, frameID int, expr, evalContext string) (EvalResult, error) {
	if evalContext == EvalRepl && strings.TrimSpace(expr) == ExprModeCommand {
		e.mu.Lock()
		e.exprMode = !e.exprMode
		on := e.exprMode
		e.mu.Unlock()
		if on {
			return EvalResult{Result: "expression mode on"}, nil
		}
		return EvalResult{Result: "expression mode off"}, nil
	}
	f, err := e.evalFrame(frameID)
	if err != nil {
		return EvalResult{}, err
	}
	var v framework.Value
	if evalContext == EvalRepl && !e.ExpressionMode() {
		v, err = e.runStatements(ctx, f, expr)
	} else {
		v, err = e.evaluateExpression(ctx, f, expr)
	}
	if err != nil {
		if (evalContext == EvalWatch || evalContext == EvalHover) && framework.IsVariableNotFound(err) {
			return EvalResult{Result: Undefined}, nil
		}
		return EvalResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	info, err := e.variableInfoLocked("", v)
	if err != nil {
		return EvalResult{}, err
	}
	return EvalResult{
		Result:             info.Value,
		Type:               info.Type,
		VariablesReference: info.VariablesReference,
		NamedVariables:     info.NamedVariables,
		IndexedVariables:   info.IndexedVariables,
	}, nil
}

func (e *Engine) evalFrame(frameID int) (*Frame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePaused && e.state != StateCallKeyword {
		return nil, ErrNotPaused
	}
	if frameID == 0 {
		if n := len(e.stack.visible); n > 0 {
			return e.stack.visible[n-1], nil
		}
		return nil, ErrUnknownFrame
	}
	f, ok := e.stack.frame(frameID)
	if !ok {
		return nil, ErrUnknownFrame
	}
	return f, nil
}

// runStatements runs REPL input statement by statement and returns the
// value of the last one. Output logged by a statement is flushed before
// the next one runs.
func (e *Engine) runStatements(ctx context.Context, f *Frame, input string) (framework.Value, error) {
	stmts, err := splitStatements(input)
	if err != nil {
		return framework.Value{}, err
	}
	last := framework.None
	for _, st := range stmts {
		v, err := e.runKeyword(ctx, f, st)
		e.flushLogs()
		if err != nil {
			return framework.Value{}, err
		}
		last = v
	}
	return last, nil
}

func (e *Engine) runKeyword(ctx context.Context, f *Frame, st statement) (framework.Value, error) {
	call := framework.KeywordCall{
		Name:   st.Name,
		Args:   st.Args,
		Assign: st.Assign,
		Source: f.Source,
		LineNo: f.Line,
	}
	res, err := e.runOnFramework(ctx, func(ctx context.Context, fw framework.Context) (any, error) {
		return fw.RunKeyword(ctx, call)
	})
	if err != nil {
		return framework.Value{}, err
	}
	return res.(framework.Value), nil
}

// evaluateExpression handles "! keyword call", single variable references
// and expressions of the framework's expression language.
func (e *Engine) evaluateExpression(ctx context.Context, f *Frame, expr string) (framework.Value, error) {
	expr = strings.TrimSpace(expr)
	if rest, ok := strings.CutPrefix(expr, "!"); ok {
		st, err := parseStatement(splitCells(rest))
		if err != nil {
			return framework.Value{}, err
		}
		v, err := e.runKeyword(ctx, f, st)
		e.flushLogs()
		return v, err
	}
	if ref, ok := parseVarRef(expr); ok {
		return e.resolveVarRef(ctx, f, ref, expr)
	}
	res, err := e.runOnFramework(ctx, func(ctx context.Context, fw framework.Context) (any, error) {
		return fw.Evaluate(ctx, expr, localScope(f))
	})
	if err != nil {
		return framework.Value{}, err
	}
	return res.(framework.Value), nil
}

func (e *Engine) resolveVarRef(ctx context.Context, f *Frame, ref varRef, expr string) (framework.Value, error) {
	if ref.Sigil == '%' {
		res, err := e.runOnFramework(ctx, func(ctx context.Context, fw framework.Context) (any, error) {
			return fw.ReplaceVariables(ctx, expr, localScope(f))
		})
		if err != nil {
			return framework.Value{}, err
		}
		return framework.String(res.(string)), nil
	}

	var base framework.Value
	if exc, ok := e.Exception(); ok && NormalizeName(ref.Name) == "exception" {
		base = exceptionValue(exc)
	} else {
		res, err := e.runOnFramework(ctx, func(ctx context.Context, fw framework.Context) (any, error) {
			return fw.Variables(ctx, localScope(f))
		})
		if err != nil {
			return framework.Value{}, err
		}
		want := NormalizeName(ref.Name)
		found := false
		for _, v := range res.([]framework.Variable) {
			if variableKey(v.Name) == want {
				base, found = v.Value, true
				break
			}
		}
		if !found {
			return framework.Value{}, &framework.Error{
				Kind:    "VariableError",
				Message: fmt.Sprintf("Variable '%s' not found.", ref.Base()),
			}
		}
	}
	v := base
	for _, item := range ref.Items {
		var err error
		if v, err = itemOf(v, item); err != nil {
			return framework.Value{}, err
		}
	}
	return v, nil
}

// variableKey normalises a stored variable name such as "${My Var}" for
// lookup.
func variableKey(name string) string {
	if len(name) >= 3 && strings.ContainsRune("$@&%", rune(name[0])) && name[1] == '{' && strings.HasSuffix(name, "}") {
		name = name[2 : len(name)-1]
	}
	return NormalizeName(name)
}

func exceptionValue(exc ExceptionInfo) framework.Value {
	return framework.Mapping(
		framework.Entry{Key: framework.String("text"), Value: framework.String(exc.Text)},
		framework.Entry{Key: framework.String("description"), Value: framework.String(exc.Description)},
		framework.Entry{Key: framework.String("status"), Value: framework.String(string(exc.Status))},
	)
}

// itemOf applies one [item] access.
func itemOf(v framework.Value, item string) (framework.Value, error) {
	switch v.Kind {
	case framework.KindSequence:
		i, err := strconv.Atoi(strings.TrimSpace(item))
		if err != nil {
			return framework.Value{}, &framework.Error{Kind: "TypeError", Message: fmt.Sprintf("list index %q is not an integer", item)}
		}
		if i < 0 {
			i += len(v.Items)
		}
		if i < 0 || i >= len(v.Items) {
			return framework.Value{}, &framework.Error{Kind: "IndexError", Message: fmt.Sprintf("list index %s out of range", item)}
		}
		return v.Items[i], nil
	case framework.KindMapping:
		key := strings.Trim(strings.TrimSpace(item), `'"`)
		for _, ent := range v.Entries {
			if ent.Key.Repr == key {
				return ent.Value, nil
			}
		}
		return framework.Value{}, &framework.Error{Kind: "KeyError", Message: fmt.Sprintf("key %q not found", key)}
	}
	return framework.Value{}, &framework.Error{Kind: "TypeError", Message: fmt.Sprintf("%s value is not subscriptable", v.Type)}
}
