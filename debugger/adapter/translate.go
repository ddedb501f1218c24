// Copyright © 2024 The robotdev authors

package adapter

import (
	"path/filepath"
	"strings"

	"github.com/google/go-dap"
	"github.com/luthersystems/robotdev/dapserver"
	"github.com/luthersystems/robotdev/debugger"
	"github.com/luthersystems/robotdev/framework"
)

// source returns the DAP source for a client-side path.
func source(path string) *dap.Source {
	if path == "" {
		return nil
	}
	var name string
	if debugger.IsWindowsPath(path) {
		name = path[strings.LastIndexAny(path, `\/`)+1:]
	} else {
		name = filepath.Base(path)
	}
	return &dap.Source{Name: name, Path: path}
}

// translateStackFrames converts engine frames, innermost first, to DAP
// frames.
func translateStackFrames(frames []debugger.StackFrame) []dap.StackFrame {
	out := make([]dap.StackFrame, 0, len(frames))
	for _, f := range frames {
		sf := dap.StackFrame{
			Id:     f.ID,
			Name:   f.Name,
			Source: source(f.Source),
			Line:   f.Line,
			Column: 1,
		}
		if f.Type == framework.FrameSuite {
			sf.PresentationHint = "label"
		}
		out = append(out, sf)
	}
	return out
}

// page applies a stackTrace request's startFrame/levels window.
func page(frames []dap.StackFrame, start, levels int) []dap.StackFrame {
	if start < 0 || start >= len(frames) {
		return []dap.StackFrame{}
	}
	frames = frames[start:]
	if levels > 0 && levels < len(frames) {
		frames = frames[:levels]
	}
	return frames
}

func translateBreakpoints(bps []*debugger.Breakpoint) []dap.Breakpoint {
	out := make([]dap.Breakpoint, 0, len(bps))
	for _, bp := range bps {
		out = append(out, dap.Breakpoint{
			Id:       bp.ID,
			Verified: true,
			Source:   source(bp.Source),
			Line:     bp.Line,
		})
	}
	return out
}

func scopeHint(kind framework.ScopeKind) string {
	if kind == framework.ScopeLocal {
		return "locals"
	}
	return ""
}

func translateScopes(scopes []debugger.ScopeInfo) []dap.Scope {
	out := make([]dap.Scope, 0, len(scopes))
	for _, s := range scopes {
		out = append(out, dap.Scope{
			Name:               s.Name,
			PresentationHint:   scopeHint(s.Kind),
			VariablesReference: s.VariablesReference,
			Expensive:          s.Expensive,
		})
	}
	return out
}

func translateVariable(v debugger.VariableInfo) dap.Variable {
	dv := dap.Variable{
		Name:               v.Name,
		Value:              v.Value,
		Type:               v.Type,
		VariablesReference: v.VariablesReference,
		NamedVariables:     v.NamedVariables,
		IndexedVariables:   v.IndexedVariables,
		EvaluateName:       v.Name,
	}
	if v.PresentationHint != "" {
		dv.PresentationHint = &dap.VariablePresentationHint{Kind: v.PresentationHint}
		dv.EvaluateName = ""
	}
	return dv
}

func translateVariables(vars []debugger.VariableInfo) []dap.Variable {
	out := make([]dap.Variable, 0, len(vars))
	for _, v := range vars {
		out = append(out, translateVariable(v))
	}
	return out
}

func translateCompletions(cands []debugger.CompletionCandidate) []dap.CompletionItem {
	out := make([]dap.CompletionItem, 0, len(cands))
	for _, c := range cands {
		out = append(out, dap.CompletionItem{
			Label:  c.Label,
			Type:   dap.CompletionItemType(c.Type),
			Start:  c.Start,
			Length: c.Length,
		})
	}
	return out
}

func exceptionFilters() []dap.ExceptionBreakpointsFilter {
	opts := debugger.ExceptionFilterOptions()
	out := make([]dap.ExceptionBreakpointsFilter, 0, len(opts))
	for _, o := range opts {
		out = append(out, dap.ExceptionBreakpointsFilter{
			Filter:               o.ID,
			Label:                o.Label,
			Description:          o.Description,
			Default:              o.Default,
			SupportsCondition:    o.SupportsCondition,
			ConditionDescription: o.ConditionDescription,
		})
	}
	return out
}

// Capabilities are the features the adapter announces in its initialize
// response.
func Capabilities() dap.Capabilities {
	return dap.Capabilities{
		SupportsConfigurationDoneRequest:  true,
		SupportsConditionalBreakpoints:    true,
		SupportsHitConditionalBreakpoints: true,
		SupportsLogPoints:                 true,
		SupportsEvaluateForHovers:         true,
		SupportsSetVariable:               true,
		SupportsCompletionsRequest:        true,
		CompletionTriggerCharacters:       []string{"$", "@", "&", "%", "{"},
		SupportsExceptionInfoRequest:      true,
		SupportsExceptionFilterOptions:    true,
		ExceptionBreakpointFilters:        exceptionFilters(),
		SupportTerminateDebuggee:          true,
		SupportsTerminateRequest:          true,
		SupportsCancelRequest:             true,
		SupportsClipboardContext:          true,
	}
}

func stoppedEvent(ev debugger.Event) *dap.StoppedEvent {
	return &dap.StoppedEvent{
		Event: dapserver.NewEvent("stopped"),
		Body: dap.StoppedEventBody{
			Reason:            string(ev.Reason),
			Description:       ev.Description,
			Text:              ev.Text,
			ThreadId:          debugger.ThreadID,
			AllThreadsStopped: true,
			HitBreakpointIds:  ev.HitBreakpointIDs,
		},
	}
}

func outputEvent(o *debugger.Output) *dap.OutputEvent {
	return &dap.OutputEvent{
		Event: dapserver.NewEvent("output"),
		Body: dap.OutputEventBody{
			Category: o.Category,
			Output:   o.Text,
			Group:    o.Group,
			Source:   source(o.Source),
			Line:     o.Line,
		},
	}
}

// translateEvent converts an engine event to the DAP event sent to the
// client.
func translateEvent(ev debugger.Event) dap.EventMessage {
	switch ev.Type {
	case debugger.EventStopped:
		return stoppedEvent(ev)
	case debugger.EventContinued:
		return &dap.ContinuedEvent{
			Event: dapserver.NewEvent("continued"),
			Body:  dap.ContinuedEventBody{ThreadId: debugger.ThreadID, AllThreadsContinued: true},
		}
	case debugger.EventOutput:
		if ev.Output == nil {
			return nil
		}
		return outputEvent(ev.Output)
	case debugger.EventExited:
		return &dap.ExitedEvent{
			Event: dapserver.NewEvent("exited"),
			Body:  dap.ExitedEventBody{ExitCode: ev.ExitCode},
		}
	case debugger.EventTerminated:
		return &dap.TerminatedEvent{Event: dapserver.NewEvent("terminated")}
	}
	return nil
}
