// Copyright © 2024 The robotdev authors

package debugger

import (
	"context"
	"fmt"
	"strconv"

	"github.com/luthersystems/robotdev/framework"
	"github.com/luthersystems/robotdev/idmanager"
)

const (
	// maxExpandItems bounds the number of entries one expansion renders.
	maxExpandItems = 500
	// maxKeyRunes bounds the length of a rendered mapping key.
	maxKeyRunes = 100
)

// Variables filters.
const (
	FilterIndexed = "indexed"
	FilterNamed   = "named"
)

// ScopeInfo is one variable scope of a frame.
type ScopeInfo struct {
	Name               string
	Kind               framework.ScopeKind
	VariablesReference int
	Expensive          bool
}

// VariableInfo is one entry of a variables listing.
type VariableInfo struct {
	Name               string
	Value              string
	Type               string
	VariablesReference int
	NamedVariables     int
	IndexedVariables   int
	// PresentationHint is "virtual" for synthetic entries.
	PresentationHint string
}

type scopeKey struct {
	frame *Frame
	kind  framework.ScopeKind
}

// scopeHandle is the object behind a scope's variables reference.
type scopeHandle struct {
	frame *Frame
	kind  framework.ScopeKind
}

func (h *scopeHandle) scope() framework.Scope {
	return framework.Scope{Kind: h.kind, FrameID: h.frame.Attrs.ID}
}

// containerHandle is the object behind an expandable value's reference.
type containerHandle struct {
	value framework.Value
}

var scopeNames = map[framework.ScopeKind]string{
	framework.ScopeLocal:  "Local",
	framework.ScopeTest:   "Test",
	framework.ScopeSuite:  "Suite",
	framework.ScopeGlobal: "Global",
}

// scopeKinds lists the scopes shown for a frame of type t.
func scopeKinds(t framework.FrameType, hasTest bool) []framework.ScopeKind {
	kinds := []framework.ScopeKind{framework.ScopeLocal}
	if t.IsKeywordLike() && hasTest {
		kinds = append(kinds, framework.ScopeTest)
	}
	if t == framework.FrameTest || t.IsKeywordLike() {
		kinds = append(kinds, framework.ScopeSuite)
	}
	return append(kinds, framework.ScopeGlobal)
}

// hold registers obj under a fresh variables reference that is valid until
// the engine resumes. e.mu must be held.
func hold[T any](e *Engine, obj *T) (int, error) {
	id, err := idmanager.Allocate(e.ids, obj)
	if err != nil {
		return 0, err
	}
	e.handles[id] = obj
	return id, nil
}

// Scopes returns the scopes of a frame listed in the stack trace.
func (e *Engine) Scopes(frameID int) ([]ScopeInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePaused && e.state != StateCallKeyword {
		return nil, ErrNotPaused
	}
	f, ok := e.stack.frame(frameID)
	if !ok || !f.visible {
		return nil, ErrUnknownFrame
	}
	test := e.stack.test()
	var out []ScopeInfo
	for _, kind := range scopeKinds(f.Type, test != nil) {
		owner := f
		switch kind {
		case framework.ScopeTest:
			owner = test
		case framework.ScopeSuite, framework.ScopeGlobal:
			owner = nil
		}
		key := scopeKey{frame: owner, kind: kind}
		h, ok := e.scopes[key]
		if !ok {
			h = &scopeHandle{frame: f, kind: kind}
			if owner != nil {
				h.frame = owner
			}
			e.scopes[key] = h
		}
		id, err := hold(e, h)
		if err != nil {
			return nil, err
		}
		out = append(out, ScopeInfo{
			Name:               scopeNames[kind],
			Kind:               kind,
			VariablesReference: id,
			Expensive:          kind == framework.ScopeGlobal,
		})
	}
	return out, nil
}

func (e *Engine) handle(ref int) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePaused && e.state != StateCallKeyword {
		return nil, ErrNotPaused
	}
	h, ok := e.handles[ref]
	if !ok {
		return nil, ErrUnknownReference
	}
	return h, nil
}

// Variables lists the children of a variables reference. filter is
// "indexed", "named" or empty for both; count 0 means all.
func (e *Engine) Variables(ctx context.Context, ref int, filter string, start, count int) ([]VariableInfo, error) {
	h, err := e.handle(ref)
	if err != nil {
		return nil, err
	}
	switch h := h.(type) {
	case *scopeHandle:
		res, err := e.runOnFramework(ctx, func(ctx context.Context, fw framework.Context) (any, error) {
			return fw.Variables(ctx, h.scope())
		})
		if err != nil {
			return nil, err
		}
		vars := res.([]framework.Variable)
		e.mu.Lock()
		defer e.mu.Unlock()
		lo, hi, cut := window(len(vars), start, count)
		out := make([]VariableInfo, 0, hi-lo)
		for _, v := range vars[lo:hi] {
			info, err := e.variableInfoLocked(v.Name, v.Value)
			if err != nil {
				return nil, err
			}
			out = append(out, info)
		}
		return capped(out, cut), nil
	case *containerHandle:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.expandLocked(h.value, filter, start, count)
	}
	return nil, ErrUnknownReference
}

// window clamps [start, start+count) to n items, then to the expansion
// limit. cut reports whether the limit applied.
func window(n, start, count int) (lo, hi int, cut bool) {
	if start < 0 {
		start = 0
	}
	if start > n {
		start = n
	}
	end := n
	if count > 0 && start+count < n {
		end = start + count
	}
	if end-start > maxExpandItems {
		return start, start + maxExpandItems, true
	}
	return start, end, false
}

// capped appends the sentinel entry when an expansion was cut short.
func capped(out []VariableInfo, cut bool) []VariableInfo {
	if !cut {
		return out
	}
	return append(out, VariableInfo{Name: "...", Value: "more items not shown", PresentationHint: "virtual"})
}

func seqLen(v framework.Value) int {
	n := len(v.Items)
	if v.Kind == framework.KindMapping {
		n = len(v.Entries)
	}
	return n
}

func (e *Engine) expandLocked(v framework.Value, filter string, start, count int) ([]VariableInfo, error) {
	var out []VariableInfo
	n := seqLen(v)
	switch v.Kind {
	case framework.KindSequence:
		if filter != FilterIndexed {
			out = append(out, lenEntry(v))
			if filter == FilterNamed {
				return out, nil
			}
		}
		width := len(strconv.Itoa(max(n, v.Len)))
		lo, hi, cut := window(n, start, count)
		for i := lo; i < hi; i++ {
			info, err := e.variableInfoLocked(fmt.Sprintf("%0*d", width, i), v.Items[i])
			if err != nil {
				return nil, err
			}
			out = append(out, info)
		}
		return capped(out, cut), nil
	case framework.KindMapping:
		lo, hi, cut := window(n, start, count)
		if filter == FilterNamed {
			lo, hi, cut = window(n, 0, 0)
		}
		for _, ent := range v.Entries[lo:hi] {
			info, err := e.variableInfoLocked(keyName(ent.Key), ent.Value)
			if err != nil {
				return nil, err
			}
			out = append(out, info)
		}
		return capped(out, cut), nil
	}
	return nil, nil
}

func lenEntry(v framework.Value) VariableInfo {
	n := max(seqLen(v), v.Len)
	return VariableInfo{Name: "len()", Value: strconv.Itoa(n), Type: "int", PresentationHint: "virtual"}
}

func keyName(k framework.Value) string {
	r := []rune(k.Repr)
	if len(r) > maxKeyRunes {
		return string(r[:maxKeyRunes]) + "..."
	}
	return string(r)
}

// variableInfoLocked renders a value, registering a reference for
// containers. e.mu must be held.
func (e *Engine) variableInfoLocked(name string, v framework.Value) (VariableInfo, error) {
	info := VariableInfo{Name: name, Value: v.Repr, Type: v.Type}
	if !v.IsContainer() {
		return info, nil
	}
	id, err := hold(e, &containerHandle{value: v})
	if err != nil {
		return VariableInfo{}, err
	}
	info.VariablesReference = id
	switch v.Kind {
	case framework.KindSequence:
		info.NamedVariables = 1
		info.IndexedVariables = len(v.Items)
	case framework.KindMapping:
		info.NamedVariables = len(v.Entries)
	}
	return info, nil
}

// SetVariable assigns value, an expression evaluated in the scope's frame,
// to name in the scope behind ref.
func (e *Engine) SetVariable(ctx context.Context, ref int, name, value string) (VariableInfo, error) {
	h, err := e.handle(ref)
	if err != nil {
		return VariableInfo{}, err
	}
	sh, ok := h.(*scopeHandle)
	if !ok {
		return VariableInfo{}, fmt.Errorf("%w: only scope variables can be set", ErrUnknownReference)
	}
	e.mu.Lock()
	_, live := e.stack.frame(sh.frame.ID)
	e.mu.Unlock()
	if !live {
		return VariableInfo{}, ErrUnknownFrame
	}
	res, err := e.runOnFramework(ctx, func(ctx context.Context, fw framework.Context) (any, error) {
		return fw.SetVariable(ctx, sh.scope(), name, value)
	})
	if err != nil {
		return VariableInfo{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.variableInfoLocked(name, res.(framework.Value))
}
