// Copyright © 2024 The robotdev authors

package debugger

import (
	"fmt"
	"weak"

	"github.com/luthersystems/robotdev/framework"
	"github.com/luthersystems/robotdev/idmanager"
)

// Frame is one executing node: a suite, test, keyword or a branch of a
// compound statement. Parents are held weakly; a frame owns its children
// until it is popped.
type Frame struct {
	ID     int
	Name   string
	Type   framework.FrameType
	Attrs  framework.Attributes
	Source string // client-side path
	Line   int

	visible  bool
	parent   weak.Pointer[Frame]
	children []*Frame
}

// Parent returns the enclosing frame, or nil.
func (f *Frame) Parent() *Frame {
	return f.parent.Value()
}

// Visible reports whether the frame is shown in stack traces.
func (f *Frame) Visible() bool {
	return f.visible
}

// StackFrame is one entry of a stack trace. Its location is where
// execution currently is inside the frame.
type StackFrame struct {
	ID     int
	Name   string
	Type   framework.FrameType
	Source string
	Line   int
}

// InvariantError reports a broken stack invariant. The engine cannot
// continue after one.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "debugger invariant violated: " + e.Msg
}

func isVisibleType(t framework.FrameType) bool {
	switch t {
	case framework.FrameSuite, framework.FrameTest, framework.FrameKeyword,
		framework.FrameSetup, framework.FrameTeardown:
		return true
	}
	return false
}

// stack holds the full stack (every started node) and the visible stack
// (suites, tests and keywords). A keyword frame is the same *Frame in both.
type stack struct {
	ids     *idmanager.Manager
	full    []*Frame
	visible []*Frame
}

func newStack(ids *idmanager.Manager) *stack {
	return &stack{ids: ids}
}

func (s *stack) top() *Frame {
	if len(s.full) == 0 {
		return nil
	}
	return s.full[len(s.full)-1]
}

func (s *stack) depth() int {
	return len(s.full)
}

func (s *stack) push(f *Frame) error {
	if parent := s.top(); parent != nil {
		f.parent = weak.Make(parent)
		parent.children = append(parent.children, f)
	}
	id, err := idmanager.Allocate(s.ids, f)
	if err != nil {
		return err
	}
	f.ID = id
	f.visible = isVisibleType(f.Type)
	s.full = append(s.full, f)
	if f.visible {
		s.visible = append(s.visible, f)
	}
	return nil
}

// pop removes the top frame, which must be the node that ended.
func (s *stack) pop(typ framework.FrameType, attrs framework.Attributes) (*Frame, error) {
	f := s.top()
	if f == nil {
		return nil, &InvariantError{Msg: fmt.Sprintf("end of %s %q with an empty stack", typ, attrs.LongName)}
	}
	if f.Type != typ || (attrs.ID != "" && f.Attrs.ID != "" && attrs.ID != f.Attrs.ID) {
		return nil, &InvariantError{Msg: fmt.Sprintf("end of %s %q (%s) while %s %q (%s) is on top",
			typ, attrs.LongName, attrs.ID, f.Type, f.Attrs.LongName, f.Attrs.ID)}
	}
	s.full = s.full[:len(s.full)-1]
	if f.visible {
		if len(s.visible) == 0 || s.visible[len(s.visible)-1] != f {
			return nil, &InvariantError{Msg: fmt.Sprintf("visible stack out of step at %s %q", typ, attrs.LongName)}
		}
		s.visible = s.visible[:len(s.visible)-1]
	}
	f.children = nil
	if p := f.Parent(); p != nil && len(p.children) > 0 && p.children[len(p.children)-1] == f {
		p.children = p.children[:len(p.children)-1]
	}
	s.ids.Release(f.ID)
	return f, nil
}

// trace returns the visible stack, innermost first. Each frame is located
// at the call of the visible frame inside it; the innermost one at the
// innermost node of the full stack.
func (s *stack) trace() []StackFrame {
	n := len(s.visible)
	out := make([]StackFrame, 0, n)
	for i := n - 1; i >= 0; i-- {
		f := s.visible[i]
		loc := s.top()
		if i < n-1 {
			loc = s.visible[i+1]
		}
		out = append(out, StackFrame{
			ID:     f.ID,
			Name:   f.Name,
			Type:   f.Type,
			Source: loc.Source,
			Line:   loc.Line,
		})
	}
	return out
}

// frame returns the live frame with the given id.
func (s *stack) frame(id int) (*Frame, bool) {
	f, ok := idmanager.ResolveAs[Frame](s.ids, id)
	if !ok {
		return nil, false
	}
	for _, live := range s.full {
		if live == f {
			return f, true
		}
	}
	return nil, false
}

// test returns the innermost test frame, or nil.
func (s *stack) test() *Frame {
	for i := len(s.full) - 1; i >= 0; i-- {
		if s.full[i].Type == framework.FrameTest {
			return s.full[i]
		}
	}
	return nil
}

func (s *stack) reset() {
	for i := len(s.full) - 1; i >= 0; i-- {
		s.full[i].children = nil
		s.ids.Release(s.full[i].ID)
	}
	s.full = nil
	s.visible = nil
}
