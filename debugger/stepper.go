// Copyright © 2024 The robotdev authors

package debugger

import "github.com/luthersystems/robotdev/framework"

// StepMode represents the current stepping behavior.
type StepMode int

const (
	// StepNone means no stepping is active (free-running).
	StepNone StepMode = iota
	// StepInto pauses at the next started node.
	StepInto
	// StepOver pauses at the next started node whose depth is at most the
	// recorded depth.
	StepOver
	// StepOut pauses at the next started node above the recorded depth.
	StepOut
)

func (m StepMode) String() string {
	switch m {
	case StepInto:
		return "stepIn"
	case StepOver:
		return "next"
	case StepOut:
		return "stepOut"
	}
	return "none"
}

// Stepper implements the step state machine. Depths are lengths of the
// full stack, measured after the started node has been pushed.
//
// Stepper is not safe for concurrent use; the engine guards it with its
// mutex.
type Stepper struct {
	mode  StepMode
	depth int
}

// NewStepper returns a stepper in the StepNone state.
func NewStepper() *Stepper {
	return &Stepper{}
}

// Mode returns the current step mode.
func (s *Stepper) Mode() StepMode {
	return s.mode
}

// Depth returns the recorded stop depth.
func (s *Stepper) Depth() int {
	return s.depth
}

// Reset clears the stepper to StepNone (free-running).
func (s *Stepper) Reset() {
	s.mode = StepNone
	s.depth = 0
}

// Set records a step request made while depth nodes were on the full stack
// and top was the innermost one. A compound statement on top adds one to
// the recorded depth so stepping over it enters its branches one at a
// time. Stepping over a suite or test steps into it.
func (s *Stepper) Set(mode StepMode, depth int, top framework.FrameType) {
	if mode == StepOver && (top == framework.FrameSuite || top == framework.FrameTest) {
		mode = StepInto
	}
	if top.IsControlFlow() {
		depth++
	}
	s.mode = mode
	s.depth = depth
}

// ShouldPause reports whether a node started at depth ends the step.
func (s *Stepper) ShouldPause(depth int) bool {
	switch s.mode {
	case StepInto:
		return true
	case StepOver:
		return depth <= s.depth
	case StepOut:
		return depth <= s.depth-1
	}
	return false
}
