// Copyright © 2024 The robotdev authors

// Package debugger implements the robotdev debugger engine. It listens to
// the framework's execution callbacks, keeps the execution stack, and
// decides where to stop: breakpoints, stepping, pause requests and
// failing keywords. Inspection and evaluation while stopped are handed to
// the framework goroutine, because the framework API is only usable there.
//
// The engine has no protocol dependencies. The DAP surface lives in
// debugger/adapter and talks to the engine through its methods and the
// event callback.
//
// Concurrency model: the framework goroutine makes the listener calls.
// When the engine stops, that goroutine blocks in the pause loop, waking
// on a single-slot channel when a resume is requested and serving
// evaluation requests handed over on a second single-slot channel. Client
// requests arrive on other goroutines and only touch state under the
// engine mutex.
package debugger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/luthersystems/robotdev/framework"
	"github.com/luthersystems/robotdev/idmanager"
)

// DefaultEvaluateTimeout bounds a single evaluation on the framework
// goroutine.
const DefaultEvaluateTimeout = 60 * time.Second

var (
	// ErrNotPaused is returned by requests that need a stopped engine.
	ErrNotPaused = errors.New("debugger: not paused")
	// ErrEvaluateTimeout is returned when the framework does not finish an
	// evaluation in time. The engine stays usable.
	ErrEvaluateTimeout = errors.New("debugger: evaluation timed out")
	// ErrNoFramework is returned when no framework context is attached.
	ErrNoFramework = errors.New("debugger: no framework attached")
	// ErrUnknownFrame is returned for frame ids that are not live.
	ErrUnknownFrame = errors.New("debugger: unknown frame")
	// ErrUnknownReference is returned for unknown variable references.
	ErrUnknownReference = errors.New("debugger: unknown variables reference")
)

// EventType identifies the kind of debug event.
type EventType int

const (
	// EventStopped indicates execution has paused.
	EventStopped EventType = iota
	// EventContinued indicates execution has resumed.
	EventContinued
	// EventOutput carries console output.
	EventOutput
	// EventExited reports the framework's exit code.
	EventExited
	// EventTerminated indicates the run is over.
	EventTerminated
)

// StopReason describes why execution paused.
type StopReason string

const (
	StopBreakpoint StopReason = "breakpoint"
	StopStep       StopReason = "step"
	StopException  StopReason = "exception"
	StopEntry      StopReason = "entry"
	StopPause      StopReason = "pause"
)

// Event is sent to the event callback when the engine's state changes.
type Event struct {
	Type             EventType
	Reason           StopReason
	Description      string
	Text             string
	HitBreakpointIDs []int
	Output           *Output
	ExitCode         int
}

// EventCallback receives engine events. It is called on the framework
// goroutine and must not block.
type EventCallback func(Event)

// State is the engine's execution state.
type State int

const (
	StateStopped State = iota
	StateRunning
	StatePaused
	StateCallKeyword
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateCallKeyword:
		return "call-keyword"
	}
	return "stopped"
}

// request is what the client asked the framework goroutine to do next.
type request int

const (
	reqNone request = iota
	reqPause
	reqNext
	reqStepIn
	reqStepOut
	reqRun
)

// ThreadID is the id of the only thread the engine reports.
const ThreadID = 1

// evalRequest is work handed to the framework goroutine while paused.
type evalRequest struct {
	fn     func(ctx context.Context, fw framework.Context) (any, error)
	result chan evalResult
	after  chan struct{}
}

type evalResult struct {
	val any
	err error
}

// Engine is the debugger. It implements framework.Listener; the host
// creates it, attaches the framework context and installs it as a
// listener before the run starts.
type Engine struct {
	log         logr.Logger
	ids         *idmanager.Manager
	breakpoints *BreakpointStore
	matcher     *patternMatcher
	evalTimeout time.Duration
	keywords    KeywordSource

	mu          sync.Mutex
	fw          framework.Context
	onEvent     EventCallback
	paths       *PathMapper
	output      OutputOptions
	state       State
	requested   request
	detached    bool
	stepper     *Stepper
	stack       *stack
	filters     []ExceptionFilter
	stopOnEntry bool
	exception   *ExceptionInfo
	failureSeen bool
	evaluating  int
	logBuffer   []framework.LogMessage
	exprMode    bool
	scopes      map[scopeKey]*scopeHandle
	handles     map[int]any // per-pause variable references

	wake   chan struct{}
	evalCh chan *evalRequest
	evalMu sync.Mutex

	readyCh   chan struct{}
	readyOnce sync.Once
	doneCh    chan struct{}
	doneOnce  sync.Once
}

var _ framework.Listener = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(log logr.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithEventCallback sets the function called on state changes.
func WithEventCallback(cb EventCallback) Option {
	return func(e *Engine) { e.onEvent = cb }
}

// WithFramework attaches the framework context.
func WithFramework(fw framework.Context) Option {
	return func(e *Engine) { e.fw = fw }
}

// WithStopOnEntry makes the engine stop when the first suite starts.
func WithStopOnEntry(stop bool) Option {
	return func(e *Engine) { e.stopOnEntry = stop }
}

// WithPathMappings sets the client/framework path mappings.
func WithPathMappings(mappings []PathMapping) Option {
	return func(e *Engine) { e.paths = NewPathMapper(mappings) }
}

// WithEvaluateTimeout bounds evaluations on the framework goroutine.
func WithEvaluateTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.evalTimeout = d
		}
	}
}

// WithOutputOptions selects the forwarded run output.
func WithOutputOptions(o OutputOptions) Option {
	return func(e *Engine) { e.output = o }
}

// WithIDManager shares an id manager with other components.
func WithIDManager(m *idmanager.Manager) Option {
	return func(e *Engine) { e.ids = m }
}

// WithKeywordSource sets where keyword completions come from.
func WithKeywordSource(ks KeywordSource) Option {
	return func(e *Engine) { e.keywords = ks }
}

// New creates a debugger engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		log:         logr.Discard(),
		breakpoints: NewBreakpointStore(),
		matcher:     newPatternMatcher(),
		evalTimeout: DefaultEvaluateTimeout,
		output:      DefaultOutputOptions(),
		stepper:     NewStepper(),
		filters:     DefaultExceptionFilters(),
		scopes:      make(map[scopeKey]*scopeHandle),
		handles:     make(map[int]any),
		wake:        make(chan struct{}, 1),
		evalCh:      make(chan *evalRequest, 1),
		readyCh:     make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.ids == nil {
		e.ids = idmanager.New()
	}
	e.stack = newStack(e.ids)
	return e
}

// Breakpoints returns the breakpoint store.
func (e *Engine) Breakpoints() *BreakpointStore {
	return e.breakpoints
}

// IDs returns the engine's id manager.
func (e *Engine) IDs() *idmanager.Manager {
	return e.ids
}

// SetFramework attaches the framework context. The remote bridge needs
// the engine as its listener, so it is usually attached after New.
func (e *Engine) SetFramework(fw framework.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fw = fw
}

// SetEventCallback sets or replaces the event callback.
func (e *Engine) SetEventCallback(cb EventCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEvent = cb
}

// SetStopOnEntry overrides the stop-on-entry flag before the run starts.
func (e *Engine) SetStopOnEntry(stop bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopOnEntry = stop
}

// SetPathMappings replaces the path mappings.
func (e *Engine) SetPathMappings(mappings []PathMapping) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paths = NewPathMapper(mappings)
}

// SetEvaluateTimeout bounds later evaluations. Non-positive durations are
// ignored.
func (e *Engine) SetEvaluateTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evalTimeout = d
}

// SetOutputOptions replaces the output options.
func (e *Engine) SetOutputOptions(o OutputOptions) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.output = o
}

// SetExceptionFilters replaces the enabled exception filters. Every call
// replaces the whole set, including with an empty one.
func (e *Engine) SetExceptionFilters(filters []ExceptionFilter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.filters = append([]ExceptionFilter(nil), filters...)
}

// ExceptionFilters returns the enabled exception filters.
func (e *Engine) ExceptionFilters() []ExceptionFilter {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ExceptionFilter(nil), e.filters...)
}

// SetBreakpoints replaces the breakpoints of a client source. The path is
// recorded as the client sees it after a round trip through the path
// mappings.
func (e *Engine) SetBreakpoints(source string, bps []SourceBreakpoint) []*Breakpoint {
	e.mu.Lock()
	paths := e.paths
	e.mu.Unlock()
	return e.breakpoints.SetForSource(paths.ToClient(paths.FromClient(source)), bps)
}

// SignalReady signals that the client finished configuration. Safe to
// call more than once.
func (e *Engine) SignalReady() {
	e.readyOnce.Do(func() { close(e.readyCh) })
}

// ReadyCh is closed when SignalReady is called. Hosts wait on it before
// starting the run.
func (e *Engine) ReadyCh() <-chan struct{} {
	return e.readyCh
}

// Done is closed when the run has ended or the engine was detached.
func (e *Engine) Done() <-chan struct{} {
	return e.doneCh
}

// State returns the execution state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsPaused reports whether the framework goroutine is in the pause loop.
func (e *Engine) IsPaused() bool {
	s := e.State()
	return s == StatePaused || s == StateCallKeyword
}

// Exception returns the failure the engine is paused at, if any.
func (e *Engine) Exception() (ExceptionInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exception == nil {
		return ExceptionInfo{}, false
	}
	return *e.exception, true
}

// StackTrace returns the visible stack, innermost frame first.
func (e *Engine) StackTrace() ([]StackFrame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePaused && e.state != StateCallKeyword {
		return nil, ErrNotPaused
	}
	return e.stack.trace(), nil
}

func (e *Engine) emit(ev Event) {
	e.mu.Lock()
	cb := e.onEvent
	e.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

func (e *Engine) emitOutput(o Output) {
	e.emit(Event{Type: EventOutput, Output: &o})
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// fatal handles a broken invariant. The stack can no longer be trusted,
// so the framework goroutine is aborted.
func (e *Engine) fatal(err error) {
	e.log.Error(err, "aborting")
	panic(err)
}

// Continue resumes a paused run.
func (e *Engine) Continue() error { return e.request(reqRun) }

// Next steps over the current node.
func (e *Engine) Next() error { return e.request(reqNext) }

// StepIn steps into the current node.
func (e *Engine) StepIn() error { return e.request(reqStepIn) }

// StepOut runs until the current keyword returns.
func (e *Engine) StepOut() error { return e.request(reqStepOut) }

func (e *Engine) request(r request) error {
	e.mu.Lock()
	if e.state != StatePaused && e.state != StateCallKeyword {
		e.mu.Unlock()
		return ErrNotPaused
	}
	e.requested = r
	e.mu.Unlock()
	e.signal()
	return nil
}

// Pause asks the run to stop at the next started node.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateRunning || e.state == StateStopped {
		e.requested = reqPause
	}
}

// Detach stops debugging: a paused run resumes and no further stops
// happen.
func (e *Engine) Detach() {
	e.mu.Lock()
	e.detached = true
	e.state = StateStopped
	e.requested = reqNone
	e.stepper.Reset()
	e.mu.Unlock()
	e.signal()
	e.doneOnce.Do(func() { close(e.doneCh) })
}

// NotifyExit reports the framework's exit code and the end of the run.
// The host calls it after the framework process has finished.
func (e *Engine) NotifyExit(exitCode int) {
	e.emit(Event{Type: EventExited, ExitCode: exitCode})
	e.emit(Event{Type: EventTerminated})
}

// ignoreHook reports whether a listener call must be ignored. Calls made
// while the engine itself is using the framework belong to that use.
func (e *Engine) ignoreHook() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evaluating > 0 || e.state == StateCallKeyword
}

// StartSuite implements framework.Listener.
func (e *Engine) StartSuite(name string, attrs framework.Attributes) {
	e.start(name, framework.FrameSuite, attrs)
}

// EndSuite implements framework.Listener.
func (e *Engine) EndSuite(name string, attrs framework.Attributes) {
	e.end(framework.FrameSuite, attrs)
}

// StartTest implements framework.Listener.
func (e *Engine) StartTest(name string, attrs framework.Attributes) {
	e.start(name, framework.FrameTest, attrs)
}

// EndTest implements framework.Listener.
func (e *Engine) EndTest(name string, attrs framework.Attributes) {
	e.end(framework.FrameTest, attrs)
}

// StartKeyword implements framework.Listener.
func (e *Engine) StartKeyword(name string, attrs framework.Attributes) {
	e.start(name, framework.NormalizeType(attrs.Type), attrs)
}

// EndKeyword implements framework.Listener.
func (e *Engine) EndKeyword(name string, attrs framework.Attributes) {
	e.end(framework.NormalizeType(attrs.Type), attrs)
}

// LogMessage implements framework.Listener. Messages logged while the
// engine evaluates are held back until the evaluation's output is
// flushed.
func (e *Engine) LogMessage(msg framework.LogMessage) {
	e.mu.Lock()
	if e.evaluating > 0 || e.state == StateCallKeyword {
		e.logBuffer = append(e.logBuffer, msg)
		e.mu.Unlock()
		return
	}
	opts := e.output
	e.mu.Unlock()
	if opts.Log {
		e.emitOutput(Output{Category: CategoryConsole, Text: FormatLogMessage(msg, opts.Timestamps)})
	}
}

// Message implements framework.Listener.
func (e *Engine) Message(msg framework.LogMessage) {
	if e.ignoreHook() {
		return
	}
	e.mu.Lock()
	opts := e.output
	e.mu.Unlock()
	if opts.Messages {
		e.emitOutput(Output{Category: messageCategory(msg.Level), Text: FormatLogMessage(msg, opts.Timestamps)})
	}
}

// Close implements framework.Listener. It is the end of the run.
func (e *Engine) Close() {
	e.mu.Lock()
	e.stack.reset()
	e.state = StateStopped
	e.mu.Unlock()
	e.doneOnce.Do(func() { close(e.doneCh) })
}

func frameName(name string, typ framework.FrameType, attrs framework.Attributes) string {
	switch typ {
	case framework.FrameKeyword, framework.FrameSetup, framework.FrameTeardown:
		if attrs.KwName != "" {
			if attrs.LibName != "" {
				return attrs.LibName + "." + attrs.KwName
			}
			return attrs.KwName
		}
	}
	if name == "" {
		return string(typ)
	}
	return name
}

func (e *Engine) start(name string, typ framework.FrameType, attrs framework.Attributes) {
	if e.ignoreHook() {
		return
	}
	e.mu.Lock()
	f := &Frame{
		Name:   frameName(name, typ, attrs),
		Type:   typ,
		Attrs:  attrs,
		Source: e.paths.ToClient(attrs.Source),
		Line:   attrs.LineNo,
	}
	if err := e.stack.push(f); err != nil {
		e.mu.Unlock()
		e.fatal(err)
		return
	}
	e.failureSeen = false
	if e.state == StateStopped && !e.detached {
		e.state = StateRunning
	}
	group := e.output.Group && typ.IsKeywordLike()
	e.mu.Unlock()

	if group {
		e.emitOutput(groupStart(f))
	}
	e.checkStop(f)
}

func (e *Engine) end(typ framework.FrameType, attrs framework.Attributes) {
	if e.ignoreHook() {
		return
	}
	e.mu.Lock()
	f := e.stack.top()
	group := e.output.Group && typ.IsKeywordLike()
	e.mu.Unlock()

	if f != nil && f.Type == typ && attrs.Status == framework.StatusFail {
		e.checkFailure(f, attrs)
	}
	if group && f != nil {
		e.emitOutput(groupEnd(f, attrs.Status))
	}

	e.mu.Lock()
	_, err := e.stack.pop(typ, attrs)
	e.mu.Unlock()
	if err != nil {
		e.fatal(err)
	}
}

// checkStop decides whether to stop at a node that just started.
func (e *Engine) checkStop(f *Frame) {
	e.mu.Lock()
	if e.detached {
		e.mu.Unlock()
		return
	}
	var reason StopReason
	switch {
	case e.stopOnEntry && f.Type == framework.FrameSuite:
		e.stopOnEntry = false
		reason = StopEntry
	case e.requested == reqPause:
		reason = StopPause
	case e.stepper.ShouldPause(e.stack.depth()):
		reason = StopStep
	}
	e.mu.Unlock()
	if reason != "" {
		e.pauseAt(reason, "", "", nil)
		return
	}

	if p := f.Parent(); p != nil && p.Type.IsControlFlow() && p.Line == f.Line && p.Source == f.Source {
		// A branch on the same line as its statement.
		return
	}
	var hit []int
	for _, bp := range e.breakpoints.Match(f.Source, f.Line) {
		if bp.Condition != "" && !e.conditionHolds(f, bp.Condition) {
			continue
		}
		if target, ok := bp.hitTarget(); ok {
			if e.breakpoints.Hit(f.Source, f.Line, f.Type) != target {
				continue
			}
		}
		if bp.IsLogPoint() {
			e.logPoint(f, bp)
			continue
		}
		hit = append(hit, bp.ID)
	}
	if len(hit) > 0 {
		e.pauseAt(StopBreakpoint, "", "", hit)
	}
}

// callFramework calls the framework from the framework goroutine.
// Listener calls made meanwhile are ignored.
func (e *Engine) callFramework(fn func(ctx context.Context, fw framework.Context) error) error {
	e.mu.Lock()
	fw := e.fw
	if fw == nil {
		e.mu.Unlock()
		return ErrNoFramework
	}
	e.evaluating++
	timeout := e.evalTimeout
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.evaluating--
		e.mu.Unlock()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return fn(ctx, fw)
}

func localScope(f *Frame) framework.Scope {
	return framework.Scope{Kind: framework.ScopeLocal, FrameID: f.Attrs.ID}
}

// conditionHolds evaluates a breakpoint or filter condition. Failing
// conditions do not hold.
func (e *Engine) conditionHolds(f *Frame, cond string) bool {
	var v framework.Value
	err := e.callFramework(func(ctx context.Context, fw framework.Context) error {
		var err error
		v, err = fw.Evaluate(ctx, cond, localScope(f))
		return err
	})
	if err != nil {
		e.log.V(1).Info("condition failed", "condition", cond, "error", err.Error())
		return false
	}
	return v.Truthy()
}

func (e *Engine) replaceVariables(f *Frame) func(string) string {
	return func(text string) string {
		out := text
		err := e.callFramework(func(ctx context.Context, fw framework.Context) error {
			var err error
			out, err = fw.ReplaceVariables(ctx, text, localScope(f))
			return err
		})
		if err != nil {
			return text
		}
		return out
	}
}

func (e *Engine) logPoint(f *Frame, bp *Breakpoint) {
	text := e.replaceVariables(f)(bp.LogMessage)
	e.emitOutput(Output{Category: CategoryConsole, Text: text + "\n", Source: f.Source, Line: f.Line})
}

// checkFailure processes a failing node before it is popped. A keyword
// failure is considered once as it propagates through enclosing keywords.
func (e *Engine) checkFailure(f *Frame, attrs framework.Attributes) {
	var candidates []string
	uncaught := false
	switch {
	case f.Type.IsKeywordLike():
		e.mu.Lock()
		seen := e.failureSeen
		e.failureSeen = true
		e.mu.Unlock()
		if seen {
			return
		}
		candidates = append(candidates, FilterFailedKeyword)
		if !e.matcher.caught(f, attrs.Message, e.replaceVariables(f)) {
			uncaught = true
			candidates = append(candidates, FilterUncaughtFailedKeyword)
		}
	case f.Type == framework.FrameTest:
		candidates = []string{FilterFailedTest}
	case f.Type == framework.FrameSuite:
		candidates = []string{FilterFailedSuite}
	default:
		return
	}

	e.mu.Lock()
	detached := e.detached
	filters := append([]ExceptionFilter(nil), e.filters...)
	e.mu.Unlock()
	if detached {
		return
	}
	var match *ExceptionFilter
	for i := range filters {
		flt := &filters[i]
		if !contains(candidates, flt.ID) {
			continue
		}
		if flt.Condition != "" && !e.conditionHolds(f, flt.Condition) {
			continue
		}
		match = flt
		break
	}
	if match == nil {
		return
	}
	desc := failureDescription(match.ID, f)
	e.mu.Lock()
	e.exception = &ExceptionInfo{
		FilterID:    match.ID,
		Text:        attrs.Message,
		Description: desc,
		Status:      attrs.Status,
		Uncaught:    uncaught,
	}
	e.mu.Unlock()
	e.pauseAt(StopException, desc, attrs.Message, nil)
}

func failureDescription(filterID string, f *Frame) string {
	switch filterID {
	case FilterFailedTest:
		return "Test failed: " + f.Name
	case FilterFailedSuite:
		return "Suite failed: " + f.Name
	case FilterUncaughtFailedKeyword:
		return "Uncaught failure in keyword: " + f.Name
	}
	return "Keyword failed: " + f.Name
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// pauseAt stops the framework goroutine until the client resumes it.
func (e *Engine) pauseAt(reason StopReason, desc, text string, hit []int) {
	e.mu.Lock()
	if e.detached {
		e.mu.Unlock()
		return
	}
	e.state = StatePaused
	e.requested = reqNone
	e.stepper.Reset()
	e.mu.Unlock()
	// Drop a stale wake-up from before the stop.
	select {
	case <-e.wake:
	default:
	}
	e.log.V(1).Info("stopped", "reason", string(reason))
	e.emit(Event{Type: EventStopped, Reason: reason, Description: desc, Text: text, HitBreakpointIDs: hit})

	for {
		select {
		case <-e.wake:
		case req := <-e.evalCh:
			e.serveEval(req)
		}
		e.mu.Lock()
		if e.state == StateStopped {
			e.resumeLocked()
			e.mu.Unlock()
			e.matcher.purge()
			e.emit(Event{Type: EventContinued})
			return
		}
		if e.state != StatePaused || e.requested == reqNone || e.requested == reqPause {
			e.mu.Unlock()
			continue
		}
		top := e.stack.top()
		topType := framework.FrameKeyword
		if top != nil {
			topType = top.Type
		}
		switch e.requested {
		case reqNext:
			e.stepper.Set(StepOver, e.stack.depth(), topType)
		case reqStepIn:
			e.stepper.Set(StepInto, e.stack.depth(), topType)
		case reqStepOut:
			e.stepper.Set(StepOut, e.stack.depth(), topType)
		default:
			e.stepper.Reset()
		}
		e.requested = reqNone
		e.state = StateRunning
		e.resumeLocked()
		e.mu.Unlock()
		e.matcher.purge()
		e.emit(Event{Type: EventContinued})
		return
	}
}

// resumeLocked drops everything that is only valid while paused.
func (e *Engine) resumeLocked() {
	e.exception = nil
	for id := range e.handles {
		e.ids.Release(id)
	}
	clear(e.handles)
	clear(e.scopes)
}

func (e *Engine) serveEval(req *evalRequest) {
	e.mu.Lock()
	fw := e.fw
	timeout := e.evalTimeout
	e.evaluating++
	e.mu.Unlock()
	var res evalResult
	if fw == nil {
		res.err = ErrNoFramework
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		res.val, res.err = req.fn(ctx, fw)
		cancel()
	}
	e.mu.Lock()
	e.evaluating--
	e.mu.Unlock()
	req.result <- res
	<-req.after
}

// runOnFramework runs fn on the paused framework goroutine and waits for
// its result. Only one evaluation runs at a time.
func (e *Engine) runOnFramework(ctx context.Context, fn func(ctx context.Context, fw framework.Context) (any, error)) (any, error) {
	e.evalMu.Lock()
	defer e.evalMu.Unlock()

	e.mu.Lock()
	if e.state != StatePaused {
		e.mu.Unlock()
		return nil, ErrNotPaused
	}
	e.state = StateCallKeyword
	timeout := e.evalTimeout
	e.mu.Unlock()

	req := &evalRequest{fn: fn, result: make(chan evalResult, 1), after: make(chan struct{})}
	restore := func(abandoned bool) {
		if abandoned {
			// Take the request back if the framework never picked it up.
			select {
			case <-e.evalCh:
			default:
			}
		}
		e.mu.Lock()
		if e.state == StateCallKeyword {
			e.state = StatePaused
		}
		e.mu.Unlock()
		close(req.after)
		e.signal()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case e.evalCh <- req:
	case <-timer.C:
		restore(true)
		return nil, ErrEvaluateTimeout
	case <-ctx.Done():
		restore(true)
		return nil, ctx.Err()
	}
	e.signal()
	select {
	case r := <-req.result:
		restore(false)
		return r.val, r.err
	case <-timer.C:
		restore(true)
		return nil, ErrEvaluateTimeout
	case <-ctx.Done():
		restore(true)
		return nil, ctx.Err()
	}
}

// flushLogs emits the log messages held back during evaluation.
func (e *Engine) flushLogs() {
	e.mu.Lock()
	msgs := e.logBuffer
	e.logBuffer = nil
	ts := e.output.Timestamps
	e.mu.Unlock()
	for _, msg := range msgs {
		e.emitOutput(Output{Category: CategoryConsole, Text: FormatLogMessage(msg, ts)})
	}
}
