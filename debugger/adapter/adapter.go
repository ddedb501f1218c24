// Copyright © 2024 The robotdev authors

// Package adapter exposes a debugger.Engine as a DAP debug adapter.
package adapter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/luthersystems/robotdev/dapserver"
	"github.com/luthersystems/robotdev/debugger"
	"github.com/luthersystems/robotdev/framework"
)

// Error ids of adapter failures.
const (
	ErrIDNotStopped = 2000 + iota
	ErrIDEvaluate
	ErrIDLaunch
	ErrIDUnknownFrame
	ErrIDUnsupported
)

var errNotStopped = &dapserver.Error{ID: ErrIDNotStopped, Format: "Debuggee is not stopped.", Short: "notStopped"}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter's logger.
func WithLogger(log logr.Logger) Option {
	return func(a *Adapter) { a.log = log }
}

// WithRunner sets how launch requests start the framework.
func WithRunner(r Runner) Option {
	return func(a *Adapter) { a.runner = r }
}

// WithLaunchHook lets the host adjust launch arguments, e.g. to apply
// configuration profiles, before the run starts.
func WithLaunchHook(fn func(*LaunchArguments) error) Option {
	return func(a *Adapter) { a.launchHook = fn }
}

// WithListeners adds listeners that receive the run's callbacks after the
// debugger, e.g. tracing listeners.
func WithListeners(ls ...framework.Listener) Option {
	return func(a *Adapter) { a.listeners = append(a.listeners, ls...) }
}

// Adapter handles the DAP requests of one debug session.
type Adapter struct {
	log        logr.Logger
	srv        *dapserver.Server
	engine     *debugger.Engine
	runner     Runner
	launchHook func(*LaunchArguments) error
	listeners  []framework.Listener

	mu         sync.Mutex
	launch     *LaunchArguments
	configured bool
	started    bool
	run        Run
	runDone    chan struct{}
	exitCode   int
}

// New registers the adapter's handlers on srv. Engine events are sent to
// the client from then on.
func New(srv *dapserver.Server, engine *debugger.Engine, opts ...Option) *Adapter {
	a := &Adapter{
		log:     logr.Discard(),
		srv:     srv,
		engine:  engine,
		runDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	engine.SetEventCallback(a.onEngineEvent)

	dapserver.On(srv, "initialize", a.onInitialize)
	dapserver.On(srv, "launch", a.onLaunch)
	dapserver.On(srv, "attach", a.onAttach)
	dapserver.On(srv, "setBreakpoints", a.onSetBreakpoints)
	dapserver.On(srv, "setExceptionBreakpoints", a.onSetExceptionBreakpoints)
	dapserver.On(srv, "configurationDone", a.onConfigurationDone)
	dapserver.On(srv, "threads", a.onThreads)
	dapserver.On(srv, "stackTrace", a.onStackTrace)
	dapserver.On(srv, "scopes", a.onScopes)
	dapserver.On(srv, "variables", a.onVariables, dapserver.Cancelable())
	dapserver.On(srv, "setVariable", a.onSetVariable, dapserver.Cancelable())
	dapserver.On(srv, "evaluate", a.onEvaluate, dapserver.Cancelable())
	dapserver.On(srv, "completions", a.onCompletions, dapserver.Cancelable())
	dapserver.On(srv, "exceptionInfo", a.onExceptionInfo)
	dapserver.On(srv, "continue", a.onContinue)
	dapserver.On(srv, "next", a.onNext)
	dapserver.On(srv, "stepIn", a.onStepIn)
	dapserver.On(srv, "stepOut", a.onStepOut)
	dapserver.On(srv, "pause", a.onPause)
	dapserver.On(srv, "terminate", a.onTerminate)
	dapserver.On(srv, "disconnect", a.onDisconnect)
	return a
}

// RunDone is closed when the framework run has ended.
func (a *Adapter) RunDone() <-chan struct{} {
	return a.runDone
}

// Started reports whether the framework run has been started. RunDone is
// closed eventually once it has.
func (a *Adapter) Started() bool {
	return a.currentRun() != nil
}

// ExitCode returns the exit code of the framework run. It is only valid
// after RunDone is closed.
func (a *Adapter) ExitCode() int {
	return a.exitCode
}

func (a *Adapter) onEngineEvent(ev debugger.Event) {
	if msg := translateEvent(ev); msg != nil {
		a.srv.SendEvent(msg)
	}
}

func (a *Adapter) onInitialize(_ context.Context, req *dap.InitializeRequest) (dap.ResponseMessage, error) {
	a.log.V(1).Info("initialize", "client", req.Arguments.ClientID, "adapter", req.Arguments.AdapterID)
	resp := &dap.InitializeResponse{Response: dapserver.NewResponse(req), Body: Capabilities()}
	a.srv.Send(resp)
	a.srv.SendEvent(&dap.InitializedEvent{Event: dapserver.NewEvent("initialized")})
	return nil, dapserver.ErrResponded
}

func (a *Adapter) onLaunch(_ context.Context, req *dap.LaunchRequest) (dap.ResponseMessage, error) {
	args, err := ParseLaunchArguments(req.Arguments)
	if err != nil {
		return nil, dapserver.Errorf(ErrIDLaunch, "%v", err)
	}
	if a.launchHook != nil {
		if err := a.launchHook(args); err != nil {
			return nil, dapserver.Errorf(ErrIDLaunch, "%v", err)
		}
	}
	if a.runner == nil {
		return nil, dapserver.Errorf(ErrIDLaunch, "this adapter cannot launch runs")
	}
	a.engine.SetStopOnEntry(args.StopOnEntry)
	a.engine.SetPathMappings(args.PathMappings)
	a.engine.SetOutputOptions(args.OutputOptions())
	a.mu.Lock()
	a.launch = args
	a.mu.Unlock()
	a.srv.Send(&dap.LaunchResponse{Response: dapserver.NewResponse(req)})
	a.startOrReport()
	return nil, dapserver.ErrResponded
}

func (a *Adapter) onAttach(context.Context, *dap.AttachRequest) (dap.ResponseMessage, error) {
	return nil, &dapserver.Error{ID: ErrIDUnsupported, Format: "attach is not supported, use launch", ShowUser: true}
}

func (a *Adapter) onConfigurationDone(_ context.Context, req *dap.ConfigurationDoneRequest) (dap.ResponseMessage, error) {
	a.mu.Lock()
	a.configured = true
	a.mu.Unlock()
	a.engine.SignalReady()
	// Runs start after the response so their first events follow it.
	a.srv.Send(&dap.ConfigurationDoneResponse{Response: dapserver.NewResponse(req)})
	a.startOrReport()
	return nil, dapserver.ErrResponded
}

// startOrReport starts the run if it is ready to start and reports a
// failure to the client as output followed by termination.
func (a *Adapter) startOrReport() {
	if err := a.maybeStart(); err != nil {
		a.log.Error(err, "cannot start run")
		a.srv.SendEvent(outputEvent(&debugger.Output{Category: debugger.CategoryStderr, Text: err.Error() + "\n"}))
		a.srv.SendEvent(&dap.TerminatedEvent{Event: dapserver.NewEvent("terminated")})
	}
}

// maybeStart starts the run once it is launched and configured.
func (a *Adapter) maybeStart() error {
	a.mu.Lock()
	if a.started || a.launch == nil || !a.configured {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	args := a.launch
	a.mu.Unlock()

	if args.NoDebug {
		a.engine.Detach()
	}
	if args.EvaluateTimeout > 0 {
		a.engine.SetEvaluateTimeout(time.Duration(args.EvaluateTimeout * float64(time.Second)))
	}
	var l framework.Listener = a.engine
	if len(a.listeners) > 0 {
		l = append(framework.Listeners{a.engine}, a.listeners...)
	}
	run, err := a.runner.Start(context.Background(), args, l)
	if err != nil {
		return err
	}
	a.engine.SetFramework(run.Framework())
	a.mu.Lock()
	a.run = run
	a.mu.Unlock()
	go func() {
		defer close(a.runDone)
		code, err := run.Wait()
		if err != nil {
			a.log.Error(err, "run failed")
		}
		a.log.V(1).Info("run ended", "exitCode", code)
		a.exitCode = code
		a.engine.NotifyExit(code)
	}()
	return nil
}

func (a *Adapter) onSetBreakpoints(_ context.Context, req *dap.SetBreakpointsRequest) (dap.ResponseMessage, error) {
	path := req.Arguments.Source.Path
	if path == "" {
		path = req.Arguments.Source.Name
	}
	sbs := make([]debugger.SourceBreakpoint, 0, len(req.Arguments.Breakpoints))
	for _, bp := range req.Arguments.Breakpoints {
		sbs = append(sbs, debugger.SourceBreakpoint{
			Line:         bp.Line,
			Condition:    bp.Condition,
			HitCondition: bp.HitCondition,
			LogMessage:   bp.LogMessage,
		})
	}
	bps := a.engine.SetBreakpoints(path, sbs)
	resp := &dap.SetBreakpointsResponse{Response: dapserver.NewResponse(req)}
	resp.Body.Breakpoints = translateBreakpoints(bps)
	return resp, nil
}

func (a *Adapter) onSetExceptionBreakpoints(_ context.Context, req *dap.SetExceptionBreakpointsRequest) (dap.ResponseMessage, error) {
	filters := make([]debugger.ExceptionFilter, 0, len(req.Arguments.Filters)+len(req.Arguments.FilterOptions))
	for _, id := range req.Arguments.Filters {
		filters = append(filters, debugger.ExceptionFilter{ID: id})
	}
	for _, o := range req.Arguments.FilterOptions {
		filters = append(filters, debugger.ExceptionFilter{ID: o.FilterId, Condition: o.Condition})
	}
	a.engine.SetExceptionFilters(filters)
	resp := &dap.SetExceptionBreakpointsResponse{Response: dapserver.NewResponse(req)}
	resp.Body.Breakpoints = make([]dap.Breakpoint, len(filters))
	for i := range filters {
		resp.Body.Breakpoints[i] = dap.Breakpoint{Verified: true}
	}
	return resp, nil
}

func (a *Adapter) onThreads(_ context.Context, req *dap.ThreadsRequest) (dap.ResponseMessage, error) {
	resp := &dap.ThreadsResponse{Response: dapserver.NewResponse(req)}
	resp.Body.Threads = []dap.Thread{{Id: debugger.ThreadID, Name: "RobotMain"}}
	return resp, nil
}

func (a *Adapter) onStackTrace(_ context.Context, req *dap.StackTraceRequest) (dap.ResponseMessage, error) {
	frames, err := a.engine.StackTrace()
	if err != nil {
		return nil, engineError(err)
	}
	all := translateStackFrames(frames)
	resp := &dap.StackTraceResponse{Response: dapserver.NewResponse(req)}
	resp.Body.StackFrames = page(all, req.Arguments.StartFrame, req.Arguments.Levels)
	resp.Body.TotalFrames = len(all)
	return resp, nil
}

func (a *Adapter) onScopes(_ context.Context, req *dap.ScopesRequest) (dap.ResponseMessage, error) {
	scopes, err := a.engine.Scopes(req.Arguments.FrameId)
	if err != nil {
		return nil, engineError(err)
	}
	resp := &dap.ScopesResponse{Response: dapserver.NewResponse(req)}
	resp.Body.Scopes = translateScopes(scopes)
	return resp, nil
}

func (a *Adapter) onVariables(ctx context.Context, req *dap.VariablesRequest) (dap.ResponseMessage, error) {
	args := req.Arguments
	vars, err := a.engine.Variables(ctx, args.VariablesReference, args.Filter, args.Start, args.Count)
	if err != nil {
		return nil, engineError(err)
	}
	resp := &dap.VariablesResponse{Response: dapserver.NewResponse(req)}
	resp.Body.Variables = translateVariables(vars)
	return resp, nil
}

func (a *Adapter) onSetVariable(ctx context.Context, req *dap.SetVariableRequest) (dap.ResponseMessage, error) {
	args := req.Arguments
	v, err := a.engine.SetVariable(ctx, args.VariablesReference, args.Name, args.Value)
	if err != nil {
		return nil, engineError(err)
	}
	resp := &dap.SetVariableResponse{Response: dapserver.NewResponse(req)}
	resp.Body.Value = v.Value
	resp.Body.Type = v.Type
	resp.Body.VariablesReference = v.VariablesReference
	resp.Body.NamedVariables = v.NamedVariables
	resp.Body.IndexedVariables = v.IndexedVariables
	return resp, nil
}

func (a *Adapter) onEvaluate(ctx context.Context, req *dap.EvaluateRequest) (dap.ResponseMessage, error) {
	args := req.Arguments
	res, err := a.engine.Evaluate(ctx, args.FrameId, args.Expression, args.Context)
	if err != nil {
		return nil, engineError(err)
	}
	resp := &dap.EvaluateResponse{Response: dapserver.NewResponse(req)}
	resp.Body.Result = res.Result
	resp.Body.Type = res.Type
	resp.Body.VariablesReference = res.VariablesReference
	resp.Body.NamedVariables = res.NamedVariables
	resp.Body.IndexedVariables = res.IndexedVariables
	return resp, nil
}

func (a *Adapter) onCompletions(ctx context.Context, req *dap.CompletionsRequest) (dap.ResponseMessage, error) {
	args := req.Arguments
	cands, err := a.engine.Completions(ctx, args.FrameId, args.Text, args.Column)
	if err != nil {
		return nil, engineError(err)
	}
	resp := &dap.CompletionsResponse{Response: dapserver.NewResponse(req)}
	resp.Body.Targets = translateCompletions(cands)
	return resp, nil
}

func (a *Adapter) onExceptionInfo(_ context.Context, req *dap.ExceptionInfoRequest) (dap.ResponseMessage, error) {
	info, ok := a.engine.Exception()
	if !ok {
		return nil, errNotStopped
	}
	resp := &dap.ExceptionInfoResponse{Response: dapserver.NewResponse(req)}
	resp.Body.ExceptionId = info.FilterID
	resp.Body.Description = info.Description
	resp.Body.BreakMode = "always"
	if info.Uncaught {
		resp.Body.BreakMode = "unhandled"
	}
	resp.Body.Details = &dap.ExceptionDetails{
		Message:  info.Text,
		TypeName: string(info.Status),
	}
	return resp, nil
}

func (a *Adapter) onContinue(_ context.Context, req *dap.ContinueRequest) (dap.ResponseMessage, error) {
	if err := a.engine.Continue(); err != nil {
		return nil, engineError(err)
	}
	resp := &dap.ContinueResponse{Response: dapserver.NewResponse(req)}
	resp.Body.AllThreadsContinued = true
	return resp, nil
}

func (a *Adapter) onNext(_ context.Context, req *dap.NextRequest) (dap.ResponseMessage, error) {
	if err := a.engine.Next(); err != nil {
		return nil, engineError(err)
	}
	return &dap.NextResponse{Response: dapserver.NewResponse(req)}, nil
}

func (a *Adapter) onStepIn(_ context.Context, req *dap.StepInRequest) (dap.ResponseMessage, error) {
	if err := a.engine.StepIn(); err != nil {
		return nil, engineError(err)
	}
	return &dap.StepInResponse{Response: dapserver.NewResponse(req)}, nil
}

func (a *Adapter) onStepOut(_ context.Context, req *dap.StepOutRequest) (dap.ResponseMessage, error) {
	if err := a.engine.StepOut(); err != nil {
		return nil, engineError(err)
	}
	return &dap.StepOutResponse{Response: dapserver.NewResponse(req)}, nil
}

func (a *Adapter) onPause(_ context.Context, req *dap.PauseRequest) (dap.ResponseMessage, error) {
	a.engine.Pause()
	return &dap.PauseResponse{Response: dapserver.NewResponse(req)}, nil
}

func (a *Adapter) currentRun() Run {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.run
}

func (a *Adapter) onTerminate(_ context.Context, req *dap.TerminateRequest) (dap.ResponseMessage, error) {
	a.engine.Detach()
	if run := a.currentRun(); run != nil {
		if err := run.Terminate(); err != nil {
			a.log.Error(err, "terminate failed")
		}
	} else {
		a.srv.SendEvent(&dap.TerminatedEvent{Event: dapserver.NewEvent("terminated")})
	}
	return &dap.TerminateResponse{Response: dapserver.NewResponse(req)}, nil
}

func (a *Adapter) onDisconnect(_ context.Context, req *dap.DisconnectRequest) (dap.ResponseMessage, error) {
	a.engine.Detach()
	if run := a.currentRun(); run != nil && req.Arguments != nil && req.Arguments.TerminateDebuggee {
		if err := run.Terminate(); err != nil {
			a.log.Error(err, "terminate failed")
		}
	}
	a.srv.Send(&dap.DisconnectResponse{Response: dapserver.NewResponse(req)})
	a.srv.Stop()
	return nil, dapserver.ErrResponded
}

// engineError maps engine errors to DAP errors.
func engineError(err error) error {
	switch {
	case errors.Is(err, debugger.ErrNotPaused):
		return errNotStopped
	case errors.Is(err, debugger.ErrUnknownFrame):
		return &dapserver.Error{ID: ErrIDUnknownFrame, Format: err.Error()}
	case errors.Is(err, context.Canceled):
		return dapserver.ErrCancelled
	case errors.Is(err, dapserver.ErrCancelled):
		return err
	}
	return &dapserver.Error{ID: ErrIDEvaluate, Format: err.Error()}
}
