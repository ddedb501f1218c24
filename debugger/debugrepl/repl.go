// Copyright © 2024 The robotdev authors

// Package debugrepl provides an interactive terminal debugger for a
// framework run, built on the debugger engine.
package debugrepl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ergochat/readline"
	"github.com/go-logr/logr"
	"github.com/luthersystems/robotdev/debugger"
	"github.com/luthersystems/robotdev/debugger/adapter"
	"github.com/luthersystems/robotdev/framework"
)

// Option configures the debug REPL.
type Option func(*debugHandler)

// WithStdin sets the reader for REPL input. This is primarily useful for
// testing, where a pipe replaces the terminal.
func WithStdin(r io.ReadCloser) Option {
	return func(h *debugHandler) {
		h.stdin = r
	}
}

// WithStderr sets the writer for debug output (prompts, status, etc.).
func WithStderr(w io.Writer) Option {
	return func(h *debugHandler) {
		h.stderr = w
	}
}

// WithHistoryFile sets where command history is kept. An empty path
// disables history.
func WithHistoryFile(path string) Option {
	return func(h *debugHandler) {
		h.history = path
	}
}

// WithLogger sets the logger.
func WithLogger(log logr.Logger) Option {
	return func(h *debugHandler) {
		h.log = log
	}
}

// WithListeners adds listeners that receive the run's callbacks after the
// debugger.
func WithListeners(ls ...framework.Listener) Option {
	return func(h *debugHandler) {
		h.listeners = append(h.listeners, ls...)
	}
}

// Run starts the run described by args with runner and debugs it
// interactively. The run starts paused on its first keyword. Run returns
// the run's exit code once it has ended or the user quit.
func Run(ctx context.Context, engine *debugger.Engine, runner adapter.Runner, args *adapter.LaunchArguments, opts ...Option) (int, error) {
	h := &debugHandler{
		engine:   engine,
		pausedCh: make(chan debugger.Event, 1),
		exitCh:   make(chan struct{}),
		stderr:   os.Stderr,
		history:  historyPath(),
		log:      logr.Discard(),
		width:    80,
	}
	for _, opt := range opts {
		opt(h)
	}

	engine.SetStopOnEntry(true)
	engine.SetPathMappings(args.PathMappings)
	engine.SetOutputOptions(args.OutputOptions())
	if args.EvaluateTimeout > 0 {
		engine.SetEvaluateTimeout(time.Duration(args.EvaluateTimeout * float64(time.Second)))
	}
	engine.SetEventCallback(h.onEvent)
	engine.SignalReady()

	var l framework.Listener = engine
	if len(h.listeners) > 0 {
		l = append(framework.Listeners{engine}, h.listeners...)
	}
	run, err := runner.Start(ctx, args, l)
	if err != nil {
		return 0, err
	}
	engine.SetFramework(run.Framework())
	h.run = run

	type result struct {
		code int
		err  error
	}
	runDone := make(chan result, 1)
	go func() {
		code, err := run.Wait()
		engine.NotifyExit(code)
		runDone <- result{code, err}
	}()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	h.interrupts = interrupts

	if h.waitForStop() {
		h.loop()
	}

	res := <-runDone
	return res.code, res.err
}

// debugHandler holds state for the debug REPL session.
type debugHandler struct {
	engine     *debugger.Engine
	run        adapter.Run
	log        logr.Logger
	stdin      io.ReadCloser
	stderr     io.Writer
	history    string
	listeners  []framework.Listener
	width      int
	pausedCh   chan debugger.Event
	exitCh     chan struct{} // closed when the run has terminated
	exitOnce   sync.Once
	interrupts <-chan os.Signal

	mu      sync.Mutex
	lastCmd string
	quit    bool
}

// onEvent is the debugger event callback. It runs on the framework
// goroutine.
func (h *debugHandler) onEvent(evt debugger.Event) {
	switch evt.Type {
	case debugger.EventStopped:
		h.pausedCh <- evt
	case debugger.EventTerminated:
		h.exitOnce.Do(func() { close(h.exitCh) })
	case debugger.EventExited:
		fmt.Fprintf(h.stderr, "run exited with code %d\n", evt.ExitCode) //nolint:errcheck
	case debugger.EventOutput:
		if evt.Output != nil && evt.Output.Text != "" {
			fmt.Fprint(h.stderr, evt.Output.Text) //nolint:errcheck
		}
	}
}

func (h *debugHandler) loop() {
	cfg := &readline.Config{
		Stdout:            h.stderr,
		Stderr:            h.stderr,
		Prompt:            "(dbg) ",
		HistoryFile:       h.history,
		HistorySearchFold: true,
		AutoComplete:      &debugCompleter{engine: h.engine},
	}
	if h.stdin != nil {
		cfg.Stdin = h.stdin
	}
	rl, err := readline.NewEx(cfg)
	if err != nil {
		h.log.Error(err, "cannot start readline")
		h.doQuit()
		return
	}
	defer rl.Close() //nolint:errcheck

	for {
		line, err := rl.ReadSlice()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			h.doQuit()
			return
		}
		if !h.handleLine(string(line)) {
			return
		}
	}
}

// handleLine runs one input line. It returns false when the session is
// over.
func (h *debugHandler) handleLine(line string) bool {
	line = strings.TrimSpace(line)

	// Empty input repeats the last command.
	if line == "" {
		h.mu.Lock()
		line = h.lastCmd
		h.mu.Unlock()
		if line == "" {
			return true
		}
	}

	parts := strings.Fields(line)
	cmd, args := parts[0], parts[1:]
	if _, ok := commandAliases[cmd]; ok {
		h.mu.Lock()
		h.lastCmd = line
		h.mu.Unlock()
	}

	switch commandAliases[cmd] {
	case "continue":
		return h.resume(h.engine.Continue)
	case "step":
		return h.resume(h.engine.StepIn)
	case "next":
		return h.resume(h.engine.Next)
	case "out":
		return h.resume(h.engine.StepOut)
	case "break":
		h.doBreak(args)
	case "delete":
		h.doDelete(args)
	case "breakpoints":
		showBreakpoints(h.stderr, h.engine.Breakpoints())
	case "backtrace":
		h.doBacktrace()
	case "locals":
		h.doLocals()
	case "print":
		h.doPrint(strings.TrimSpace(strings.TrimPrefix(line, cmd)), debugger.EvalWatch)
	case "where":
		h.doWhere()
	case "quit":
		h.doQuit()
		return false
	case "help":
		showHelp(h.stderr, h.width)
	default:
		// Anything else runs as keyword calls, or as an expression in
		// expression mode.
		h.doPrint(line, debugger.EvalRepl)
	}
	return true
}

var commandAliases = map[string]string{
	"continue": "continue", "c": "continue",
	"step": "step", "s": "step",
	"next": "next", "n": "next",
	"out": "out", "o": "out",
	"break": "break", "b": "break",
	"delete": "delete", "d": "delete",
	"breakpoints": "breakpoints", "bl": "breakpoints",
	"backtrace": "backtrace", "bt": "backtrace",
	"locals": "locals", "l": "locals",
	"print": "print", "p": "print",
	"where": "where", "w": "where",
	"quit": "quit", "q": "quit",
	"help": "help", "h": "help",
}

func (h *debugHandler) resume(step func() error) bool {
	if err := step(); err != nil {
		fmt.Fprintln(h.stderr, "not paused") //nolint:errcheck
		return true
	}
	return h.waitForStop()
}

// waitForStop blocks until the next pause or the end of the run, then
// shows where the run stopped. It returns false when the run is over.
func (h *debugHandler) waitForStop() bool {
	for {
		select {
		case evt := <-h.pausedCh:
			h.showStopBanner(evt)
			return true
		case <-h.exitCh:
			fmt.Fprintln(h.stderr, "program exited") //nolint:errcheck
			return false
		case <-h.interrupts:
			h.engine.Pause()
		}
	}
}

// showStopBanner prints the stop reason and source context.
func (h *debugHandler) showStopBanner(evt debugger.Event) {
	reason := string(evt.Reason)
	if len(evt.HitBreakpointIDs) > 0 {
		reason = fmt.Sprintf("breakpoint %d", evt.HitBreakpointIDs[0])
	}
	if evt.Text != "" {
		reason += ": " + evt.Text
	}
	fmt.Fprintf(h.stderr, "stopped: %s\n", reason) //nolint:errcheck
	frames, err := h.engine.StackTrace()
	if err == nil && len(frames) > 0 {
		fmt.Fprintf(h.stderr, "  in %s\n", frames[0].Name) //nolint:errcheck
		showSourceContext(h.stderr, frames[0].Source, frames[0].Line)
	}
}

const breakUsage = "usage: break <file:line> [if <condition>]"

func (h *debugHandler) doBreak(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(h.stderr, breakUsage) //nolint:errcheck
		return
	}
	i := strings.LastIndex(args[0], ":")
	if i <= 0 {
		fmt.Fprintln(h.stderr, breakUsage) //nolint:errcheck
		return
	}
	file, lineText := args[0][:i], args[0][i+1:]
	line, err := strconv.Atoi(lineText)
	if err != nil || line <= 0 {
		fmt.Fprintf(h.stderr, "invalid line number: %s\n", lineText) //nolint:errcheck
		return
	}
	cond := strings.Join(args[1:], " ")
	cond = strings.TrimSpace(strings.TrimPrefix(cond, "if "))
	if abs, err := filepath.Abs(file); err == nil {
		file = abs
	}

	existing := h.engine.Breakpoints().ForSource(file)
	sbs := make([]debugger.SourceBreakpoint, 0, len(existing)+1)
	for _, bp := range existing {
		sbs = append(sbs, bp.SourceBreakpoint)
	}
	sbs = append(sbs, debugger.SourceBreakpoint{Line: line, Condition: cond})
	bps := h.engine.SetBreakpoints(file, sbs)
	bp := bps[len(bps)-1]
	fmt.Fprintf(h.stderr, "breakpoint %d set at %s:%d\n", bp.ID, file, line) //nolint:errcheck
}

func (h *debugHandler) doDelete(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(h.stderr, "usage: delete <breakpoint-id>") //nolint:errcheck
		return
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(h.stderr, "invalid breakpoint id: %s\n", args[0]) //nolint:errcheck
		return
	}
	for _, bp := range h.engine.Breakpoints().All() {
		if bp.ID != id {
			continue
		}
		var keep []debugger.SourceBreakpoint
		for _, other := range h.engine.Breakpoints().ForSource(bp.Source) {
			if other.ID != id {
				keep = append(keep, other.SourceBreakpoint)
			}
		}
		h.engine.SetBreakpoints(bp.Source, keep)
		fmt.Fprintf(h.stderr, "breakpoint %d removed\n", id) //nolint:errcheck
		return
	}
	fmt.Fprintf(h.stderr, "no breakpoint with id %d\n", id) //nolint:errcheck
}

func (h *debugHandler) doBacktrace() {
	frames, err := h.engine.StackTrace()
	if err != nil {
		fmt.Fprintln(h.stderr, "not paused") //nolint:errcheck
		return
	}
	showBacktrace(h.stderr, frames)
}

func (h *debugHandler) doLocals() {
	frames, err := h.engine.StackTrace()
	if err != nil || len(frames) == 0 {
		fmt.Fprintln(h.stderr, "not paused") //nolint:errcheck
		return
	}
	scopes, err := h.engine.Scopes(frames[0].ID)
	if err != nil || len(scopes) == 0 {
		fmt.Fprintln(h.stderr, "  (no locals)") //nolint:errcheck
		return
	}
	vars, err := h.engine.Variables(context.Background(), scopes[0].VariablesReference, "", 0, 0)
	if err != nil {
		fmt.Fprintf(h.stderr, "error: %v\n", err) //nolint:errcheck
		return
	}
	showVariables(h.stderr, vars)
}

func (h *debugHandler) doPrint(expr, evalContext string) {
	if expr == "" {
		fmt.Fprintln(h.stderr, "usage: print <expression>") //nolint:errcheck
		return
	}
	if !h.engine.IsPaused() {
		fmt.Fprintln(h.stderr, "not paused") //nolint:errcheck
		return
	}
	res, err := h.engine.Evaluate(context.Background(), 0, expr, evalContext)
	if err != nil {
		fmt.Fprintf(h.stderr, "error: %v\n", err) //nolint:errcheck
		return
	}
	showValue(h.stderr, res)
}

func (h *debugHandler) doWhere() {
	frames, err := h.engine.StackTrace()
	if err != nil || len(frames) == 0 || frames[0].Source == "" {
		fmt.Fprintln(h.stderr, "no source location") //nolint:errcheck
		return
	}
	showSourceContext(h.stderr, frames[0].Source, frames[0].Line)
}

func (h *debugHandler) doQuit() {
	h.mu.Lock()
	if h.quit {
		h.mu.Unlock()
		return
	}
	h.quit = true
	h.mu.Unlock()
	fmt.Fprintln(h.stderr, "quitting debug session") //nolint:errcheck
	// Detaching resumes a paused run and disables further stops.
	h.engine.Detach()
	if h.run != nil {
		if err := h.run.Terminate(); err != nil {
			h.log.V(1).Info("cannot terminate run", "error", err.Error())
		}
	}
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".robotdev_history")
}
