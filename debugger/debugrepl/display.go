// Copyright © 2024 The robotdev authors

package debugrepl

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/luthersystems/robotdev/debugger"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"
)

const sourceContextLines = 5

// showSourceContext prints a window of source lines around the given line,
// with a --> marker on the current line.
func showSourceContext(w io.Writer, file string, line int) {
	f, err := os.Open(file) //#nosec G304
	if err != nil {
		fmt.Fprintf(w, "  at %s:%d (source not available)\n", file, line) //nolint:errcheck
		return
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	lineNum := 0
	start := max(line-sourceContextLines, 1)
	end := line + sourceContextLines

	for scanner.Scan() {
		lineNum++
		if lineNum < start {
			continue
		}
		if lineNum > end {
			break
		}
		marker := "   "
		if lineNum == line {
			marker = "-->"
		}
		fmt.Fprintf(w, "%s %4d  %s\n", marker, lineNum, scanner.Text()) //nolint:errcheck
	}
}

// showBacktrace prints the stack, innermost frame first.
func showBacktrace(w io.Writer, frames []debugger.StackFrame) {
	if len(frames) == 0 {
		fmt.Fprintln(w, "  (empty stack)") //nolint:errcheck
		return
	}
	for i, f := range frames {
		loc := "unknown"
		if f.Source != "" {
			loc = fmt.Sprintf("%s:%d", f.Source, f.Line)
		}
		fmt.Fprintf(w, "  #%d  %s [%s]  at %s\n", i, f.Name, strings.ToLower(string(f.Type)), loc) //nolint:errcheck
	}
}

// showVariables prints variables in a tabular format.
func showVariables(w io.Writer, vars []debugger.VariableInfo) {
	if len(vars) == 0 {
		fmt.Fprintln(w, "  (no locals)") //nolint:errcheck
		return
	}
	for _, v := range vars {
		if v.PresentationHint == "virtual" {
			continue
		}
		fmt.Fprintf(w, "  %-20s = %s\n", v.Name, v.Value) //nolint:errcheck
	}
}

// showValue prints an evaluation result. Multi-line values are indented
// under the first line.
func showValue(w io.Writer, res debugger.EvalResult) {
	text := res.Result
	if res.Type != "" {
		text = fmt.Sprintf("%s (%s)", text, res.Type)
	}
	first, rest, multi := strings.Cut(text, "\n")
	fmt.Fprintln(w, first) //nolint:errcheck
	if multi {
		fmt.Fprintln(w, indent.String(rest, 4)) //nolint:errcheck
	}
}

// showBreakpoints prints all breakpoints in a tabular format.
func showBreakpoints(w io.Writer, store *debugger.BreakpointStore) {
	bps := store.All()
	if len(bps) == 0 {
		fmt.Fprintln(w, "  (no breakpoints)") //nolint:errcheck
		return
	}
	for _, bp := range bps {
		line := fmt.Sprintf("  #%d  %s:%d", bp.ID, bp.Source, bp.Line)
		if bp.Condition != "" {
			line += fmt.Sprintf("  if %s", bp.Condition)
		}
		if bp.HitCondition != "" {
			line += fmt.Sprintf("  hit %s", bp.HitCondition)
		}
		if bp.IsLogPoint() {
			line += fmt.Sprintf("  log %q", bp.LogMessage)
		}
		fmt.Fprintln(w, line) //nolint:errcheck
	}
}

const helpText = `Debug commands:
  continue (c)               Resume execution
  step (s)                   Step into the current keyword
  next (n)                   Step over the current keyword
  out (o)                    Run until the current keyword returns
  break (b) F:L [if C]       Set breakpoint at file:line [with condition]
  delete (d) N               Remove breakpoint by ID
  breakpoints (bl)           List all breakpoints
  backtrace (bt)             Show the execution stack
  locals (l)                 Show variables of the current frame
  print (p) EXPR             Evaluate and print an expression
  where (w)                  Show source context
  quit (q)                   End debug session
  help (h)                   Show this help`

const helpFooter = "Other input runs as keyword calls in the paused frame, separated by two or more spaces. " +
	"Enter #exprmode to evaluate expressions instead. Empty input repeats the last command."

func showHelp(w io.Writer, width int) {
	fmt.Fprintln(w, helpText)                           //nolint:errcheck
	fmt.Fprintln(w)                                     //nolint:errcheck
	fmt.Fprintln(w, wordwrap.String(helpFooter, width)) //nolint:errcheck
}
