// Copyright © 2024 The robotdev authors

package debugger

import (
	"fmt"
	"strings"

	"github.com/luthersystems/robotdev/framework"
)

// Output categories.
const (
	CategoryConsole = "console"
	CategoryStdout  = "stdout"
	CategoryStderr  = "stderr"
)

// Output is text for the client's debug console.
type Output struct {
	Category string
	Text     string
	// Group is "start" or "end" for keyword grouping, empty otherwise.
	Group  string
	Source string
	Line   int
}

// OutputOptions select what run output is forwarded to the client.
type OutputOptions struct {
	// Log forwards messages logged by keywords.
	Log bool
	// Messages forwards the framework's own messages.
	Messages bool
	// Timestamps prefixes forwarded log messages with their timestamp.
	Timestamps bool
	// Group wraps each keyword's output in a collapsible group.
	Group bool
}

// DefaultOutputOptions forwards keyword log messages only.
func DefaultOutputOptions() OutputOptions {
	return OutputOptions{Log: true}
}

const (
	sgrReset  = "\x1b[0m"
	sgrRed    = "\x1b[31m"
	sgrYellow = "\x1b[33m"
	sgrBlue   = "\x1b[34m"
	sgrCyan   = "\x1b[36m"
	sgrGray   = "\x1b[90m"
	sgrBold   = "\x1b[1m"
)

// levelColor returns the SGR sequence for a log level.
func levelColor(level string) string {
	switch strings.ToUpper(level) {
	case "FAIL", "ERROR":
		return sgrRed
	case "WARN":
		return sgrYellow
	case "INFO":
		return sgrBlue
	case "SKIP":
		return sgrCyan
	case "DEBUG", "TRACE":
		return sgrGray
	}
	return ""
}

// FormatLogMessage renders a log message with a coloured level tag.
func FormatLogMessage(msg framework.LogMessage, timestamps bool) string {
	var b strings.Builder
	if timestamps && msg.Timestamp != "" {
		b.WriteString(sgrGray + msg.Timestamp + sgrReset + " ")
	}
	level := strings.ToUpper(msg.Level)
	if level == "" {
		level = "INFO"
	}
	if c := levelColor(level); c != "" {
		fmt.Fprintf(&b, "[ %s%s%s ] ", c, level, sgrReset)
	} else {
		fmt.Fprintf(&b, "[ %s ] ", level)
	}
	b.WriteString(msg.Message)
	if !strings.HasSuffix(msg.Message, "\n") {
		b.WriteByte('\n')
	}
	return b.String()
}

// messageCategory routes framework messages: warnings and errors go to
// stderr.
func messageCategory(level string) string {
	switch strings.ToUpper(level) {
	case "WARN", "ERROR", "FAIL":
		return CategoryStderr
	}
	return CategoryStdout
}

func groupStart(f *Frame) Output {
	text := sgrBold + f.Name + sgrReset
	if len(f.Attrs.Args) > 0 {
		text += "  " + strings.Join(f.Attrs.Args, "  ")
	}
	return Output{Category: CategoryConsole, Text: text + "\n", Group: "start", Source: f.Source, Line: f.Line}
}

func groupEnd(f *Frame, status framework.Status) Output {
	c := sgrGray
	if status == framework.StatusFail {
		c = sgrRed
	}
	return Output{Category: CategoryConsole, Text: c + string(status) + sgrReset + "\n", Group: "end", Source: f.Source, Line: f.Line}
}
