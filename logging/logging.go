// Copyright © 2024 The robotdev authors

// Package logging builds the logr.Logger used by the robotdev commands.
// Logs always go to stderr by default: stdout may carry a DAP or LSP
// stream.
package logging

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Output formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Options configure a logger.
type Options struct {
	// Level is the logr verbosity. Zero logs info messages and errors;
	// higher values enable V(n) messages up to n.
	Level int
	// Format is FormatConsole (the default) or FormatJSON.
	Format string
	// Output defaults to stderr.
	Output io.Writer
	// Name is the logger name.
	Name string
}

// Logger is a logr.Logger whose verbosity can change while it is in use.
type Logger struct {
	logr.Logger
	level zap.AtomicLevel
	flush func() error
}

// New returns a logger configured by opts.
func New(opts Options) (*Logger, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if runtime.GOOS == "windows" {
		encoderConfig.LineEnding = "\r\n"
	}
	var encoder zapcore.Encoder
	switch strings.ToLower(opts.Format) {
	case "", FormatConsole:
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	case FormatJSON:
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	var out zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if opts.Output != nil {
		out = zapcore.Lock(zapcore.AddSync(opts.Output))
	}
	level := zap.NewAtomicLevelAt(verbosity(opts.Level))
	zl := zap.New(zapcore.NewCore(encoder, out, level))

	log := zapr.NewLogger(zl)
	if opts.Name != "" {
		log = log.WithName(opts.Name)
	}
	return &Logger{Logger: log, level: level, flush: zl.Sync}, nil
}

// SetLevel changes the verbosity.
func (l *Logger) SetLevel(v int) {
	l.level.SetLevel(verbosity(v))
}

// Flush writes buffered entries.
func (l *Logger) Flush() {
	_ = l.flush()
}

// verbosity maps a logr verbosity to a zap level; zap counts debug levels
// downwards.
func verbosity(v int) zapcore.Level {
	if v <= 0 {
		return zapcore.InfoLevel
	}
	return zapcore.Level(int8(-v)) // #nosec G115 -- verbosity is small
}

var levelNames = map[string]int{
	"info":  0,
	"debug": 1,
	"trace": 4,
}

// ParseLevel parses a verbosity given as a name (info, debug or trace) or a
// non-negative number.
func ParseLevel(s string) (int, error) {
	if v, ok := levelNames[strings.ToLower(s)]; ok {
		return v, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return v, nil
}
