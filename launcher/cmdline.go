// Copyright © 2024 The robotdev authors

package launcher

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/luthersystems/robotdev/debugger"
	"github.com/luthersystems/robotdev/debugger/adapter"
	"github.com/spf13/pflag"
)

// DebuggeeCommand is the subcommand the launcher starts.
const DebuggeeCommand = "debuggee"

// DebuggeeArgs returns the arguments, after the executable, that start a
// debuggee listening on addr with the launch arguments a.
func DebuggeeArgs(addr string, a *adapter.LaunchArguments) []string {
	out := []string{DebuggeeCommand, "--tcp", addr, "--wait-for-client"}
	for _, p := range a.Profiles {
		out = append(out, "--profile", p)
	}
	names := make([]string, 0, len(a.Variables))
	for name := range a.Variables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := json.Marshal(a.Variables[name])
		if err != nil {
			continue
		}
		out = append(out, "--variable", name+"="+string(b))
	}
	for _, f := range a.VariableFiles {
		out = append(out, "--variablefile", f)
	}
	for _, tag := range a.Include {
		out = append(out, "--include", tag)
	}
	for _, tag := range a.Exclude {
		out = append(out, "--exclude", tag)
	}
	if a.OutputDir != "" {
		out = append(out, "--outputdir", a.OutputDir)
	}
	if a.Cwd != "" {
		out = append(out, "--cwd", a.Cwd)
	}
	if a.EvaluateTimeout > 0 {
		out = append(out, "--evaluate-timeout", strconv.FormatFloat(a.EvaluateTimeout, 'f', -1, 64))
	}
	if a.StopOnEntry {
		out = append(out, "--stop-on-entry")
	}
	if a.GroupOutput {
		out = append(out, "--group-output")
	}
	if a.OutputMessages {
		out = append(out, "--output-messages")
	}
	if a.OutputLog != nil {
		out = append(out, "--output-log="+strconv.FormatBool(*a.OutputLog))
	}
	if a.OutputTimestamps {
		out = append(out, "--output-timestamps")
	}
	for _, m := range a.PathMappings {
		out = append(out, "--path-mapping", m.LocalRoot+"="+m.RemoteRoot)
	}
	for _, arg := range a.Args {
		out = append(out, "--arg", arg)
	}
	out = append(out, "--")
	return append(out, a.Paths...)
}

// DebuggeeFlags are the debuggee options bound to a flag set.
type DebuggeeFlags struct {
	TCP           string
	WaitForClient bool

	args      adapter.LaunchArguments
	vars      variablesValue
	mappings  mappingsValue
	outputLog optionalBool
}

// BindDebuggeeFlags registers the options DebuggeeArgs writes on fs.
func BindDebuggeeFlags(fs *pflag.FlagSet) *DebuggeeFlags {
	f := &DebuggeeFlags{}
	f.vars.m = make(map[string]any)
	fs.StringVar(&f.TCP, "tcp", "", "Listen for the debug client on this address")
	fs.BoolVar(&f.WaitForClient, "wait-for-client", false, "Do not start the run before a client has launched it")
	fs.StringArrayVar(&f.args.Profiles, "profile", nil, "Configuration profile (repeatable)")
	fs.Var(&f.vars, "variable", "Suite variable as name=json (repeatable)")
	fs.StringArrayVar(&f.args.VariableFiles, "variablefile", nil, "Variable file (repeatable)")
	fs.StringArrayVar(&f.args.Include, "include", nil, "Include tests by tag (repeatable)")
	fs.StringArrayVar(&f.args.Exclude, "exclude", nil, "Exclude tests by tag (repeatable)")
	fs.StringVar(&f.args.OutputDir, "outputdir", "", "Directory for output files")
	fs.StringVar(&f.args.Cwd, "cwd", "", "Working directory of the run")
	fs.Float64Var(&f.args.EvaluateTimeout, "evaluate-timeout", 0, "Evaluation timeout in seconds")
	fs.BoolVar(&f.args.StopOnEntry, "stop-on-entry", false, "Pause before the first keyword")
	fs.BoolVar(&f.args.GroupOutput, "group-output", false, "Group output by suite and test")
	fs.BoolVar(&f.args.OutputMessages, "output-messages", false, "Send framework messages as output")
	fs.Var(&f.outputLog, "output-log", "Send log messages as output")
	fs.BoolVar(&f.args.OutputTimestamps, "output-timestamps", false, "Prefix output with timestamps")
	fs.Var(&f.mappings, "path-mapping", "Path mapping as local=remote (repeatable)")
	fs.StringArrayVar(&f.args.Args, "arg", nil, "Extra framework argument (repeatable)")
	return f
}

// LaunchArguments returns the launch arguments given on the command line.
// paths are the positional arguments.
func (f *DebuggeeFlags) LaunchArguments(paths []string) *adapter.LaunchArguments {
	a := f.args
	a.Paths = append([]string(nil), paths...)
	if len(f.vars.m) > 0 {
		a.Variables = f.vars.m
	}
	a.PathMappings = f.mappings.list
	a.OutputLog = f.outputLog.v
	return &a
}

// ApplyDefaults fills the fields of a that are unset from base. Lists
// given in a replace those of base.
func ApplyDefaults(a, base *adapter.LaunchArguments) {
	if a.Cwd == "" {
		a.Cwd = base.Cwd
	}
	if len(a.Paths) == 0 {
		a.Paths = base.Paths
	}
	if len(a.Args) == 0 {
		a.Args = base.Args
	}
	if len(a.Profiles) == 0 {
		a.Profiles = base.Profiles
	}
	if len(a.Variables) == 0 {
		a.Variables = base.Variables
	}
	if len(a.VariableFiles) == 0 {
		a.VariableFiles = base.VariableFiles
	}
	if len(a.Include) == 0 {
		a.Include = base.Include
	}
	if len(a.Exclude) == 0 {
		a.Exclude = base.Exclude
	}
	if a.OutputDir == "" {
		a.OutputDir = base.OutputDir
	}
	if a.EvaluateTimeout == 0 {
		a.EvaluateTimeout = base.EvaluateTimeout
	}
	if a.OutputLog == nil {
		a.OutputLog = base.OutputLog
	}
	if len(a.PathMappings) == 0 {
		a.PathMappings = base.PathMappings
	}
	a.StopOnEntry = a.StopOnEntry || base.StopOnEntry
	a.GroupOutput = a.GroupOutput || base.GroupOutput
	a.OutputMessages = a.OutputMessages || base.OutputMessages
	a.OutputTimestamps = a.OutputTimestamps || base.OutputTimestamps
}

type variablesValue struct {
	m map[string]any
}

func (v *variablesValue) Set(s string) error {
	name, raw, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return fmt.Errorf("expected name=value, got %q", s)
	}
	var val any
	if err := json.Unmarshal([]byte(raw), &val); err != nil {
		val = raw
	}
	v.m[name] = val
	return nil
}

func (v *variablesValue) String() string {
	if v == nil || len(v.m) == 0 {
		return ""
	}
	b, _ := json.Marshal(v.m)
	return string(b)
}

func (v *variablesValue) Type() string { return "name=value" }

type mappingsValue struct {
	list []debugger.PathMapping
}

func (v *mappingsValue) Set(s string) error {
	local, remote, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("expected local=remote, got %q", s)
	}
	v.list = append(v.list, debugger.PathMapping{LocalRoot: local, RemoteRoot: remote})
	return nil
}

func (v *mappingsValue) String() string {
	if v == nil {
		return ""
	}
	parts := make([]string, 0, len(v.list))
	for _, m := range v.list {
		parts = append(parts, m.LocalRoot+"="+m.RemoteRoot)
	}
	return strings.Join(parts, ",")
}

func (v *mappingsValue) Type() string { return "local=remote" }

// optionalBool is a bool flag that remembers whether it was given.
type optionalBool struct {
	v *bool
}

func (o *optionalBool) Set(s string) error {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	o.v = &b
	return nil
}

func (o *optionalBool) String() string {
	if o == nil || o.v == nil {
		return ""
	}
	return strconv.FormatBool(*o.v)
}

func (o *optionalBool) Type() string { return "bool" }

func (o *optionalBool) IsBoolFlag() bool { return true }
