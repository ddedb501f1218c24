// Copyright © 2024 The robotdev authors

package adapter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/luthersystems/robotdev/debugger"
)

// LaunchArguments are the arguments of a launch request. Unknown fields
// are ignored.
type LaunchArguments struct {
	NoDebug bool   `json:"noDebug,omitempty"`
	Cwd     string `json:"cwd,omitempty"`
	// Paths are the suites to run.
	Paths         []string          `json:"paths,omitempty"`
	Args          []string          `json:"args,omitempty"`
	Variables     map[string]any    `json:"variables,omitempty"`
	VariableFiles []string          `json:"variableFiles,omitempty"`
	Include       []string          `json:"include,omitempty"`
	Exclude       []string          `json:"exclude,omitempty"`
	OutputDir     string            `json:"outputDir,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	PythonPath    []string          `json:"pythonPath,omitempty"`
	Profiles      []string          `json:"profiles,omitempty"`

	StopOnEntry      bool    `json:"stopOnEntry,omitempty"`
	GroupOutput      bool    `json:"groupOutput,omitempty"`
	OutputMessages   bool    `json:"outputMessages,omitempty"`
	OutputLog        *bool   `json:"outputLog,omitempty"`
	OutputTimestamps bool    `json:"outputTimestamps,omitempty"`
	EvaluateTimeout  float64 `json:"evaluateTimeout,omitempty"` // seconds

	PathMappings []debugger.PathMapping `json:"pathMappings,omitempty"`
}

// ParseLaunchArguments decodes the raw arguments of a launch request.
func ParseLaunchArguments(raw json.RawMessage) (*LaunchArguments, error) {
	args := &LaunchArguments{}
	if len(raw) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(raw, args); err != nil {
		return nil, fmt.Errorf("invalid launch arguments: %w", err)
	}
	return args, nil
}

// OutputOptions returns the engine output options the arguments select.
func (a *LaunchArguments) OutputOptions() debugger.OutputOptions {
	o := debugger.DefaultOutputOptions()
	if a.OutputLog != nil {
		o.Log = *a.OutputLog
	}
	o.Messages = a.OutputMessages
	o.Timestamps = a.OutputTimestamps
	o.Group = a.GroupOutput
	return o
}

// WorkDir returns the directory the run starts in.
func (a *LaunchArguments) WorkDir() string {
	if a.Cwd != "" {
		return a.Cwd
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// CommandLine returns the framework command line options for the run,
// followed by the suite paths.
func (a *LaunchArguments) CommandLine() []string {
	var out []string
	names := make([]string, 0, len(a.Variables))
	for name := range a.Variables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, "--variable", name+":"+variableText(a.Variables[name]))
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
		out = append(out, "--outputdir", a.absolute(a.OutputDir))
	}
	out = append(out, a.Args...)
	for _, p := range a.Paths {
		out = append(out, a.absolute(p))
	}
	return out
}

// Environ returns env extended with the launch environment. PythonPath
// entries are prepended to PYTHONPATH.
func (a *LaunchArguments) Environ(env []string) []string {
	out := append([]string(nil), env...)
	keys := make([]string, 0, len(a.Env))
	for k := range a.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = setEnv(out, k, a.Env[k])
	}
	if len(a.PythonPath) > 0 {
		paths := make([]string, 0, len(a.PythonPath)+1)
		for _, p := range a.PythonPath {
			paths = append(paths, a.absolute(p))
		}
		if cur := getEnv(out, "PYTHONPATH"); cur != "" {
			paths = append(paths, cur)
		}
		out = setEnv(out, "PYTHONPATH", strings.Join(paths, string(os.PathListSeparator)))
	}
	return out
}

// absolute resolves p against the launch directory, which is captured
// before any option like outputDir is applied.
func (a *LaunchArguments) absolute(p string) string {
	if filepath.IsAbs(p) || debugger.IsWindowsPath(p) {
		return p
	}
	return filepath.Join(a.WorkDir(), p)
}

func variableText(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return "None"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func getEnv(env []string, key string) string {
	for i := len(env) - 1; i >= 0; i-- {
		if k, v, ok := strings.Cut(env[i], "="); ok && k == key {
			return v
		}
	}
	return ""
}

func setEnv(env []string, key, value string) []string {
	for i, kv := range env {
		if k, _, ok := strings.Cut(kv, "="); ok && k == key {
			env[i] = key + "=" + value
			return env
		}
	}
	return append(env, key+"="+value)
}
