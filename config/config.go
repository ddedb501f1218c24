// Copyright © 2024 The robotdev authors

// Package config loads robotdev configuration. Settings come from a
// robotdev.yaml, .toml or .json file, ROBOTDEV_ environment variables and
// command line flags. A file may define named profiles; a profile inherits
// every setting it does not set from the profile it names in inherits, and
// finally from the top level of the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// FileName is the configuration file name without its extension.
	FileName = "robotdev"
	// EnvPrefix prefixes environment variables overriding settings, e.g.
	// ROBOTDEV_WORKERS or ROBOTDEV_TIMEOUTS_LOAD.
	EnvPrefix = "ROBOTDEV"
	// DefaultProfile is used when no profile is selected.
	DefaultProfile = "default"
)

// ErrProfileCycle is returned when profiles inherit from each other.
var ErrProfileCycle = errors.New("config: profile inheritance cycle")

// Timeouts bound the blocking operations of the tools.
type Timeouts struct {
	Load       time.Duration `mapstructure:"load" yaml:"load"`
	Find       time.Duration `mapstructure:"find" yaml:"find"`
	Completion time.Duration `mapstructure:"completion" yaml:"completion"`
	Evaluate   time.Duration `mapstructure:"evaluate" yaml:"evaluate"`
	Connect    time.Duration `mapstructure:"connect" yaml:"connect"`
}

// Log configures logging.
type Log struct {
	// Level is the logr verbosity; 0 logs info and errors only.
	Level  int    `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Profile is an effective configuration.
type Profile struct {
	Name string `mapstructure:"-" yaml:"-"`

	// PythonPath entries are prepended to PYTHONPATH of worker and
	// framework processes. Relative entries are relative to the
	// configuration file.
	PythonPath []string `mapstructure:"python_path" yaml:"python_path,omitempty"`
	// Env is added to the environment of worker and framework processes.
	// Names are case-insensitive in configuration files and set upper case.
	Env map[string]string `mapstructure:"env" yaml:"env,omitempty"`
	// WorkerCommand starts an import worker.
	WorkerCommand []string `mapstructure:"worker_command" yaml:"worker_command"`
	// FrameworkCommand starts a framework run; the run's arguments are
	// appended.
	FrameworkCommand []string `mapstructure:"framework_command" yaml:"framework_command"`
	Workers          int      `mapstructure:"workers" yaml:"workers"`
	// CacheDir holds namespace cache files. Empty disables the cache.
	CacheDir string `mapstructure:"cache_dir" yaml:"cache_dir,omitempty"`
	// Debounce is how long the language server waits for edits to settle.
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
	Timeouts Timeouts      `mapstructure:"timeouts" yaml:"timeouts"`
	Log      Log           `mapstructure:"log" yaml:"log"`
}

// Environ returns base with the profile's environment applied: Env entries
// replace variables of the same name and PythonPath is prepended to
// PYTHONPATH.
func (p *Profile) Environ(base []string) []string {
	vars := make(map[string]string, len(p.Env)+1)
	for k, v := range p.Env {
		vars[strings.ToUpper(k)] = v
	}
	if len(p.PythonPath) > 0 {
		entries := append([]string(nil), p.PythonPath...)
		if cur := lookup(base, "PYTHONPATH"); cur != "" {
			entries = append(entries, cur)
		} else if cur := vars["PYTHONPATH"]; cur != "" {
			entries = append(entries, cur)
		}
		vars["PYTHONPATH"] = strings.Join(entries, string(os.PathListSeparator))
	}
	out := make([]string, 0, len(base)+len(vars))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := vars[k]; !ok {
			out = append(out, kv)
		}
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}

func lookup(env []string, key string) string {
	for i := len(env) - 1; i >= 0; i-- {
		if k, v, ok := strings.Cut(env[i], "="); ok && k == key {
			return v
		}
	}
	return ""
}

// YAML renders the profile as a configuration file would set it.
func (p *Profile) YAML() ([]byte, error) {
	return yaml.Marshal(p)
}

// Options control where configuration is read from.
type Options struct {
	// File is an explicit configuration file. It must exist.
	File string
	// Dir is searched for robotdev.yaml, .toml or .json and a .env file
	// when File is empty. It defaults to the working directory.
	Dir string
	// Flags bound with BindFlag override every other source when set on
	// the command line.
	Flags map[string]*pflag.Flag
}

// Config is loaded configuration from which profiles are resolved.
type Config struct {
	file     string
	baseDir  string
	base     map[string]any
	profiles map[string]map[string]any
	flags    map[string]*pflag.Flag
}

// Load reads configuration. A missing configuration file in Dir is not an
// error. Variables from a .env file next to the configuration are added to
// the process environment without replacing variables already set.
func Load(opts Options) (*Config, error) {
	dir := opts.Dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		dir = wd
	}
	v := viper.New()
	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(dir)
	}
	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
	case opts.File == "" && errors.As(err, &notFound):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	c := &Config{
		file:     v.ConfigFileUsed(),
		baseDir:  dir,
		base:     make(map[string]any),
		profiles: make(map[string]map[string]any),
		flags:    opts.Flags,
	}
	if c.file != "" {
		c.baseDir = filepath.Dir(c.file)
	}
	if err := loadDotEnv(filepath.Join(c.baseDir, ".env")); err != nil {
		return nil, err
	}
	for k, val := range v.AllSettings() {
		if k != "profiles" {
			c.base[k] = val
		}
	}
	if raw, ok := v.Get("profiles").(map[string]any); ok {
		for name, p := range raw {
			m, ok := p.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("config: profile %q is not a table", name)
			}
			c.profiles[strings.ToLower(name)] = m
		}
	}
	return c, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// File returns the configuration file read, or "" if there was none.
func (c *Config) File() string {
	return c.file
}

// Profiles returns the names of the profiles defined, sorted.
func (c *Config) Profiles() []string {
	names := make([]string, 0, len(c.profiles))
	for name := range c.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Profile resolves the named profile. The empty name selects the default
// profile, which need not be defined.
func (c *Config) Profile(name string) (*Profile, error) {
	if name == "" {
		name = DefaultProfile
	}
	chain, err := c.chain(strings.ToLower(name))
	if err != nil {
		return nil, err
	}

	merged := make(map[string]any)
	mergeMaps(merged, c.base)
	for i := len(chain) - 1; i >= 0; i-- {
		mergeMaps(merged, c.profiles[chain[i]])
	}
	delete(merged, "inherits")

	v := viper.New()
	setDefaults(v)
	if err := v.MergeConfigMap(merged); err != nil {
		return nil, err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, f := range c.flags {
		if err := v.BindPFlag(key, f); err != nil {
			return nil, err
		}
	}

	p := &Profile{Name: name}
	if err := v.Unmarshal(p); err != nil {
		return nil, fmt.Errorf("config: profile %q: %w", name, err)
	}
	for i, entry := range p.PythonPath {
		if !filepath.IsAbs(entry) {
			p.PythonPath[i] = filepath.Join(c.baseDir, entry)
		}
	}
	if p.CacheDir != "" && !filepath.IsAbs(p.CacheDir) {
		p.CacheDir = filepath.Join(c.baseDir, p.CacheDir)
	}
	return p, nil
}

// chain returns name followed by its ancestors.
func (c *Config) chain(name string) ([]string, error) {
	var chain []string
	seen := make(map[string]bool)
	for cur := name; cur != ""; {
		if seen[cur] {
			return nil, fmt.Errorf("%w: %s", ErrProfileCycle, strings.Join(append(chain, cur), " -> "))
		}
		seen[cur] = true
		p, ok := c.profiles[cur]
		if !ok {
			if cur == DefaultProfile && len(chain) == 0 {
				return nil, nil
			}
			return nil, fmt.Errorf("config: unknown profile %q", cur)
		}
		chain = append(chain, cur)
		parent, _ := p["inherits"].(string)
		cur = strings.ToLower(parent)
	}
	return chain, nil
}

// mergeMaps copies src into dst, merging nested tables.
func mergeMaps(dst, src map[string]any) {
	for k, v := range src {
		k = strings.ToLower(k)
		if sm, ok := v.(map[string]any); ok {
			dm, ok := dst[k].(map[string]any)
			if !ok {
				dm = make(map[string]any)
				dst[k] = dm
			}
			mergeMaps(dm, sm)
			continue
		}
		dst[k] = v
	}
}

func setDefaults(v *viper.Viper) {
	python := "python3"
	if runtime.GOOS == "windows" {
		python = "python"
	}
	v.SetDefault("python_path", []string{})
	v.SetDefault("env", map[string]string{})
	v.SetDefault("worker_command", []string{python, "-m", "robotdev.worker"})
	v.SetDefault("framework_command", []string{python, "-m", "robotdev.bridge"})
	v.SetDefault("workers", max(runtime.NumCPU()/2, 1))
	v.SetDefault("cache_dir", "")
	v.SetDefault("debounce", 300*time.Millisecond)
	v.SetDefault("timeouts.load", 30*time.Second)
	v.SetDefault("timeouts.find", 10*time.Second)
	v.SetDefault("timeouts.completion", 10*time.Second)
	v.SetDefault("timeouts.evaluate", 60*time.Second)
	v.SetDefault("timeouts.connect", 15*time.Second)
	v.SetDefault("log.level", 0)
	v.SetDefault("log.format", "console")
}
