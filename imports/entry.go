// Copyright © 2024 The robotdev authors

package imports

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"weak"
)

// Sentinel identifies an importer, usually an open document. Entries stay
// cached while at least one of their importers is reachable.
type Sentinel struct {
	// Name is informational.
	Name string
}

// NewSentinel returns a new importer identity.
func NewSentinel(name string) *Sentinel {
	return &Sentinel{Name: name}
}

// Library is a loaded library import.
type Library struct {
	Name        string
	Args        []string
	Source      string
	ModulePaths []string
	Doc         LibraryDoc
}

// Resource is a loaded resource or suite file.
type Resource struct {
	Name   string
	Source string
	Doc    Document
	// Library is the keyword table the resource provides to importers.
	Library LibraryDoc
}

// Variables is a loaded variables file.
type Variables struct {
	Name      string
	Args      []string
	Source    string
	Variables []VariableDef
}

type entryKey struct {
	kind   Kind
	source string
	// name is set for unresolved imports, which have no source.
	name string
	args string
}

func argsKey(args []string) string {
	return strings.Join(args, "\x00")
}

// entry caches one import. Construction is serialised by load; mu guards
// the fields and is never held across a loader call.
type entry struct {
	key     entryKey
	name    string
	args    []string
	baseDir string
	found   *FindResult

	load sync.Mutex

	mu        sync.Mutex
	loaded    bool
	gen       uint64
	lib       *Library
	res       *Resource
	vars      *Variables
	err       error
	rules     []watchRule
	dirs      []string
	importers map[weak.Pointer[Sentinel]]runtime.Cleanup
	pinned    bool
	disposed  bool
}

func newEntry(key entryKey, name string, args []string, baseDir string, found *FindResult) *entry {
	return &entry{
		key:       key,
		name:      name,
		args:      args,
		baseDir:   baseDir,
		found:     found,
		importers: make(map[weak.Pointer[Sentinel]]runtime.Cleanup),
	}
}

// changeKind is the event published when the entry is invalidated.
func (e *entry) changeKind() ChangeKind {
	switch e.key.kind {
	case KindResource:
		return ResourcesChanged
	case KindVariables:
		return VariablesChanged
	}
	return LibrariesChanged
}

// ensure loads the entry unless a valid result is cached, and returns the
// cached error. Errors are cached until the entry is invalidated, except
// for the caller's own cancellation.
func (e *entry) ensure(ctx context.Context, m *Manager) error {
	e.load.Lock()
	defer e.load.Unlock()

	e.mu.Lock()
	if e.loaded {
		err := e.err
		e.mu.Unlock()
		return err
	}
	gen := e.gen
	e.mu.Unlock()

	lib, res, vars, err := e.construct(ctx, m)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	rules, dirs := rulesFor(e.found, m.searchPaths(ctx))

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return err
	}
	m.unwatch(e.dirs)
	e.rules = rules
	e.dirs = m.watch(dirs)
	e.lib, e.res, e.vars, e.err = lib, res, vars, err
	// A change seen while loading makes the result stale at once.
	e.loaded = e.gen == gen
	return err
}

func (e *entry) construct(ctx context.Context, m *Manager) (*Library, *Resource, *Variables, error) {
	if e.found == nil {
		return nil, nil, nil, &NotFoundError{Kind: e.key.kind, Name: e.name}
	}
	switch e.key.kind {
	case KindLibrary:
		doc, err := m.loader.LoadLibrary(ctx, LoadParams{
			Name:    e.name,
			Source:  e.found.Source,
			Args:    e.args,
			BaseDir: e.baseDir,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return &Library{
			Name:        e.name,
			Args:        e.args,
			Source:      e.found.Source,
			ModulePaths: e.found.ModulePaths,
			Doc:         doc,
		}, nil, nil, nil
	case KindResource:
		doc, err := m.loader.ParseDocument(ctx, e.found.Source)
		if err != nil {
			return nil, nil, nil, err
		}
		return nil, &Resource{
			Name:    e.name,
			Source:  e.found.Source,
			Doc:     doc,
			Library: resourceLibrary(doc),
		}, nil, nil
	case KindVariables:
		var vars []VariableDef
		var err error
		if IsDataVariablesFile(e.found.Source) {
			vars, err = LoadDataVariables(e.found.Source)
		} else {
			vars, err = m.loader.LoadVariables(ctx, LoadParams{
				Name:    e.name,
				Source:  e.found.Source,
				Args:    e.args,
				BaseDir: e.baseDir,
			})
		}
		if err != nil {
			return nil, nil, nil, err
		}
		return nil, nil, &Variables{Name: e.name, Args: e.args, Source: e.found.Source, Variables: vars}, nil
	}
	return nil, nil, nil, errors.New("imports: unknown import kind " + string(e.key.kind))
}

// resourceLibrary derives the keyword table a resource file provides.
func resourceLibrary(doc Document) LibraryDoc {
	name := filepath.Base(doc.Source)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	return LibraryDoc{
		Name:     name,
		Source:   doc.Source,
		Keywords: doc.Keywords,
		Errors:   doc.Errors,
	}
}

// matches reports whether a change to name affects the entry.
func (e *entry) matches(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.rules {
		if r.match(name) {
			return true
		}
	}
	return false
}

// invalidate drops the cached result. It reports true once per load.
func (e *entry) invalidate() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen++
	if !e.loaded {
		return false
	}
	e.loaded = false
	e.lib, e.res, e.vars, e.err = nil, nil, nil, nil
	return true
}

// NotFoundError reports an import that could not be resolved.
type NotFoundError struct {
	Kind Kind
	Name string
}

func (e *NotFoundError) Error() string {
	switch e.Kind {
	case KindResource:
		return "resource file '" + e.Name + "' does not exist"
	case KindVariables:
		return "variable file '" + e.Name + "' does not exist"
	}
	return "no library '" + e.Name + "' found"
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }
