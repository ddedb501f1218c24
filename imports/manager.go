// Copyright © 2024 The robotdev authors

// Package imports resolves and caches the libraries, resource files and
// variables files a test suite imports. Metadata comes from a Loader,
// normally a pool of worker processes; cached entries are invalidated by
// file system changes and disposed when their last importer goes away.
package imports

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"runtime"
	"sync"
	"weak"

	"github.com/go-logr/logr"
	"github.com/smallnest/chanx"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"
)

// ChangeKind is the kind of a change event.
type ChangeKind int

const (
	LibrariesChanged ChangeKind = iota
	ResourcesChanged
	VariablesChanged
)

func (k ChangeKind) String() string {
	switch k {
	case LibrariesChanged:
		return "libraries-changed"
	case ResourcesChanged:
		return "resources-changed"
	case VariablesChanged:
		return "variables-changed"
	}
	return "unknown"
}

// ChangeEvent is published when a cached import is invalidated.
type ChangeEvent struct {
	Kind ChangeKind
	// Name is the import name.
	Name string
	// Source is empty for imports that did not resolve.
	Source string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(log logr.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithSearchPaths sets the directories watched for unresolved imports.
// By default they are taken from the loader's worker info.
func WithSearchPaths(paths []string) Option {
	return func(m *Manager) { m.paths = paths }
}

// WithoutWatch disables file system watching.
func WithoutWatch() Option {
	return func(m *Manager) { m.noWatch = true }
}

type resolution struct {
	found FindResult
	err   error
}

// Manager caches imports.
type Manager struct {
	loader  Loader
	log     logr.Logger
	paths   []string
	noWatch bool
	watcher *dirWatcher
	finds   singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	entries   map[entryKey]*entry
	resolved  map[string]resolution
	pathsDone bool
	subs      map[int]*chanx.UnboundedChan[ChangeEvent]
	nextSub   int
	closed    bool
}

// New returns a manager loading through loader. If the loader is an
// io.Closer it is closed with the manager.
func New(loader Loader, opts ...Option) (*Manager, error) {
	m := &Manager{
		loader:   loader,
		log:      logr.Discard(),
		entries:  make(map[entryKey]*entry),
		resolved: make(map[string]resolution),
		subs:     make(map[int]*chanx.UnboundedChan[ChangeEvent]),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.pathsDone = m.paths != nil
	m.ctx, m.cancel = context.WithCancel(context.Background())
	if !m.noWatch {
		w, err := newDirWatcher(m.log)
		if err != nil {
			m.cancel()
			return nil, err
		}
		m.watcher = w
		m.wg.Add(1)
		go m.watchLoop()
	}
	return m, nil
}

func (m *Manager) watchLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-m.watcher.w.Events:
			if !ok {
				return
			}
			if relevant(ev) {
				m.changed(ev.Name)
			}
		case err, ok := <-m.watcher.w.Errors:
			if !ok {
				return
			}
			m.log.Error(err, "file watcher error")
		}
	}
}

// changed invalidates every entry affected by a change to name.
func (m *Manager) changed(name string) {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		if !e.matches(name) || !e.invalidate() {
			continue
		}
		m.log.V(1).Info("import invalidated", "name", e.name, "kind", string(e.key.kind), "path", name)
		m.mu.Lock()
		// Resolutions may change with the file system.
		clear(m.resolved)
		m.mu.Unlock()
		ev := ChangeEvent{Kind: e.changeKind(), Name: e.name}
		if e.found != nil {
			ev.Source = e.found.Source
		}
		m.publish(ev)
	}
}

// Invalidate handles name as if the file watcher had seen it change, e.g.
// when an editor reports a save.
func (m *Manager) Invalidate(name string) {
	m.changed(filepath.Clean(name))
}

func (m *Manager) publish(ev ChangeEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		ch.In <- ev
	}
}

// Subscribe returns a channel of change events and a function that ends the
// subscription. The channel is unbounded so a slow subscriber never blocks
// invalidation.
func (m *Manager) Subscribe() (<-chan ChangeEvent, func()) {
	ch := chanx.NewUnboundedChan[ChangeEvent](context.Background(), 4)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch.In)
		return ch.Out, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()
	var once sync.Once
	return ch.Out, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(ch.In)
			}
		})
	}
}

func (m *Manager) watch(dirs []string) []string {
	if m.watcher == nil {
		return nil
	}
	return m.watcher.add(dirs)
}

func (m *Manager) unwatch(dirs []string) {
	if m.watcher == nil || len(dirs) == 0 {
		return
	}
	m.watcher.remove(dirs)
}

// searchPaths returns the directories to watch for unresolved imports.
func (m *Manager) searchPaths(ctx context.Context) []string {
	m.mu.Lock()
	if m.pathsDone {
		defer m.mu.Unlock()
		return m.paths
	}
	m.mu.Unlock()
	info, err := m.loader.Info(ctx)
	if err != nil {
		m.log.V(1).Info("cannot read search paths", "error", err.Error())
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths, m.pathsDone = info.SearchPaths, true
	return m.paths
}

// resolve finds an import, sharing concurrent lookups of the same name.
// Successful and not-found results are cached until a change is seen.
func (m *Manager) resolve(ctx context.Context, p FindParams) (*FindResult, error) {
	key := string(p.Kind) + "\x00" + p.Name + "\x00" + p.BaseDir + "\x00" + argsKey(p.Args)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if r, ok := m.resolved[key]; ok {
		m.mu.Unlock()
		if r.err != nil {
			return nil, r.err
		}
		return &r.found, nil
	}
	m.mu.Unlock()

	v, err, _ := m.finds.Do(key, func() (any, error) {
		found, err := m.loader.Find(ctx, p)
		if err == nil || errors.Is(err, ErrNotFound) {
			m.mu.Lock()
			m.resolved[key] = resolution{found: found, err: err}
			m.mu.Unlock()
		}
		return found, err
	})
	if err != nil {
		return nil, err
	}
	found := v.(FindResult)
	return &found, nil
}

// lookup resolves an import and returns its entry with s attached.
func (m *Manager) lookup(ctx context.Context, p FindParams, s *Sentinel) (*entry, error) {
	found, err := m.resolve(ctx, p)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	key := entryKey{kind: p.Kind}
	if p.Kind == KindLibrary || p.Kind == KindVariables {
		key.args = argsKey(p.Args)
	}
	if found != nil {
		key.source = found.Source
		if !filepath.IsAbs(found.Source) {
			key.name = p.Name
		}
	} else {
		key.name = p.Name
		key.source = p.BaseDir
	}
	return m.attach(key, func() *entry {
		return newEntry(key, p.Name, p.Args, p.BaseDir, found)
	}, s)
}

// attach returns the entry for key, creating it if needed, and records s as
// one of its importers. A nil sentinel pins the entry until Close.
func (m *Manager) attach(key entryKey, create func() *entry, s *Sentinel) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	e, ok := m.entries[key]
	if !ok {
		e = create()
		m.entries[key] = e
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if s == nil {
		e.pinned = true
		return e, nil
	}
	wp := weak.Make(s)
	if _, ok := e.importers[wp]; !ok {
		e.importers[wp] = runtime.AddCleanup(s, func(a detachArg) {
			a.m.detach(a.e, a.wp)
		}, detachArg{m: m, e: e, wp: wp})
	}
	return e, nil
}

type detachArg struct {
	m  *Manager
	e  *entry
	wp weak.Pointer[Sentinel]
}

// detach removes an importer from e, disposing e when none is left.
func (m *Manager) detach(e *entry, wp weak.Pointer[Sentinel]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.importers, wp)
	if len(e.importers) > 0 || e.pinned || e.disposed {
		return
	}
	m.disposeLocked(e)
}

// disposeLocked drops e and its watches. m.mu and e.mu must be held.
func (m *Manager) disposeLocked(e *entry) {
	e.disposed = true
	if m.entries[e.key] == e {
		delete(m.entries, e.key)
	}
	m.unwatch(e.dirs)
	e.dirs = nil
	e.rules = nil
	m.log.V(1).Info("import disposed", "name", e.name, "kind", string(e.key.kind))
}

// Release detaches s from every entry it imports, as if it had been
// collected.
func (m *Manager) Release(s *Sentinel) {
	if s == nil {
		return
	}
	wp := weak.Make(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		e.mu.Lock()
		if c, ok := e.importers[wp]; ok {
			c.Stop()
			delete(e.importers, wp)
			if len(e.importers) == 0 && !e.pinned {
				m.disposeLocked(e)
			}
		}
		e.mu.Unlock()
	}
}

// GetLibrary returns the library imported as name with args from a file
// in baseDir. A library that cannot be resolved or loaded returns an
// error; the error is cached until a relevant file changes.
func (m *Manager) GetLibrary(ctx context.Context, name string, args []string, baseDir string, s *Sentinel) (*Library, error) {
	e, err := m.lookup(ctx, FindParams{Kind: KindLibrary, Name: name, BaseDir: baseDir, Args: args}, s)
	if err != nil {
		return nil, err
	}
	if err := e.ensure(ctx, m); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lib, nil
}

// GetResource returns the resource file imported as name from a file in
// baseDir.
func (m *Manager) GetResource(ctx context.Context, name, baseDir string, s *Sentinel) (*Resource, error) {
	e, err := m.lookup(ctx, FindParams{Kind: KindResource, Name: name, BaseDir: baseDir}, s)
	if err != nil {
		return nil, err
	}
	return m.resource(ctx, e)
}

// GetDocument returns the parsed suite or resource file at source, which
// must already be an absolute path.
func (m *Manager) GetDocument(ctx context.Context, source string, s *Sentinel) (*Resource, error) {
	source = filepath.Clean(source)
	key := entryKey{kind: KindResource, source: source}
	found := &FindResult{Source: source}
	e, err := m.attach(key, func() *entry {
		return newEntry(key, source, nil, filepath.Dir(source), found)
	}, s)
	if err != nil {
		return nil, err
	}
	return m.resource(ctx, e)
}

func (m *Manager) resource(ctx context.Context, e *entry) (*Resource, error) {
	if err := e.ensure(ctx, m); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.res, nil
}

// GetVariables returns the variables file imported as name with args.
func (m *Manager) GetVariables(ctx context.Context, name string, args []string, baseDir string, s *Sentinel) (*Variables, error) {
	e, err := m.lookup(ctx, FindParams{Kind: KindVariables, Name: name, BaseDir: baseDir, Args: args}, s)
	if err != nil {
		return nil, err
	}
	if err := e.ensure(ctx, m); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vars, nil
}

// CompleteImport lists candidates for a partly typed import name.
func (m *Manager) CompleteImport(ctx context.Context, kind Kind, prefix, baseDir string) ([]Completion, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return m.loader.CompleteImport(ctx, CompleteParams{Kind: kind, Prefix: prefix, BaseDir: baseDir})
}

// Info returns the loader's environment.
func (m *Manager) Info(ctx context.Context) (WorkerInfo, error) {
	return m.loader.Info(ctx)
}

// Len returns the number of cached entries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close disposes every entry, stops watching and ends all subscriptions.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, e := range m.entries {
		e.mu.Lock()
		for wp, c := range e.importers {
			c.Stop()
			delete(e.importers, wp)
		}
		m.disposeLocked(e)
		e.mu.Unlock()
	}
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch.In)
	}
	m.mu.Unlock()

	m.cancel()
	var err error
	if m.watcher != nil {
		err = multierr.Append(err, m.watcher.Close())
	}
	m.wg.Wait()
	if c, ok := m.loader.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	return err
}
