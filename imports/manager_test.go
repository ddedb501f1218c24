// Copyright © 2024 The robotdev authors

package imports

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLoader struct {
	mu      sync.Mutex
	found   map[string]FindResult
	finds   map[string]int
	loads   map[string]int
	block   bool
	closed  bool
	release chan struct{}
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		found: make(map[string]FindResult),
		finds: make(map[string]int),
		loads: make(map[string]int),
	}
}

func (l *fakeLoader) set(name string, r FindResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.found[name] = r
}

func (l *fakeLoader) count(m map[string]int, name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return m[name]
}

func (l *fakeLoader) Find(_ context.Context, p FindParams) (FindResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finds[p.Name]++
	r, ok := l.found[p.Name]
	if !ok {
		return FindResult{}, ErrNotFound
	}
	return r, nil
}

func (l *fakeLoader) LoadLibrary(ctx context.Context, p LoadParams) (LibraryDoc, error) {
	l.mu.Lock()
	l.loads[p.Name]++
	block, release := l.block, l.release
	l.mu.Unlock()
	if block {
		select {
		case <-ctx.Done():
			return LibraryDoc{}, ctx.Err()
		case <-release:
		}
	}
	return LibraryDoc{
		Name:     p.Name,
		Source:   p.Source,
		Keywords: []KeywordDoc{{Name: "Keyword Of " + p.Name}},
	}, nil
}

func (l *fakeLoader) LoadVariables(_ context.Context, p LoadParams) ([]VariableDef, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads[p.Name]++
	return []VariableDef{{Name: "${FROM_WORKER}", Value: "1", Source: p.Source}}, nil
}

func (l *fakeLoader) ParseDocument(_ context.Context, source string) (Document, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads[source]++
	return Document{
		Source:   source,
		Keywords: []KeywordDoc{{Name: "Shared Step", Source: source, LineNo: 3}},
	}, nil
}

func (l *fakeLoader) CompleteImport(_ context.Context, p CompleteParams) ([]Completion, error) {
	return []Completion{{Label: p.Prefix + "Library"}}, nil
}

func (l *fakeLoader) Info(context.Context) (WorkerInfo, error) {
	return WorkerInfo{FrameworkVersion: "7.0", Interpreter: "/usr/bin/python3"}, nil
}

func (l *fakeLoader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func newManager(t *testing.T, l Loader, opts ...Option) *Manager {
	t.Helper()
	m, err := New(l, append([]Option{WithLogger(testr.New(t)), WithSearchPaths([]string{})}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func nextEvent(t *testing.T, ch <-chan ChangeEvent) ChangeEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no change event")
	}
	return ChangeEvent{}
}

func noEvent(t *testing.T, ch <-chan ChangeEvent, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected change event %+v", ev)
	case <-time.After(wait):
	}
}

func TestGetLibraryLoadsOnce(t *testing.T) {
	l := newFakeLoader()
	l.set("MyLib", FindResult{Source: "/libs/MyLib.py"})
	m := newManager(t, l, WithoutWatch())
	s := NewSentinel("suite.robot")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lib, err := m.GetLibrary(context.Background(), "MyLib", nil, "/suites", s)
			assert.NoError(t, err)
			if assert.NotNil(t, lib) {
				assert.Equal(t, "/libs/MyLib.py", lib.Source)
				assert.Equal(t, "Keyword Of MyLib", lib.Doc.Keywords[0].Name)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, l.count(l.loads, "MyLib"))
	assert.Equal(t, 1, m.Len())
}

func TestLibraryArgsAreSeparateEntries(t *testing.T) {
	l := newFakeLoader()
	l.set("Remote", FindResult{Source: "/libs/Remote.py"})
	m := newManager(t, l, WithoutWatch())
	s := NewSentinel("suite.robot")

	_, err := m.GetLibrary(context.Background(), "Remote", []string{"http://a"}, "/", s)
	require.NoError(t, err)
	_, err = m.GetLibrary(context.Background(), "Remote", []string{"http://b"}, "/", s)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())
	assert.Equal(t, 2, l.count(l.loads, "Remote"))
}

func TestNotFoundIsCached(t *testing.T) {
	l := newFakeLoader()
	m := newManager(t, l, WithoutWatch())
	s := NewSentinel("suite.robot")

	for i := 0; i < 3; i++ {
		_, err := m.GetLibrary(context.Background(), "Nope", nil, "/", s)
		require.ErrorIs(t, err, ErrNotFound)
		assert.EqualError(t, err, "no library 'Nope' found")
	}
	assert.Equal(t, 1, l.count(l.finds, "Nope"))

	_, err := m.GetResource(context.Background(), "missing.resource", "/", s)
	assert.EqualError(t, err, "resource file 'missing.resource' does not exist")
}

func TestCancelledLoadIsNotCached(t *testing.T) {
	l := newFakeLoader()
	l.set("Slow", FindResult{Source: "/libs/Slow.py"})
	l.block = true
	l.release = make(chan struct{})
	m := newManager(t, l, WithoutWatch())
	s := NewSentinel("suite.robot")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := m.GetLibrary(ctx, "Slow", nil, "/", s)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(l.release)
	lib, err := m.GetLibrary(context.Background(), "Slow", nil, "/", s)
	require.NoError(t, err)
	assert.Equal(t, "Slow", lib.Doc.Name)
	assert.Equal(t, 2, l.count(l.loads, "Slow"))
}

func TestFileChangeInvalidatesOncePerLoad(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "MyLib.py")
	writeFile(t, src, "def keyword(): pass\n")
	l := newFakeLoader()
	l.set("MyLib", FindResult{Source: src})
	m := newManager(t, l)
	events, unsubscribe := m.Subscribe()
	defer unsubscribe()
	s := NewSentinel("suite.robot")

	_, err := m.GetLibrary(context.Background(), "MyLib", nil, dir, s)
	require.NoError(t, err)

	// Other files in the directory do not matter.
	writeFile(t, filepath.Join(dir, "other.py"), "x = 1\n")
	noEvent(t, events, 200*time.Millisecond)

	writeFile(t, src, "def keyword(): return 1\n")
	writeFile(t, src, "def keyword(): return 2\n")
	ev := nextEvent(t, events)
	assert.Equal(t, LibrariesChanged, ev.Kind)
	assert.Equal(t, "MyLib", ev.Name)
	assert.Equal(t, src, ev.Source)
	noEvent(t, events, 200*time.Millisecond)

	_, err = m.GetLibrary(context.Background(), "MyLib", nil, dir, s)
	require.NoError(t, err)
	assert.Equal(t, 2, l.count(l.loads, "MyLib"))
	assert.Equal(t, 2, l.count(l.finds, "MyLib"))

	writeFile(t, src, "def keyword(): return 3\n")
	assert.Equal(t, LibrariesChanged, nextEvent(t, events).Kind)
}

func TestPackageChangeInSubdirectory(t *testing.T) {
	dir := t.TempDir()
	pkg := filepath.Join(dir, "mypkg")
	writeFile(t, filepath.Join(pkg, "__init__.py"), "")
	writeFile(t, filepath.Join(pkg, "sub", "impl.py"), "")
	l := newFakeLoader()
	l.set("mypkg", FindResult{Source: filepath.Join(pkg, "__init__.py"), Package: true, ModulePaths: []string{pkg}})
	m := newManager(t, l)
	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	_, err := m.GetLibrary(context.Background(), "mypkg", nil, dir, NewSentinel("a"))
	require.NoError(t, err)

	writeFile(t, filepath.Join(pkg, "sub", "impl.py"), "changed = True\n")
	ev := nextEvent(t, events)
	assert.Equal(t, LibrariesChanged, ev.Kind)
	assert.Equal(t, "mypkg", ev.Name)
}

func TestUnresolvedWatchesSearchPath(t *testing.T) {
	dir := t.TempDir()
	l := newFakeLoader()
	m := newManager(t, l, WithSearchPaths([]string{dir}))
	events, unsubscribe := m.Subscribe()
	defer unsubscribe()
	s := NewSentinel("suite.robot")

	_, err := m.GetLibrary(context.Background(), "Later", nil, dir, s)
	require.ErrorIs(t, err, ErrNotFound)

	src := filepath.Join(dir, "Later.py")
	l.set("Later", FindResult{Source: src})
	writeFile(t, src, "")
	ev := nextEvent(t, events)
	assert.Equal(t, "Later", ev.Name)
	assert.Empty(t, ev.Source)

	lib, err := m.GetLibrary(context.Background(), "Later", nil, dir, s)
	require.NoError(t, err)
	assert.Equal(t, src, lib.Source)
}

func TestReleaseDisposesEntry(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "common.resource")
	writeFile(t, src, "*** Keywords ***\n")
	l := newFakeLoader()
	l.set("common.resource", FindResult{Source: src})
	m := newManager(t, l)
	a, b := NewSentinel("a.robot"), NewSentinel("b.robot")

	res, err := m.GetResource(context.Background(), "common.resource", dir, a)
	require.NoError(t, err)
	assert.Equal(t, "common", res.Library.Name)
	require.Len(t, res.Library.Keywords, 1)
	_, err = m.GetResource(context.Background(), "common.resource", dir, b)
	require.NoError(t, err)
	assert.Equal(t, 1, l.count(l.loads, src))
	assert.Equal(t, 1, m.watcher.watched())

	m.Release(a)
	assert.Equal(t, 1, m.Len())
	m.Release(b)
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 0, m.watcher.watched())
}

func TestCollectedSentinelDisposesEntry(t *testing.T) {
	l := newFakeLoader()
	l.set("MyLib", FindResult{Source: "/libs/MyLib.py"})
	m := newManager(t, l, WithoutWatch())

	func() {
		s := NewSentinel("gone.robot")
		_, err := m.GetLibrary(context.Background(), "MyLib", nil, "/", s)
		require.NoError(t, err)
	}()
	require.Eventually(t, func() bool {
		runtime.GC()
		return m.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNilSentinelPins(t *testing.T) {
	l := newFakeLoader()
	l.set("MyLib", FindResult{Source: "/libs/MyLib.py"})
	m := newManager(t, l, WithoutWatch())
	s := NewSentinel("a.robot")

	_, err := m.GetLibrary(context.Background(), "MyLib", nil, "/", nil)
	require.NoError(t, err)
	_, err = m.GetLibrary(context.Background(), "MyLib", nil, "/", s)
	require.NoError(t, err)
	m.Release(s)
	assert.Equal(t, 1, m.Len())
}

func TestGetVariables(t *testing.T) {
	dir := t.TempDir()
	yml := filepath.Join(dir, "vars.yaml")
	writeFile(t, yml, "HOST: localhost\nPORT: 8080\n")
	l := newFakeLoader()
	l.set("vars.yaml", FindResult{Source: yml})
	l.set("vars.py", FindResult{Source: filepath.Join(dir, "vars.py")})
	m := newManager(t, l, WithoutWatch())
	s := NewSentinel("suite.robot")

	vars, err := m.GetVariables(context.Background(), "vars.yaml", nil, dir, s)
	require.NoError(t, err)
	require.Len(t, vars.Variables, 2)
	assert.Equal(t, VariableDef{Name: "${HOST}", Value: "localhost", Source: yml, LineNo: 1}, vars.Variables[0])
	assert.Equal(t, 0, l.count(l.loads, "vars.yaml"))

	vars, err = m.GetVariables(context.Background(), "vars.py", []string{"prod"}, dir, s)
	require.NoError(t, err)
	assert.Equal(t, "${FROM_WORKER}", vars.Variables[0].Name)
	assert.Equal(t, 1, l.count(l.loads, "vars.py"))
}

func TestGetDocumentSharesResourceEntry(t *testing.T) {
	l := newFakeLoader()
	l.set("shared.resource", FindResult{Source: "/suites/shared.resource"})
	m := newManager(t, l, WithoutWatch())
	s := NewSentinel("suite.robot")

	doc, err := m.GetDocument(context.Background(), "/suites/shared.resource", s)
	require.NoError(t, err)
	assert.Equal(t, "Shared Step", doc.Doc.Keywords[0].Name)
	_, err = m.GetResource(context.Background(), "shared.resource", "/suites", s)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 1, l.count(l.loads, "/suites/shared.resource"))
}

func TestInvalidate(t *testing.T) {
	l := newFakeLoader()
	m := newManager(t, l, WithoutWatch())
	events, unsubscribe := m.Subscribe()
	defer unsubscribe()
	s := NewSentinel("suite.robot")

	_, err := m.GetDocument(context.Background(), "/suites/login.robot", s)
	require.NoError(t, err)
	m.Invalidate("/suites/other.robot")
	noEvent(t, events, 50*time.Millisecond)

	m.Invalidate("/suites/./login.robot")
	ev := nextEvent(t, events)
	assert.Equal(t, ResourcesChanged, ev.Kind)
	assert.Equal(t, "/suites/login.robot", ev.Source)

	_, err = m.GetDocument(context.Background(), "/suites/login.robot", s)
	require.NoError(t, err)
	assert.Equal(t, 2, l.count(l.loads, "/suites/login.robot"))
}

func TestCompleteImport(t *testing.T) {
	m := newManager(t, newFakeLoader(), WithoutWatch())
	comps, err := m.CompleteImport(context.Background(), KindLibrary, "My", "/")
	require.NoError(t, err)
	assert.Equal(t, []Completion{{Label: "MyLibrary"}}, comps)
}

func TestClose(t *testing.T) {
	l := newFakeLoader()
	l.set("MyLib", FindResult{Source: "/libs/MyLib.py"})
	m, err := New(l, WithLogger(testr.New(t)), WithSearchPaths(nil))
	require.NoError(t, err)
	events, _ := m.Subscribe()
	_, err = m.GetLibrary(context.Background(), "MyLib", nil, "/", NewSentinel("a"))
	require.NoError(t, err)

	require.NoError(t, m.Close())
	assert.Equal(t, 0, m.Len())
	assert.True(t, l.closed)
	_, ok := <-events
	assert.False(t, ok)

	_, err = m.GetLibrary(context.Background(), "MyLib", nil, "/", nil)
	require.ErrorIs(t, err, ErrClosed)
	_, err = m.CompleteImport(context.Background(), KindLibrary, "", "/")
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, m.Close())
}
