// Copyright © 2024 The robotdev authors

package imports

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// watchRule matches the file system changes that invalidate an entry.
type watchRule struct {
	dir string
	// file restricts the rule to one file in dir. Otherwise any change
	// under dir matches.
	file string
}

func (r watchRule) match(name string) bool {
	name = filepath.Clean(name)
	if r.file != "" {
		return name == filepath.Join(r.dir, r.file)
	}
	return name == r.dir || strings.HasPrefix(name, r.dir+string(filepath.Separator))
}

// rulesFor returns the watch rules of a loaded import and the directories
// they need watched.
func rulesFor(found *FindResult, searchPaths []string) ([]watchRule, []string) {
	var rules []watchRule
	var dirs []string
	switch {
	case found == nil:
		for _, p := range searchPaths {
			p = filepath.Clean(p)
			rules = append(rules, watchRule{dir: p})
			dirs = append(dirs, p)
		}
	case found.Package:
		for _, p := range found.ModulePaths {
			p = filepath.Clean(p)
			rules = append(rules, watchRule{dir: p})
			dirs = append(dirs, subdirs(p)...)
		}
	case filepath.IsAbs(found.Source):
		dir, file := filepath.Split(filepath.Clean(found.Source))
		dir = filepath.Clean(dir)
		rules = append(rules, watchRule{dir: dir, file: file})
		dirs = append(dirs, dir)
	}
	return rules, dirs
}

// subdirs lists root and the directories below it. fsnotify watches are
// not recursive.
func subdirs(root string) []string {
	var out []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fs.SkipDir
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && skipDir(d.Name()) {
			return fs.SkipDir
		}
		out = append(out, path)
		return nil
	})
	if out == nil {
		out = []string{root}
	}
	return out
}

func skipDir(name string) bool {
	return name == "__pycache__" || strings.HasPrefix(name, ".")
}

// dirWatcher shares one fsnotify watcher between entries, counting
// references per directory.
type dirWatcher struct {
	w   *fsnotify.Watcher
	log logr.Logger

	mu   sync.Mutex
	refs map[string]int
}

func newDirWatcher(log logr.Logger) (*dirWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &dirWatcher{w: w, log: log, refs: make(map[string]int)}, nil
}

// add watches dirs and returns the ones that must later be removed.
func (dw *dirWatcher) add(dirs []string) []string {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	var added []string
	for _, d := range dirs {
		if dw.refs[d] == 0 {
			if st, err := os.Stat(d); err != nil || !st.IsDir() {
				continue
			}
			if err := dw.w.Add(d); err != nil {
				dw.log.V(1).Info("cannot watch directory", "dir", d, "error", err.Error())
				continue
			}
		}
		dw.refs[d]++
		added = append(added, d)
	}
	return added
}

func (dw *dirWatcher) remove(dirs []string) {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	for _, d := range dirs {
		n := dw.refs[d]
		if n <= 1 {
			delete(dw.refs, d)
			_ = dw.w.Remove(d)
			continue
		}
		dw.refs[d] = n - 1
	}
}

func (dw *dirWatcher) watched() int {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	return len(dw.refs)
}

func (dw *dirWatcher) Close() error {
	return dw.w.Close()
}

// relevant filters out events that cannot change an import.
func relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(ev.Name), "/") {
		if part == "__pycache__" {
			return false
		}
	}
	return true
}
