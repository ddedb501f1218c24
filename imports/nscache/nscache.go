// Copyright © 2024 The robotdev authors

// Package nscache persists analysed namespaces between runs. A cache file
// is only used when its recorded metadata still matches the source file,
// every file it depends on and the framework environment.
package nscache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/adler32"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-logr/logr"
)

// MetaVersion changes whenever the cached data layout does.
const MetaVersion = 1

// hashWindow is the size of the head and tail hashed by ContentHash.
const hashWindow = 64 * 1024

// ErrStale is returned by Load when a cache file exists but no longer
// matches the environment.
var ErrStale = errors.New("nscache: stale entry")

// Env is the framework environment a namespace was computed in.
type Env struct {
	FrameworkVersion string
	Interpreter      string
	SearchPaths      []string
}

// Stamp records the modification time of a file the namespace depends on.
type Stamp struct {
	Source string `cbor:"source"`
	MTime  int64  `cbor:"mtime"`
}

// Meta decides whether a cache file is fresh.
type Meta struct {
	Version          int     `cbor:"version"`
	Source           string  `cbor:"source"`
	MTime            int64   `cbor:"mtime"`
	Size             int64   `cbor:"size"`
	Hash             string  `cbor:"hash"`
	Stamps           []Stamp `cbor:"stamps"`
	FrameworkVersion string  `cbor:"framework_version"`
	Interpreter      string  `cbor:"interpreter"`
	SearchPathHash   string  `cbor:"search_path_hash"`
}

type envelope struct {
	Meta Meta            `cbor:"meta"`
	Data cbor.RawMessage `cbor:"data"`
}

// FileName returns the cache file name of source: the adler32 checksum of
// its parent directory as 8 hex digits, then the file stem. Sources with
// the same stem in different directories do not collide.
func FileName(source string) string {
	dir := filepath.Dir(source)
	stem := filepath.Base(source)
	stem = strings.TrimSuffix(stem, filepath.Ext(stem))
	return fmt.Sprintf("%08x_%s.cache", adler32.Checksum([]byte(dir)), stem)
}

// ContentHash hashes the size of a file and its first and last 64 KiB.
func ContentHash(source string) (string, int64, error) {
	f, err := os.Open(source)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return "", 0, err
	}
	size := st.Size()
	h := sha256.New()
	fmt.Fprintf(h, "%d:", size)
	if _, err := io.CopyN(h, f, hashWindow); err != nil && !errors.Is(err, io.EOF) {
		return "", 0, err
	}
	if size > hashWindow {
		off := size - hashWindow
		if off < hashWindow {
			off = hashWindow
		}
		if _, err := f.Seek(off, io.SeekStart); err != nil {
			return "", 0, err
		}
		if _, err := io.Copy(h, f); err != nil {
			return "", 0, err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// SearchPathHash hashes an ordered list of search paths.
func SearchPathHash(paths []string) string {
	h := sha256.New()
	for _, p := range paths {
		io.WriteString(h, p)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CurrentMeta computes the metadata of source as it is now. deps are the
// other files the namespace was built from.
func CurrentMeta(source string, deps []string, env Env) (Meta, error) {
	st, err := os.Stat(source)
	if err != nil {
		return Meta{}, err
	}
	hash, size, err := ContentHash(source)
	if err != nil {
		return Meta{}, err
	}
	m := Meta{
		Version:          MetaVersion,
		Source:           source,
		MTime:            st.ModTime().UnixNano(),
		Size:             size,
		Hash:             hash,
		FrameworkVersion: env.FrameworkVersion,
		Interpreter:      env.Interpreter,
		SearchPathHash:   SearchPathHash(env.SearchPaths),
	}
	for _, d := range deps {
		var mtime int64
		if st, err := os.Stat(d); err == nil {
			mtime = st.ModTime().UnixNano()
		}
		m.Stamps = append(m.Stamps, Stamp{Source: d, MTime: mtime})
	}
	return m, nil
}

// mismatch names the first field in which stored differs from current.
func mismatch(stored, current Meta) string {
	switch {
	case stored.Version != current.Version:
		return "version"
	case stored.Source != current.Source:
		return "source"
	case stored.Size != current.Size:
		return "size"
	case stored.Hash != current.Hash:
		return "hash"
	case stored.FrameworkVersion != current.FrameworkVersion:
		return "framework version"
	case stored.Interpreter != current.Interpreter:
		return "interpreter"
	case stored.SearchPathHash != current.SearchPathHash:
		return "search paths"
	case len(stored.Stamps) != len(current.Stamps):
		return "dependencies"
	}
	for i := range stored.Stamps {
		if stored.Stamps[i] != current.Stamps[i] {
			return "dependency " + stored.Stamps[i].Source
		}
	}
	return ""
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the cache's logger.
func WithLogger(log logr.Logger) Option {
	return func(c *Cache) { c.log = log }
}

// Cache stores namespace data in a directory.
type Cache struct {
	dir string
	log logr.Logger
}

// New returns a cache in dir, which is created on first save.
func New(dir string, opts ...Option) *Cache {
	c := &Cache{dir: dir, log: logr.Discard()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Path returns the cache file of source.
func (c *Cache) Path(source string) string {
	return filepath.Join(c.dir, FileName(source))
}

// Save writes data for the namespace described by meta. The file is
// replaced atomically.
func (c *Cache) Save(meta Meta, data any) error {
	raw, err := cbor.Marshal(data)
	if err != nil {
		return fmt.Errorf("nscache: encode data: %w", err)
	}
	b, err := cbor.Marshal(envelope{Meta: meta, Data: raw})
	if err != nil {
		return fmt.Errorf("nscache: encode entry: %w", err)
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(c.dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), c.Path(meta.Source)); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// Load decodes the cached data of source into data if the cache file is
// fresh for env. A missing cache file yields an error matching
// os.ErrNotExist; a file that must be recomputed yields ErrStale.
func (c *Cache) Load(source string, env Env, data any) (Meta, error) {
	b, err := os.ReadFile(c.Path(source))
	if err != nil {
		return Meta{}, err
	}
	var stored envelope
	if err := cbor.Unmarshal(b, &stored); err != nil {
		c.log.V(1).Info("discarding corrupt cache file", "source", source, "error", err.Error())
		return Meta{}, fmt.Errorf("%w: %v", ErrStale, err)
	}
	deps := make([]string, 0, len(stored.Meta.Stamps))
	for _, s := range stored.Meta.Stamps {
		deps = append(deps, s.Source)
	}
	current, err := CurrentMeta(source, deps, env)
	if err != nil {
		return Meta{}, err
	}
	if field := mismatch(stored.Meta, current); field != "" {
		c.log.V(1).Info("cache entry is stale", "source", source, "field", field)
		return Meta{}, fmt.Errorf("%w: %s changed", ErrStale, field)
	}
	if err := cbor.Unmarshal(stored.Data, data); err != nil {
		return Meta{}, fmt.Errorf("%w: %v", ErrStale, err)
	}
	return stored.Meta, nil
}

// Remove deletes the cache file of source.
func (c *Cache) Remove(source string) error {
	err := os.Remove(c.Path(source))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
