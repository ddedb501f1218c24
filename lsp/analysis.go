// Copyright © 2024 The robotdev authors

package lsp

import (
	"context"
	"slices"

	"github.com/luthersystems/robotdev/imports"
	"github.com/luthersystems/robotdev/namespace"
)

// analyzed is a cached namespace and the sentinel holding its imports.
type analyzed struct {
	ns       *namespace.Namespace
	sentinel *imports.Sentinel
}

// namespaceFor returns the namespace of the file at path, building it on
// first use. Concurrent requests for one file share a build.
func (s *Server) namespaceFor(path string) (*namespace.Namespace, error) {
	s.cacheMu.Lock()
	if a, ok := s.cache.Get(path); ok {
		s.cacheMu.Unlock()
		return a.ns, nil
	}
	gen := s.gen
	s.cacheMu.Unlock()

	v, err, _ := s.builds.Do(path, func() (any, error) {
		ctx, cancel := context.WithTimeout(s.ctx, analysisTimeout)
		defer cancel()
		sentinel := imports.NewSentinel(path)
		ns, err := namespace.Build(ctx, s.m, path, sentinel, append([]namespace.Option{namespace.WithLogger(s.log)}, s.nsOpts...)...)
		if err != nil {
			s.m.Release(sentinel)
			return nil, err
		}
		s.cacheMu.Lock()
		defer s.cacheMu.Unlock()
		if s.gen != gen {
			// An import changed while building; the result may be stale.
			s.m.Release(sentinel)
			return ns, nil
		}
		s.cache.Remove(path)
		s.cache.Add(path, analyzed{ns: ns, sentinel: sentinel})
		return ns, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*namespace.Namespace), nil
}

// invalidate drops the namespaces built from source. An empty source is a
// change to an import that did not resolve, which may affect any of them.
func (s *Server) invalidate(source string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.gen++
	for _, path := range s.cache.Keys() {
		a, ok := s.cache.Peek(path)
		if !ok {
			continue
		}
		if source == "" || path == source || slices.Contains(a.ns.Dependencies, source) {
			s.cache.Remove(path)
		}
	}
}

// forget drops the namespace of path.
func (s *Server) forget(path string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache.Remove(path)
}

func (s *Server) isCached(path string) bool {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.cache.Contains(path)
}
