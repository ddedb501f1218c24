// Copyright © 2024 The robotdev authors

package namespace

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/luthersystems/robotdev/imports"
)

// keywordSourceSize bounds the namespaces a KeywordSource keeps alive.
const keywordSourceSize = 16

type cached struct {
	ns *Namespace
	s  *imports.Sentinel
}

// KeywordSource serves keyword names of suite files to the debugger's
// completion provider. Namespaces are built on first use and dropped when
// an import they depend on changes.
type KeywordSource struct {
	m    *imports.Manager
	opts []Option

	mu    sync.Mutex
	cache *lru.Cache[string, cached]
	stop  func()
	done  chan struct{}
}

// NewKeywordSource returns a keyword source building namespaces with m.
// Close it to release the imports it holds.
func NewKeywordSource(m *imports.Manager, opts ...Option) (*KeywordSource, error) {
	ks := &KeywordSource{m: m, opts: opts, done: make(chan struct{})}
	c, err := lru.NewWithEvict[string, cached](keywordSourceSize, func(_ string, v cached) {
		m.Release(v.s)
	})
	if err != nil {
		return nil, err
	}
	ks.cache = c
	events, stop := m.Subscribe()
	ks.stop = stop
	go func() {
		defer close(ks.done)
		for range events {
			ks.mu.Lock()
			ks.cache.Purge()
			ks.mu.Unlock()
		}
	}()
	return ks, nil
}

// Namespace returns the namespace of source.
func (ks *KeywordSource) Namespace(ctx context.Context, source string) (*Namespace, error) {
	ks.mu.Lock()
	if v, ok := ks.cache.Get(source); ok {
		ks.mu.Unlock()
		return v.ns, nil
	}
	ks.mu.Unlock()
	s := imports.NewSentinel(source)
	ns, err := Build(ctx, ks.m, source, s, ks.opts...)
	if err != nil {
		ks.m.Release(s)
		return nil, err
	}
	ks.mu.Lock()
	ks.cache.Add(source, cached{ns: ns, s: s})
	ks.mu.Unlock()
	return ns, nil
}

// Keywords returns the keyword names visible in source.
func (ks *KeywordSource) Keywords(ctx context.Context, source string) ([]string, error) {
	ns, err := ks.Namespace(ctx, source)
	if err != nil {
		return nil, err
	}
	return ns.KeywordNames(), nil
}

// Close releases every cached namespace.
func (ks *KeywordSource) Close() {
	ks.stop()
	<-ks.done
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.cache.Purge()
}
