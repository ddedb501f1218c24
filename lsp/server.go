// Copyright © 2024 The robotdev authors

// Package lsp implements a Language Server Protocol server for suite and
// resource files. It publishes namespace diagnostics and provides
// completion, hover, go-to-definition and document symbols. All analysis
// goes through an imports.Manager, so library code only ever runs in the
// manager's worker processes.
package lsp

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/go-logr/logr"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/luthersystems/robotdev/imports"
	"github.com/luthersystems/robotdev/namespace"
	"github.com/tliron/glsp"
	glspserver "github.com/tliron/glsp/server"
	"golang.org/x/sync/singleflight"

	protocol "github.com/tliron/glsp/protocol_3_16"
)

const serverName = "robotdev-lsp"

const (
	defaultDebounce = 300 * time.Millisecond
	// analysisTimeout bounds one namespace build, including worker loads.
	analysisTimeout = 30 * time.Second
	// namespaceCacheSize bounds the namespaces, and the imports they hold,
	// kept for documents.
	namespaceCacheSize = 64
)

// Version is reported to clients in the initialize result.
var Version = "0.1.0"

// Server is the language server.
type Server struct {
	handler protocol.Handler
	glspSrv *glspserver.Server
	log     logr.Logger
	m       *imports.Manager
	nsOpts  []namespace.Option
	docs    *DocumentStore
	rootURI string

	ctx    context.Context
	cancel context.CancelFunc

	// Analysed namespaces by file path. Evicted entries release their
	// imports.
	cacheMu sync.Mutex
	cache   *lru.Cache[string, analyzed]
	gen     uint64
	builds  singleflight.Group

	// Debouncer for didChange notifications and change events.
	debounceMu sync.Mutex
	debounce   map[string]*time.Timer
	delay      time.Duration

	// Context for sending notifications (captured from latest request).
	notifyMu sync.Mutex
	notify   glsp.NotifyFunc

	stopEvents func()
	eventsDone chan struct{}
	closeOnce  sync.Once

	// exitFn is called on the LSP exit notification. Defaults to os.Exit.
	// Overridable for testing.
	exitFn func(int)
}

// Option configures the LSP server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(log logr.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithNamespaceOptions passes options to every namespace build, e.g. a
// persistent namespace cache.
func WithNamespaceOptions(opts ...namespace.Option) Option {
	return func(s *Server) { s.nsOpts = append(s.nsOpts, opts...) }
}

// WithDebounce sets how long edits and import changes settle before a
// document is analysed again.
func WithDebounce(d time.Duration) Option {
	return func(s *Server) { s.delay = d }
}

// New creates a language server analysing documents with m. The server
// re-analyses open documents when m reports a changed import. Close the
// server to release what it holds.
func New(m *imports.Manager, opts ...Option) *Server {
	s := &Server{
		log:        logr.Discard(),
		m:          m,
		docs:       NewDocumentStore(),
		debounce:   make(map[string]*time.Timer),
		delay:      defaultDebounce,
		eventsDone: make(chan struct{}),
		exitFn:     os.Exit,
	}
	for _, o := range opts {
		o(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	// NewWithEvict only fails for a non-positive size.
	s.cache, _ = lru.NewWithEvict(namespaceCacheSize, func(_ string, a analyzed) {
		m.Release(a.sentinel)
	})

	s.handler = protocol.Handler{
		Initialize: s.initialize,
		Shutdown:   s.shutdown,
		Exit:       s.exit,
		SetTrace:   s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidSave:   s.textDocumentDidSave,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentHover:          s.textDocumentHover,
		TextDocumentDefinition:     s.textDocumentDefinition,
		TextDocumentCompletion:     s.textDocumentCompletion,
		TextDocumentDocumentSymbol: s.textDocumentDocumentSymbol,
	}
	s.glspSrv = glspserver.NewServer(&s.handler, serverName, false)

	events, stop := m.Subscribe()
	s.stopEvents = stop
	go s.watchChanges(events)
	return s
}

// RunStdio starts the server using stdio transport.
func (s *Server) RunStdio() error {
	return s.glspSrv.RunStdio()
}

// RunTCP starts the server listening on the given address.
func (s *Server) RunTCP(addr string) error {
	return s.glspSrv.RunTCP(addr)
}

// Close stops watching for import changes, cancels pending analyses and
// releases every cached namespace.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.stopEvents()
		<-s.eventsDone
		s.stopTimers()
		s.cacheMu.Lock()
		s.cache.Purge()
		s.cacheMu.Unlock()
	})
}

// initialize handles the LSP initialize request.
func (s *Server) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	s.captureNotify(ctx)

	if params.RootURI != nil {
		s.rootURI = *params.RootURI
	} else if params.RootPath != nil {
		s.rootURI = pathToURI(*params.RootPath)
	}

	capabilities := s.handler.CreateServerCapabilities()

	// Override text document sync to full.
	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
		Save:      &protocol.SaveOptions{IncludeText: boolPtr(false)},
	}

	// Variables and library paths complete as they are typed.
	capabilities.CompletionProvider = &protocol.CompletionOptions{
		TriggerCharacters: []string{"{", ".", "/"},
	}

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    serverName,
			Version: &Version,
		},
	}, nil
}

// shutdown handles the LSP shutdown request.
func (s *Server) shutdown(_ *glsp.Context) error {
	s.stopTimers()
	return nil
}

// exit handles the LSP exit notification by terminating the process.
func (s *Server) exit(_ *glsp.Context) error {
	s.Close()
	s.exitFn(0)
	return nil
}

// setTrace handles the $/setTrace notification (required by some clients).
func (s *Server) setTrace(_ *glsp.Context, _ *protocol.SetTraceParams) error {
	return nil
}

func (s *Server) stopTimers() {
	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()
	for _, t := range s.debounce {
		t.Stop()
	}
	s.debounce = make(map[string]*time.Timer)
}

// watchChanges re-analyses the open documents affected by each import
// change reported by the manager.
func (s *Server) watchChanges(events <-chan imports.ChangeEvent) {
	defer close(s.eventsDone)
	for ev := range events {
		s.log.V(1).Info("imports changed", "kind", ev.Kind.String(), "name", ev.Name, "source", ev.Source)
		s.invalidate(ev.Source)
		for _, doc := range s.docs.All() {
			if !s.isCached(doc.Path) {
				s.schedule(doc.URI, s.delay)
			}
		}
	}
}

// captureNotify stores the notification function from the context for
// async use (e.g., publishing diagnostics after a debounce).
func (s *Server) captureNotify(ctx *glsp.Context) {
	if ctx == nil || ctx.Notify == nil {
		return
	}
	s.notifyMu.Lock()
	s.notify = ctx.Notify
	s.notifyMu.Unlock()
}

// sendNotification sends a notification to the client.
func (s *Server) sendNotification(method string, params any) {
	s.notifyMu.Lock()
	fn := s.notify
	s.notifyMu.Unlock()
	if fn != nil {
		fn(method, params)
	}
}

func boolPtr(b bool) *bool {
	return &b
}

func strPtr(s string) *string {
	return &s
}
