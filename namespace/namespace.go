// Copyright © 2024 The robotdev authors

// Package namespace computes what a suite file can see: the transitive
// closure of its library, resource and variables imports, the keyword and
// variable tables they provide, and diagnostics for imports that fail and
// keyword calls that do not resolve.
package namespace

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-logr/logr"
	"github.com/luthersystems/robotdev/imports"
	"github.com/luthersystems/robotdev/imports/nscache"
)

// BuiltIn is the library every suite imports implicitly.
const BuiltIn = "BuiltIn"

// Namespace is the analysed view of one suite or resource file.
type Namespace struct {
	Source      string
	Variables   []imports.VariableDef
	Diagnostics []Diagnostic
	// Dependencies are the files, other than Source, the namespace was
	// built from.
	Dependencies []string

	ix *index
}

// Keywords returns every visible keyword sorted by name.
func (n *Namespace) Keywords() []*Keyword {
	return n.ix.sorted()
}

// FindKeyword returns the keywords a call name resolves to. An empty
// result means the keyword is unknown; more than one means the call is
// ambiguous.
func (n *Namespace) FindKeyword(name string) []*Keyword {
	return n.ix.find(name)
}

// KeywordNames returns the distinct visible keyword names.
func (n *Namespace) KeywordNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, kw := range n.ix.sorted() {
		if !seen[kw.Name] {
			seen[kw.Name] = true
			names = append(names, kw.Name)
		}
	}
	return names
}

// snapshot is the cached form of a namespace.
type snapshot struct {
	Keywords     []*Keyword            `json:"keywords"`
	Variables    []imports.VariableDef `json:"variables,omitempty"`
	Diagnostics  []Diagnostic          `json:"diagnostics,omitempty"`
	Dependencies []string              `json:"dependencies,omitempty"`
}

func fromSnapshot(source string, s snapshot) *Namespace {
	return &Namespace{
		Source:       source,
		Variables:    s.Variables,
		Diagnostics:  s.Diagnostics,
		Dependencies: s.Dependencies,
		ix:           newIndex(s.Keywords),
	}
}

// Option configures Build.
type Option func(*builder)

// WithLogger sets the builder's logger.
func WithLogger(log logr.Logger) Option {
	return func(b *builder) { b.log = log }
}

// WithCache reuses and stores namespaces in c. The cache is only read
// when env matches the environment the entry was computed in.
func WithCache(c *nscache.Cache, env nscache.Env) Option {
	return func(b *builder) {
		b.cache = c
		b.env = env
	}
}

// WithoutBuiltIn skips the implicit BuiltIn import.
func WithoutBuiltIn() Option {
	return func(b *builder) { b.noBuiltIn = true }
}

type builder struct {
	m         *imports.Manager
	s         *imports.Sentinel
	log       logr.Logger
	cache     *nscache.Cache
	env       nscache.Env
	noBuiltIn bool

	root      string
	keywords  []*Keyword
	variables []imports.VariableDef
	diags     []Diagnostic
	deps      map[string]bool
	visited   map[string]bool
	libraries map[string]bool
}

// Build analyses source. Imports are loaded through m and held by s until
// s is released or collected. The returned error is only set when source
// itself cannot be parsed; import problems become diagnostics.
func Build(ctx context.Context, m *imports.Manager, source string, s *imports.Sentinel, opts ...Option) (*Namespace, error) {
	b := &builder{
		m:         m,
		s:         s,
		log:       logr.Discard(),
		root:      filepath.Clean(source),
		deps:      make(map[string]bool),
		visited:   make(map[string]bool),
		libraries: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.cache != nil {
		var snap snapshot
		if _, err := b.cache.Load(b.root, b.env, &snap); err == nil {
			b.log.V(1).Info("namespace loaded from cache", "source", b.root)
			return fromSnapshot(b.root, snap), nil
		}
	}

	res, err := m.GetDocument(ctx, b.root, s)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", b.root, err)
	}
	b.visited[b.root] = true
	b.addKeywords(res.Doc.Keywords, "", TierLocal)
	b.variables = append(b.variables, res.Doc.Variables...)

	if !b.noBuiltIn {
		b.library(ctx, imports.Import{Kind: imports.KindLibrary, Name: BuiltIn}, filepath.Dir(b.root), nil)
	}
	for i := range res.Doc.Imports {
		imp := &res.Doc.Imports[i]
		b.importOne(ctx, *imp, filepath.Dir(b.root), imp)
	}

	ns := &Namespace{
		Source:       b.root,
		Variables:    b.variables,
		Dependencies: b.dependencies(),
		ix:           newIndex(b.keywords),
	}
	b.checkCalls(ns, res.Doc.Calls)
	ns.Diagnostics = b.diags

	if b.cache != nil {
		b.save(ns)
	}
	return ns, nil
}

func (b *builder) save(ns *Namespace) {
	meta, err := nscache.CurrentMeta(ns.Source, ns.Dependencies, b.env)
	if err != nil {
		b.log.V(1).Info("cannot stat namespace source", "source", ns.Source, "error", err.Error())
		return
	}
	snap := snapshot{
		Keywords:     ns.ix.all,
		Variables:    ns.Variables,
		Diagnostics:  ns.Diagnostics,
		Dependencies: ns.Dependencies,
	}
	if err := b.cache.Save(meta, snap); err != nil {
		b.log.Error(err, "cannot save namespace cache", "source", ns.Source)
	}
}

func (b *builder) dependencies() []string {
	out := make([]string, 0, len(b.deps))
	for d := range b.deps {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func (b *builder) addDependency(source string) {
	if filepath.IsAbs(source) && source != b.root {
		b.deps[source] = true
	}
}

func (b *builder) addKeywords(docs []imports.KeywordDoc, owner string, tier Tier) {
	for _, d := range docs {
		b.keywords = append(b.keywords, &Keyword{
			Name:   d.Name,
			Owner:  owner,
			Tier:   tier,
			Args:   d.Args,
			Doc:    d.Doc,
			Tags:   d.Tags,
			Source: d.Source,
			LineNo: d.LineNo,
		})
	}
}

// importOne processes an import made by a file in baseDir. origin is the
// import statement of the root file that led here, or nil for implicit
// imports; diagnostics are positioned on it.
func (b *builder) importOne(ctx context.Context, imp imports.Import, baseDir string, origin *imports.Import) {
	switch imp.Kind {
	case imports.KindLibrary:
		b.library(ctx, imp, baseDir, origin)
	case imports.KindResource:
		b.resource(ctx, imp, baseDir, origin)
	case imports.KindVariables:
		b.variablesFile(ctx, imp, baseDir, origin)
	}
}

func (b *builder) library(ctx context.Context, imp imports.Import, baseDir string, origin *imports.Import) {
	lib, err := b.m.GetLibrary(ctx, imp.Name, imp.Args, baseDir, b.s)
	if err != nil {
		b.importError(imp, origin, err)
		return
	}
	owner := lib.Doc.Name
	if owner == "" {
		owner = imp.Name
	}
	if imp.Alias != "" {
		owner = imp.Alias
	}
	b.addDependency(lib.Source)
	for _, e := range lib.Doc.Errors {
		b.report(origin, SeverityWarning, CodeImportError, fmt.Sprintf("library '%s' reported: %s", imp.Name, e.Error()))
	}
	key := Normalize(owner) + "\x00" + lib.Source + "\x00" + strings.Join(imp.Args, "\x00")
	if b.libraries[key] {
		return
	}
	b.libraries[key] = true
	b.addKeywords(lib.Doc.Keywords, owner, TierLibrary)
}

func (b *builder) resource(ctx context.Context, imp imports.Import, baseDir string, origin *imports.Import) {
	res, err := b.m.GetResource(ctx, imp.Name, baseDir, b.s)
	if err != nil {
		b.importError(imp, origin, err)
		return
	}
	if b.visited[res.Source] {
		return
	}
	b.visited[res.Source] = true
	b.addDependency(res.Source)
	b.addKeywords(res.Library.Keywords, res.Library.Name, TierResource)
	b.variables = append(b.variables, res.Doc.Variables...)
	dir := filepath.Dir(res.Source)
	for _, nested := range res.Doc.Imports {
		b.importOne(ctx, nested, dir, origin)
	}
}

func (b *builder) variablesFile(ctx context.Context, imp imports.Import, baseDir string, origin *imports.Import) {
	vars, err := b.m.GetVariables(ctx, imp.Name, imp.Args, baseDir, b.s)
	if err != nil {
		b.importError(imp, origin, err)
		return
	}
	b.addDependency(vars.Source)
	b.variables = append(b.variables, vars.Variables...)
}

// importError reports a failed import.
func (b *builder) importError(imp imports.Import, origin *imports.Import, err error) {
	code := CodeImportError
	switch {
	case errors.Is(err, imports.ErrLoadTimeout):
		code = CodeLoadTimeout
	case errors.Is(err, imports.ErrNotFound) && imp.Kind == imports.KindResource:
		code = CodeResourceNotFound
	case errors.Is(err, imports.ErrNotFound) && imp.Kind == imports.KindVariables:
		code = CodeVariablesNotFound
	}
	msg := err.Error()
	if origin != nil && origin.Name != imp.Name {
		msg = fmt.Sprintf("%s (imported through '%s')", msg, origin.Name)
	}
	b.report(origin, SeverityError, code, msg)
}

func (b *builder) report(origin *imports.Import, sev Severity, code Code, msg string) {
	pos := Position{File: b.root}
	if origin != nil {
		pos.Line = origin.Line
		pos.Column = origin.Column
		pos.EndColumn = origin.EndColumn
	}
	b.diags = append(b.diags, Diagnostic{
		Pos:      pos,
		Severity: sev,
		Code:     code,
		Message:  msg,
		Source:   DiagnosticSource,
	})
}

// checkCalls reports keyword calls that do not resolve to exactly one
// keyword. Calls whose name is built from variables are not checked.
func (b *builder) checkCalls(ns *Namespace, calls []imports.KeywordCall) {
	for _, c := range calls {
		kws := ns.FindKeyword(c.Name)
		pos := Position{File: b.root, Line: c.Line, Column: c.Column, EndColumn: c.EndColumn}
		switch {
		case len(kws) == 0 && strings.Contains(c.Name, "{"):
		case len(kws) == 0:
			b.diags = append(b.diags, Diagnostic{
				Pos:      pos,
				Severity: SeverityError,
				Code:     CodeKeywordNotFound,
				Message:  fmt.Sprintf("No keyword with name '%s' found.", c.Name),
				Source:   DiagnosticSource,
			})
		case len(kws) > 1:
			names := make([]string, 0, len(kws))
			for _, kw := range kws {
				names = append(names, "'"+kw.QualifiedName()+"'")
			}
			sort.Strings(names)
			b.diags = append(b.diags, Diagnostic{
				Pos:      pos,
				Severity: SeverityError,
				Code:     CodeMultipleKeywords,
				Message: fmt.Sprintf("Multiple keywords with name '%s' found. Give the full name of the keyword you want to use: %s",
					c.Name, strings.Join(names, ", ")),
				Source: DiagnosticSource,
			})
		}
	}
}
