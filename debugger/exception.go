// Copyright © 2024 The robotdev authors

package debugger

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/luthersystems/robotdev/framework"
)

// Exception filter ids offered to the client.
const (
	FilterFailedKeyword         = "failed_keyword"
	FilterUncaughtFailedKeyword = "uncaught_failed_keyword"
	FilterFailedTest            = "failed_test"
	FilterFailedSuite           = "failed_suite"
)

// ExceptionFilter is an enabled exception filter with an optional
// condition.
type ExceptionFilter struct {
	ID        string
	Condition string
}

// ExceptionFilterOption describes a filter the client can enable.
type ExceptionFilterOption struct {
	ID                   string
	Label                string
	Description          string
	Default              bool
	SupportsCondition    bool
	ConditionDescription string
}

// ExceptionFilterOptions lists the filters in the order they are offered.
func ExceptionFilterOptions() []ExceptionFilterOption {
	return []ExceptionFilterOption{
		{ID: FilterFailedKeyword, Label: "Failed Keywords", Description: "Breaks on every failing keyword, also inside TRY/EXCEPT and run-keyword-and-* wrappers.", SupportsCondition: true},
		{ID: FilterUncaughtFailedKeyword, Label: "Uncaught Failed Keywords", Description: "Breaks on failing keywords whose failure is not caught.", Default: true, SupportsCondition: true},
		{ID: FilterFailedTest, Label: "Failed Tests", Description: "Breaks when a test fails.", SupportsCondition: true},
		{ID: FilterFailedSuite, Label: "Failed Suites", Description: "Breaks when a suite fails.", SupportsCondition: true},
	}
}

// DefaultExceptionFilters returns the filters enabled at startup.
func DefaultExceptionFilters() []ExceptionFilter {
	return []ExceptionFilter{{ID: FilterUncaughtFailedKeyword}}
}

// ExceptionInfo describes the failure the engine is paused at. It is also
// exposed as the ${EXCEPTION} variable.
type ExceptionInfo struct {
	FilterID    string
	Text        string
	Description string
	Status      framework.Status
	Uncaught    bool
}

// wrapperKeywords are keywords that catch failures of the keywords they
// run.
var wrapperKeywords = func() map[string]bool {
	m := make(map[string]bool)
	for _, name := range []string{
		"BuiltIn.Run Keyword And Ignore Error",
		"BuiltIn.Run Keyword And Expect Error",
		"BuiltIn.Run Keyword And Return Status",
		"BuiltIn.Run Keyword And Continue On Failure",
		"BuiltIn.Run Keyword And Warn On Failure",
		"BuiltIn.Wait Until Keyword Succeeds",
	} {
		m[NormalizeName(name)] = true
	}
	return m
}()

// NormalizeName normalises a keyword or variable name the way the
// framework compares them: case, spaces and underscores are ignored.
func NormalizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		if r == ' ' || r == '_' || r == '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsWrapperKeyword reports whether longName names a failure-catching
// wrapper keyword.
func IsWrapperKeyword(longName string) bool {
	return wrapperKeywords[NormalizeName(longName)]
}

const regexCacheSize = 25

// patternMatcher matches failure messages against EXCEPT patterns.
// Compiled regular expressions are kept in a small LRU cache.
type patternMatcher struct {
	cache *lru.Cache[string, *regexp.Regexp]
}

func newPatternMatcher() *patternMatcher {
	c, err := lru.New[string, *regexp.Regexp](regexCacheSize)
	if err != nil {
		panic(err)
	}
	return &patternMatcher{cache: c}
}

func (m *patternMatcher) purge() {
	m.cache.Purge()
}

func (m *patternMatcher) regexp(expr string) (*regexp.Regexp, bool) {
	if re, ok := m.cache.Get(expr); ok {
		return re, true
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, false
	}
	m.cache.Add(expr, re)
	return re, true
}

// match reports whether message matches pattern under the given pattern
// type. Unknown types match literally.
func (m *patternMatcher) match(message, pattern, typ string) bool {
	switch strings.ToUpper(strings.TrimSpace(typ)) {
	case "GLOB":
		re, ok := m.regexp("(?s)^" + globToRegexp(pattern) + "$")
		return ok && re.MatchString(message)
	case "REGEXP":
		re, ok := m.regexp("(?s)^(?:" + pattern + ")$")
		return ok && re.MatchString(message)
	case "START":
		return strings.HasPrefix(message, pattern)
	}
	return message == pattern
}

// globToRegexp translates a shell glob (*, ?, [seq], [!seq]) to a regular
// expression.
func globToRegexp(glob string) string {
	var b strings.Builder
	rs := []rune(glob)
	for i := 0; i < len(rs); i++ {
		switch c := rs[i]; c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			j := i + 1
			if j < len(rs) && rs[j] == '!' {
				j++
			}
			if j < len(rs) && rs[j] == ']' {
				j++
			}
			for j < len(rs) && rs[j] != ']' {
				j++
			}
			if j >= len(rs) {
				b.WriteString(`\[`)
				continue
			}
			class := string(rs[i+1 : j])
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			class = strings.ReplaceAll(class, `\`, `\\`)
			b.WriteString("[" + class + "]")
			i = j
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	return b.String()
}

// caught reports whether the failure of f with message is caught by an
// enclosing wrapper keyword or TRY statement. replace substitutes
// variables in EXCEPT patterns.
func (m *patternMatcher) caught(f *Frame, message string, replace func(string) string) bool {
	child := f
	for p := f.Parent(); p != nil; child, p = p, p.Parent() {
		if p.Type.IsKeywordLike() && IsWrapperKeyword(p.Attrs.LongName) {
			return true
		}
		if p.Type != framework.FrameTry || len(p.Attrs.Excepts) == 0 {
			continue
		}
		switch child.Type {
		case framework.FrameExcept, framework.FrameFinally, framework.FrameElse:
			// The failure happened while the TRY was already handling
			// or finishing.
			continue
		}
		for _, br := range p.Attrs.Excepts {
			if len(br.Patterns) == 0 {
				return true
			}
			for _, pat := range br.Patterns {
				if strings.ContainsAny(pat, "$@&%") && replace != nil {
					pat = replace(pat)
				}
				if m.match(message, pat, br.PatternType) {
					return true
				}
			}
		}
	}
	return false
}
