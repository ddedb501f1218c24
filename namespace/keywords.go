// Copyright © 2024 The robotdev authors

package namespace

import (
	"regexp"
	"sort"
	"strings"
)

// Tier orders keyword owners by precedence. A keyword in a lower tier
// hides same-named keywords in higher tiers.
type Tier int

const (
	TierLocal Tier = iota
	TierResource
	TierLibrary
)

// Keyword is a keyword visible in a namespace.
type Keyword struct {
	Name string `json:"name"`
	// Owner is the library or resource name, or the library's alias.
	Owner  string   `json:"owner"`
	Tier   Tier     `json:"tier"`
	Args   []string `json:"args,omitempty"`
	Doc    string   `json:"doc,omitempty"`
	Tags   []string `json:"tags,omitempty"`
	Source string   `json:"source,omitempty"`
	LineNo int      `json:"lineno,omitempty"`
}

// QualifiedName returns Owner.Name.
func (k *Keyword) QualifiedName() string {
	if k.Owner == "" {
		return k.Name
	}
	return k.Owner + "." + k.Name
}

// Normalize folds a keyword or owner name for lookup: case, spaces and
// underscores are ignored.
func Normalize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		if r == ' ' || r == '_' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var embeddedArg = regexp.MustCompile(`\$\{[^}]+\}`)

// embeddedPattern returns the pattern matching calls of a keyword with
// embedded arguments, or nil when the name has none.
func embeddedPattern(name string) *regexp.Regexp {
	locs := embeddedArg.FindAllStringIndex(name, -1)
	if len(locs) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString(`(?i)^`)
	prev := 0
	for _, loc := range locs {
		b.WriteString(regexp.QuoteMeta(name[prev:loc[0]]))
		b.WriteString(`(.*?)`)
		prev = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(name[prev:]))
	b.WriteString(`$`)
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil
	}
	return re
}

type embedded struct {
	kw *Keyword
	re *regexp.Regexp
}

// index is the keyword lookup table of a namespace.
type index struct {
	all       []*Keyword
	byName    map[string][]*Keyword
	qualified map[string][]*Keyword
	embedded  []embedded
}

func newIndex(kws []*Keyword) *index {
	ix := &index{
		all:       kws,
		byName:    make(map[string][]*Keyword),
		qualified: make(map[string][]*Keyword),
	}
	for _, kw := range kws {
		if re := embeddedPattern(kw.Name); re != nil {
			ix.embedded = append(ix.embedded, embedded{kw: kw, re: re})
			continue
		}
		n := Normalize(kw.Name)
		ix.byName[n] = append(ix.byName[n], kw)
		if kw.Owner != "" {
			q := Normalize(kw.Owner) + "." + n
			ix.qualified[q] = append(ix.qualified[q], kw)
		}
	}
	return ix
}

// find returns the keywords a call name resolves to. More than one result
// means the call is ambiguous.
func (ix *index) find(name string) []*Keyword {
	if kws := best(ix.byName[Normalize(name)]); len(kws) > 0 {
		return kws
	}
	if owner, kw, ok := cutQualified(name); ok {
		if kws := ix.qualified[Normalize(owner)+"."+Normalize(kw)]; len(kws) > 0 {
			return kws
		}
	}
	var matches []*Keyword
	for _, e := range ix.embedded {
		if e.re.MatchString(name) {
			matches = append(matches, e.kw)
		}
	}
	return best(matches)
}

// cutQualified splits Owner.Keyword at the last dot, since owner names
// may contain dots themselves.
func cutQualified(name string) (string, string, bool) {
	i := strings.LastIndex(name, ".")
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

// best keeps the keywords of the most preferred tier, dropping duplicates
// of one keyword imported several times.
func best(kws []*Keyword) []*Keyword {
	if len(kws) <= 1 {
		return kws
	}
	top := kws[0].Tier
	for _, kw := range kws[1:] {
		if kw.Tier < top {
			top = kw.Tier
		}
	}
	var out []*Keyword
	seen := make(map[string]bool)
	for _, kw := range kws {
		if kw.Tier != top {
			continue
		}
		key := Normalize(kw.QualifiedName())
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, kw)
	}
	return out
}

// sorted returns every keyword ordered by name then owner.
func (ix *index) sorted() []*Keyword {
	out := append([]*Keyword(nil), ix.all...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Owner < out[j].Owner
	})
	return out
}
