// Copyright © 2024 The robotdev authors

package debugger

import (
	"context"
	"sort"
	"strings"

	"github.com/luthersystems/robotdev/framework"
)

// KeywordSource lists the keywords available to a suite source, usually
// from its analysed namespace.
type KeywordSource interface {
	Keywords(ctx context.Context, source string) ([]string, error)
}

// CompletionCandidate represents a single auto-complete suggestion.
type CompletionCandidate struct {
	Label string
	Type  string // "variable" or "function"
	// Start is the 0-based offset in the input where the replaced prefix
	// starts; Length is the prefix length.
	Start  int
	Length int
}

// Completions returns completion candidates for text at the 1-based column
// in the given frame. Variable syntax completes framework variables;
// anything else completes keywords when a keyword source is configured
// and variables otherwise.
func (e *Engine) Completions(ctx context.Context, frameID int, text string, column int) ([]CompletionCandidate, error) {
	prefix := ExtractPrefix(text, column)
	f, err := e.evalFrame(frameID)
	if err != nil {
		return nil, err
	}
	start := column - 1 - len(prefix)
	if start < 0 {
		start = 0
	}

	var labels []string
	typ := "variable"
	if e.keywords != nil && !isVariableStart(prefix) {
		kws, err := e.keywords.Keywords(ctx, f.Source)
		if err != nil {
			return nil, err
		}
		labels, typ = kws, "function"
	} else {
		res, err := e.runOnFramework(ctx, func(ctx context.Context, fw framework.Context) (any, error) {
			return fw.Variables(ctx, localScope(f))
		})
		if err != nil {
			return nil, err
		}
		for _, v := range res.([]framework.Variable) {
			labels = append(labels, v.Name)
		}
	}

	want := NormalizeName(prefix)
	seen := make(map[string]bool)
	var out []CompletionCandidate
	for _, l := range labels {
		if seen[l] || !strings.HasPrefix(NormalizeName(l), want) {
			continue
		}
		seen[l] = true
		out = append(out, CompletionCandidate{Label: l, Type: typ, Start: start, Length: len(prefix)})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Label < out[j].Label
	})
	return out, nil
}

func isVariableStart(prefix string) bool {
	return prefix != "" && strings.ContainsRune("$@&%", rune(prefix[0]))
}

// ExtractPrefix extracts the completion prefix from text at the given
// column position. Column is 1-based (DAP convention). The prefix runs
// back from the cursor to the start of the current cell: a tab, a newline
// or two consecutive spaces.
func ExtractPrefix(text string, column int) string {
	pos := column - 1
	if pos < 0 {
		pos = 0
	}
	if pos > len(text) {
		pos = len(text)
	}

	start := pos
	for start > 0 {
		ch := text[start-1]
		if ch == '\t' || ch == '\n' {
			break
		}
		if ch == ' ' && start >= 2 && text[start-2] == ' ' {
			break
		}
		start--
	}
	return strings.TrimLeft(text[start:pos], " ")
}
