// Copyright © 2024 The robotdev authors

package debugrepl

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/luthersystems/robotdev/debugger"
)

// debugCommands lists all debug command names for tab completion.
var debugCommands = []string{
	"backtrace",
	"break",
	"breakpoints",
	"continue",
	"delete",
	"help",
	"locals",
	"next",
	"out",
	"print",
	"quit",
	"step",
	"where",
}

const completionTimeout = 2 * time.Second

// debugCompleter implements readline.AutoCompleter for the debug REPL.
// It merges debug command names with the engine's keyword and variable
// completions in the paused frame.
type debugCompleter struct {
	engine *debugger.Engine
}

func (c *debugCompleter) Do(line []rune, pos int) ([][]rune, int) {
	text := string(line[:pos])
	prefix := debugger.ExtractPrefix(text, len(text)+1)
	// Commands only complete as the first word of the line.
	firstWord := prefix != "" && prefix == strings.TrimLeft(text, " \t") && !strings.Contains(prefix, " ")

	var candidates []string
	seen := make(map[string]bool)
	if firstWord {
		for _, cmd := range debugCommands {
			if strings.HasPrefix(cmd, prefix) {
				seen[cmd] = true
				candidates = append(candidates, cmd)
			}
		}
	}

	if c.engine.IsPaused() {
		ctx, cancel := context.WithTimeout(context.Background(), completionTimeout)
		defer cancel()
		cands, err := c.engine.Completions(ctx, 0, text, len(text)+1)
		if err == nil {
			for _, cand := range cands {
				if !seen[cand.Label] && strings.HasPrefix(strings.ToLower(cand.Label), strings.ToLower(prefix)) {
					seen[cand.Label] = true
					candidates = append(candidates, cand.Label)
				}
			}
		}
	}

	sort.Strings(candidates)
	result := make([][]rune, 0, len(candidates))
	for _, cand := range candidates {
		result = append(result, []rune(cand[len(prefix):]))
	}
	return result, len(prefix)
}
