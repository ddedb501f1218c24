// Copyright © 2024 The robotdev authors

package debugger

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/luthersystems/robotdev/framework"
)

// SourceBreakpoint is a breakpoint as requested by the client.
type SourceBreakpoint struct {
	Line         int
	Condition    string // expression; the breakpoint stops only when it is truthy
	HitCondition string // stop only on this hit of the location
	LogMessage   string // log point: emit the message instead of stopping
}

// Breakpoint is a registered breakpoint.
type Breakpoint struct {
	ID     int
	Source string
	SourceBreakpoint
}

// IsLogPoint reports whether the breakpoint only logs.
func (bp *Breakpoint) IsLogPoint() bool {
	return bp.LogMessage != ""
}

// hitTarget returns the parsed hit condition, or 0 when there is none.
func (bp *Breakpoint) hitTarget() (int, bool) {
	hc := strings.TrimSpace(bp.HitCondition)
	if hc == "" {
		return 0, false
	}
	n, err := strconv.Atoi(hc)
	if err != nil {
		return 0, false
	}
	return n, true
}

type hitKey struct {
	source string
	line   int
	typ    framework.FrameType
}

// BreakpointStore holds breakpoints per source. Sources are compared by
// PathKey. All methods are safe for concurrent use.
type BreakpointStore struct {
	mu       sync.RWMutex
	bySource map[string][]*Breakpoint
	nextID   int
	hits     map[hitKey]int
}

// NewBreakpointStore returns an empty breakpoint store.
func NewBreakpointStore() *BreakpointStore {
	return &BreakpointStore{
		bySource: make(map[string][]*Breakpoint),
		hits:     make(map[hitKey]int),
	}
}

// SetForSource replaces the breakpoints of source, following the
// setBreakpoints semantics of full replacement. A requested breakpoint equal
// to an existing one keeps its id.
func (s *BreakpointStore) SetForSource(source string, bps []SourceBreakpoint) []*Breakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := PathKey(source)
	old := s.bySource[key]
	result := make([]*Breakpoint, len(bps))
	used := make(map[*Breakpoint]bool)
	for i, sb := range bps {
		var bp *Breakpoint
		for _, o := range old {
			if !used[o] && o.SourceBreakpoint == sb {
				bp = o
				break
			}
		}
		if bp == nil {
			s.nextID++
			bp = &Breakpoint{ID: s.nextID, Source: source, SourceBreakpoint: sb}
		}
		used[bp] = true
		result[i] = bp
	}
	if len(result) == 0 {
		delete(s.bySource, key)
	} else {
		s.bySource[key] = result
	}
	for hk := range s.hits {
		if PathKey(hk.source) == key {
			delete(s.hits, hk)
		}
	}
	return result
}

// ForSource returns the breakpoints of source.
func (s *BreakpointStore) ForSource(source string) []*Breakpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Breakpoint(nil), s.bySource[PathKey(source)]...)
}

// All returns every breakpoint ordered by id.
func (s *BreakpointStore) All() []*Breakpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Breakpoint
	for _, bps := range s.bySource {
		out = append(out, bps...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Match returns the breakpoints at source:line.
func (s *BreakpointStore) Match(source string, line int) []*Breakpoint {
	if source == "" || line <= 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Breakpoint
	for _, bp := range s.bySource[PathKey(source)] {
		if bp.Line == line {
			out = append(out, bp)
		}
	}
	return out
}

// Hit increments and returns the hit count of a location.
func (s *BreakpointStore) Hit(source string, line int, typ framework.FrameType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := hitKey{source: PathKey(source), line: line, typ: typ}
	s.hits[k]++
	return s.hits[k]
}

// Len returns the number of breakpoints.
func (s *BreakpointStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, bps := range s.bySource {
		n += len(bps)
	}
	return n
}
