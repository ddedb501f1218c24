// Copyright © 2024 The robotdev authors

// Package idmanager hands out small integer ids for objects that are
// referenced by id over the wire (stack frames, variable scopes, expanded
// values). Ids are held weakly: once the object is garbage collected its id
// returns to the pool.
package idmanager

import (
	"errors"
	"runtime"
	"sync"
	"weak"
)

// MaxID is the largest id handed out.
const MaxID = 1<<31 - 1

// ErrExhausted is returned when no id can be allocated.
var ErrExhausted = errors.New("idmanager: id space exhausted")

type entry struct {
	gen     uint64
	key     any // weak.Pointer[T], comparable
	resolve func() any
	cleanup runtime.Cleanup
}

type cleanupArg struct {
	m   *Manager
	id  int
	gen uint64
}

// Manager allocates ids. The zero value is not usable; call New.
type Manager struct {
	mu    sync.Mutex
	next  int
	max   int
	gen   uint64
	free  []int
	byID  map[int]*entry
	byObj map[any]int
}

// New returns an empty manager.
func New() *Manager {
	return &Manager{
		next:  1,
		max:   MaxID,
		byID:  make(map[int]*entry),
		byObj: make(map[any]int),
	}
}

// Allocate returns the id of obj, assigning one if obj has none yet.
func Allocate[T any](m *Manager, obj *T) (int, error) {
	wp := weak.Make(obj)
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byObj[wp]; ok {
		return id, nil
	}
	var id int
	if len(m.free) > 0 {
		id = m.free[0]
		m.free = m.free[1:]
	} else {
		if m.next > m.max {
			return 0, ErrExhausted
		}
		id = m.next
		m.next++
	}
	m.gen++
	e := &entry{
		gen: m.gen,
		key: wp,
		resolve: func() any {
			if p := wp.Value(); p != nil {
				return p
			}
			return nil
		},
	}
	e.cleanup = runtime.AddCleanup(obj, func(a cleanupArg) {
		a.m.release(a.id, a.gen)
	}, cleanupArg{m: m, id: id, gen: e.gen})
	m.byID[id] = e
	m.byObj[wp] = id
	return id, nil
}

// Resolve returns the object with the given id, or false if the id is
// unknown or its object has been collected.
func (m *Manager) Resolve(id int) (any, bool) {
	m.mu.Lock()
	e, ok := m.byID[id]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	obj := e.resolve()
	return obj, obj != nil
}

// ResolveAs returns the object with the given id if it is a *T.
func ResolveAs[T any](m *Manager, id int) (*T, bool) {
	obj, ok := m.Resolve(id)
	if !ok {
		return nil, false
	}
	p, ok := obj.(*T)
	return p, ok
}

// Release returns id to the pool immediately.
func (m *Manager) Release(id int) {
	m.mu.Lock()
	e, ok := m.byID[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	e.cleanup.Stop()
	m.release(id, e.gen)
}

// ReleaseObject releases the id held by obj, if any.
func ReleaseObject[T any](m *Manager, obj *T) {
	m.mu.Lock()
	id, ok := m.byObj[weak.Make(obj)]
	m.mu.Unlock()
	if ok {
		m.Release(id)
	}
}

func (m *Manager) release(id int, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok || e.gen != gen {
		return
	}
	delete(m.byID, id)
	delete(m.byObj, e.key)
	m.free = append(m.free, id)
}

// Len returns the number of live ids.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}
