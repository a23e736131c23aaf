package internal

import (
	"sort"
	"sync"
)

// FiberLocals is the namespace of fiber-local variables. Fibers inherit a copy
// of their creator's locals unless given their own.
type FiberLocals struct {
	mu   sync.Mutex
	vars map[*Symbol]Value
}

// NewFiberLocals creates an empty namespace.
func NewFiberLocals() *FiberLocals {
	return &FiberLocals{vars: make(map[*Symbol]Value)}
}

// Get returns the value of a fiber-local variable.
func (l *FiberLocals) Get(key *Symbol) (Value, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.vars[key]
	return v, ok
}

// Set sets a fiber-local variable.
func (l *FiberLocals) Set(key *Symbol, v Value) {
	l.mu.Lock()
	l.vars[key] = v
	l.mu.Unlock()
}

// Delete removes a fiber-local variable.
func (l *FiberLocals) Delete(key *Symbol) {
	l.mu.Lock()
	delete(l.vars, key)
	l.mu.Unlock()
}

// Keys returns the variable names in sorted order.
func (l *FiberLocals) Keys() []*Symbol {
	l.mu.Lock()
	r := make([]*Symbol, 0, len(l.vars))
	for k := range l.vars {
		r = append(r, k)
	}
	l.mu.Unlock()
	sort.Slice(r, func(i, j int) bool { return r[i].str < r[j].str })
	return r
}

// Copy returns a shallow copy of the namespace.
func (l *FiberLocals) Copy() *FiberLocals {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := &FiberLocals{vars: make(map[*Symbol]Value, len(l.vars))}
	for k, v := range l.vars {
		r.vars[k] = v
	}
	return r
}
