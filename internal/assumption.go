package internal

import "sync/atomic"

// An Assumption is a fact that cached code may rely on until it is
// invalidated. Invalidation is permanent.
type Assumption struct {
	name    string
	invalid atomic.Bool
}

// NewAssumption creates a valid assumption.
func NewAssumption(name string) *Assumption {
	return &Assumption{name: name}
}

// IsValid reports whether the assumption still holds.
func (a *Assumption) IsValid() bool {
	return !a.invalid.Load()
}

// Invalidate marks the assumption as no longer holding.
func (a *Assumption) Invalidate() {
	a.invalid.Store(true)
}

// String returns the assumption's name.
func (a *Assumption) String() string {
	return a.name
}

// A CyclicAssumption is an assumption that is replaced by a fresh valid one
// each time it is invalidated. Holders of the old assumption observe the
// invalidation; new readers get the replacement.
type CyclicAssumption struct {
	name    string
	current atomic.Pointer[Assumption]
}

// NewCyclicAssumption creates a cyclic assumption with a valid current
// assumption.
func NewCyclicAssumption(name string) *CyclicAssumption {
	c := &CyclicAssumption{name: name}
	c.current.Store(NewAssumption(name))
	return c
}

// Assumption returns the current assumption.
func (c *CyclicAssumption) Assumption() *Assumption {
	return c.current.Load()
}

// Invalidate invalidates the current assumption and installs a new one.
func (c *CyclicAssumption) Invalidate() {
	c.current.Swap(NewAssumption(c.name)).Invalidate()
}
