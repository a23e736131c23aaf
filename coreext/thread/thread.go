// Package thread implements Ruby Thread operations: running a body on a new
// thread, waiting for its value, and interrupting it.
package thread

import (
	"context"
	"sync/atomic"

	"github.com/zephyrtronium/rubycore"
	"github.com/zephyrtronium/rubycore/internal"
)

// A Handle is a running thread together with the value its body produces.
type Handle struct {
	// Thread is the underlying thread.
	Thread *rubycore.Thread
	// m is an atomic flag for whether the value has been computed.
	m     atomic.Bool
	value rubycore.Value
}

// New creates a thread on vm that calls body with args on its root fiber, and
// starts it.
func New(vm *rubycore.VM, body rubycore.Callable, args ...rubycore.Value) *Handle {
	h := &Handle{Thread: vm.NewThread()}
	h.Thread.Start(func(root *rubycore.Fiber) error {
		r, err := body.Call(root, nil, rubycore.ArgsOf(args...))
		if err != nil {
			return err
		}
		h.value = r
		h.m.Store(true)
		return nil
	})
	return h
}

// Join waits for the thread to finish and returns its error. A killed thread
// finishes without error.
func (h *Handle) Join() error {
	err := h.Thread.Join()
	if rubycore.KindOf(err) == rubycore.KillException {
		return nil
	}
	return err
}

// Value waits for the thread to finish and returns its body's result.
func (h *Handle) Value() (rubycore.Value, error) {
	if err := h.Join(); err != nil {
		return nil, err
	}
	return h.value, nil
}

// HasValue reports whether the body has returned a value.
func (h *Handle) HasValue() bool {
	return h.m.Load()
}

// Raise arranges for err to be raised in the thread's current fiber at its
// next poll.
func Raise(t *rubycore.Thread, err error) {
	t.Interrupt(func(_ context.Context, f *rubycore.Fiber) error {
		return err
	})
}

// Kill arranges for the thread's current fiber to be killed at its next poll.
// Killing a non-root fiber unwinds it and then the root fiber.
func Kill(t *rubycore.Thread) {
	t.Interrupt(func(_ context.Context, f *rubycore.Fiber) error {
		return internal.NewKill()
	})
}

// Current returns the thread the calling goroutine runs for, or nil.
func Current(vm *rubycore.VM) *rubycore.Thread {
	if f := vm.CurrentFiber(); f != nil {
		return f.Thread()
	}
	return nil
}

// List returns the running threads of vm.
func List(vm *rubycore.VM) []*rubycore.Thread {
	return vm.Threads()
}
