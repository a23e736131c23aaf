// Package fiber implements the Ruby Fiber operations over the fiber manager:
// the checks that decide whether a control transfer is permitted, and the
// packing of the values that cross it.
package fiber

import (
	"github.com/zephyrtronium/rubycore"
	"github.com/zephyrtronium/rubycore/internal"
)

func init() {
	internal.Register(initFiber)
}

// methodNames are the Fiber methods. Their symbols are preserved so that
// native callers can hold them without a guest reference.
var methodNames = []string{
	"alive?", "backtrace", "blocking?", "kill", "raise", "resume",
	"storage", "transfer", "yield", "[]", "[]=",
}

func initFiber(vm *rubycore.VM) {
	for _, name := range methodNames {
		if _, err := vm.Symbols.GetSymbolBytes([]byte(name), rubycore.UTF8, true); err != nil {
			panic("rubycore/fiber: " + err.Error())
		}
	}
}

// Option configures a new fiber.
type Option func(*options)

type options struct {
	storage *rubycore.FiberLocals
}

// WithStorage gives a new fiber the given storage instead of a copy of its
// creator's.
func WithStorage(s *rubycore.FiberLocals) Option {
	return func(o *options) {
		o.storage = s
	}
}

// New creates a fiber on parent's thread that runs body when first resumed or
// transferred to. The body receives the arguments of that first entry, and
// its result is the value of the resume that finishes it.
func New(parent *rubycore.Fiber, body rubycore.Callable, opts ...Option) *rubycore.Fiber {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.storage == nil {
		o.storage = parent.Storage().Copy()
	}
	return parent.Thread().NewFiber(body, o.storage)
}

// Current returns the fiber the calling goroutine runs for.
func Current(vm *rubycore.VM) *rubycore.Fiber {
	return vm.CurrentFiber()
}

// Alive reports whether f has not terminated.
func Alive(f *rubycore.Fiber) bool {
	return f.Alive()
}

func checkThread(cur, f *rubycore.Fiber) error {
	if f.Thread() != cur.Thread() {
		return internal.FiberError("fiber called across threads")
	}
	return nil
}

// Resume enters f from the current fiber cur, passing args. It returns the
// value f yields or finishes with.
func Resume(cur, f *rubycore.Fiber, args ...rubycore.Value) (rubycore.Value, error) {
	if err := checkThread(cur, f); err != nil {
		return nil, err
	}
	switch {
	case !f.Alive():
		return nil, internal.FiberError("dead fiber called")
	case f == cur:
		return nil, internal.FiberError("attempt to resume the current fiber")
	case f.Resuming() != nil:
		return nil, internal.FiberError("attempt to resume a resuming fiber")
	case f.LastResumedBy() != nil || f.IsRoot():
		return nil, internal.FiberError("attempt to resume a resumed fiber (double resume)")
	case !f.IsYielding() && f.Status() != rubycore.Created:
		return nil, internal.FiberError("attempt to resume a transferring fiber")
	}
	return transfer(cur, f, rubycore.Resume, args)
}

// Yield returns control from cur to the fiber that resumed it, passing args.
// It returns the arguments of the resume that next enters cur.
func Yield(cur *rubycore.Fiber, args ...rubycore.Value) (rubycore.Value, error) {
	to, err := cur.Manager().GetReturnFiber(cur)
	if err != nil {
		return nil, err
	}
	return transfer(cur, to, rubycore.Yield, args)
}

// Transfer switches from cur to f without recording a return path, passing
// args. Transferring to the current fiber returns args.
func Transfer(cur, f *rubycore.Fiber, args ...rubycore.Value) (rubycore.Value, error) {
	if err := checkThread(cur, f); err != nil {
		return nil, err
	}
	switch {
	case f.Resuming() != nil:
		return nil, internal.FiberError("attempt to transfer to a resuming fiber")
	case f.IsYielding():
		return nil, internal.FiberError("attempt to transfer to a yielding fiber")
	case !f.Alive():
		return nil, internal.FiberError("dead fiber called")
	case f == cur:
		return rubycore.ArgsOf(args...).Pack(), nil
	}
	return transfer(cur, f, rubycore.Transfer, args)
}

// Raise raises err in f as if from the point where f last gave up control.
// Raising in the current fiber returns err.
func Raise(cur, f *rubycore.Fiber, err error) (rubycore.Value, error) {
	if err := checkThread(cur, f); err != nil {
		return nil, err
	}
	switch {
	case !f.Alive():
		return nil, internal.FiberError("dead fiber called")
	case f.Status() == rubycore.Created:
		return nil, internal.FiberError("cannot raise exception on unborn fiber")
	case f.Resuming() != nil:
		return nil, internal.FiberError("attempt to raise a resuming fiber")
	case f == cur:
		return nil, err
	}
	return transfer(cur, f, raiseOp(f), []rubycore.Value{err})
}

// raiseOp returns the operation that raises in the suspended fiber f. A fiber
// that yielded is resumed; one that transferred away is transferred to.
func raiseOp(f *rubycore.Fiber) rubycore.FiberOperation {
	if f.IsYielding() {
		return rubycore.Raise
	}
	return rubycore.TransferRaise
}

// Kill terminates f. A fiber that never ran is terminated without running.
// A suspended fiber unwinds from where it last gave up control, and control
// then returns to the fiber that regains it when f finishes: cur if f had
// yielded, otherwise the fiber that last resumed f or the root fiber.
// Killing the current fiber returns the error that unwinds it.
func Kill(cur, f *rubycore.Fiber) (rubycore.Value, error) {
	if err := checkThread(cur, f); err != nil {
		return nil, err
	}
	if f.Manager().Discard(f) {
		return nil, nil
	}
	switch {
	case !f.Alive():
		return nil, nil
	case f.Resuming() != nil:
		return nil, internal.FiberError("attempt to kill a resuming fiber")
	case f == cur:
		f.MarkKilled()
		return nil, internal.NewKill()
	}
	op := raiseOp(f)
	f.MarkKilled()
	return transfer(cur, f, op, []rubycore.Value{internal.NewKill()})
}

func transfer(cur, f *rubycore.Fiber, op rubycore.FiberOperation, args []rubycore.Value) (rubycore.Value, error) {
	r, err := cur.Manager().TransferControlTo(cur, f, op, rubycore.ArgsOf(args...))
	if err != nil {
		return nil, err
	}
	return r.Pack(), nil
}

// Get returns the value of a key in the current fiber's storage, or nil.
func Get(cur *rubycore.Fiber, key *rubycore.Symbol) rubycore.Value {
	v, _ := cur.Storage().Get(key)
	return v
}

// Set sets a key in the current fiber's storage. Fibers created afterward
// inherit the value.
func Set(cur *rubycore.Fiber, key *rubycore.Symbol, v rubycore.Value) {
	cur.Storage().Set(key, v)
}

// SetStorage replaces the storage of f, which must be the current fiber cur.
// Fibers created afterward inherit a copy of s.
func SetStorage(cur, f *rubycore.Fiber, s *rubycore.FiberLocals) error {
	if f != cur {
		return internal.NewException("ArgumentError", "Fiber storage can only be accessed from the Fiber it belongs to")
	}
	f.SetStorage(s)
	return nil
}

// Catch runs fn on cur with tag active and returns the value thrown to tag,
// or fn's result if nothing is thrown.
func Catch(cur *rubycore.Fiber, tag rubycore.Value, fn func() (rubycore.Value, error)) (rubycore.Value, error) {
	return cur.Catch(tag, fn)
}

// Throw returns the error that unwinds cur to the Catch of tag.
func Throw(cur *rubycore.Fiber, tag, value rubycore.Value) error {
	return cur.Throw(tag, value)
}
