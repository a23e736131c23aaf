package internal

import (
	"fmt"
	"reflect"
	"runtime"
)

// Value is an opaque guest value. The runtime core never inspects values; it
// only stores and forwards them. A nil Value is Ruby nil.
type Value = interface{}

// ArgsDescriptor describes the shape of an argument list. The runtime core
// forwards descriptors unchanged across fiber and hook boundaries.
type ArgsDescriptor struct {
	// Keywords names the trailing arguments passed as keywords.
	Keywords []string
	// Splat is whether the last positional argument was a rest argument.
	Splat bool
}

// Args is a packed argument list.
type Args struct {
	Descriptor ArgsDescriptor
	Values     []Value
}

// ArgsOf packs positional arguments with an empty descriptor.
func ArgsOf(values ...Value) Args {
	return Args{Values: values}
}

// Len returns the number of arguments.
func (a Args) Len() int {
	return len(a.Values)
}

// Pack converts the arguments to a single value the way a resume or yield
// returns them: no arguments are nil, one is itself, and more are a slice.
func (a Args) Pack() Value {
	switch len(a.Values) {
	case 0:
		return nil
	case 1:
		return a.Values[0]
	default:
		r := make([]Value, len(a.Values))
		copy(r, a.Values)
		return r
	}
}

// Callable is an invocable guest object such as a proc or method. Fiber
// bodies and global variable hooks are Callables.
type Callable interface {
	// Call invokes the callable on the fiber f with the given receiver and
	// arguments. f may be nil when there is no current fiber.
	Call(f *Fiber, self Value, args Args) (Value, error)
}

// An Fn is a statically compiled function which can be called as a guest
// callable.
type Fn func(f *Fiber, self Value, args Args) (Value, error)

// A CFunction is a Callable wrapping a compiled function.
type CFunction struct {
	Function Fn
	Name     string
}

// NewCFunction creates a new CFunction wrapping fn.
func NewCFunction(fn Fn) *CFunction {
	u := reflect.ValueOf(fn).Pointer()
	return &CFunction{
		Function: fn,
		Name:     runtime.FuncForPC(u).Name(),
	}
}

// Call calls the wrapped function.
func (c *CFunction) Call(f *Fiber, self Value, args Args) (Value, error) {
	return c.Function(f, self, args)
}

// String returns the name of the wrapped function.
func (c *CFunction) String() string {
	return c.Name
}

// protect invokes a callable, converting a Go panic into an InternalError.
func protect(c Callable, f *Fiber, self Value, args Args) (result Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			cause, ok := r.(error)
			if !ok {
				cause = fmt.Errorf("%v", r)
			}
			result, err = nil, NewInternalError(cause)
		}
	}()
	return c.Call(f, self, args)
}
