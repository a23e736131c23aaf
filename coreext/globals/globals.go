// Package globals defines the special global variables every VM starts with.
package globals

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/zephyrtronium/rubycore"
	"github.com/zephyrtronium/rubycore/internal"
)

func init() {
	internal.Register(initGlobals)
}

func initGlobals(vm *rubycore.VM) {
	g := vm.Globals
	debug := &flag{coerce: debugCoerce}
	verbose := &flag{coerce: verboseCoerce}
	verbose.v.Store(&flagValue{v: false})
	debug.v.Store(&flagValue{v: false})
	must(g.DefineHooked("$DEBUG", debug.getter(), debug.setter(), defined))
	must(g.DefineHooked("$VERBOSE", verbose.getter(), verbose.setter(), defined))
	must(g.Define("$0", programName()))
	g.Alias("$0", "$PROGRAM_NAME")
	last := vm.Symbols.GetSymbol("$_")
	must(g.DefineHooked("$_", lastLineGetter(last), lastLineSetter(last), defined))
}

func must(_ *rubycore.GlobalVariableStorage, err error) {
	if err != nil {
		panic(fmt.Errorf("rubycore/globals: %w", err))
	}
}

func programName() string {
	if len(os.Args) > 0 {
		return os.Args[0]
	}
	return "rubycore"
}

// defined is the defined check of globals that are always defined.
var defined = rubycore.NewCFunction(func(f *rubycore.Fiber, self rubycore.Value, args rubycore.Args) (rubycore.Value, error) {
	return true, nil
})

// flag is the backing of a hooked global that coerces what is written to it.
type flag struct {
	v      atomic.Pointer[flagValue]
	coerce func(rubycore.Value) rubycore.Value
}

type flagValue struct {
	v rubycore.Value
}

func (fl *flag) getter() rubycore.Callable {
	return rubycore.NewCFunction(func(f *rubycore.Fiber, self rubycore.Value, args rubycore.Args) (rubycore.Value, error) {
		return fl.v.Load().v, nil
	})
}

func (fl *flag) setter() rubycore.Callable {
	return rubycore.NewCFunction(func(f *rubycore.Fiber, self rubycore.Value, args rubycore.Args) (rubycore.Value, error) {
		if args.Len() != 1 {
			return nil, internal.NewExceptionf("ArgumentError", "wrong number of arguments (given %d, expected 1)", args.Len())
		}
		v := fl.coerce(args.Values[0])
		fl.v.Store(&flagValue{v: v})
		return v, nil
	})
}

// debugCoerce is the $DEBUG coercion.
//
// $DEBUG holds true or false.
func debugCoerce(v rubycore.Value) rubycore.Value {
	return internal.Truthy(v)
}

// verboseCoerce is the $VERBOSE coercion.
//
// $VERBOSE holds nil, meaning no warnings, or true or false for the verbose and
// normal warning levels.
func verboseCoerce(v rubycore.Value) rubycore.Value {
	if v == nil {
		return nil
	}
	return internal.Truthy(v)
}

// lastLineGetter is the $_ getter.
//
// $_ is the last line read by gets, local to each fiber.
func lastLineGetter(key *rubycore.Symbol) rubycore.Callable {
	return rubycore.NewCFunction(func(f *rubycore.Fiber, self rubycore.Value, args rubycore.Args) (rubycore.Value, error) {
		if f == nil {
			return nil, nil
		}
		v, _ := f.Locals().Get(key)
		return v, nil
	})
}

// lastLineSetter is the $_ setter.
func lastLineSetter(key *rubycore.Symbol) rubycore.Callable {
	return rubycore.NewCFunction(func(f *rubycore.Fiber, self rubycore.Value, args rubycore.Args) (rubycore.Value, error) {
		if f == nil {
			return nil, internal.NewException("RuntimeError", "$_ assigned outside any fiber")
		}
		var v rubycore.Value
		if args.Len() > 0 {
			v = args.Values[0]
		}
		f.Locals().Set(key, v)
		return v, nil
	})
}
