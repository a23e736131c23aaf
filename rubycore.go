/*
Package rubycore implements the execution and shared-state core of a Ruby
runtime: fibers scheduled over goroutines, global variables with aliasing,
the symbol table, and native memory pointers.

The parser, object model, and method dispatch live outside this module. The
core reaches guest code only through the Callable interface: fiber bodies and
global variable hooks are Callables, invoked with a receiver and a packed
argument list, returning a value or an error.

Fibers

Each Thread has a root fiber, which runs the thread's body on the goroutine
that calls Run. Every other fiber runs on a goroutine of its own that is
started the first time the fiber is entered. Control moves between the fibers
of a thread by message handoff: the sending fiber puts a message in the
target's mailbox and then blocks on its own, so exactly one fiber of a thread
runs at any time.

	vm, err := rubycore.NewVM(rubycore.DefaultConfig())
	if err != nil {
		// ...
	}
	err = vm.Main.Run(func(root *rubycore.Fiber) error {
		f := fiber.New(root, rubycore.NewCFunction(func(f *rubycore.Fiber, self rubycore.Value, args rubycore.Args) (rubycore.Value, error) {
			if _, err := fiber.Yield(f, 1); err != nil {
				return nil, err
			}
			return 2, nil
		}))
		v, err := fiber.Resume(root, f) // 1
		// ...
	})

The language-level operations (resume, transfer, yield, raise, kill) with
their checks live in package coreext/fiber. When a thread's body returns, any
fibers it left suspended are shut down one at a time.

Errors

Failures visible to guest code are *Exception values carrying the Ruby class
name, such as FiberError or NameError. Break, non-local return, and throw are
distinct error types so that they can be converted when they escape a fiber.
*/
package rubycore

import "github.com/zephyrtronium/rubycore/internal"

type (
	// VM is a Ruby runtime.
	VM = internal.VM
	// Config holds the tunables of a VM.
	Config = internal.Config
	// Thread is a Ruby thread.
	Thread = internal.Thread
	// Fiber is a coroutine on a Thread.
	Fiber = internal.Fiber
	// FiberManager runs the handoff protocol between the fibers of a thread.
	FiberManager = internal.FiberManager
	// FiberStatus is the lifecycle state of a fiber.
	FiberStatus = internal.FiberStatus
	// FiberOperation is the kind of a control transfer.
	FiberOperation = internal.FiberOperation
	// FiberLocals is a namespace of fiber-local variables.
	FiberLocals = internal.FiberLocals
	// SafepointAction is an action run on another fiber's goroutine.
	SafepointAction = internal.SafepointAction

	// Value is an opaque guest value.
	Value = internal.Value
	// Args is a packed argument list.
	Args = internal.Args
	// ArgsDescriptor describes the shape of an argument list.
	ArgsDescriptor = internal.ArgsDescriptor
	// Callable is an invocable guest object.
	Callable = internal.Callable
	// CFunction is a Callable wrapping a Go function.
	CFunction = internal.CFunction
	// Fn is the signature of functions wrapped by CFunction.
	Fn = internal.Fn

	// Exception is a guest-visible exception.
	Exception = internal.Exception
	// ExceptionKind classifies exceptions that cross fiber boundaries.
	ExceptionKind = internal.ExceptionKind
	// BreakError is a break out of a closure.
	BreakError = internal.BreakError
	// ReturnError is a non-local return.
	ReturnError = internal.ReturnError
	// ThrowError unwinds to a catch.
	ThrowError = internal.ThrowError

	// GlobalVariables is the global variable registry.
	GlobalVariables = internal.GlobalVariables
	// GlobalVariableStorage is the cell behind global variable names.
	GlobalVariableStorage = internal.GlobalVariableStorage
	// GlobalVariableReader reads one global variable name.
	GlobalVariableReader = internal.GlobalVariableReader
	// Assumption is an invalidatable fact.
	Assumption = internal.Assumption

	// Symbol is an interned identifier.
	Symbol = internal.Symbol
	// SymbolTable interns symbols.
	SymbolTable = internal.SymbolTable
	// Encoding is a Ruby encoding class.
	Encoding = internal.Encoding

	// NativeHeap allocates native memory.
	NativeHeap = internal.NativeHeap
	// Pointer is a handle to native memory.
	Pointer = internal.Pointer
)

// Fiber statuses.
const (
	Created    = internal.Created
	Resumed    = internal.Resumed
	Suspended  = internal.Suspended
	Terminated = internal.Terminated
)

// Fiber operations.
const (
	Resume        = internal.Resume
	Raise         = internal.Raise
	Yield         = internal.Yield
	Transfer      = internal.Transfer
	TransferRaise = internal.TransferRaise
)

// Exception kinds.
const (
	RaiseException = internal.RaiseException
	KillException  = internal.KillException
	ExitException  = internal.ExitException
	InternalError  = internal.InternalError
)

// Well-known encodings.
var (
	USASCII = internal.USASCII
	Binary  = internal.Binary
	UTF8    = internal.UTF8
)

// NewVM creates a VM.
func NewVM(cfg Config) (*VM, error) {
	return internal.NewVM(cfg)
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return internal.DefaultConfig()
}

// LoadConfig reads a YAML or TOML configuration file.
func LoadConfig(path string) (Config, error) {
	return internal.LoadConfig(path)
}

// NewCFunction wraps a Go function as a Callable.
func NewCFunction(fn Fn) *CFunction {
	return internal.NewCFunction(fn)
}

// ArgsOf packs positional arguments.
func ArgsOf(values ...Value) Args {
	return internal.ArgsOf(values...)
}

// NewFiberLocals creates an empty fiber storage namespace.
func NewFiberLocals() *FiberLocals {
	return internal.NewFiberLocals()
}

// NewException creates an exception of the given class.
func NewException(class, msg string) *Exception {
	return internal.NewException(class, msg)
}

// IsClass reports whether err is or wraps an exception of the given class.
func IsClass(err error, class string) bool {
	return internal.IsClass(err, class)
}

// KindOf returns the kind of the exception in err's chain.
func KindOf(err error) ExceptionKind {
	return internal.KindOf(err)
}

// IsShutdown reports whether err is the fiber shutdown signal.
func IsShutdown(err error) bool {
	return internal.IsShutdown(err)
}

// Version is the runtime version.
const Version = internal.Version

// RubyVersion is the Ruby language version the runtime follows.
const RubyVersion = internal.RubyVersion

// Platform describes the host system.
func Platform() string {
	return internal.Platform()
}

// LookupEncoding resolves an encoding name to its canonical encoding.
func LookupEncoding(name string) (*Encoding, error) {
	return internal.LookupEncoding(name)
}
