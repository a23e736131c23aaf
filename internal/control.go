package internal

import (
	"errors"
	"fmt"
)

// ExceptionKind is the closed set of exception shapes that may cross a fiber
// boundary. The scheduler uses the kind to decide whether to propagate,
// swallow, or forward an error.
type ExceptionKind int

// Exception kinds.
const (
	// RaiseException is an ordinary exception raised by guest code.
	RaiseException ExceptionKind = iota
	// KillException terminates the thread or fiber it is raised in. It is
	// not rescuable by guest code.
	KillException
	// ExitException requests process exit with a status.
	ExitException
	// InternalError wraps an unexpected failure of the host, such as a Go
	// panic inside a callable.
	InternalError
)

var kindNames = [...]string{"raise", "kill", "exit", "internal"}

// String returns a string representation of the ExceptionKind.
func (k ExceptionKind) String() string {
	if k < RaiseException || k > InternalError {
		return fmt.Sprintf("ExceptionKind(%d)", k)
	}
	return kindNames[k]
}

// Exception is a guest-visible exception. All user-triggerable failures in
// the runtime are reported as Exceptions.
type Exception struct {
	// Kind classifies the exception for propagation decisions.
	Kind ExceptionKind
	// Class is the name of the Ruby exception class, e.g. "FiberError".
	Class string
	// Message is the exception message.
	Message string
	// Status is the exit status carried by ExitException.
	Status int
	// Cause is the underlying error, if any.
	Cause error
}

// Error returns the exception message qualified by its class.
func (e *Exception) Error() string {
	if e.Message == "" {
		return e.Class
	}
	return e.Message + " (" + e.Class + ")"
}

// Unwrap returns the cause of the exception.
func (e *Exception) Unwrap() error {
	return e.Cause
}

// NewException creates an ordinary exception of the given class.
func NewException(class, msg string) *Exception {
	return &Exception{Kind: RaiseException, Class: class, Message: msg}
}

// NewExceptionf creates an ordinary exception of the given class with a
// formatted message.
func NewExceptionf(class, format string, args ...interface{}) *Exception {
	return NewException(class, fmt.Sprintf(format, args...))
}

// FiberError creates a FiberError exception.
func FiberError(msg string) *Exception {
	return NewException("FiberError", msg)
}

// NewKill creates a KillException.
func NewKill() *Exception {
	return &Exception{Kind: KillException, Class: "kill"}
}

// NewExit creates an ExitException with the given status.
func NewExit(status int) *Exception {
	return &Exception{Kind: ExitException, Class: "SystemExit", Message: "exit", Status: status}
}

// NewInternalError wraps an unexpected host failure.
func NewInternalError(cause error) *Exception {
	return &Exception{Kind: InternalError, Class: "InternalError", Message: cause.Error(), Cause: cause}
}

// KindOf returns the kind of the exception in err's chain. Errors that are not
// Exceptions are ordinary raises.
func KindOf(err error) ExceptionKind {
	var e *Exception
	if errors.As(err, &e) {
		return e.Kind
	}
	return RaiseException
}

// IsClass reports whether err's chain contains an Exception of the given class.
func IsClass(err error, class string) bool {
	var e *Exception
	return errors.As(err, &e) && e.Class == class
}

// BreakError is a break out of a closure. It is an error to let one escape a
// fiber body.
type BreakError struct {
	Value Value
}

func (err *BreakError) Error() string {
	return "break from proc-closure"
}

// ReturnError is a non-local return. It is an error to let one escape a fiber
// body.
type ReturnError struct {
	Value Value
}

func (err *ReturnError) Error() string {
	return "unexpected return"
}

// ThrowError unwinds to the innermost catch of its tag.
type ThrowError struct {
	Tag   Value
	Value Value
}

func (err *ThrowError) Error() string {
	return fmt.Sprintf("uncaught throw %v", err.Tag)
}

// shutdown is the signal that unwinds a fiber being torn down. It never
// produces a return value and is never reported to guest code.
type shutdown struct{}

func (shutdown) Error() string {
	return "fiber shutdown"
}

// errShutdown is the single shutdown signal value.
var errShutdown error = shutdown{}

// IsShutdown reports whether err is the fiber shutdown signal. Fiber bodies
// that receive it must return it after running their cleanup.
func IsShutdown(err error) bool {
	return errors.Is(err, errShutdown)
}

// boundaryError converts an error escaping a fiber body into the exception
// delivered to the fiber that regains control.
func boundaryError(err error) error {
	var (
		brk *BreakError
		ret *ReturnError
		thr *ThrowError
	)
	switch {
	case errors.As(err, &brk):
		return &Exception{Kind: RaiseException, Class: "LocalJumpError", Message: brk.Error(), Cause: err}
	case errors.As(err, &ret):
		return &Exception{Kind: RaiseException, Class: "LocalJumpError", Message: ret.Error(), Cause: err}
	case errors.As(err, &thr):
		return &Exception{Kind: RaiseException, Class: "UncaughtThrowError", Message: thr.Error(), Cause: err}
	default:
		return err
	}
}
