package internal

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// FiberStatus is the lifecycle state of a fiber.
type FiberStatus int32

// Fiber statuses.
const (
	// Created fibers have not yet been entered.
	Created FiberStatus = iota
	// Resumed is the status of the fiber that is running on its thread.
	Resumed
	// Suspended fibers have run and are waiting to be entered again.
	Suspended
	// Terminated fibers have finished.
	Terminated
)

var statusNames = [...]string{"created", "resumed", "suspended", "terminated"}

// String returns the status as Ruby reports it.
func (s FiberStatus) String() string {
	if s < Created || s > Terminated {
		return fmt.Sprintf("FiberStatus(%d)", s)
	}
	return statusNames[s]
}

// A Fiber is a coroutine on a Thread. Each started fiber other than the root
// runs on its own goroutine, which blocks on the fiber's mailbox whenever the
// fiber is not current.
type Fiber struct {
	id      uint64
	vm      *VM
	thread  *Thread
	manager *FiberManager
	body    Callable
	root    bool

	status atomic.Int32
	// mailbox receives the messages that hand control to this fiber.
	mailbox mailbox
	// started becomes true when the fiber's goroutine is created.
	started atomic.Bool
	// running is true while the fiber's goroutine is alive.
	running atomic.Bool
	// initialized is closed once the goroutine waits for its first message.
	initialized chan struct{}
	// finished is closed once the goroutine has exited.
	finished chan struct{}

	// lastResumedBy is the fiber that resumed this one and regains control
	// when this one yields or finishes.
	lastResumedBy atomic.Pointer[Fiber]
	// resuming is the fiber this one resumed and is waiting on.
	resuming atomic.Pointer[Fiber]
	// yielding is whether the fiber gave up control with Fiber.yield.
	yielding atomic.Bool
	// killed is whether the fiber is unwinding because of Kill.
	killed atomic.Bool

	// shuttingDown and catchTags are only touched by the fiber's goroutine.
	shuttingDown bool
	catchTags    []Value
	// uncaught is an error raised while the fiber unwound for shutdown. It is
	// written before finished is closed.
	uncaught error

	// storage may be replaced by the fiber while others read it.
	storage atomic.Pointer[FiberLocals]
	locals  *FiberLocals
}

func newFiber(vm *VM, t *Thread, body Callable, storage *FiberLocals) *Fiber {
	if storage == nil {
		storage = NewFiberLocals()
	}
	f := &Fiber{
		id:          vm.nextID(),
		vm:          vm,
		thread:      t,
		manager:     t.manager,
		body:        body,
		initialized: make(chan struct{}),
		finished:    make(chan struct{}),
		locals:      NewFiberLocals(),
	}
	f.storage.Store(storage)
	f.mailbox.ready = make(chan struct{}, 1)
	return f
}

// ID returns the fiber's unique identifier.
func (f *Fiber) ID() uint64 {
	return f.id
}

// UniqueID returns the fiber's identifier as a uintptr.
func (f *Fiber) UniqueID() uintptr {
	return uintptr(f.id)
}

// VM returns the VM the fiber belongs to.
func (f *Fiber) VM() *VM {
	return f.vm
}

// Thread returns the thread that created the fiber.
func (f *Fiber) Thread() *Thread {
	return f.thread
}

// Manager returns the fiber manager of the fiber's thread.
func (f *Fiber) Manager() *FiberManager {
	return f.manager
}

// IsRoot reports whether the fiber is its thread's root fiber.
func (f *Fiber) IsRoot() bool {
	return f.root
}

// Status returns the fiber's status.
func (f *Fiber) Status() FiberStatus {
	return FiberStatus(f.status.Load())
}

func (f *Fiber) setStatus(s FiberStatus) {
	f.status.Store(int32(s))
}

// Alive reports whether the fiber has not terminated.
func (f *Fiber) Alive() bool {
	return f.Status() != Terminated
}

// IsStarted reports whether the fiber has been entered.
func (f *Fiber) IsStarted() bool {
	return f.started.Load()
}

// IsRunning reports whether the fiber's goroutine is alive. The root fiber
// runs on its thread's goroutine and is never reported running.
func (f *Fiber) IsRunning() bool {
	return f.running.Load()
}

// LastResumedBy returns the fiber waiting for this one to yield, if any.
func (f *Fiber) LastResumedBy() *Fiber {
	return f.lastResumedBy.Load()
}

// Resuming returns the fiber this one resumed and is waiting on, if any.
func (f *Fiber) Resuming() *Fiber {
	return f.resuming.Load()
}

// IsYielding reports whether the fiber gave up control with Fiber.yield.
func (f *Fiber) IsYielding() bool {
	return f.yielding.Load()
}

// IsKilled reports whether the fiber is unwinding because of Kill.
func (f *Fiber) IsKilled() bool {
	return f.killed.Load()
}

// MarkKilled records that a kill is being delivered to the fiber.
func (f *Fiber) MarkKilled() {
	f.killed.Store(true)
}

// Uncaught returns the error the fiber raised while shutting down, if any. It
// is only meaningful after the fiber has terminated.
func (f *Fiber) Uncaught() error {
	select {
	case <-f.finished:
		return f.uncaught
	default:
		return nil
	}
}

// QueueLength returns the number of messages waiting in the fiber's mailbox.
func (f *Fiber) QueueLength() int {
	return f.mailbox.len()
}

// Storage returns the fiber's inheritable storage, as used by Fiber[].
func (f *Fiber) Storage() *FiberLocals {
	return f.storage.Load()
}

// SetStorage replaces the fiber's inheritable storage.
func (f *Fiber) SetStorage(s *FiberLocals) {
	f.storage.Store(s)
}

// Locals returns the fiber's own local variables, which are never inherited.
func (f *Fiber) Locals() *FiberLocals {
	return f.locals
}

// Catch runs fn with tag active. A throw of tag inside fn ends fn, and Catch
// returns the thrown value.
func (f *Fiber) Catch(tag Value, fn func() (Value, error)) (Value, error) {
	f.catchTags = append(f.catchTags, tag)
	defer func() {
		f.catchTags = f.catchTags[:len(f.catchTags)-1]
	}()
	v, err := fn()
	var thr *ThrowError
	if errors.As(err, &thr) && identical(thr.Tag, tag) {
		return thr.Value, nil
	}
	return v, err
}

// Throw unwinds to the innermost Catch of tag. It returns the error that does
// so, or an UncaughtThrowError if no such Catch is active on the fiber.
func (f *Fiber) Throw(tag, value Value) error {
	for i := len(f.catchTags) - 1; i >= 0; i-- {
		if identical(f.catchTags[i], tag) {
			return &ThrowError{Tag: tag, Value: value}
		}
	}
	return NewExceptionf("UncaughtThrowError", "uncaught throw %v", tag)
}

// String returns a description of the fiber.
func (f *Fiber) String() string {
	return fmt.Sprintf("#<Fiber:%d (%s)>", f.id, f.Status())
}
