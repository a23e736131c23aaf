package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jtolds/gls"
)

// Thread is a Ruby thread. It owns a root fiber, which runs the thread's body
// on the goroutine that calls Run, and a FiberManager for the fibers created
// on it.
type Thread struct {
	vm      *VM
	id      uuid.UUID
	manager *FiberManager
	root    *Fiber

	started atomic.Bool
	done    chan struct{}
	err     error

	// interrupts are actions queued by Interrupt.
	mu         sync.Mutex
	interrupts []SafepointAction
	pending    atomic.Bool
	// noSafepoints counts the reasons safepoints are disabled.
	noSafepoints atomic.Int32
}

func newThread(vm *VM) *Thread {
	t := &Thread{
		vm:   vm,
		id:   uuid.New(),
		done: make(chan struct{}),
	}
	t.manager = newFiberManager(vm, t)
	t.root = newFiber(vm, t, nil, nil)
	t.root.root = true
	t.root.started.Store(true)
	t.manager.root = t.root
	t.manager.setCurrent(t.root)
	return t
}

// ID returns the thread's identifier.
func (t *Thread) ID() string {
	return t.id.String()
}

// VM returns the VM the thread belongs to.
func (t *Thread) VM() *VM {
	return t.vm
}

// Root returns the thread's root fiber.
func (t *Thread) Root() *Fiber {
	return t.root
}

// Current returns the thread's current fiber.
func (t *Thread) Current() *Fiber {
	return t.manager.Current()
}

// Manager returns the thread's fiber manager.
func (t *Thread) Manager() *FiberManager {
	return t.manager
}

// NewFiber creates a fiber on the thread.
func (t *Thread) NewFiber(body Callable, storage *FiberLocals) *Fiber {
	return t.manager.NewFiber(body, storage)
}

// Alive reports whether the thread has not finished.
func (t *Thread) Alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Run runs body as the thread's root fiber on the calling goroutine. When
// body returns, every other fiber of the thread is shut down. The result is
// body's error followed by any errors raised while shutting fibers down.
func (t *Thread) Run(body func(root *Fiber) error) (err error) {
	if !t.started.CompareAndSwap(false, true) {
		return NewExceptionf("ThreadError", "thread %s already started", t.ID())
	}
	defer close(t.done)
	t.vm.addThread(t)
	defer t.vm.removeThread(t)
	t.vm.gls.SetValues(gls.Values{currentFiberKey: t.root}, func() {
		t.root.setStatus(Resumed)
		t.manager.setCurrent(t.root)
		berr := t.runRoot(body)
		kerr := t.manager.killOtherFibers()
		t.root.setStatus(Terminated)
		err = errors.Join(berr, kerr)
	})
	t.err = err
	return err
}

func (t *Thread) runRoot(body func(root *Fiber) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			cause, ok := r.(error)
			if !ok {
				cause = fmt.Errorf("%v", r)
			}
			err = NewInternalError(cause)
		}
	}()
	return body(t.root)
}

// Start runs the thread on a new goroutine.
func (t *Thread) Start(body func(root *Fiber) error) {
	t.vm.addThread(t)
	go t.Run(body)
}

// Join waits for the thread to finish and returns the result of Run.
func (t *Thread) Join() error {
	<-t.done
	return t.err
}

// Interrupt queues an action to run on the thread's current fiber at its next
// Poll or the next time a fiber of the thread is entered. It is safe to call
// from any goroutine.
func (t *Thread) Interrupt(action SafepointAction) {
	t.mu.Lock()
	t.interrupts = append(t.interrupts, action)
	t.pending.Store(true)
	t.mu.Unlock()
}

// Poll runs queued interrupts on the current fiber. It must be called by the
// current fiber of the thread.
func (t *Thread) Poll() error {
	return t.runInterrupts(t.Current())
}

// runInterrupts runs queued interrupts on f unless safepoints are disabled.
func (t *Thread) runInterrupts(f *Fiber) error {
	if !t.pending.Load() || t.noSafepoints.Load() > 0 {
		return nil
	}
	t.mu.Lock()
	actions := t.interrupts
	t.interrupts = nil
	t.pending.Store(false)
	t.mu.Unlock()
	var errs []error
	for _, action := range actions {
		if err := t.runAction(f, action); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SafepointAll runs action on each other started, waiting fiber of the thread
// in turn, with from waiting for each. The errors the action returns are
// joined.
func (t *Thread) SafepointAll(from *Fiber, action SafepointAction) error {
	targets := t.manager.Fibers()
	if t.root != from {
		targets = append([]*Fiber{t.root}, targets...)
	}
	var errs []error
	for _, f := range targets {
		if f == from || f.Status() != Suspended {
			continue
		}
		if err := t.manager.Safepoint(from, f, action); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// runAction runs a safepoint action on f. A panic in the action becomes an
// InternalError. With a safepoint timeout configured, the action's context has
// a deadline, and actions that outlive it are reported.
func (t *Thread) runAction(f *Fiber, action SafepointAction) (err error) {
	ctx := context.Background()
	timeout := t.vm.safepointTimeout
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			cause, ok := r.(error)
			if !ok {
				cause = fmt.Errorf("%v", r)
			}
			err = NewInternalError(cause)
		}
		if d := time.Since(start); timeout > 0 && d > timeout {
			t.vm.Log.Warn("slow safepoint action",
				slog.Uint64("fiber", f.id),
				slog.String("thread", t.ID()),
				slog.Duration("elapsed", d),
				slog.Duration("timeout", timeout),
			)
		}
	}()
	return action(ctx, f)
}

func (t *Thread) disableSafepoints() {
	t.noSafepoints.Add(1)
}

func (t *Thread) enableSafepoints() {
	t.noSafepoints.Add(-1)
}

// String returns a description of the thread.
func (t *Thread) String() string {
	st := "run"
	if !t.Alive() {
		st = "dead"
	}
	return fmt.Sprintf("#<Thread:%s %s>", t.ID(), st)
}
