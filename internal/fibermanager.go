package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/jtolds/gls"
	"github.com/zephyrtronium/contains"
)

// FiberManager runs the handoff protocol between the fibers of one thread.
// Exactly one fiber of the thread is current at a time; every other started
// fiber is blocked on its mailbox.
type FiberManager struct {
	vm     *VM
	thread *Thread
	root   *Fiber
	log    *slog.Logger

	current atomic.Pointer[Fiber]

	mu sync.Mutex
	// running is the set of non-root fibers whose goroutines are alive.
	running map[*Fiber]struct{}
	// unstarted holds fibers that have not been entered. It does not keep
	// them alive.
	unstarted map[uint64]weak.Pointer[Fiber]
}

func newFiberManager(vm *VM, t *Thread) *FiberManager {
	return &FiberManager{
		vm:        vm,
		thread:    t,
		log:       vm.Log,
		running:   make(map[*Fiber]struct{}),
		unstarted: make(map[uint64]weak.Pointer[Fiber]),
	}
}

// Root returns the thread's root fiber.
func (m *FiberManager) Root() *Fiber {
	return m.root
}

// Current returns the thread's current fiber.
func (m *FiberManager) Current() *Fiber {
	return m.current.Load()
}

func (m *FiberManager) setCurrent(f *Fiber) {
	m.current.Store(f)
}

// NewFiber creates a fiber that runs body when first entered. The fiber uses
// storage as its inheritable storage; nil gives it empty storage.
func (m *FiberManager) NewFiber(body Callable, storage *FiberLocals) *Fiber {
	f := newFiber(m.vm, m.thread, body, storage)
	m.mu.Lock()
	m.unstarted[f.id] = weak.Make(f)
	m.mu.Unlock()
	runtime.AddCleanup(f, m.forget, f.id)
	return f
}

// forget drops an unstarted fiber that was collected.
func (m *FiberManager) forget(id uint64) {
	m.mu.Lock()
	delete(m.unstarted, id)
	m.mu.Unlock()
}

// Discard terminates a fiber that has never been entered, so that it never
// runs. It reports whether f was discarded.
func (m *FiberManager) Discard(f *Fiber) bool {
	if !f.started.CompareAndSwap(false, true) {
		return false
	}
	f.setStatus(Terminated)
	m.forget(f.id)
	return true
}

// Fibers returns the non-root fibers with live goroutines, ordered by ID.
func (m *FiberManager) Fibers() []*Fiber {
	m.mu.Lock()
	r := make([]*Fiber, 0, len(m.running))
	for f := range m.running {
		r = append(r, f)
	}
	m.mu.Unlock()
	sort.Slice(r, func(i, j int) bool { return r[i].id < r[j].id })
	return r
}

// TransferControlTo hands control from the current fiber from to the fiber
// to and waits until control comes back. It returns the arguments delivered
// by whichever fiber hands control back, or the error raised in from.
//
// Callers are responsible for checking that the transfer is permitted.
func (m *FiberManager) TransferControlTo(from, to *Fiber, op FiberOperation, args Args) (Args, error) {
	if from.shuttingDown {
		return Args{}, errShutdown
	}
	switch op {
	case Resume, Raise:
		from.resuming.Store(to)
	case Yield:
		from.yielding.Store(true)
	}
	from.status.CompareAndSwap(int32(Resumed), int32(Suspended))
	return m.handleMessage(from, m.resumeAndWait(from, to, op, args))
}

// resumeAndWait delivers a resume message to to and waits for the next
// message to from.
func (m *FiberManager) resumeAndWait(from, to *Fiber, op FiberOperation, args Args) FiberMessage {
	return m.send(from, to, &resumeMessage{op: op, from: from, args: args})
}

// send starts to if needed, delivers msg to it, and waits for the next
// message to from. The message is in to's mailbox before from begins waiting.
func (m *FiberManager) send(from, to *Fiber, msg FiberMessage) FiberMessage {
	if to.started.CompareAndSwap(false, true) {
		m.createThreadToReceiveFirstMessage(to)
	}
	to.mailbox.put(msg)
	return m.waitMessage(from)
}

// waitMessage blocks until f receives a message, then makes f current.
func (m *FiberManager) waitMessage(f *Fiber) FiberMessage {
	msg := f.mailbox.take()
	m.setCurrent(f)
	return msg
}

// createThreadToReceiveFirstMessage starts the goroutine for f and waits until
// it is ready for its first message.
func (m *FiberManager) createThreadToReceiveFirstMessage(f *Fiber) {
	m.mu.Lock()
	delete(m.unstarted, f.id)
	m.mu.Unlock()
	go m.vm.gls.SetValues(gls.Values{currentFiberKey: f}, func() {
		m.fiberMain(f)
	})
	<-f.initialized
}

// handleMessage interprets a message received by f. Safepoint messages are
// processed in a loop, each handing control back to its sender, until a
// message arrives that decides what f does next.
func (m *FiberManager) handleMessage(f *Fiber, msg FiberMessage) (Args, error) {
	for {
		sp, ok := msg.(*safepointMessage)
		if !ok {
			break
		}
		var reply FiberMessage = &resumeMessage{op: Transfer, from: f}
		if err := m.thread.runAction(f, sp.action); err != nil {
			reply = &exceptionMessage{err: err, reply: true}
		}
		msg = m.send(f, sp.from, reply)
	}
	switch msg := msg.(type) {
	case shutdownMessage:
		f.shuttingDown = true
		return Args{}, errShutdown
	case *exceptionMessage:
		// Unless this is a safepoint reply, the fiber f was waiting on is
		// gone.
		if !msg.reply {
			f.resuming.Store(nil)
		}
		f.yielding.Store(false)
		f.setStatus(Resumed)
		return Args{}, msg.err
	case *resumeMessage:
		if msg.op == Resume || msg.op == Raise {
			f.lastResumedBy.Store(msg.from)
		}
		f.yielding.Store(false)
		f.setStatus(Resumed)
		if msg.op == Raise || msg.op == TransferRaise {
			err, ok := msg.args.Values[0].(error)
			if !ok {
				panic(fmt.Sprintf("rubycore: raise message carries %T, not an error", msg.args.Values[0]))
			}
			return Args{}, err
		}
		if err := m.thread.runInterrupts(f); err != nil {
			return Args{}, err
		}
		return msg.args, nil
	default:
		panic(fmt.Sprintf("rubycore: unexpected fiber message %T", msg))
	}
}

// GetReturnFiber returns the fiber that regains control when f yields or
// finishes: the fiber that resumed it, or else the deepest fiber in the chain
// of resumes from the root fiber. The links between f and its resumer are
// cleared. The result is never a terminated fiber.
func (m *FiberManager) GetReturnFiber(f *Fiber) (*Fiber, error) {
	if f.root {
		return nil, FiberError("can't yield from root fiber")
	}
	if p := f.lastResumedBy.Swap(nil); p != nil {
		p.resuming.Store(nil)
		return live(p), nil
	}
	var seen contains.Set
	r := m.root
	seen.Add(r.UniqueID())
	for {
		next := r.resuming.Load()
		if next == nil {
			return live(r), nil
		}
		if !seen.Add(next.UniqueID()) {
			panic("rubycore: cycle in fiber resume chain at " + next.String())
		}
		r = next
	}
}

// live returns f, which is about to regain control. A message sent to a
// terminated fiber would never be read.
func live(f *Fiber) *Fiber {
	if f.Status() == Terminated {
		panic("rubycore: control returned to terminated fiber " + f.String())
	}
	return f
}

// unlink clears the links between f and the fiber that resumed it.
func unlink(f *Fiber) {
	if p := f.lastResumedBy.Swap(nil); p != nil {
		p.resuming.CompareAndSwap(f, nil)
	}
}

// fiberMain is the body of a fiber's goroutine.
func (m *FiberManager) fiberMain(f *Fiber) {
	defer close(f.finished)
	m.mu.Lock()
	m.running[f] = struct{}{}
	m.mu.Unlock()
	f.running.Store(true)
	m.log.Debug("fiber started", slog.Uint64("fiber", f.id), slog.String("thread", m.thread.ID()))
	close(f.initialized)

	result, err := m.runBody(f)

	var to *Fiber
	var msg FiberMessage
	switch {
	case f.shuttingDown || IsShutdown(err):
		if err != nil && !IsShutdown(err) {
			f.uncaught = err
			m.log.Warn("fiber raised during shutdown", slog.Uint64("fiber", f.id), slog.Any("err", err))
		}
	case err == nil:
		to = m.returnFiber(f)
		msg = &resumeMessage{op: Yield, from: f, args: ArgsOf(result)}
	case KindOf(err) == KillException && f.killed.Load():
		to = m.returnFiber(f)
		msg = &resumeMessage{op: Yield, from: f}
	case KindOf(err) == KillException || KindOf(err) == ExitException:
		// The fibers between the root and f do not regain control.
		unlink(f)
		to = m.root
		msg = &exceptionMessage{err: err}
	default:
		if KindOf(err) == InternalError {
			m.log.Error("fiber failed", slog.Uint64("fiber", f.id), slog.Any("err", err))
		}
		to = m.returnFiber(f)
		msg = &exceptionMessage{err: boundaryError(err)}
	}

	f.catchTags = nil
	f.setStatus(Terminated)
	m.mu.Lock()
	delete(m.running, f)
	m.mu.Unlock()
	f.running.Store(false)
	m.log.Debug("fiber finished", slog.Uint64("fiber", f.id))
	if msg != nil {
		to.mailbox.put(msg)
	}
}

// runBody waits for the first message to f and runs f's body with the
// arguments it carries.
func (m *FiberManager) runBody(f *Fiber) (Value, error) {
	args, err := m.handleMessage(f, m.waitMessage(f))
	if err != nil {
		return nil, err
	}
	return protect(f.body, f, nil, args)
}

func (m *FiberManager) returnFiber(f *Fiber) *Fiber {
	r, err := m.GetReturnFiber(f)
	if err != nil {
		panic("rubycore: " + err.Error())
	}
	return r
}

// Safepoint makes target run action on its own goroutine while from waits.
// target must be blocked on its mailbox. The fields of target are the same
// after the safepoint as before. The result is the action's error.
func (m *FiberManager) Safepoint(from, target *Fiber, action SafepointAction) error {
	if target == from {
		return m.thread.runAction(from, action)
	}
	if !target.IsRunning() && !target.root || target.Status() == Terminated {
		return FiberError("safepoint target is not waiting: " + target.String())
	}
	_, err := m.handleMessage(from, m.send(from, target, &safepointMessage{from: from, action: action}))
	return err
}

// killOtherFibers shuts down every other fiber of the thread, one at a time,
// and waits for each to finish. Fibers that were never entered become
// terminated without running. Errors the fibers raised while unwinding are
// joined into the result.
func (m *FiberManager) killOtherFibers() error {
	m.thread.disableSafepoints()
	defer m.thread.enableSafepoints()

	m.mu.Lock()
	unstarted := m.unstarted
	m.unstarted = make(map[uint64]weak.Pointer[Fiber])
	m.mu.Unlock()
	for _, wp := range unstarted {
		if f := wp.Value(); f != nil {
			f.setStatus(Terminated)
		}
	}

	var errs []error
	for _, f := range m.Fibers() {
		m.log.Debug("killing fiber", slog.Uint64("fiber", f.id), slog.String("thread", m.thread.ID()))
		f.mailbox.put(shutdownMessage{})
		<-f.finished
		if f.uncaught != nil {
			errs = append(errs, f.uncaught)
		}
	}
	m.setCurrent(m.root)
	return errors.Join(errs...)
}
