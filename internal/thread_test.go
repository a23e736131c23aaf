package internal_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zephyrtronium/rubycore/internal"
	"github.com/zephyrtronium/rubycore/testutils"
)

// TestThreadRunTwice tests that a thread cannot run more than once.
func TestThreadRunTwice(t *testing.T) {
	vm := testutils.TestingVM()
	th := vm.NewThread()
	if err := th.Run(func(root *internal.Fiber) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if th.Alive() {
		t.Error("thread alive after Run")
	}
	err := th.Run(func(root *internal.Fiber) error { return nil })
	testutils.CheckException(t, err, "ThreadError", "")
}

// TestThreadStartJoin tests running a thread on its own goroutine.
func TestThreadStartJoin(t *testing.T) {
	vm := testutils.TestingVM()
	th := vm.NewThread()
	release := make(chan struct{})
	boom := errors.New("boom")
	th.Start(func(root *internal.Fiber) error {
		if vm.CurrentFiber() != root {
			t.Error("root fiber is not current on the thread's goroutine")
		}
		<-release
		return boom
	})
	found := false
	for _, o := range vm.Threads() {
		found = found || o == th
	}
	if !found {
		t.Error("started thread not listed")
	}
	close(release)
	if err := th.Join(); !errors.Is(err, boom) {
		t.Errorf("want %v, got %v", boom, err)
	}
	for _, o := range vm.Threads() {
		if o == th {
			t.Error("finished thread still listed")
		}
	}
}

// TestThreadPanic tests that a panic in a thread's body becomes an
// InternalError.
func TestThreadPanic(t *testing.T) {
	vm := testutils.TestingVM()
	err := vm.NewThread().Run(func(root *internal.Fiber) error {
		panic("boom")
	})
	if internal.KindOf(err) != internal.InternalError {
		t.Errorf("want InternalError, got %v", err)
	}
}

// TestInterruptPoll tests that interrupts queued from other goroutines run on
// the current fiber when it polls.
func TestInterruptPoll(t *testing.T) {
	vm := testutils.TestingVM()
	boom := errors.New("boom")
	err := testutils.RunMain(t, vm, func(root *internal.Fiber) error {
		th := root.Thread()
		if err := th.Poll(); err != nil {
			t.Errorf("poll with nothing queued: %v", err)
		}
		done := make(chan struct{})
		var ranOn *internal.Fiber
		go func() {
			th.Interrupt(func(ctx context.Context, f *internal.Fiber) error {
				ranOn = f
				return boom
			})
			close(done)
		}()
		<-done
		if err := th.Poll(); !errors.Is(err, boom) {
			t.Errorf("want %v, got %v", boom, err)
		}
		if ranOn != root {
			t.Errorf("interrupt ran on %v", ranOn)
		}
		if err := th.Poll(); err != nil {
			t.Errorf("interrupt ran twice: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Error(err)
	}
}

// TestInterruptOnResume tests that entering a fiber runs queued interrupts in
// that fiber.
func TestInterruptOnResume(t *testing.T) {
	vm := testutils.TestingVM()
	boom := internal.NewException("RuntimeError", "interrupted")
	err := testutils.RunMain(t, vm, func(root *internal.Fiber) error {
		ran := false
		f := root.Thread().NewFiber(testutils.Proc(func(f *internal.Fiber, args internal.Args) (internal.Value, error) {
			ran = true
			return nil, nil
		}), nil)
		var ranOn *internal.Fiber
		root.Thread().Interrupt(func(ctx context.Context, g *internal.Fiber) error {
			ranOn = g
			return boom
		})
		_, err := resume(root, f)
		if !errors.Is(err, boom) {
			t.Errorf("want %v, got %v", boom, err)
		}
		if ranOn != f {
			t.Errorf("interrupt ran on %v, want %v", ranOn, f)
		}
		if ran {
			t.Error("body ran despite the interrupt")
		}
		return nil
	})
	if err != nil {
		t.Error(err)
	}
}

// TestSafepointTimeout tests that actions see a deadline when a safepoint
// timeout is configured.
func TestSafepointTimeout(t *testing.T) {
	vm := newVM(t, func(c *internal.Config) { c.SafepointTimeout = "10ms" })
	err := vm.NewThread().Run(func(root *internal.Fiber) error {
		f := root.Thread().NewFiber(yielder(1), nil)
		if _, err := resume(root, f); err != nil {
			return err
		}
		err := root.Manager().Safepoint(root, f, func(ctx context.Context, g *internal.Fiber) error {
			if _, ok := ctx.Deadline(); !ok {
				t.Error("action context has no deadline")
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
				return nil
			}
		})
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("want deadline exceeded, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Error(err)
	}
}

// TestNoSafepointTimeout tests that actions have no deadline by default.
func TestNoSafepointTimeout(t *testing.T) {
	vm := testutils.TestingVM()
	err := testutils.RunMain(t, vm, func(root *internal.Fiber) error {
		return root.Manager().Safepoint(root, root, func(ctx context.Context, f *internal.Fiber) error {
			if _, ok := ctx.Deadline(); ok {
				t.Error("action context has a deadline")
			}
			return nil
		})
	})
	if err != nil {
		t.Error(err)
	}
}
