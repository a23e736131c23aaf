// Package testutils provides utilities for testing the runtime core in Go.
package testutils

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
	"testing"

	"github.com/zephyrtronium/rubycore"
)

// testVM is the VM used for all tests.
var testVM *rubycore.VM

var testVMInit sync.Once

// TestingVM returns a VM for testing. The VM is shared by all tests that use
// this package.
func TestingVM() *rubycore.VM {
	testVMInit.Do(ResetTestingVM)
	return testVM
}

// ResetTestingVM reinitializes the VM returned by TestingVM. It is not safe to
// call this in parallel tests.
func ResetTestingVM() {
	vm, err := rubycore.NewVM(TestingConfig())
	if err != nil {
		panic(fmt.Errorf("testutils: creating VM: %w", err))
	}
	testVM = vm
}

// TestingConfig returns the default configuration with logging discarded.
func TestingConfig() rubycore.Config {
	cfg := rubycore.DefaultConfig()
	cfg.LogOutput = io.Discard
	return cfg
}

// Proc wraps a Go function as a callable.
func Proc(fn func(f *rubycore.Fiber, args rubycore.Args) (rubycore.Value, error)) rubycore.Callable {
	return rubycore.NewCFunction(func(f *rubycore.Fiber, self rubycore.Value, args rubycore.Args) (rubycore.Value, error) {
		return fn(f, args)
	})
}

// Const returns a callable that ignores its arguments and returns v.
func Const(v rubycore.Value) rubycore.Callable {
	return Proc(func(*rubycore.Fiber, rubycore.Args) (rubycore.Value, error) {
		return v, nil
	})
}

// RunMain runs body as the root fiber of a new thread of vm and returns the
// thread's error.
func RunMain(t *testing.T, vm *rubycore.VM, body func(root *rubycore.Fiber) error) error {
	t.Helper()
	return vm.NewThread().Run(body)
}

// A FiberTestCase is a test case containing a body to run on the root fiber
// of a fresh thread and a predicate to check the result.
type FiberTestCase struct {
	// Body is the code to execute.
	Body func(root *rubycore.Fiber) (rubycore.Value, error)
	// Pass is a predicate taking the result of executing Body. If Pass
	// returns false, then the test fails.
	Pass func(result rubycore.Value, err error) bool
}

// TestFunc returns a test function for the test case. This uses TestingVM to
// run the body.
func (c FiberTestCase) TestFunc(name string) func(*testing.T) {
	return func(t *testing.T) {
		var r rubycore.Value
		var rerr error
		err := RunMain(t, TestingVM(), func(root *rubycore.Fiber) error {
			r, rerr = c.Body(root)
			return nil
		})
		if err != nil {
			t.Fatalf("%s: thread failed: %v", name, err)
		}
		if !c.Pass(r, rerr) {
			if rerr != nil {
				t.Errorf("%s produced wrong result; an exception occurred: %v", name, rerr)
			} else {
				t.Errorf("%s produced wrong result; got %#v", name, r)
			}
		}
	}
}

// PassEqual returns a Pass function for a FiberTestCase that predicates on
// deep equality. If there is an error, then the predicate returns false.
func PassEqual(want rubycore.Value) func(rubycore.Value, error) bool {
	return func(result rubycore.Value, err error) bool {
		return err == nil && reflect.DeepEqual(want, result)
	}
}

// PassIdentical returns a Pass function for a FiberTestCase that predicates
// on identity, i.e. the result must be exactly the given value.
func PassIdentical(want rubycore.Value) func(rubycore.Value, error) bool {
	return func(result rubycore.Value, err error) bool {
		if err != nil {
			return false
		}
		defer func() { recover() }()
		return want == result
	}
}

// PassFailure returns a Pass function for a FiberTestCase that returns true
// iff the result is an exception of the given class.
func PassFailure(class string) func(rubycore.Value, error) bool {
	return func(result rubycore.Value, err error) bool {
		return rubycore.IsClass(err, class)
	}
}

// PassFailureMessage returns a Pass function for a FiberTestCase that returns
// true iff the result is an exception of the given class and message.
func PassFailureMessage(class, msg string) func(rubycore.Value, error) bool {
	return func(result rubycore.Value, err error) bool {
		var e *rubycore.Exception
		return errors.As(err, &e) && e.Class == class && e.Message == msg
	}
}

// PassSuccess returns a Pass function for a FiberTestCase that returns true
// iff there is no error.
func PassSuccess() func(rubycore.Value, error) bool {
	return func(result rubycore.Value, err error) bool {
		return err == nil
	}
}

// CheckException is a testing helper to check that err is an exception of the
// given class. If msg is not empty, the message must match too.
func CheckException(t *testing.T, err error, class, msg string) {
	t.Helper()
	var e *rubycore.Exception
	if !errors.As(err, &e) {
		t.Fatalf("expected %s, got %v", class, err)
	}
	if e.Class != class {
		t.Errorf("wrong exception class: expected %s, have %s (%v)", class, e.Class, err)
	}
	if msg != "" && e.Message != msg {
		t.Errorf("wrong exception message: expected %q, have %q", msg, e.Message)
	}
}

// CheckGlobals is a testing helper to check that each of the given global
// variables is defined.
func CheckGlobals(t *testing.T, vm *rubycore.VM, names []string) {
	t.Helper()
	for _, name := range names {
		t.Run("Have_"+name, func(t *testing.T) {
			ok, err := vm.Globals.IsDefined(name)
			if err != nil {
				t.Fatal(err)
			}
			if !ok {
				t.Fatal("no global", name)
			}
		})
	}
}
