package internal_test

import (
	"testing"

	"github.com/zephyrtronium/rubycore/internal"
	"github.com/zephyrtronium/rubycore/testutils"
)

// newVM creates a VM separate from the shared testing VM, for tests that
// need their own configuration.
func newVM(t *testing.T, edit func(*internal.Config)) *internal.VM {
	t.Helper()
	cfg := testutils.TestingConfig()
	if edit != nil {
		edit(&cfg)
	}
	vm, err := internal.NewVM(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return vm
}

func resume(cur, f *internal.Fiber, args ...internal.Value) (internal.Value, error) {
	r, err := cur.Manager().TransferControlTo(cur, f, internal.Resume, internal.ArgsOf(args...))
	return r.Pack(), err
}

func yield(cur *internal.Fiber, args ...internal.Value) (internal.Value, error) {
	to, err := cur.Manager().GetReturnFiber(cur)
	if err != nil {
		return nil, err
	}
	r, err := cur.Manager().TransferControlTo(cur, to, internal.Yield, internal.ArgsOf(args...))
	return r.Pack(), err
}

func transfer(cur, f *internal.Fiber, args ...internal.Value) (internal.Value, error) {
	r, err := cur.Manager().TransferControlTo(cur, f, internal.Transfer, internal.ArgsOf(args...))
	return r.Pack(), err
}

// yielder is a fiber body that yields each of vs in turn and then returns the
// value it was last resumed with.
func yielder(vs ...internal.Value) internal.Callable {
	return testutils.Proc(func(f *internal.Fiber, args internal.Args) (internal.Value, error) {
		var r internal.Value
		for _, v := range vs {
			var err error
			r, err = yield(f, v)
			if err != nil {
				return nil, err
			}
		}
		return r, nil
	})
}

// checkOneResumed reports an error unless exactly one of fibers is resumed.
// It is safe to call from any fiber's goroutine.
func checkOneResumed(t *testing.T, fibers ...*internal.Fiber) {
	t.Helper()
	var resumed []*internal.Fiber
	for _, f := range fibers {
		if f.Status() == internal.Resumed {
			resumed = append(resumed, f)
		}
	}
	if len(resumed) != 1 {
		t.Errorf("want exactly one resumed fiber among %v, have %v", fibers, resumed)
	}
}
