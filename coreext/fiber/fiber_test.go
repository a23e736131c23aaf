package fiber_test

import (
	"errors"
	"testing"
	"time"

	"github.com/zephyrtronium/rubycore"
	"github.com/zephyrtronium/rubycore/coreext/fiber"
	"github.com/zephyrtronium/rubycore/testutils"
)

func TestRegister(t *testing.T) {
	vm := testutils.TestingVM()
	if vm.Symbols.PreservedCount() == 0 {
		t.Fatal("no preserved symbols")
	}
	names := map[string]bool{}
	for _, s := range vm.Symbols.AllSymbols() {
		names[s.String()] = true
	}
	for _, name := range []string{"resume", "yield", "transfer", "alive?", "[]="} {
		if !names[name] {
			t.Errorf("no symbol for %s", name)
		}
	}
}

func proc(fn func(f *rubycore.Fiber, args rubycore.Args) (rubycore.Value, error)) rubycore.Callable {
	return testutils.Proc(fn)
}

// yields is a body that yields 1 and finishes with 2.
var yields = proc(func(f *rubycore.Fiber, args rubycore.Args) (rubycore.Value, error) {
	if _, err := fiber.Yield(f, 1); err != nil {
		return nil, err
	}
	return 2, nil
})

// TestLifecycle follows a fiber from creation to termination.
func TestLifecycle(t *testing.T) {
	err := testutils.RunMain(t, testutils.TestingVM(), func(root *rubycore.Fiber) error {
		f := fiber.New(root, yields)
		if f.Status() != rubycore.Created || !fiber.Alive(f) {
			t.Errorf("new fiber is %v", f)
		}
		v, err := fiber.Resume(root, f)
		if err != nil || v != 1 {
			t.Errorf("first resume: want 1, got %v %v", v, err)
		}
		if f.Status() != rubycore.Suspended {
			t.Errorf("want suspended, got %v", f.Status())
		}
		v, err = fiber.Resume(root, f)
		if err != nil || v != 2 {
			t.Errorf("second resume: want 2, got %v %v", v, err)
		}
		if f.Status() != rubycore.Terminated || fiber.Alive(f) {
			t.Errorf("want terminated, got %v", f.Status())
		}
		_, err = fiber.Resume(root, f)
		testutils.CheckException(t, err, "FiberError", "dead fiber called")
		return nil
	})
	if err != nil {
		t.Error(err)
	}
}

func TestResume(t *testing.T) {
	cases := map[string]map[string]testutils.FiberTestCase{
		"values": {
			"args": {
				Body: func(root *rubycore.Fiber) (rubycore.Value, error) {
					f := fiber.New(root, proc(func(f *rubycore.Fiber, args rubycore.Args) (rubycore.Value, error) {
						return args.Values, nil
					}))
					return fiber.Resume(root, f, 1, 2)
				},
				Pass: testutils.PassEqual([]rubycore.Value{1, 2}),
			},
			"yieldReceivesResume": {
				Body: func(root *rubycore.Fiber) (rubycore.Value, error) {
					f := fiber.New(root, proc(func(f *rubycore.Fiber, args rubycore.Args) (rubycore.Value, error) {
						return fiber.Yield(f)
					}))
					if _, err := fiber.Resume(root, f); err != nil {
						return nil, err
					}
					return fiber.Resume(root, f, "back")
				},
				Pass: testutils.PassEqual("back"),
			},
			"nested": {
				Body: func(root *rubycore.Fiber) (rubycore.Value, error) {
					inner := fiber.New(root, yields)
					outer := fiber.New(root, proc(func(f *rubycore.Fiber, args rubycore.Args) (rubycore.Value, error) {
						v, err := fiber.Resume(f, inner)
						if err != nil {
							return nil, err
						}
						return v.(int) + 10, nil
					}))
					return fiber.Resume(root, outer)
				},
				Pass: testutils.PassEqual(11),
			},
		},
		"errors": {
			"dead": {
				Body: func(root *rubycore.Fiber) (rubycore.Value, error) {
					f := fiber.New(root, testutils.Const(nil))
					if _, err := fiber.Resume(root, f); err != nil {
						return nil, err
					}
					return fiber.Resume(root, f)
				},
				Pass: testutils.PassFailureMessage("FiberError", "dead fiber called"),
			},
			"current": {
				Body: func(root *rubycore.Fiber) (rubycore.Value, error) {
					f := fiber.New(root, proc(func(f *rubycore.Fiber, args rubycore.Args) (rubycore.Value, error) {
						return fiber.Resume(f, f)
					}))
					return fiber.Resume(root, f)
				},
				Pass: testutils.PassFailureMessage("FiberError", "attempt to resume the current fiber"),
			},
			"root": {
				Body: func(root *rubycore.Fiber) (rubycore.Value, error) {
					var inner rubycore.Value
					f := fiber.New(root, proc(func(f *rubycore.Fiber, args rubycore.Args) (rubycore.Value, error) {
						_, err := fiber.Resume(f, root)
						inner = err
						return nil, err
					}))
					fiber.Resume(root, f)
					return inner, nil
				},
				Pass: func(v rubycore.Value, err error) bool {
					e, ok := v.(error)
					return ok && err == nil && rubycore.IsClass(e, "FiberError")
				},
			},
			"resumer": {
				Body: func(root *rubycore.Fiber) (rubycore.Value, error) {
					var outer *rubycore.Fiber
					inner := fiber.New(root, proc(func(f *rubycore.Fiber, args rubycore.Args) (rubycore.Value, error) {
						return fiber.Resume(f, outer)
					}))
					outer = fiber.New(root, proc(func(f *rubycore.Fiber, args rubycore.Args) (rubycore.Value, error) {
						return fiber.Resume(f, inner)
					}))
					return fiber.Resume(root, outer)
				},
				Pass: testutils.PassFailureMessage("FiberError", "attempt to resume a resuming fiber"),
			},
			"transferring": {
				Body: func(root *rubycore.Fiber) (rubycore.Value, error) {
					f := fiber.New(root, proc(func(f *rubycore.Fiber, args rubycore.Args) (rubycore.Value, error) {
						return fiber.Transfer(f, root, "away")
					}))
					if _, err := fiber.Transfer(root, f); err != nil {
						return nil, err
					}
					return fiber.Resume(root, f)
				},
				Pass: testutils.PassFailureMessage("FiberError", "attempt to resume a transferring fiber"),
			},
			"otherThread": {
				Body: func(root *rubycore.Fiber) (rubycore.Value, error) {
					other := root.VM().NewThread()
					var f *rubycore.Fiber
					if err := other.Run(func(r *rubycore.Fiber) error {
						f = fiber.New(r, yields)
						return nil
					}); err != nil {
						return nil, err
					}
					return fiber.Resume(root, f)
				},
				Pass: testutils.PassFailureMessage("FiberError", "fiber called across threads"),
			},
			"yieldFromRoot": {
				Body: func(root *rubycore.Fiber) (rubycore.Value, error) {
					return fiber.Yield(root, 1)
				},
				Pass: testutils.PassFailureMessage("FiberError", "can't yield from root fiber"),
			},
		},
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			for name, c := range s {
				t.Run(name, c.TestFunc(name))
			}
		})
	}
}

func TestTransfer(t *testing.T) {
	cases := map[string]testutils.FiberTestCase{
		"toSelf": {
			Body: func(root *rubycore.Fiber) (rubycore.Value, error) {
				return fiber.Transfer(root, root, 1, 2)
			},
			Pass: testutils.PassEqual([]rubycore.Value{1, 2}),
		},
		"pingPong": {
			Body: func(root *rubycore.Fiber) (rubycore.Value, error) {
				f := fiber.New(root, proc(func(f *rubycore.Fiber, args rubycore.Args) (rubycore.Value, error) {
					n := args.Values[0].(int)
					for {
						v, err := fiber.Transfer(f, root, n*2)
						if err != nil {
							return nil, err
						}
						n = v.(int)
					}
				}))
				sum := 0
				for i := 1; i <= 3; i++ {
					v, err := fiber.Transfer(root, f, i)
					if err != nil {
						return nil, err
					}
					sum += v.(int)
				}
				return sum, nil
			},
			Pass: testutils.PassEqual(12),
		},
		"resuming": {
			Body: func(root *rubycore.Fiber) (rubycore.Value, error) {
				var outer *rubycore.Fiber
				inner := fiber.New(root, proc(func(f *rubycore.Fiber, args rubycore.Args) (rubycore.Value, error) {
					return fiber.Transfer(f, outer)
				}))
				outer = fiber.New(root, proc(func(f *rubycore.Fiber, args rubycore.Args) (rubycore.Value, error) {
					return fiber.Resume(f, inner)
				}))
				return fiber.Resume(root, outer)
			},
			Pass: testutils.PassFailureMessage("FiberError", "attempt to transfer to a resuming fiber"),
		},
		"yielding": {
			Body: func(root *rubycore.Fiber) (rubycore.Value, error) {
				f := fiber.New(root, yields)
				if _, err := fiber.Resume(root, f); err != nil {
					return nil, err
				}
				return fiber.Transfer(root, f)
			},
			Pass: testutils.PassFailureMessage("FiberError", "attempt to transfer to a yielding fiber"),
		},
		"dead": {
			Body: func(root *rubycore.Fiber) (rubycore.Value, error) {
				f := fiber.New(root, testutils.Const(nil))
				if _, err := fiber.Transfer(root, f); err != nil {
					return nil, err
				}
				return fiber.Transfer(root, f)
			},
			Pass: testutils.PassFailureMessage("FiberError", "dead fiber called"),
		},
	}
	for name, c := range cases {
		t.Run(name, c.TestFunc(name))
	}
}

func TestRaise(t *testing.T) {
	boom := rubycore.NewException("RuntimeError", "boom")
	cases := map[string]testutils.FiberTestCase{
		"suspended": {
			Body: func(root *rubycore.Fiber) (rubycore.Value, error) {
				f := fiber.New(root, yields)
				if _, err := fiber.Resume(root, f); err != nil {
					return nil, err
				}
				return fiber.Raise(root, f, boom)
			},
			Pass: testutils.PassFailureMessage("RuntimeError", "boom"),
		},
		"rescued": {
			Body: func(root *rubycore.Fiber) (rubycore.Value, error) {
				f := fiber.New(root, proc(func(f *rubycore.Fiber, args rubycore.Args) (rubycore.Value, error) {
					if _, err := fiber.Yield(f); err != nil {
						return "rescued " + err.(*rubycore.Exception).Message, nil
					}
					return nil, nil
				}))
				if _, err := fiber.Resume(root, f); err != nil {
					return nil, err
				}
				return fiber.Raise(root, f, boom)
			},
			Pass: testutils.PassEqual("rescued boom"),
		},
		"self": {
			Body: func(root *rubycore.Fiber) (rubycore.Value, error) {
				return fiber.Raise(root, root, boom)
			},
			Pass: testutils.PassFailureMessage("RuntimeError", "boom"),
		},
		"unborn": {
			Body: func(root *rubycore.Fiber) (rubycore.Value, error) {
				return fiber.Raise(root, fiber.New(root, yields), boom)
			},
			Pass: testutils.PassFailureMessage("FiberError", "cannot raise exception on unborn fiber"),
		},
		"dead": {
			Body: func(root *rubycore.Fiber) (rubycore.Value, error) {
				f := fiber.New(root, testutils.Const(nil))
				if _, err := fiber.Resume(root, f); err != nil {
					return nil, err
				}
				return fiber.Raise(root, f, boom)
			},
			Pass: testutils.PassFailureMessage("FiberError", "dead fiber called"),
		},
		// A fiber that transferred away is transferred to, so its error goes
		// to the fiber that resumed it rather than to the raiser.
		"transferring": {
			Body: func(root *rubycore.Fiber) (rubycore.Value, error) {
				var a, b *rubycore.Fiber
				a = fiber.New(root, proc(func(f *rubycore.Fiber, args rubycore.Args) (rubycore.Value, error) {
					return fiber.Transfer(f, b)
				}))
				b = fiber.New(root, proc(func(f *rubycore.Fiber, args rubycore.Args) (rubycore.Value, error) {
					return fiber.Raise(f, a, boom)
				}))
				return fiber.Resume(root, a)
			},
			Pass: testutils.PassFailureMessage("RuntimeError", "boom"),
		},
	}
	for name, c := range cases {
		t.Run(name, c.TestFunc(name))
	}
}

func TestKill(t *testing.T) {
	err := testutils.RunMain(t, testutils.TestingVM(), func(root *rubycore.Fiber) error {
		ran := false
		unborn := fiber.New(root, proc(func(f *rubycore.Fiber, args rubycore.Args) (rubycore.Value, error) {
			ran = true
			return nil, nil
		}))
		if v, err := fiber.Kill(root, unborn); v != nil || err != nil {
			t.Errorf("kill unborn: %v %v", v, err)
		}
		if unborn.Status() != rubycore.Terminated {
			t.Errorf("killed unborn fiber is %v", unborn.Status())
		}
		_, err := fiber.Resume(root, unborn)
		testutils.CheckException(t, err, "FiberError", "dead fiber called")
		if ran {
			t.Error("killed unborn fiber ran")
		}

		cleaned := false
		f := fiber.New(root, proc(func(f *rubycore.Fiber, args rubycore.Args) (rubycore.Value, error) {
			_, err := fiber.Yield(f, 1)
			cleaned = rubycore.KindOf(err) == rubycore.KillException
			return nil, err
		}))
		if _, err := fiber.Resume(root, f); err != nil {
			return err
		}
		if v, err := fiber.Kill(root, f); v != nil || err != nil {
			t.Errorf("kill suspended: %v %v", v, err)
		}
		if !cleaned {
			t.Error("killed fiber did not unwind")
		}
		if f.Status() != rubycore.Terminated {
			t.Errorf("killed fiber is %v", f.Status())
		}
		if v, err := fiber.Kill(root, f); v != nil || err != nil {
			t.Errorf("kill dead: %v %v", v, err)
		}

		self := fiber.New(root, proc(func(f *rubycore.Fiber, args rubycore.Args) (rubycore.Value, error) {
			return fiber.Kill(f, f)
		}))
		if v, err := fiber.Resume(root, self); v != nil || err != nil {
			t.Errorf("kill self: %v %v", v, err)
		}
		if self.Status() != rubycore.Terminated {
			t.Errorf("self-killed fiber is %v", self.Status())
		}
		return nil
	})
	if err != nil {
		t.Error(err)
	}
}

// TestKillTransferring tests killing a fiber that gave up control by
// transferring. The fiber unwinds and control goes to the fiber that resumed
// it, leaving the killer suspended until the thread finishes.
func TestKillTransferring(t *testing.T) {
	done := make(chan struct{})
	var killErr error
	go func() {
		defer close(done)
		err := testutils.RunMain(t, testutils.TestingVM(), func(root *rubycore.Fiber) error {
			var a, b *rubycore.Fiber
			a = fiber.New(root, proc(func(f *rubycore.Fiber, args rubycore.Args) (rubycore.Value, error) {
				return fiber.Transfer(f, b)
			}))
			b = fiber.New(root, proc(func(f *rubycore.Fiber, args rubycore.Args) (rubycore.Value, error) {
				v, err := fiber.Kill(f, a)
				killErr = err
				return v, err
			}))
			if v, err := fiber.Resume(root, a); v != nil || err != nil {
				t.Errorf("resume of killed fiber: %v %v", v, err)
			}
			if a.Status() != rubycore.Terminated {
				t.Errorf("killed fiber is %v", a.Status())
			}
			if b.Status() != rubycore.Suspended {
				t.Errorf("killer is %v", b.Status())
			}
			if root.Status() != rubycore.Resumed || root.Resuming() != nil {
				t.Errorf("root is %v resuming %v", root.Status(), root.Resuming())
			}
			return nil
		})
		if err != nil {
			t.Error(err)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("thread did not finish")
	}
	if !rubycore.IsShutdown(killErr) {
		t.Errorf("killer got %v, want shutdown", killErr)
	}
}

// checkRejected checks that call fails with a FiberError with message msg
// without sending anything to f or changing its status. It may be called from
// any fiber's goroutine.
func checkRejected(t *testing.T, f *rubycore.Fiber, msg string, call func() (rubycore.Value, error)) {
	t.Helper()
	status := f.Status()
	_, err := call()
	var e *rubycore.Exception
	if !errors.As(err, &e) || e.Class != "FiberError" || e.Message != msg {
		t.Errorf("want FiberError %q, got %v", msg, err)
	}
	if n := f.QueueLength(); n != 0 {
		t.Errorf("rejected call left %d messages for %v", n, f)
	}
	if f.Status() != status {
		t.Errorf("rejected call changed %v from %v", f, status)
	}
}

// TestRejectedLeavesTarget tests that refused control transfers leave their
// targets untouched.
func TestRejectedLeavesTarget(t *testing.T) {
	boom := rubycore.NewException("RuntimeError", "boom")
	err := testutils.RunMain(t, testutils.TestingVM(), func(root *rubycore.Fiber) error {
		y := fiber.New(root, yields)
		if _, err := fiber.Resume(root, y); err != nil {
			return err
		}
		checkRejected(t, y, "attempt to transfer to a yielding fiber", func() (rubycore.Value, error) {
			return fiber.Transfer(root, y)
		})

		var a, b *rubycore.Fiber
		a = fiber.New(root, proc(func(f *rubycore.Fiber, args rubycore.Args) (rubycore.Value, error) {
			return fiber.Transfer(f, b)
		}))
		b = fiber.New(root, proc(func(f *rubycore.Fiber, args rubycore.Args) (rubycore.Value, error) {
			checkRejected(t, a, "attempt to resume a resumed fiber (double resume)", func() (rubycore.Value, error) {
				return fiber.Resume(f, a)
			})
			checkRejected(t, root, "attempt to resume a resuming fiber", func() (rubycore.Value, error) {
				return fiber.Resume(f, root)
			})
			checkRejected(t, root, "attempt to transfer to a resuming fiber", func() (rubycore.Value, error) {
				return fiber.Transfer(f, root)
			})
			checkRejected(t, root, "attempt to raise a resuming fiber", func() (rubycore.Value, error) {
				return fiber.Raise(f, root, boom)
			})
			checkRejected(t, root, "attempt to kill a resuming fiber", func() (rubycore.Value, error) {
				return fiber.Kill(f, root)
			})
			return "done", nil
		}))
		v, err := fiber.Resume(root, a)
		if err != nil {
			return err
		}
		if v != "done" {
			t.Errorf("want done, got %v", v)
		}
		checkRejected(t, a, "dead fiber called", func() (rubycore.Value, error) {
			return fiber.Resume(root, a)
		})

		away := fiber.New(root, proc(func(f *rubycore.Fiber, args rubycore.Args) (rubycore.Value, error) {
			return fiber.Transfer(f, root, "away")
		}))
		if _, err := fiber.Transfer(root, away); err != nil {
			return err
		}
		checkRejected(t, away, "attempt to resume a transferring fiber", func() (rubycore.Value, error) {
			return fiber.Resume(root, away)
		})
		return nil
	})
	if err != nil {
		t.Error(err)
	}
}

// TestPanic tests that a Go panic in a fiber body reaches the resumer as an
// InternalError.
func TestPanic(t *testing.T) {
	c := testutils.FiberTestCase{
		Body: func(root *rubycore.Fiber) (rubycore.Value, error) {
			f := fiber.New(root, proc(func(f *rubycore.Fiber, args rubycore.Args) (rubycore.Value, error) {
				var m map[string]int
				m["x"] = 1
				return nil, nil
			}))
			return fiber.Resume(root, f)
		},
		Pass: func(v rubycore.Value, err error) bool {
			return rubycore.KindOf(err) == rubycore.InternalError
		},
	}
	t.Run("panic", c.TestFunc("panic"))
}

func TestStorage(t *testing.T) {
	vm := testutils.TestingVM()
	key := vm.Symbols.GetSymbol("request_id")
	err := testutils.RunMain(t, vm, func(root *rubycore.Fiber) error {
		fiber.Set(root, key, "abc")
		var inherited, after rubycore.Value
		child := fiber.New(root, proc(func(f *rubycore.Fiber, args rubycore.Args) (rubycore.Value, error) {
			inherited = fiber.Get(f, key)
			fiber.Set(f, key, "child")
			if _, err := fiber.Yield(f); err != nil {
				return nil, err
			}
			after = fiber.Get(f, key)
			return nil, nil
		}))
		if _, err := fiber.Resume(root, child); err != nil {
			return err
		}
		fiber.Set(root, key, "changed")
		if _, err := fiber.Resume(root, child); err != nil {
			return err
		}
		if inherited != "abc" {
			t.Errorf("child inherited %v", inherited)
		}
		if after != "child" {
			t.Errorf("parent write reached child: %v", after)
		}
		if v := fiber.Get(root, key); v != "changed" {
			t.Errorf("child write reached parent: %v", v)
		}
		shared := root.Storage()
		g := fiber.New(root, testutils.Const(nil), fiber.WithStorage(shared))
		if g.Storage() != shared {
			t.Error("WithStorage not used")
		}
		replaced := rubycore.NewFiberLocals()
		replaced.Set(key, "replaced")
		if err := fiber.SetStorage(root, root, replaced); err != nil {
			t.Error(err)
			return nil
		}
		if v := fiber.Get(root, key); v != "replaced" {
			t.Errorf("replaced storage reads %v", v)
		}
		h := fiber.New(root, testutils.Const(nil))
		if v, _ := h.Storage().Get(key); v != "replaced" {
			t.Errorf("fiber created after replacement inherited %v", v)
		}
		if err := fiber.SetStorage(root, h, replaced); !rubycore.IsClass(err, "ArgumentError") {
			t.Errorf("replacing another fiber's storage gave %v", err)
		}
		return nil
	})
	if err != nil {
		t.Error(err)
	}
}

func TestCatchThrow(t *testing.T) {
	cases := map[string]testutils.FiberTestCase{
		"caught": {
			Body: func(root *rubycore.Fiber) (rubycore.Value, error) {
				return fiber.Catch(root, "tag", func() (rubycore.Value, error) {
					return nil, fiber.Throw(root, "tag", 42)
				})
			},
			Pass: testutils.PassEqual(42),
		},
		"notThrown": {
			Body: func(root *rubycore.Fiber) (rubycore.Value, error) {
				return fiber.Catch(root, "tag", func() (rubycore.Value, error) {
					return 1, nil
				})
			},
			Pass: testutils.PassEqual(1),
		},
		"uncaught": {
			Body: func(root *rubycore.Fiber) (rubycore.Value, error) {
				return nil, fiber.Throw(root, "tag", 42)
			},
			Pass: testutils.PassFailure("UncaughtThrowError"),
		},
		// Catch tags do not cross fibers.
		"otherFiber": {
			Body: func(root *rubycore.Fiber) (rubycore.Value, error) {
				return fiber.Catch(root, "tag", func() (rubycore.Value, error) {
					f := fiber.New(root, proc(func(f *rubycore.Fiber, args rubycore.Args) (rubycore.Value, error) {
						return nil, fiber.Throw(f, "tag", 42)
					}))
					return fiber.Resume(root, f)
				})
			},
			Pass: testutils.PassFailure("UncaughtThrowError"),
		},
		"break": {
			Body: func(root *rubycore.Fiber) (rubycore.Value, error) {
				f := fiber.New(root, proc(func(f *rubycore.Fiber, args rubycore.Args) (rubycore.Value, error) {
					return nil, &rubycore.BreakError{Value: 1}
				}))
				return fiber.Resume(root, f)
			},
			Pass: testutils.PassFailure("LocalJumpError"),
		},
	}
	for name, c := range cases {
		t.Run(name, c.TestFunc(name))
	}
}
