// Package gc reports on and triggers garbage collection of runtime state:
// symbols held only weakly, autoreleased native memory, and the Go heap that
// backs them.
package gc

import (
	"fmt"
	"runtime"
	"time"

	"github.com/docker/go-units"

	"github.com/zephyrtronium/rubycore"
	"github.com/zephyrtronium/rubycore/internal"
)

// Go collects for us. Collection frees unreferenced symbols and runs the
// cleanups of autoreleased pointers, so the interface here only observes it.

func init() {
	internal.Register(initGC)
}

func initGC(vm *rubycore.VM) {
	stress := rubycore.NewCFunction(func(f *rubycore.Fiber, self rubycore.Value, args rubycore.Args) (rubycore.Value, error) {
		return false, nil
	})
	ignore := rubycore.NewCFunction(func(f *rubycore.Fiber, self rubycore.Value, args rubycore.Args) (rubycore.Value, error) {
		return nil, nil
	})
	yes := rubycore.NewCFunction(func(f *rubycore.Fiber, self rubycore.Value, args rubycore.Args) (rubycore.Value, error) {
		return true, nil
	})
	if _, err := vm.Globals.DefineHooked("$GC_STRESS", stress, ignore, yes); err != nil {
		panic(fmt.Errorf("rubycore/gc: %w", err))
	}
}

// Stats is a snapshot of collector-related state.
type Stats struct {
	// Symbols is the number of live symbols.
	Symbols int
	// PreservedSymbols is the number of symbols that are never collected.
	PreservedSymbols int
	// NativeBytes is the size of live native allocations.
	NativeBytes int64
	// NativeBlocks is the number of live native allocations.
	NativeBlocks int
	// HeapBytes is the size of the Go heap in use.
	HeapBytes uint64
	// Cycles is the number of completed collections.
	Cycles uint32
	// Pause is the total time spent in stop-the-world pauses.
	Pause time.Duration
}

// Stat collects the current statistics for vm.
func Stat(vm *rubycore.VM) Stats {
	var s runtime.MemStats
	runtime.ReadMemStats(&s)
	return Stats{
		Symbols:          len(vm.Symbols.AllSymbols()),
		PreservedSymbols: vm.Symbols.PreservedCount(),
		NativeBytes:      vm.Native.Used(),
		NativeBlocks:     vm.Native.Live(),
		HeapBytes:        s.HeapAlloc,
		Cycles:           s.NumGC,
		Pause:            time.Duration(s.PauseTotalNs),
	}
}

// Start triggers a collection cycle and returns the statistics after it. This
// is much slower than allowing collection to happen automatically, as it also
// waits for pending cleanups to run.
func Start(vm *rubycore.VM) Stats {
	runtime.GC()
	// Cleanups run on their own goroutine after the cycle. A second cycle
	// gives them time to finish.
	runtime.Gosched()
	runtime.GC()
	return Stat(vm)
}

// String formats the statistics for display.
func (s Stats) String() string {
	return fmt.Sprintf(statsFormat,
		s.Symbols, s.PreservedSymbols,
		units.HumanSize(float64(s.NativeBytes)), s.NativeBlocks,
		units.HumanSize(float64(s.HeapBytes)),
		s.Cycles,
		s.Pause)
}

const statsFormat = `Symbols: %d (%d preserved)
Native memory: %s in %d blocks
Go heap: %s
Completed cycles: %d
Pause total: %v
`
