package internal

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jtolds/gls"
)

// Version is the runtime version reported by the command.
const Version = "1"

// RubyVersion is the Ruby language version the runtime follows.
const RubyVersion = "3.3.0"

// currentFiberKey is the goroutine-local key holding the fiber a goroutine
// runs for.
var currentFiberKey = gls.GenSym()

// VM is a Ruby runtime: the process-wide state shared by all of its threads.
type VM struct {
	// Config is the configuration the VM was created with.
	Config Config
	// Log is the VM's logger.
	Log *slog.Logger
	// Symbols is the symbol table.
	Symbols *SymbolTable
	// Globals is the global variable registry.
	Globals *GlobalVariables
	// Native is the native memory heap.
	Native *NativeHeap
	// Main is the main thread.
	Main *Thread

	// StartTime is the time at which VM initialization began.
	StartTime time.Time

	gls              *gls.ContextManager
	safepointTimeout time.Duration
	ids              atomic.Uint64

	mu      sync.Mutex
	threads map[*Thread]struct{}
}

// NewVM creates a VM with the given configuration and runs the registered
// core extensions on it.
func NewVM(cfg Config) (*VM, error) {
	haveVM.Store(true)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	limit, _ := cfg.MemoryLimit()
	timeout, _ := cfg.Timeout()
	vm := &VM{
		Config:           cfg,
		Log:              cfg.logger(),
		Symbols:          NewSymbolTable(cfg.HashSeed),
		StartTime:        time.Now(),
		gls:              gls.NewContextManager(),
		safepointTimeout: timeout,
		threads:          make(map[*Thread]struct{}),
	}
	vm.Globals = NewGlobalVariables(vm)
	vm.Native = NewNativeHeap(limit, vm.Log)
	vm.Main = newThread(vm)
	for _, ext := range coreExt {
		ext(vm)
	}
	vm.Log.Debug("vm created", slog.String("main", vm.Main.ID()), slog.Int("extensions", len(coreExt)))
	return vm, nil
}

// nextID returns a new unique identifier.
func (vm *VM) nextID() uint64 {
	return vm.ids.Add(1)
}

// CurrentFiber returns the fiber the calling goroutine runs for, or nil if it
// runs for none.
func (vm *VM) CurrentFiber() *Fiber {
	v, ok := vm.gls.GetValue(currentFiberKey)
	if !ok {
		return nil
	}
	return v.(*Fiber)
}

// NewThread creates a thread. It does not run until Run or Start is called.
func (vm *VM) NewThread() *Thread {
	return newThread(vm)
}

// Threads returns the running threads ordered by ID.
func (vm *VM) Threads() []*Thread {
	vm.mu.Lock()
	r := make([]*Thread, 0, len(vm.threads))
	for t := range vm.threads {
		r = append(r, t)
	}
	vm.mu.Unlock()
	sort.Slice(r, func(i, j int) bool { return r[i].ID() < r[j].ID() })
	return r
}

func (vm *VM) addThread(t *Thread) {
	vm.mu.Lock()
	vm.threads[t] = struct{}{}
	vm.mu.Unlock()
}

func (vm *VM) removeThread(t *Thread) {
	vm.mu.Lock()
	delete(vm.threads, t)
	vm.mu.Unlock()
}

// Register registers a core extension. Each function is called in the order it
// is registered; extensions that depend on other extensions need only import
// them. Register should be called from within init funcs. Panics if NewVM has
// been called.
func Register(f func(*VM)) {
	if haveVM.Load() {
		panic("rubycore/internal: Register must be called before any VM is created")
	}
	coreExt = append(coreExt, f)
}

// coreExt is a list of core extensions that have been registered.
var coreExt = make([]func(*VM), 0, 10)

// haveVM becomes true once NewVM has been called.
var haveVM atomic.Bool
