package internal

import (
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/launix-de/NonLockingReadMap"
)

// unsetValue marks a global variable storage that has never been assigned.
type unsetValue struct{}

// box holds a global variable's value so that it can be swapped atomically
// regardless of its dynamic type.
type box struct {
	v Value
}

var unset = &box{v: unsetValue{}}

// retired replaces the unset value of a storage that a definition replaced,
// so that the definition and any racing first write cannot both succeed.
var retired = &box{}

// GlobalVariableStorage is the cell underlying one or more global variable
// names. A storage is either simple, holding a value directly, or hooked,
// delegating reads, writes, and definedness checks to callables.
type GlobalVariableStorage struct {
	value atomic.Pointer[box]

	// getter, setter, and isDefined are all nil for simple storages and all
	// non-nil for hooked storages.
	getter, setter, isDefined Callable

	// unchanged lets cached code treat the value as constant until the next
	// write. It is cycled on each change while assumeConstant holds.
	unchanged *CyclicAssumption
	// assumeConstant becomes false permanently once the variable has changed
	// too many times or lost a name to an alias.
	assumeConstant atomic.Bool
	// mu guards changes and the transition of assumeConstant.
	mu      sync.Mutex
	changes int
	// maxChanges is the number of changes allowed before the storage gives up
	// assuming constancy.
	maxChanges int
}

func newStorage(v *box, maxChanges int) *GlobalVariableStorage {
	s := &GlobalVariableStorage{
		unchanged:  NewCyclicAssumption("global variable unchanged"),
		maxChanges: maxChanges,
	}
	s.value.Store(v)
	s.assumeConstant.Store(true)
	return s
}

// IsHooked reports whether the storage delegates to hook callables.
func (s *GlobalVariableStorage) IsHooked() bool {
	return s.getter != nil
}

// IsAssumeConstant reports whether cached code may still treat the value as
// constant under the unchanged assumption.
func (s *GlobalVariableStorage) IsAssumeConstant() bool {
	return s.assumeConstant.Load()
}

// UnchangedAssumption returns the assumption that the value has not changed
// since it was read.
func (s *GlobalVariableStorage) UnchangedAssumption() *Assumption {
	return s.unchanged.Assumption()
}

// ConstantValue returns the current value together with the assumption under
// which it may be cached. ok is false if the storage is hooked or no longer
// assumed constant, in which case the value must not be cached.
func (s *GlobalVariableStorage) ConstantValue() (v Value, a *Assumption, ok bool) {
	if s.IsHooked() || !s.IsAssumeConstant() {
		return nil, nil, false
	}
	// Load the assumption first so that a write between the two loads leaves
	// the returned assumption invalid rather than the value stale.
	a = s.unchanged.Assumption()
	return s.Value(), a, a.IsValid()
}

// Value returns the raw value of a simple storage, or nil if it is unset.
func (s *GlobalVariableStorage) Value() Value {
	b := s.value.Load()
	if b == unset {
		return nil
	}
	return b.v
}

// isSet reports whether a simple storage has ever been assigned.
func (s *GlobalVariableStorage) isSet() bool {
	b := s.value.Load()
	return b != unset && b != retired
}

// Get reads the variable on behalf of fiber f, activating the getter of a
// hooked storage.
func (s *GlobalVariableStorage) Get(f *Fiber) (Value, error) {
	if s.IsHooked() {
		return protect(s.getter, f, nil, Args{})
	}
	return s.Value(), nil
}

// Set writes the variable on behalf of fiber f, activating the setter of a
// hooked storage. Writes to a storage that a definition has replaced are
// dropped; GlobalVariables.Set resolves the name again instead.
func (s *GlobalVariableStorage) Set(f *Fiber, v Value) error {
	if s.IsHooked() {
		_, err := protect(s.setter, f, nil, ArgsOf(v))
		return err
	}
	s.write(v)
	return nil
}

// IsDefined reports whether the variable is defined on behalf of fiber f.
func (s *GlobalVariableStorage) IsDefined(f *Fiber) (bool, error) {
	if s.IsHooked() {
		r, err := protect(s.isDefined, f, nil, Args{})
		if err != nil {
			return false, err
		}
		return Truthy(r), nil
	}
	return s.isSet(), nil
}

// write stores a value into a simple storage and reports whether it did. The
// store always happens, since globals may be used to publish values between
// threads, but writing the same value again does not count as a change. A
// storage that a definition replaced refuses the write.
func (s *GlobalVariableStorage) write(v Value) bool {
	nb := &box{v: v}
	for {
		prev := s.value.Load()
		if prev == retired {
			return false
		}
		if !s.value.CompareAndSwap(prev, nb) {
			continue
		}
		if s.IsAssumeConstant() && (prev == unset || !identical(prev.v, v)) {
			s.updateAssumeConstant()
		}
		return true
	}
}

// updateAssumeConstant records a change of value. Once the number of changes
// exceeds the limit, the storage permanently stops assuming constancy.
func (s *GlobalVariableStorage) updateAssumeConstant() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.assumeConstant.Load() {
		return
	}
	s.changes++
	if s.changes <= s.maxChanges {
		s.unchanged.Invalidate()
		return
	}
	s.assumeConstant.Store(false)
	s.unchanged.Assumption().Invalidate()
}

// noLongerAssumeConstant permanently disables constancy for the storage.
func (s *GlobalVariableStorage) noLongerAssumeConstant() {
	s.mu.Lock()
	s.assumeConstant.Store(false)
	s.mu.Unlock()
	s.unchanged.Assumption().Invalidate()
}

// Truthy reports whether v is true in the Ruby sense: anything except nil and
// false.
func Truthy(v Value) bool {
	return v != nil && v != false
}

// identical reports whether a and b are the same guest value: equal
// immediates or the same reference.
func identical(a, b Value) bool {
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) {
		return false
	}
	if ta == nil {
		return true
	}
	switch ta.Kind() {
	case reflect.Slice:
		va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
		return va.Pointer() == vb.Pointer() && va.Len() == vb.Len()
	case reflect.Map, reflect.Func:
		return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
	}
	// Comparable also rejects interfaces holding incomparable values, which
	// would panic under ==.
	if !reflect.ValueOf(a).Comparable() {
		return false
	}
	return a == b
}

// globalName is an entry of the name index.
type globalName struct {
	Name  string
	Index int
}

func (g globalName) GetKey() string {
	return g.Name
}

func (g globalName) ComputeSize() uint {
	return uint(len(g.Name)) + 24
}

// globalSlot is the indirection between a name and its storage.
type globalSlot struct {
	storage atomic.Pointer[GlobalVariableStorage]
	// unaliased holds until the name is first made to share another name's
	// storage. While it holds, readers may cache the storage directly.
	unaliased *Assumption
}

// GlobalVariables is the registry of global variable names. Names are resolved
// to slot indices once; reads and writes then go through the slot.
type GlobalVariables struct {
	vm *VM
	// names maps names to slot indices. Reads never block.
	names NonLockingReadMap.NonLockingReadMap[globalName, string]
	// mu serializes writers of names and slots.
	mu    sync.Mutex
	slots atomic.Pointer[[]*globalSlot]
}

// NewGlobalVariables creates an empty registry for vm.
func NewGlobalVariables(vm *VM) *GlobalVariables {
	g := &GlobalVariables{
		vm:    vm,
		names: NonLockingReadMap.New[globalName, string](),
	}
	g.slots.Store(new([]*globalSlot))
	return g
}

// globalVarName normalizes a global variable name to include its sigil.
func globalVarName(name string) string {
	if strings.HasPrefix(name, "$") {
		return name
	}
	return "$" + name
}

// index resolves a name to its slot index, creating a slot holding an unset
// simple storage if there is none.
func (g *GlobalVariables) index(name string) int {
	if e := g.names.Get(name); e != nil {
		return e.Index
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if e := g.names.Get(name); e != nil {
		return e.Index
	}
	old := *g.slots.Load()
	slots := make([]*globalSlot, len(old), len(old)+1)
	copy(slots, old)
	slot := &globalSlot{unaliased: NewAssumption(name + " unaliased")}
	slot.storage.Store(newStorage(unset, g.maxChanges()))
	slots = append(slots, slot)
	// Publish the slot before the name so that any reader finding the name
	// also finds the slot.
	g.slots.Store(&slots)
	g.names.Set(&globalName{Name: name, Index: len(old)})
	return len(old)
}

func (g *GlobalVariables) slot(i int) *globalSlot {
	return (*g.slots.Load())[i]
}

func (g *GlobalVariables) maxChanges() int {
	if g.vm == nil {
		return DefaultConfig().GlobalVariableMaxInvalidations
	}
	return g.vm.Config.GlobalVariableMaxInvalidations
}

// Storage returns the storage currently bound to name, creating an unset one
// if the name has never been seen.
func (g *GlobalVariables) Storage(name string) *GlobalVariableStorage {
	return g.slot(g.index(globalVarName(name))).storage.Load()
}

// Define creates a simple global variable holding v. It is an error to define
// a name that already holds a value or hooks.
func (g *GlobalVariables) Define(name string, v Value) (*GlobalVariableStorage, error) {
	return g.DefineStorage(name, newStorage(&box{v: v}, g.maxChanges()))
}

// DefineHooked creates a hooked global variable. getter, setter, and
// isDefined must all be non-nil.
func (g *GlobalVariables) DefineHooked(name string, getter, setter, isDefined Callable) (*GlobalVariableStorage, error) {
	if getter == nil || setter == nil || isDefined == nil {
		return nil, NewExceptionf("ArgumentError", "hooked global variable %s needs a getter, setter, and defined check", globalVarName(name))
	}
	s := newStorage(unset, g.maxChanges())
	s.getter, s.setter, s.isDefined = getter, setter, isDefined
	return g.DefineStorage(name, s)
}

// DefineStorage binds name to s. Defining a name with the storage it already
// has returns that storage. It is an error to replace a storage that holds a
// value or hooks. Names aliased to the replaced storage are bound to s as
// well.
func (g *GlobalVariables) DefineStorage(name string, s *GlobalVariableStorage) (*GlobalVariableStorage, error) {
	name = globalVarName(name)
	slot := g.slot(g.index(name))
	g.mu.Lock()
	defer g.mu.Unlock()
	old := slot.storage.Load()
	if old == s {
		return s, nil
	}
	// Writes to simple storages do not take mu, so claim the unset value
	// atomically.
	if old.IsHooked() || !old.value.CompareAndSwap(unset, retired) {
		return nil, NewExceptionf("NameError", "global variable %s already defined", name)
	}
	// The old storage was only ever read. Readers that cached it must now
	// re-resolve their names.
	for _, sl := range *g.slots.Load() {
		if sl.storage.CompareAndSwap(old, s) {
			sl.unaliased.Invalidate()
		}
	}
	old.noLongerAssumeConstant()
	return s, nil
}

// Alias makes newName share the storage of oldName. If newName had a different
// storage, that storage is no longer assumed constant, and readers of newName
// stop caching its storage.
func (g *GlobalVariables) Alias(oldName, newName string) {
	oldName, newName = globalVarName(oldName), globalVarName(newName)
	from := g.slot(g.index(oldName))
	to := g.slot(g.index(newName))
	g.mu.Lock()
	s := from.storage.Load()
	prev := to.storage.Swap(s)
	g.mu.Unlock()
	if prev != s {
		prev.noLongerAssumeConstant()
	}
	to.unaliased.Invalidate()
	if g.vm != nil {
		g.vm.Log.Debug("global variable aliased", slog.String("name", newName), slog.String("target", oldName))
	}
}

// Reader returns an accessor for name.
func (g *GlobalVariables) Reader(name string) *GlobalVariableReader {
	name = globalVarName(name)
	slot := g.slot(g.index(name))
	return &GlobalVariableReader{
		g:      g,
		name:   name,
		slot:   slot,
		direct: slot.storage.Load(),
	}
}

// Get reads a global variable on behalf of the current fiber. Unset variables
// read as nil.
func (g *GlobalVariables) Get(name string) (Value, error) {
	return g.Storage(name).Get(g.current())
}

// Set writes a global variable on behalf of the current fiber.
func (g *GlobalVariables) Set(name string, v Value) error {
	for {
		s := g.Storage(name)
		if s.IsHooked() {
			return s.Set(g.current(), v)
		}
		if s.write(v) {
			return nil
		}
	}
}

// IsDefined reports whether a global variable is defined.
func (g *GlobalVariables) IsDefined(name string) (bool, error) {
	return g.Storage(name).IsDefined(g.current())
}

// Names returns the names of all global variables that have been seen, in
// sorted order.
func (g *GlobalVariables) Names() []string {
	all := g.names.GetAll()
	r := make([]string, 0, len(all))
	for _, e := range all {
		r = append(r, e.Name)
	}
	return r
}

func (g *GlobalVariables) current() *Fiber {
	if g.vm == nil {
		return nil
	}
	return g.vm.CurrentFiber()
}

// GlobalVariableReader reads one global variable name. Until the name is
// aliased, the reader uses the storage it found when it was created; after,
// it resolves the name on every read.
type GlobalVariableReader struct {
	g      *GlobalVariables
	name   string
	slot   *globalSlot
	direct *GlobalVariableStorage
}

// Name returns the variable name.
func (r *GlobalVariableReader) Name() string {
	return r.name
}

// IsAliased reports whether the reader must resolve its name on each read.
func (r *GlobalVariableReader) IsAliased() bool {
	return !r.slot.unaliased.IsValid()
}

// Storage returns the storage the name currently refers to.
func (r *GlobalVariableReader) Storage() *GlobalVariableStorage {
	if r.slot.unaliased.IsValid() {
		return r.direct
	}
	return r.slot.storage.Load()
}

// Read reads the variable on behalf of the current fiber.
func (r *GlobalVariableReader) Read() (Value, error) {
	return r.Storage().Get(r.g.current())
}
