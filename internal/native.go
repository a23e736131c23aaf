package internal

import (
	"log/slog"
	"sync"
	"unsafe"

	"github.com/docker/go-units"
	"github.com/google/btree"
)

// block is one live native allocation.
type block struct {
	addr uintptr
	mem  []byte
}

func (b block) contains(a uintptr) bool {
	return a >= b.addr && a < b.addr+uintptr(len(b.mem))
}

// NativeHeap allocates native memory for Pointers and tracks live blocks by
// address.
type NativeHeap struct {
	log   *slog.Logger
	limit int64

	mu   sync.Mutex
	live *btree.BTreeG[block]
	used int64
}

// NewNativeHeap creates a heap. A limit of zero is unlimited.
func NewNativeHeap(limit int64, log *slog.Logger) *NativeHeap {
	return &NativeHeap{
		log:   log,
		limit: limit,
		live: btree.NewG[block](8, func(a, b block) bool {
			return a.addr < b.addr
		}),
	}
}

// Malloc allocates size bytes and returns an owning pointer bounded to them.
func (h *NativeHeap) Malloc(size int64) (*Pointer, error) {
	if size < 0 {
		return nil, NewExceptionf("ArgumentError", "negative allocation size %d", size)
	}
	b, err := h.alloc(size)
	if err != nil {
		return nil, err
	}
	return h.owning(b.addr, size), nil
}

// Calloc allocates zeroed memory for n objects of size bytes each.
func (h *NativeHeap) Calloc(n, size int64) (*Pointer, error) {
	if n < 0 || size < 0 {
		return nil, NewExceptionf("ArgumentError", "negative allocation size %d*%d", n, size)
	}
	if size != 0 && n > (1<<62)/size {
		return nil, NewExceptionf("ArgumentError", "allocation size %d*%d overflows", n, size)
	}
	b, err := h.alloc(n * size)
	if err != nil {
		return nil, err
	}
	clear(b.mem)
	return h.owning(b.addr, n*size), nil
}

// Null returns a null pointer.
func (h *NativeHeap) Null() *Pointer {
	return &Pointer{heap: h, size: -1}
}

// NewPointer wraps memory the heap does not own. A negative size is
// unbounded. The pointer cannot be freed or autoreleased.
func (h *NativeHeap) NewPointer(addr uintptr, size int64) *Pointer {
	if size < 0 {
		size = -1
	}
	return &Pointer{heap: h, addr: addr, size: size}
}

// Used returns the number of bytes currently allocated.
func (h *NativeHeap) Used() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.used
}

// Live returns the number of live allocations.
func (h *NativeHeap) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.live.Len()
}

func (h *NativeHeap) alloc(size int64) (block, error) {
	n := size
	if n == 0 {
		// Every allocation needs a distinct address.
		n = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.limit > 0 && h.used+n > h.limit {
		return block{}, NewExceptionf("NoMemoryError", "failed to allocate memory (%s requested, %s of %s in use)",
			units.BytesSize(float64(size)), units.BytesSize(float64(h.used)), units.BytesSize(float64(h.limit)))
	}
	mem, err := sysAlloc(uintptr(n))
	if err != nil {
		return block{}, &Exception{Kind: RaiseException, Class: "NoMemoryError", Message: "failed to allocate memory", Cause: err}
	}
	b := block{addr: uintptr(unsafe.Pointer(&mem[0])), mem: mem}
	h.live.ReplaceOrInsert(b)
	h.used += n
	return b, nil
}

// release frees the block starting at addr.
func (h *NativeHeap) release(addr uintptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.live.Get(block{addr: addr})
	if !ok {
		if c, ok := h.containing(addr); ok {
			return NewExceptionf("ArgumentError", "pointer 0x%x is inside the allocation at 0x%x", addr, c.addr)
		}
		return NewExceptionf("ArgumentError", "pointer 0x%x was not allocated or is already freed", addr)
	}
	h.live.Delete(b)
	h.used -= int64(len(b.mem))
	if err := sysFree(b.mem); err != nil {
		h.log.Warn("releasing native memory", slog.Uint64("address", uint64(addr)), slog.Any("err", err))
	}
	return nil
}

// containing finds the live block containing addr. The caller must hold mu.
func (h *NativeHeap) containing(addr uintptr) (block, bool) {
	var r block
	var ok bool
	h.live.DescendLessOrEqual(block{addr: addr}, func(b block) bool {
		r, ok = b, b.contains(addr)
		return false
	})
	return r, ok
}

// memory returns n bytes at addr. Addresses inside a live block of the heap
// are served from that block; any other address is foreign memory.
func (h *NativeHeap) memory(addr, n uintptr) []byte {
	h.mu.Lock()
	b, ok := h.containing(addr)
	h.mu.Unlock()
	if ok && addr+n <= b.addr+uintptr(len(b.mem)) {
		off := addr - b.addr
		return b.mem[off : off+n : off+n]
	}
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}
