package internal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
	"unsafe"

	"fortio.org/safecast"
	"github.com/docker/go-units"
)

// releaseState is what an autorelease cleanup holds. It never refers to the
// Pointer, so the Pointer can become unreachable.
type releaseState struct {
	heap  *NativeHeap
	addr  uintptr
	freed atomic.Bool
}

func (rs *releaseState) free() error {
	if !rs.freed.CompareAndSwap(false, true) {
		return NewExceptionf("ArgumentError", "double free of pointer 0x%x", rs.addr)
	}
	return rs.heap.release(rs.addr)
}

// Pointer is a handle to native memory: an address and an optional bound.
// The zero address with no bound is the null pointer.
type Pointer struct {
	heap *NativeHeap
	addr uintptr
	// size is the number of accessible bytes, or -1 for unbounded.
	size int64

	// release is non-nil for pointers that own their memory.
	release *releaseState
	// parent is the owner of a derived pointer's memory. Holding it keeps an
	// autoreleased block alive while derived pointers are in use.
	parent  *Pointer
	cleanup runtime.Cleanup
	auto    atomic.Bool
}

func (h *NativeHeap) owning(addr uintptr, size int64) *Pointer {
	return &Pointer{
		heap:    h,
		addr:    addr,
		size:    size,
		release: &releaseState{heap: h, addr: addr},
	}
}

// Address returns the pointer's address.
func (p *Pointer) Address() uintptr {
	return p.addr
}

// Size returns the pointer's bound, or -1 if it is unbounded.
func (p *Pointer) Size() int64 {
	return p.size
}

// IsNull reports whether the pointer is null.
func (p *Pointer) IsNull() bool {
	return p.addr == 0
}

// IsOwner reports whether the pointer owns its memory and may be freed.
func (p *Pointer) IsOwner() bool {
	return p.release != nil
}

// owner returns the pointer that owns p's memory, or nil if the memory is
// foreign.
func (p *Pointer) owner() *Pointer {
	if p.release != nil {
		return p
	}
	return p.parent
}

// IsFreed reports whether the memory the pointer refers to was allocated by
// the heap and has since been released.
func (p *Pointer) IsFreed() bool {
	o := p.owner()
	return o != nil && o.release.freed.Load()
}

// IsAutorelease reports whether the memory is released when the pointer
// becomes unreachable.
func (p *Pointer) IsAutorelease() bool {
	return p.auto.Load()
}

// EnableAutorelease arranges for the memory to be freed once the pointer is
// unreachable.
func (p *Pointer) EnableAutorelease() error {
	if p.release == nil {
		return NewException("ArgumentError", "pointer does not own its memory")
	}
	if p.release.freed.Load() {
		return NewException("ArgumentError", "pointer is already freed")
	}
	if !p.auto.CompareAndSwap(false, true) {
		return nil
	}
	p.cleanup = runtime.AddCleanup(p, func(rs *releaseState) {
		if err := rs.free(); err != nil {
			rs.heap.log.Warn("autorelease", "err", err)
		}
	}, p.release)
	return nil
}

// DisableAutorelease cancels a pending autorelease.
func (p *Pointer) DisableAutorelease() {
	if p.auto.CompareAndSwap(true, false) {
		p.cleanup.Stop()
	}
}

// Free releases the pointer's memory. Freeing twice, freeing a pointer that
// does not own its memory, or freeing null is an ArgumentError.
func (p *Pointer) Free() error {
	if p.IsNull() {
		return NewException("ArgumentError", "cannot free a null pointer")
	}
	if p.release == nil {
		return NewExceptionf("ArgumentError", "pointer 0x%x does not own its memory", p.addr)
	}
	p.DisableAutorelease()
	return p.release.free()
}

// Add returns a pointer offset bytes past p, sharing but not owning its
// memory. The bound shrinks accordingly. The memory stays allocated while the
// derived pointer is reachable, and accesses through it fail once the owner
// is freed.
func (p *Pointer) Add(offset int64) (*Pointer, error) {
	if p.IsNull() {
		return nil, p.nullError()
	}
	size := int64(-1)
	if p.size >= 0 {
		if offset < 0 || offset > p.size {
			return nil, p.boundsError(offset, 0)
		}
		size = p.size - offset
	}
	var addr uintptr
	if offset >= 0 {
		u, err := safecast.Conv[uintptr](offset)
		if err != nil {
			return nil, p.boundsError(offset, 0)
		}
		addr = p.addr + u
	} else {
		u, err := safecast.Conv[uintptr](-offset)
		if err != nil || u > p.addr {
			return nil, p.boundsError(offset, 0)
		}
		addr = p.addr - u
	}
	return &Pointer{heap: p.heap, addr: addr, size: size, parent: p.owner()}, nil
}

func (p *Pointer) nullError() error {
	return NewExceptionf("FFI::NullPointerError", "invalid memory access at address=0x%016x", p.addr)
}

func (p *Pointer) boundsError(offset, n int64) error {
	return NewExceptionf("IndexError", "Memory access offset=%d size=%d is out of bounds", offset, n)
}

// mem checks an access of n bytes at offset and returns the memory. The null
// check happens before anything else.
func (p *Pointer) mem(offset, n int64) ([]byte, error) {
	if p.IsNull() {
		return nil, p.nullError()
	}
	if p.IsFreed() {
		return nil, NewExceptionf("ArgumentError", "access to freed pointer 0x%x", p.addr)
	}
	if offset < 0 || n < 0 || (p.size >= 0 && offset+n > p.size) {
		return nil, p.boundsError(offset, n)
	}
	u, err := safecast.Conv[uintptr](offset)
	if err != nil {
		return nil, p.boundsError(offset, n)
	}
	m, err := safecast.Conv[uintptr](n)
	if err != nil {
		return nil, p.boundsError(offset, n)
	}
	return p.heap.memory(p.addr+u, m), nil
}

var order = binary.NativeEndian

// ReadInt8 reads a signed byte at offset.
func (p *Pointer) ReadInt8(offset int64) (int8, error) {
	b, err := p.mem(offset, 1)
	if err != nil {
		return 0, err
	}
	return int8(b[0]), nil
}

// WriteInt8 writes a signed byte at offset.
func (p *Pointer) WriteInt8(offset int64, v int8) error {
	b, err := p.mem(offset, 1)
	if err != nil {
		return err
	}
	b[0] = byte(v)
	return nil
}

// ReadUint8 reads a byte at offset.
func (p *Pointer) ReadUint8(offset int64) (uint8, error) {
	b, err := p.mem(offset, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// WriteUint8 writes a byte at offset.
func (p *Pointer) WriteUint8(offset int64, v uint8) error {
	b, err := p.mem(offset, 1)
	if err != nil {
		return err
	}
	b[0] = v
	return nil
}

// ReadInt16 reads a native-endian int16 at offset.
func (p *Pointer) ReadInt16(offset int64) (int16, error) {
	v, err := p.ReadUint16(offset)
	return int16(v), err
}

// WriteInt16 writes a native-endian int16 at offset.
func (p *Pointer) WriteInt16(offset int64, v int16) error {
	return p.WriteUint16(offset, uint16(v))
}

// ReadUint16 reads a native-endian uint16 at offset.
func (p *Pointer) ReadUint16(offset int64) (uint16, error) {
	b, err := p.mem(offset, 2)
	if err != nil {
		return 0, err
	}
	return order.Uint16(b), nil
}

// WriteUint16 writes a native-endian uint16 at offset.
func (p *Pointer) WriteUint16(offset int64, v uint16) error {
	b, err := p.mem(offset, 2)
	if err != nil {
		return err
	}
	order.PutUint16(b, v)
	return nil
}

// ReadInt32 reads a native-endian int32 at offset.
func (p *Pointer) ReadInt32(offset int64) (int32, error) {
	v, err := p.ReadUint32(offset)
	return int32(v), err
}

// WriteInt32 writes a native-endian int32 at offset.
func (p *Pointer) WriteInt32(offset int64, v int32) error {
	return p.WriteUint32(offset, uint32(v))
}

// ReadUint32 reads a native-endian uint32 at offset.
func (p *Pointer) ReadUint32(offset int64) (uint32, error) {
	b, err := p.mem(offset, 4)
	if err != nil {
		return 0, err
	}
	return order.Uint32(b), nil
}

// WriteUint32 writes a native-endian uint32 at offset.
func (p *Pointer) WriteUint32(offset int64, v uint32) error {
	b, err := p.mem(offset, 4)
	if err != nil {
		return err
	}
	order.PutUint32(b, v)
	return nil
}

// ReadInt64 reads a native-endian int64 at offset.
func (p *Pointer) ReadInt64(offset int64) (int64, error) {
	v, err := p.ReadUint64(offset)
	return int64(v), err
}

// WriteInt64 writes a native-endian int64 at offset.
func (p *Pointer) WriteInt64(offset int64, v int64) error {
	return p.WriteUint64(offset, uint64(v))
}

// ReadUint64 reads a native-endian uint64 at offset.
func (p *Pointer) ReadUint64(offset int64) (uint64, error) {
	b, err := p.mem(offset, 8)
	if err != nil {
		return 0, err
	}
	return order.Uint64(b), nil
}

// WriteUint64 writes a native-endian uint64 at offset.
func (p *Pointer) WriteUint64(offset int64, v uint64) error {
	b, err := p.mem(offset, 8)
	if err != nil {
		return err
	}
	order.PutUint64(b, v)
	return nil
}

// ReadFloat32 reads a native-endian float32 at offset.
func (p *Pointer) ReadFloat32(offset int64) (float32, error) {
	v, err := p.ReadUint32(offset)
	return math.Float32frombits(v), err
}

// WriteFloat32 writes a native-endian float32 at offset.
func (p *Pointer) WriteFloat32(offset int64, v float32) error {
	return p.WriteUint32(offset, math.Float32bits(v))
}

// ReadFloat64 reads a native-endian float64 at offset.
func (p *Pointer) ReadFloat64(offset int64) (float64, error) {
	v, err := p.ReadUint64(offset)
	return math.Float64frombits(v), err
}

// WriteFloat64 writes a native-endian float64 at offset.
func (p *Pointer) WriteFloat64(offset int64, v float64) error {
	return p.WriteUint64(offset, math.Float64bits(v))
}

const ptrSize = int64(unsafe.Sizeof(uintptr(0)))

// ReadPointer reads an address at offset and wraps it as an unbounded,
// unowned pointer.
func (p *Pointer) ReadPointer(offset int64) (*Pointer, error) {
	b, err := p.mem(offset, ptrSize)
	if err != nil {
		return nil, err
	}
	var addr uintptr
	if ptrSize == 8 {
		addr = uintptr(order.Uint64(b))
	} else {
		addr = uintptr(order.Uint32(b))
	}
	if addr == 0 {
		return p.heap.Null(), nil
	}
	return p.heap.NewPointer(addr, -1), nil
}

// WritePointer writes q's address at offset. A nil q writes null.
func (p *Pointer) WritePointer(offset int64, q *Pointer) error {
	b, err := p.mem(offset, ptrSize)
	if err != nil {
		return err
	}
	var addr uintptr
	if q != nil {
		addr = q.addr
	}
	if ptrSize == 8 {
		order.PutUint64(b, uint64(addr))
	} else {
		order.PutUint32(b, uint32(addr))
	}
	return nil
}

// Bytes returns a copy of n bytes at offset.
func (p *Pointer) Bytes(offset, n int64) ([]byte, error) {
	b, err := p.mem(offset, n)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(b), nil
}

// PutBytes copies b to offset.
func (p *Pointer) PutBytes(offset int64, b []byte) error {
	m, err := p.mem(offset, int64(len(b)))
	if err != nil {
		return err
	}
	copy(m, b)
	return nil
}

// CString reads a NUL-terminated string at offset. A bounded pointer stops at
// its bound if there is no NUL.
func (p *Pointer) CString(offset int64) (string, error) {
	if p.IsNull() {
		return "", p.nullError()
	}
	if p.size >= 0 {
		b, err := p.mem(offset, p.size-offset)
		if err != nil {
			return "", err
		}
		if i := bytes.IndexByte(b, 0); i >= 0 {
			b = b[:i]
		}
		return string(b), nil
	}
	var r []byte
	for i := offset; ; i++ {
		c, err := p.ReadUint8(i)
		if err != nil {
			return "", err
		}
		if c == 0 {
			return string(r), nil
		}
		r = append(r, c)
	}
}

// PutCString writes s followed by a NUL at offset.
func (p *Pointer) PutCString(offset int64, s string) error {
	m, err := p.mem(offset, int64(len(s))+1)
	if err != nil {
		return err
	}
	copy(m, s)
	m[len(s)] = 0
	return nil
}

// Clear zeroes the pointer's memory. The pointer must be bounded.
func (p *Pointer) Clear() error {
	if p.IsNull() {
		return p.nullError()
	}
	if p.size < 0 {
		return NewException("RuntimeError", "cannot clear unbounded memory")
	}
	b, err := p.mem(0, p.size)
	if err != nil {
		return err
	}
	clear(b)
	return nil
}

// Inspect returns a description of the pointer.
func (p *Pointer) Inspect() string {
	if p.IsNull() {
		return "#<FFI::Pointer address=0x0>"
	}
	if p.size < 0 {
		return fmt.Sprintf("#<FFI::Pointer address=0x%x>", p.addr)
	}
	return fmt.Sprintf("#<FFI::Pointer address=0x%x size=%s>", p.addr, units.HumanSize(float64(p.size)))
}
