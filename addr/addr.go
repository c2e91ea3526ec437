// Package addr contains all the arithmetic converting between slots, offsets, virtual addresses and typed views
// of object memory. Nothing else in the module computes addresses on its own.
package addr

import (
	"fmt"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/outofforest/objspace/types"
)

const offsetMask = types.MaxSize - 1

// Addr is the virtual address inside the view.
type Addr uint64

// New returns address of the offset inside the slot.
func New(slot uint32, offset uint64) Addr {
	if offset >= types.MaxSize {
		panic(errors.Errorf("offset %#x exceeds maximum object size", offset))
	}
	return Addr(uint64(slot)*types.MaxSize + offset)
}

// Slot returns the slot the address belongs to.
func (a Addr) Slot() uint32 {
	return uint32(uint64(a) / types.MaxSize)
}

// Offset returns the offset inside the slot.
func (a Addr) Offset() uint64 {
	return uint64(a) & offsetMask
}

func (a Addr) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// SameRegion returns true if both addresses belong to the same slot.
func SameRegion(a, b Addr) bool {
	return a.Slot() == b.Slot()
}

// EncodeIndexed combines table index and offset the same way slot and offset are combined.
func EncodeIndexed(index, offset uint64) uint64 {
	return index*types.MaxSize + (offset & offsetMask)
}

// DecodeIndexed splits value produced by EncodeIndexed.
func DecodeIndexed(v uint64) (uint64, uint64) {
	return v / types.MaxSize, v & offsetMask
}

// At returns typed view of the memory at offset.
func At[T any](mem []byte, offset uint64) *T {
	var v T
	size := uint64(unsafe.Sizeof(v))
	if offset+size > uint64(len(mem)) || offset+size < offset {
		panic(errors.Errorf("%T at %#x exceeds memory of size %#x", v, offset, len(mem)))
	}
	p := unsafe.Pointer(unsafe.SliceData(mem[offset:]))
	if uintptr(p)%unsafe.Alignof(v) != 0 {
		panic(errors.Errorf("%T at %#x is misaligned", v, offset))
	}
	return (*T)(p)
}

// Slice returns n bytes of memory starting at offset.
func Slice(mem []byte, offset, n uint64) []byte {
	if offset+n > uint64(len(mem)) || offset+n < offset {
		panic(errors.Errorf("range %#x-%#x exceeds memory of size %#x", offset, offset+n, len(mem)))
	}
	return mem[offset : offset+n : offset+n]
}

// SliceOf returns typed view of n consecutive values stored at offset.
func SliceOf[T any](mem []byte, offset, n uint64) []T {
	if n == 0 {
		return nil
	}
	size := SizeOf[T]()
	Slice(mem, offset, size*n)
	return unsafe.Slice(At[T](mem, offset), n)
}

// Uint64 returns the 64-bit word at offset, to be used with sync/atomic.
func Uint64(mem []byte, offset uint64) *uint64 {
	return At[uint64](mem, offset)
}

// Uint32 returns the 32-bit word at offset, to be used with sync/atomic.
func Uint32(mem []byte, offset uint64) *uint32 {
	return At[uint32](mem, offset)
}

// OffsetOf returns the offset of the value p points to, if it is located inside mem.
func OffsetOf[T any](mem []byte, p *T) (uint64, bool) {
	if len(mem) == 0 || p == nil {
		return 0, false
	}
	var v T
	base := uintptr(unsafe.Pointer(unsafe.SliceData(mem)))
	ptr := uintptr(unsafe.Pointer(p))
	if ptr < base || ptr+unsafe.Sizeof(v) > base+uintptr(len(mem)) {
		return 0, false
	}
	return uint64(ptr - base), true
}

// SizeOf returns the size of the type as stored in object memory.
func SizeOf[T any]() uint64 {
	var v T
	return uint64(unsafe.Sizeof(v))
}

// AlignOf returns the alignment of the type.
func AlignOf[T any]() uint64 {
	var v T
	return uint64(unsafe.Alignof(v))
}
