package heap

import (
	"github.com/pkg/errors"

	"github.com/outofforest/objspace/addr"
	"github.com/outofforest/objspace/pmutex"
	"github.com/outofforest/objspace/types"
)

const (
	// Alignment is the alignment of every allocated block.
	Alignment uint64 = 16

	// BlockHeaderSize is the size of the header preceding every block.
	BlockHeaderSize uint64 = 16

	// minSplit is the minimum size of the remainder worth splitting off the reused free block.
	minSplit = BlockHeaderSize + Alignment

	stateAllocated uint64 = 0xa110ca7ed0000001
	stateFree      uint64 = 0xf4eeb10c00000002
)

var (
	// ErrOutOfMemory is returned if there is no space left in the heap.
	ErrOutOfMemory = errors.New("out of heap memory")

	// ErrNotInitialized is returned when heap is opened in object where it has not been initialized.
	ErrNotInitialized = errors.New("heap not initialized")
)

// Header is the state of the heap stored in object memory.
type Header struct {
	Lock     pmutex.State
	Start    uint64
	Cursor   uint64
	Limit    uint64
	FreeHead uint64
}

// BlockHeader precedes every block.
type BlockHeader struct {
	Size  uint64
	State uint64
}

// Stats contains heap statistics. Allocated includes block headers.
type Stats struct {
	Allocated  uint64
	FreeBlocks uint64
	FreeBytes  uint64
	Remaining  uint64
}

// Heap allocates memory inside the object.
type Heap struct {
	mem    []byte
	header *Header
	locker pmutex.Locker
}

// Init initializes the heap spanning from start to the beginning of foreign object table.
func Init(s *pmutex.Sync, mem []byte, start uint64) (*Heap, error) {
	start = types.AlignUp(start, Alignment)
	if start < types.NullPageSize || start >= types.FOTBase {
		return nil, errors.Errorf("invalid heap start %#x", start)
	}

	header := addr.At[Header](mem, types.HeapHeaderOffset)
	*header = Header{
		Start:  start,
		Cursor: start,
		Limit:  types.FOTBase,
	}
	return newHeap(s, mem, header), nil
}

// Open opens the heap initialized before.
func Open(s *pmutex.Sync, mem []byte) (*Heap, error) {
	header := addr.At[Header](mem, types.HeapHeaderOffset)
	if header.Limit != types.FOTBase || header.Start < types.NullPageSize || header.Cursor < header.Start ||
		header.Cursor > header.Limit {
		return nil, errors.WithStack(ErrNotInitialized)
	}
	return newHeap(s, mem, header), nil
}

func newHeap(s *pmutex.Sync, mem []byte, header *Header) *Heap {
	return &Heap{
		mem:    mem,
		header: header,
		locker: pmutex.NewLocker(s, &header.Lock),
	}
}

// Alloc allocates zeroed block of memory and returns its offset.
func (h *Heap) Alloc(size uint64) (uint64, error) {
	var off uint64
	err := h.WithLock(func(l Locked) error {
		var err error
		off, err = l.Alloc(size)
		return err
	})
	return off, err
}

// Free returns the block to the heap.
func (h *Heap) Free(off uint64) error {
	return h.WithLock(func(l Locked) error {
		return l.Free(off)
	})
}

// IsAllocated returns true if off is the offset of allocated block.
func (h *Heap) IsAllocated(off uint64) bool {
	var allocated bool
	_ = h.WithLock(func(l Locked) error {
		allocated = l.IsAllocated(off)
		return nil
	})
	return allocated
}

// Stats returns statistics of the heap.
func (h *Heap) Stats() Stats {
	h.locker.Lock()
	defer h.locker.Unlock()

	stats := Stats{
		Allocated: h.header.Cursor - h.header.Start,
		Remaining: h.header.Limit - h.header.Cursor,
	}
	for off := h.header.FreeHead; off != 0; off = *addr.Uint64(h.mem, off+BlockHeaderSize) {
		block := addr.At[BlockHeader](h.mem, off)
		stats.FreeBlocks++
		stats.FreeBytes += block.Size
		stats.Allocated -= BlockHeaderSize + block.Size
	}
	return stats
}

// WithLock runs fn while heap is locked.
func (h *Heap) WithLock(fn func(l Locked) error) error {
	h.locker.Lock()
	defer h.locker.Unlock()

	return fn(Locked{heap: h})
}

// Locked gives access to heap operations while the lock is held.
type Locked struct {
	heap *Heap
}

// Alloc allocates zeroed block of memory and returns its offset.
func (l Locked) Alloc(size uint64) (uint64, error) {
	h := l.heap
	if size == 0 {
		size = Alignment
	}
	if size > h.header.Limit-h.header.Start {
		return 0, errors.Wrapf(ErrOutOfMemory, "allocating %d bytes", size)
	}
	size = types.AlignUp(size, Alignment)

	var prev uint64
	for off := h.header.FreeHead; off != 0; {
		block := addr.At[BlockHeader](h.mem, off)
		next := *addr.Uint64(h.mem, off+BlockHeaderSize)
		if block.Size < size {
			prev = off
			off = next
			continue
		}

		if block.Size-size >= minSplit {
			restOff := off + BlockHeaderSize + size
			rest := addr.At[BlockHeader](h.mem, restOff)
			*rest = BlockHeader{Size: block.Size - size - BlockHeaderSize, State: stateFree}
			*addr.Uint64(h.mem, restOff+BlockHeaderSize) = next
			next = restOff
			block.Size = size
		}
		if prev == 0 {
			h.header.FreeHead = next
		} else {
			*addr.Uint64(h.mem, prev+BlockHeaderSize) = next
		}

		block.State = stateAllocated
		clear(addr.Slice(h.mem, off+BlockHeaderSize, block.Size))
		return off + BlockHeaderSize, nil
	}

	if h.header.Limit-h.header.Cursor < BlockHeaderSize+size {
		return 0, errors.Wrapf(ErrOutOfMemory, "allocating %d bytes", size)
	}

	off := h.header.Cursor
	*addr.At[BlockHeader](h.mem, off) = BlockHeader{Size: size, State: stateAllocated}
	clear(addr.Slice(h.mem, off+BlockHeaderSize, size))
	h.header.Cursor += BlockHeaderSize + size
	return off + BlockHeaderSize, nil
}

// Free returns the block to the heap.
func (l Locked) Free(off uint64) error {
	if !l.IsAllocated(off) {
		return errors.Errorf("block at %#x is not allocated", off)
	}

	h := l.heap
	blockOff := off - BlockHeaderSize
	block := addr.At[BlockHeader](h.mem, blockOff)
	block.State = stateFree
	*addr.Uint64(h.mem, off) = h.header.FreeHead
	h.header.FreeHead = blockOff
	return nil
}

// IsAllocated returns true if off is the offset of allocated block.
func (l Locked) IsAllocated(off uint64) bool {
	h := l.heap
	if off < h.header.Start+BlockHeaderSize || off >= h.header.Cursor || off%Alignment != 0 {
		return false
	}
	return addr.At[BlockHeader](h.mem, off-BlockHeaderSize).State == stateAllocated
}
