package view

import (
	"github.com/pkg/errors"

	"github.com/outofforest/objspace/addr"
	"github.com/outofforest/objspace/pmutex"
	"github.com/outofforest/objspace/types"
)

// AllocExtTag is the tag of metadata extension holding the slot allocator.
const AllocExtTag uint64 = 0x76696577616c6c63

// Flags are the flags of view entry.
type Flags uint32

// View entry flags.
const (
	FlagRead  = Flags(types.ProtRead)
	FlagWrite = Flags(types.ProtWrite)
	FlagExec  = Flags(types.ProtExec)
	FlagValid Flags = 0x1000

	// flagReleased marks slot whose owning mapping is gone while it was still pinned.
	flagReleased Flags = 0x2000

	flagProtMask = FlagRead | FlagWrite | FlagExec
)

const (
	// bucketLinked marks chain bucket which is part of some chain.
	bucketLinked uint32 = 0x80000000

	bucketProtMask = uint32(types.ProtAll)
)

var (
	// ErrRefcountUnderflow is the reason of the panic raised when slot is released more times than reserved.
	ErrRefcountUnderflow = errors.New("slot refcount underflow")

	// ErrPinUnderflow is the reason of the panic raised when slot is unpinned more times than pinned.
	ErrPinUnderflow = errors.New("slot pin underflow")
)

// Data is the header of the view control object.
type Data struct {
	FaultEntry    uint64
	DblFaultEntry uint64
	FaultMask     uint64
	FaultFlags    uint64
	ExecID        types.ObjectID
	NEntries      uint32
	NBuckets      uint32
	AllocStart    uint32
	AllocMax      uint32
}

// Entry describes the object mapped at the slot.
type Entry struct {
	ID    types.ObjectID
	Res0  uint64
	Flags uint32
	Pins  uint32
}

// Bucket maps object ID and protection to the slot.
type Bucket struct {
	ID       types.ObjectID
	Slot     uint32
	Flags    uint32
	Chain    uint32
	Refcount uint32
}

var (
	dataSize   = addr.SizeOf[Data]()
	bucketSize = addr.SizeOf[Bucket]()
	stateSize  = addr.SizeOf[pmutex.State]()
)

func entriesOffset() uint64 {
	return types.NullPageSize + dataSize
}

func allocExtSize(nEntries, nBuckets uint32) uint64 {
	return stateSize + types.AlignUp(uint64(nEntries)/8+1, 16) + (uint64(nBuckets)+uint64(nEntries))*bucketSize
}

// allocator is the view of slot allocator stored in metadata extension.
type allocator struct {
	state   *pmutex.State
	bitmap  []byte
	buckets []Bucket
	chain   []Bucket
}

func newAllocator(mem []byte, off uint64, nEntries, nBuckets uint32) allocator {
	bitmapSize := types.AlignUp(uint64(nEntries)/8+1, 16)
	bucketsOff := off + stateSize + bitmapSize
	return allocator{
		state:   addr.At[pmutex.State](mem, off),
		bitmap:  addr.Slice(mem, off+stateSize, bitmapSize),
		buckets: addr.SliceOf[Bucket](mem, bucketsOff, uint64(nBuckets)),
		chain:   addr.SliceOf[Bucket](mem, bucketsOff+uint64(nBuckets)*bucketSize, uint64(nEntries)),
	}
}
