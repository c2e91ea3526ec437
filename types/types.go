package types

import (
	"encoding/binary"
	"encoding/hex"
)

const (
	// MaxSize is the maximum size of an object and the size of each slot in a view.
	MaxSize uint64 = 1 << 30

	// NullPageSize is the size of the reserved header page at the beginning of every object.
	NullPageSize uint64 = 0x1000

	// MetaInfoMagic identifies a valid object.
	MetaInfoMagic uint32 = 0x54575A4F

	// MetaInfoOffset is the offset of the metadata block inside the object.
	MetaInfoOffset = MaxSize - NullPageSize/2

	// HeapHeaderOffset is the offset of the in-object allocator header.
	HeapHeaderOffset = MaxSize - NullPageSize

	// FOTEntrySize is the size of the foreign object table entry.
	FOTEntrySize uint64 = 32

	// MaxFOTEntries is the maximum number of entries in the foreign object table, entry 0 included.
	MaxFOTEntries uint64 = 4096

	// FOTBase is the lowest offset occupied by the foreign object table. Heap never grows above it.
	FOTBase = HeapHeaderOffset - MaxFOTEntries*FOTEntrySize

	// ViewBucketSize is the size of the view hash table bucket.
	ViewBucketSize uint64 = 32

	// ViewEntrySize is the size of the per-slot view entry.
	ViewEntrySize uint64 = 32
)

// ObjectID is the 128-bit identifier of the object.
type ObjectID [16]byte

// JoinID builds an object ID from its halves.
func JoinID(hi, lo uint64) ObjectID {
	var id ObjectID
	binary.BigEndian.PutUint64(id[:8], hi)
	binary.BigEndian.PutUint64(id[8:], lo)
	return id
}

// Split returns high and low halves of the ID.
func (id ObjectID) Split() (uint64, uint64) {
	return binary.BigEndian.Uint64(id[:8]), binary.BigEndian.Uint64(id[8:])
}

// IsZero returns true if ID does not refer to any object.
func (id ObjectID) IsZero() bool {
	return id == ObjectID{}
}

func (id ObjectID) String() string {
	return hex.EncodeToString(id[:])
}

// Prot defines protection flags used when mapping objects.
type Prot uint32

// Protection flags. Values match the view entry and FOT entry flags.
const (
	ProtRead  Prot = 0x4
	ProtWrite Prot = 0x8
	ProtExec  Prot = 0x10
	ProtUse   Prot = 0x20

	ProtRW  = ProtRead | ProtWrite
	ProtAll = ProtRead | ProtWrite | ProtExec | ProtUse
)

// Has returns true if all the flags in f are set.
func (p Prot) Has(f Prot) bool {
	return p&f == f
}

// AlignUp rounds v up to the multiplication of align, which must be a power of two.
func AlignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
