package meta

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/outofforest/objspace/addr"
	"github.com/outofforest/objspace/heap"
	"github.com/outofforest/objspace/types"
)

// Size is the size of MetaInfo block.
const Size uint64 = 64

// MaxExts is the number of extension records fitting between MetaInfo and the end of the object.
const MaxExts = (types.MaxSize - types.MetaInfoOffset - Size) / extSize

const (
	extSize uint64 = 16

	// extClaimed is stored as a tag while extension is being allocated.
	extClaimed = ^uint64(0)
)

// Flags are the object flags.
type Flags uint16

// Object flags.
const (
	FlagSized Flags = 0x1
)

// ProtFlags are the default protection flags of the object.
type ProtFlags uint16

// Protection flags.
const (
	ProtHashData ProtFlags = 0x1
	ProtDflRead  ProtFlags = 0x4
	ProtDflWrite ProtFlags = 0x8
	ProtDflExec  ProtFlags = 0x10
	ProtDflUse   ProtFlags = 0x20
	ProtDflDel   ProtFlags = 0x40
)

// ErrNoExtSpace is returned when there is no free extension record.
var ErrNoExtSpace = errors.New("no space for metadata extension")

// Info is the metadata block of the object.
type Info struct {
	Magic      uint32
	Flags      Flags
	PFlags     ProtFlags
	FOTEntries uint32
	MILen      uint32
	Nonce      [16]byte
	KUID       types.ObjectID
	Size       uint64
	Pad        uint64
}

// Ext is the extension record following MetaInfo.
type Ext struct {
	Tag uint64
	Off uint64
}

// InitParams are the parameters of a new object metadata.
type InitParams struct {
	Flags  Flags
	PFlags ProtFlags
	Nonce  [16]byte
	KUID   types.ObjectID
	Size   uint64
}

// InfoOf returns MetaInfo of the object.
func InfoOf(mem []byte) *Info {
	return addr.At[Info](mem, types.MetaInfoOffset)
}

// Init writes fresh MetaInfo and clears extension list.
func Init(mem []byte, params InitParams) {
	*InfoOf(mem) = Info{
		Magic:  types.MetaInfoMagic,
		Flags:  params.Flags,
		PFlags: params.PFlags,
		MILen:  uint32(Size),
		Nonce:  params.Nonce,
		KUID:   params.KUID,
		Size:   params.Size,
	}
	clear(addr.Slice(mem, types.MetaInfoOffset+Size, MaxExts*extSize))
}

// Validate verifies that memory contains an object.
func Validate(mem []byte) error {
	if uint64(len(mem)) != types.MaxSize {
		return errors.Wrapf(types.ErrInvalid, "object size %#x is invalid", len(mem))
	}
	return ValidateBytes(addr.Slice(mem, types.MetaInfoOffset, Size))
}

// ValidateBytes verifies raw MetaInfo bytes.
func ValidateBytes(b []byte) error {
	if uint64(len(b)) < Size {
		return errors.Wrapf(types.ErrInvalid, "metadata too short: %d", len(b))
	}
	info := addr.At[Info](b, 0)
	if info.Magic != types.MetaInfoMagic {
		return errors.Wrapf(types.ErrInvalid, "magic %#x is invalid", info.Magic)
	}
	if info.MILen != uint32(Size) {
		return errors.Wrapf(types.ErrInvalid, "metadata length %d is invalid", info.MILen)
	}
	return nil
}

// SetSize stamps the declared size of the object.
func SetSize(mem []byte, size uint64) {
	info := InfoOf(mem)
	info.Size = size
	info.Flags |= FlagSized
}

func extAt(mem []byte, i uint64) *Ext {
	return addr.At[Ext](mem, types.MetaInfoOffset+Size+i*extSize)
}

// FindExt returns the offset of the extension.
func FindExt(mem []byte, tag uint64) (uint64, bool) {
	for i := range MaxExts {
		ext := extAt(mem, i)
		switch atomic.LoadUint64(&ext.Tag) {
		case 0:
			return 0, false
		case tag:
			return ext.Off, true
		}
	}
	return 0, false
}

// AllocExt allocates zeroed extension of the size and returns its offset.
func AllocExt(mem []byte, h *heap.Heap, tag uint64, size uint64) (uint64, error) {
	if tag == 0 || tag == extClaimed {
		return 0, errors.Errorf("invalid extension tag %#x", tag)
	}

	for i := range MaxExts {
		ext := extAt(mem, i)
		if !atomic.CompareAndSwapUint64(&ext.Tag, 0, extClaimed) {
			continue
		}

		off, err := h.Alloc(size)
		if err != nil {
			// Record stays claimed, so readers never see the list terminated before later records.
			return 0, err
		}
		ext.Off = off
		atomic.StoreUint64(&ext.Tag, tag)
		return off, nil
	}
	return 0, errors.WithStack(ErrNoExtSpace)
}
