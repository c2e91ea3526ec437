package meta

import (
	"bytes"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/outofforest/objspace/addr"
	"github.com/outofforest/objspace/heap"
	"github.com/outofforest/objspace/types"
)

// FOTFlags are the flags of foreign object table entry.
type FOTFlags uint64

// FOT entry flags.
const (
	FOTRead  = FOTFlags(types.ProtRead)
	FOTWrite = FOTFlags(types.ProtWrite)
	FOTExec  = FOTFlags(types.ProtExec)
	FOTUse   = FOTFlags(types.ProtUse)
	FOTName  FOTFlags = 0x1000
	FOTAlloc FOTFlags = 0x10000000
	FOTValid FOTFlags = 0x20000000

	fotProtMask = FOTFlags(types.ProtAll)
)

var (
	// ErrCorruptFOT is the reason of the panic raised when pointer refers to the entry which is not valid.
	ErrCorruptFOT = errors.New("corrupted foreign object table")

	// ErrFOTFull is returned when there is no free entry in foreign object table.
	ErrFOTFull = errors.New("foreign object table is full")
)

// FOTEntry is the entry of foreign object table. Target is either the object ID or the name reference
// (data offset followed by resolver).
type FOTEntry struct {
	Target [16]byte
	Flags  uint64
	Info   uint64
}

// Target is the object referenced by FOT entry.
type Target interface {
	isTarget()
}

// Direct references the object by its ID.
type Direct struct {
	ID types.ObjectID
}

func (Direct) isTarget() {}

// Named references the object by its name.
type Named struct {
	Name     string
	Resolver uint64
}

func (Named) isTarget() {}

// FOTEntryAt returns the FOT entry. Index 0 is reserved and never stored.
func FOTEntryAt(mem []byte, index uint64) *FOTEntry {
	if index == 0 || index >= types.MaxFOTEntries {
		panic(errors.Errorf("FOT index %d out of range", index))
	}
	return addr.At[FOTEntry](mem, types.HeapHeaderOffset-index*types.FOTEntrySize)
}

// FOTCount returns the number of FOT entries in use.
func FOTCount(mem []byte) uint64 {
	return uint64(atomic.LoadUint32(&InfoOf(mem).FOTEntries))
}

// AddFOTEntry returns the index of the valid entry referencing the target with the same protection, creating
// new entry if there is none. Returned flag is true if entry has been created.
func AddFOTEntry(mem []byte, h *heap.Heap, target Target, prot types.Prot) (uint64, bool, error) {
	var index uint64
	var created bool
	err := h.WithLock(func(l heap.Locked) error {
		count := FOTCount(mem)
		for i := uint64(1); i <= count; i++ {
			if matches(mem, FOTEntryAt(mem, i), target, prot) {
				index = i
				return nil
			}
		}

		index = count + 1
		if index >= types.MaxFOTEntries {
			return errors.WithStack(ErrFOTFull)
		}

		entry := FOTEntryAt(mem, index)
		flags := FOTFlags(prot)&fotProtMask | FOTAlloc
		atomic.StoreUint64(&entry.Flags, uint64(flags))

		switch t := target.(type) {
		case Direct:
			entry.Target = t.ID
			entry.Info = 0
		case Named:
			dataOff, err := l.Alloc(uint64(len(t.Name)))
			if err != nil {
				atomic.StoreUint64(&entry.Flags, 0)
				return err
			}
			copy(addr.Slice(mem, dataOff, uint64(len(t.Name))), t.Name)
			*addr.At[nameRef](entry.Target[:], 0) = nameRef{Data: dataOff, Resolver: t.Resolver}
			entry.Info = uint64(len(t.Name))
			flags |= FOTName
		default:
			atomic.StoreUint64(&entry.Flags, 0)
			return errors.Errorf("unknown FOT target %T", target)
		}

		atomic.StoreUint64(&entry.Flags, uint64(flags|FOTValid))
		atomic.StoreUint32(&InfoOf(mem).FOTEntries, uint32(index))
		created = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return index, created, nil
}

// AddNamedFOTEntry adds entry referencing object by name.
func AddNamedFOTEntry(mem []byte, h *heap.Heap, name string, resolver uint64, prot types.Prot) (uint64, bool, error) {
	return AddFOTEntry(mem, h, Named{Name: name, Resolver: resolver}, prot)
}

// Resolve returns target and protection of the FOT entry. Panics with ErrCorruptFOT if entry is not valid.
func Resolve(mem []byte, index uint64) (Target, types.Prot) {
	entry := FOTEntryAt(mem, index)
	flags := FOTFlags(atomic.LoadUint64(&entry.Flags))
	if flags&FOTValid == 0 {
		panic(errors.Wrapf(ErrCorruptFOT, "entry %d is not valid", index))
	}

	prot := types.Prot(flags & fotProtMask)
	if flags&FOTName == 0 {
		return Direct{ID: entry.Target}, prot
	}

	ref := addr.At[nameRef](entry.Target[:], 0)
	return Named{
		Name:     string(addr.Slice(mem, ref.Data, entry.Info)),
		Resolver: ref.Resolver,
	}, prot
}

// ResolveID returns the ID of the object referenced by FOT entry. Named entries are not supported.
func ResolveID(mem []byte, index uint64) (types.ObjectID, types.Prot, error) {
	target, prot := Resolve(mem, index)
	switch t := target.(type) {
	case Direct:
		return t.ID, prot, nil
	case Named:
		return types.ObjectID{}, 0, errors.Wrapf(types.ErrUnsupported, "resolving name %q", t.Name)
	default:
		return types.ObjectID{}, 0, errors.Errorf("unknown FOT target %T", target)
	}
}

type nameRef struct {
	Data     uint64
	Resolver uint64
}

func matches(mem []byte, entry *FOTEntry, target Target, prot types.Prot) bool {
	flags := FOTFlags(atomic.LoadUint64(&entry.Flags))
	if flags&FOTValid == 0 || flags&fotProtMask != FOTFlags(prot)&fotProtMask {
		return false
	}

	switch t := target.(type) {
	case Direct:
		return flags&FOTName == 0 && types.ObjectID(entry.Target) == t.ID
	case Named:
		if flags&FOTName == 0 || entry.Info != uint64(len(t.Name)) {
			return false
		}
		ref := addr.At[nameRef](entry.Target[:], 0)
		return ref.Resolver == t.Resolver && bytes.Equal(addr.Slice(mem, ref.Data, entry.Info), []byte(t.Name))
	default:
		return false
	}
}
