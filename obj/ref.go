package obj

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/objspace/addr"
	"github.com/outofforest/objspace/meta"
	"github.com/outofforest/objspace/pptr"
	"github.com/outofforest/objspace/types"
)

// Ref references value of type R stored inside the object.
type Ref[R any] struct {
	obj    *Generic
	offset uint64
	owned  bool
}

// RefAt returns reference to the value stored at the offset of the object.
func RefAt[R any](o *Generic, offset uint64) Ref[R] {
	addr.At[R](o.mem, offset)
	return Ref[R]{
		obj:    o,
		offset: offset,
	}
}

// RefTo returns reference to the value located inside the object.
func RefTo[R any](o *Generic, p *R) (Ref[R], error) {
	offset, ok := addr.OffsetOf(o.mem, p)
	if !ok {
		return Ref[R]{}, errors.Errorf("value is not located inside object %s", o.id)
	}
	return Ref[R]{
		obj:    o,
		offset: offset,
	}, nil
}

// Ptr returns pointer to the value.
func (r Ref[R]) Ptr() *R {
	return addr.At[R](r.obj.mem, r.offset)
}

// Addr returns virtual address of the value.
func (r Ref[R]) Addr() addr.Addr {
	return r.obj.Addr(r.offset)
}

// Object returns the object containing the value.
func (r Ref[R]) Object() *Generic {
	return r.obj
}

// Offset returns the offset of the value inside the object.
func (r Ref[R]) Offset() uint64 {
	return r.offset
}

// Owned returns true if reference holds its own mapping of the object, which must be released.
func (r Ref[R]) Owned() bool {
	return r.owned
}

// Release releases the mapping held by the reference.
func (r Ref[R]) Release() error {
	if !r.owned {
		return nil
	}
	return r.obj.Release()
}

// Set stores pointer to the target in p, which must be located inside the owner object.
// Pointer to a value in the same slot is stored without indirection, otherwise FOT entry is used.
func Set[R any](owner *Generic, p *pptr.Pptr[R], target Ref[R], prot types.Prot) error {
	pOff, ok := addr.OffsetOf(owner.mem, p)
	if !ok {
		return errors.Errorf("pointer is not located inside object %s", owner.id)
	}

	if addr.SameRegion(owner.Addr(pOff), target.Addr()) {
		p.Store(pptr.Local[R](target.offset))
		return nil
	}

	h, err := owner.Heap()
	if err != nil {
		return err
	}
	index, created, err := meta.AddFOTEntry(owner.mem, h, meta.Direct{ID: target.obj.id}, prot)
	if err != nil {
		return err
	}
	if created {
		owner.view.Metrics().FOTEntries.Inc()

		// Entry must reach the storage before any pointer using it.
		if err := owner.Flush(types.HeapHeaderOffset-index*types.FOTEntrySize, types.FOTEntrySize); err != nil {
			return err
		}
		if err := owner.Flush(types.MetaInfoOffset, meta.Size); err != nil {
			return err
		}
	}
	p.Store(pptr.Make[R](index, target.offset))
	return nil
}

// Lea resolves pointer located in the owner object. Returned reference must be released.
func Lea[R any](owner *Generic, p *pptr.Pptr[R]) (Ref[R], error) {
	v := p.Load()
	if v.IsNull() {
		return Ref[R]{}, errors.WithStack(ErrNullPointer)
	}
	if v.IsLocal() {
		return RefAt[R](owner, v.Offset()), nil
	}

	index := v.Index()
	if index >= types.MaxFOTEntries {
		return Ref[R]{}, errors.Errorf("FOT index %d out of range", index)
	}
	entry := meta.FOTEntryAt(owner.mem, index)
	if meta.FOTFlags(atomic.LoadUint64(&entry.Flags))&meta.FOTValid == 0 {
		err := errors.Wrapf(meta.ErrCorruptFOT, "entry %d of object %s is not valid", index, owner.id)
		owner.view.Logger().Error("Dereferencing invalid pointer", zap.Stringer("id", owner.id),
			zap.Uint64("index", index), zap.Error(err))
		panic(err)
	}

	id, prot, err := meta.ResolveID(owner.mem, index)
	if err != nil {
		return Ref[R]{}, err
	}
	target, err := mapObject(owner.view, id, prot)
	if err != nil {
		return Ref[R]{}, err
	}

	r := RefAt[R](target, v.Offset())
	r.owned = true
	return r, nil
}
