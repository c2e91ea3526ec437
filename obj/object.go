package obj

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/objspace/addr"
	"github.com/outofforest/objspace/heap"
	"github.com/outofforest/objspace/kernel"
	"github.com/outofforest/objspace/meta"
	"github.com/outofforest/objspace/types"
	"github.com/outofforest/objspace/view"
)

// Generic is the handle of the object mapped into the view, without knowledge of its payload type.
type Generic struct {
	view  *view.View
	id    types.ObjectID
	slot  uint32
	prot  types.Prot
	mem   []byte
	owned bool

	released atomic.Bool

	heapOnce sync.Once
	heap     *heap.Heap
	heapErr  error
}

// ID returns the ID of the object.
func (g *Generic) ID() types.ObjectID {
	return g.id
}

// Slot returns the slot where object is mapped.
func (g *Generic) Slot() uint32 {
	return g.slot
}

// Prot returns protection the object is mapped with.
func (g *Generic) Prot() types.Prot {
	return g.prot
}

// View returns the view object is mapped into.
func (g *Generic) View() *view.View {
	return g.view
}

// Memory returns the memory of the object.
func (g *Generic) Memory() []byte {
	return g.mem
}

// Addr returns virtual address of the offset inside the object.
func (g *Generic) Addr(offset uint64) addr.Addr {
	return addr.New(g.slot, offset)
}

// Heap returns the heap of the object.
func (g *Generic) Heap() (*heap.Heap, error) {
	g.heapOnce.Do(func() {
		g.heap, g.heapErr = heap.Open(g.view.Sync(), g.mem)
	})
	return g.heap, g.heapErr
}

// Flush writes the range of the object to its backing storage. It is a no-op for volatile objects.
func (g *Generic) Flush(off, n uint64) error {
	return g.view.Flush(g.slot, off, n)
}

// Release releases the slot held by the handle.
func (g *Generic) Release() error {
	if g.released.Swap(true) {
		return errors.WithStack(ErrReleased)
	}
	if g.owned {
		g.view.ReleaseSlot(g.id, g.prot, g.slot)
	} else {
		g.view.PutSlot(g.slot)
	}
	return nil
}

// Delete releases the handle and deletes the object.
func (g *Generic) Delete() error {
	if err := g.Release(); err != nil {
		return err
	}
	return g.view.Kernel().Delete(g.id)
}

// Object is the handle of the object with payload of type T.
type Object[T any] struct {
	*Generic
}

// Base returns the payload of the object.
func (o *Object[T]) Base() *T {
	return addr.At[T](o.mem, types.NullPageSize)
}

// BaseMut returns the payload of the object for modification inside the transaction.
func (o *Object[T]) BaseMut(tx *Tx) *T {
	if tx == nil {
		panic(errors.New("modification requires transaction"))
	}
	tx.Follow(o.Generic)
	tx.markDirty(o.Generic, types.NullPageSize, addr.SizeOf[T]())
	return o.Base()
}

// Create creates new object and initializes its payload with base.
func Create[T any](v *view.View, spec kernel.CreateSpec, base T) (*Object[T], error) {
	o, err := create[T](v, spec)
	if err != nil {
		return nil, err
	}
	*o.Base() = base
	if err := o.Flush(types.NullPageSize, addr.SizeOf[T]()); err != nil {
		_ = o.Delete()
		return nil, err
	}
	return o, nil
}

// CreateCtor creates new object and initializes its payload by running ctor inside the transaction led by the object.
// If ctor fails, object is deleted.
func CreateCtor[T any](v *view.View, spec kernel.CreateSpec, ctor func(o *Object[T], base *T, tx *Tx) error) (
	*Object[T], error,
) {
	o, err := create[T](v, spec)
	if err != nil {
		return nil, err
	}

	if err := RunTransaction(o.Generic, func(tx *Tx) error {
		return ctor(o, o.BaseMut(tx), tx)
	}); err != nil {
		if err2 := o.Delete(); err2 != nil {
			v.Logger().Error("Deleting object failed", zap.Stringer("id", o.id), zap.Error(err2))
		}
		return nil, err
	}
	return o, nil
}

// Open maps existing object and verifies it. Allocations left by interrupted transaction are reclaimed.
func Open[T any](v *view.View, id types.ObjectID, prot types.Prot) (*Object[T], error) {
	g, err := mapObject(v, id, prot)
	if err != nil {
		return nil, err
	}

	if err := validate[T](g); err != nil {
		_ = g.Release()
		return nil, err
	}
	if err := Recover(g); err != nil {
		_ = g.Release()
		return nil, err
	}
	return &Object[T]{Generic: g}, nil
}

// Borrow returns handle of the object mapped at the address, which pins the slot without owning the mapping.
func Borrow(v *view.View, a addr.Addr) (*Generic, error) {
	slot := a.Slot()
	v.GetSlot(slot)

	mem, err := v.Memory(slot)
	if err != nil {
		v.PutSlot(slot)
		return nil, err
	}

	id, flags := v.EntryInfo(slot)
	return &Generic{
		view: v,
		id:   id,
		slot: slot,
		prot: types.Prot(flags & (view.FlagRead | view.FlagWrite | view.FlagExec)),
		mem:  mem,
	}, nil
}

func create[T any](v *view.View, spec kernel.CreateSpec) (*Object[T], error) {
	spec.Ties = append([]kernel.TieSpec{}, spec.Ties...)
	for i, tie := range spec.Ties {
		if tie.View {
			spec.Ties[i] = kernel.TieObject(v.ID())
		}
	}

	id, err := v.Kernel().Create(spec)
	if err != nil {
		return nil, err
	}

	g, err := mapObject(v, id, types.ProtRW)
	if err != nil {
		_ = v.Kernel().Delete(id)
		return nil, err
	}

	if err := initialize[T](g); err != nil {
		_ = g.Delete()
		return nil, err
	}
	return &Object[T]{Generic: g}, nil
}

func initialize[T any](g *Generic) error {
	size := types.NullPageSize + addr.SizeOf[T]()
	meta.SetSize(g.mem, size)

	h, err := heap.Init(g.view.Sync(), g.mem, size)
	if err != nil {
		return err
	}
	g.heapOnce.Do(func() {
		g.heap = h
	})

	logOff, err := meta.AllocExt(g.mem, h, TxLogExtTag, logSize)
	if err != nil {
		return err
	}

	// Heap header, MetaInfo and extension list share the last page.
	if err := g.Flush(types.HeapHeaderOffset, types.NullPageSize); err != nil {
		return err
	}
	return g.Flush(logOff-heap.BlockHeaderSize, logSize+heap.BlockHeaderSize)
}

func validate[T any](g *Generic) error {
	if err := meta.Validate(g.mem); err != nil {
		return err
	}

	info := meta.InfoOf(g.mem)
	if info.Flags&meta.FlagSized != 0 && info.Size < types.NullPageSize+addr.SizeOf[T]() {
		return errors.Wrapf(types.ErrInvalid, "object of size %#x is too small for %T", info.Size, *new(T))
	}
	if _, err := g.Heap(); err != nil {
		return errors.Wrap(types.ErrInvalid, err.Error())
	}
	return nil
}

func mapObject(v *view.View, id types.ObjectID, prot types.Prot) (*Generic, error) {
	slot, err := v.ReserveSlot(id, prot)
	if err != nil {
		return nil, err
	}
	mem, err := v.Memory(slot)
	if err != nil {
		v.ReleaseSlot(id, prot, slot)
		return nil, err
	}
	return &Generic{
		view:  v,
		id:    id,
		slot:  slot,
		prot:  prot,
		mem:   mem,
		owned: true,
	}, nil
}
