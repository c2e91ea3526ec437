package view

import (
	"math"
	"math/bits"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/objspace/addr"
	"github.com/outofforest/objspace/config"
	"github.com/outofforest/objspace/heap"
	"github.com/outofforest/objspace/kernel"
	"github.com/outofforest/objspace/meta"
	"github.com/outofforest/objspace/metrics"
	"github.com/outofforest/objspace/pkg/objmem"
	"github.com/outofforest/objspace/pmutex"
	"github.com/outofforest/objspace/types"
)

// View maps objects to slots of the execution context.
type View struct {
	kernel  kernel.Kernel
	sync    *pmutex.Sync
	config  config.ViewConfig
	log     *zap.Logger
	metrics *metrics.Metrics

	id        types.ObjectID
	control   []byte
	entries   []Entry
	allocator allocator
	locker    pmutex.Locker
	mappings  []atomic.Pointer[objmem.Memory]
}

// New creates the control object and the view stored in it.
func New(k kernel.Kernel, s *pmutex.Sync, cfg config.ViewConfig, log *zap.Logger, m *metrics.Metrics) (*View, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id, err := k.Create(kernel.NewCreateSpec(kernel.LifetimeVolatile, kernel.BackingNormal,
		kernel.CreateDflRead|kernel.CreateDflWrite))
	if err != nil {
		return nil, err
	}
	mem, err := k.Map(id, types.ProtRW)
	if err != nil {
		_ = k.Delete(id)
		return nil, err
	}

	v, err := initialize(k, s, cfg, log, m, id, mem)
	if err != nil {
		_ = k.Unmap(id)
		_ = k.Delete(id)
		return nil, err
	}
	return v, nil
}

func initialize(
	k kernel.Kernel,
	s *pmutex.Sync,
	cfg config.ViewConfig,
	log *zap.Logger,
	m *metrics.Metrics,
	id types.ObjectID,
	mem *objmem.Memory,
) (*View, error) {
	control := mem.Bytes()
	*addr.At[Data](control, types.NullPageSize) = Data{
		NEntries:   cfg.Entries,
		NBuckets:   cfg.Buckets,
		AllocStart: cfg.AllocStart,
		AllocMax:   cfg.AllocMax,
	}
	entries := addr.SliceOf[Entry](control, entriesOffset(), uint64(cfg.Entries))

	h, err := heap.Init(s, control, entriesOffset()+uint64(cfg.Entries)*addr.SizeOf[Entry]())
	if err != nil {
		return nil, err
	}
	extOff, err := meta.AllocExt(control, h, AllocExtTag, allocExtSize(cfg.Entries, cfg.Buckets))
	if err != nil {
		return nil, err
	}
	alloc := newAllocator(control, extOff, cfg.Entries, cfg.Buckets)

	v := &View{
		kernel:    k,
		sync:      s,
		config:    cfg,
		log:       log.With(zap.Stringer("view", id)),
		metrics:   m,
		id:        id,
		control:   control,
		entries:   entries,
		allocator: alloc,
		locker:    pmutex.NewLocker(s, alloc.state),
		mappings:  make([]atomic.Pointer[objmem.Memory], cfg.Entries),
	}

	controlEntry := &v.entries[cfg.ControlSlot]
	controlEntry.ID = id
	atomic.StoreUint32(&controlEntry.Flags, uint32(FlagRead|FlagWrite|FlagValid))
	v.mappings[cfg.ControlSlot].Store(mem)

	return v, nil
}

// ID returns the ID of the view control object.
func (v *View) ID() types.ObjectID {
	return v.id
}

// Kernel returns the kernel.
func (v *View) Kernel() kernel.Kernel {
	return v.kernel
}

// Sync returns the sync cache of the context.
func (v *View) Sync() *pmutex.Sync {
	return v.sync
}

// Logger returns the logger.
func (v *View) Logger() *zap.Logger {
	return v.log
}

// Metrics returns the metrics.
func (v *View) Metrics() *metrics.Metrics {
	return v.metrics
}

// ControlSlot returns the slot where control object is mapped.
func (v *View) ControlSlot() uint32 {
	return v.config.ControlSlot
}

// ReserveSlot returns the slot where object is mapped with requested protection, mapping it if needed.
// Every successful call must be paired with ReleaseSlot.
func (v *View) ReserveSlot(id types.ObjectID, prot types.Prot) (uint32, error) {
	if id.IsZero() {
		return 0, errors.New("object ID is zero")
	}

	v.locker.Lock()
	defer v.locker.Unlock()

	flags := uint32(prot) & bucketProtMask
	if b := v.lookup(id, flags); b != nil {
		if b.Refcount == math.MaxUint32 {
			v.fatal(errors.Errorf("refcount overflow on slot %#x", b.Slot))
		}
		b.Refcount++
		v.metrics.SlotReservations.Inc()
		return b.Slot, nil
	}

	// Mapping happens before slot is published, so nobody sees the slot without memory.
	mem, err := v.kernel.Map(id, prot)
	if err != nil {
		return 0, err
	}

	slot := v.allocSlot()
	b := v.insert(id, flags, slot)
	b.Refcount = 1
	v.setEntry(slot, id, prot, mem)

	v.metrics.SlotReservations.Inc()
	v.metrics.SlotsInUse.Inc()
	return slot, nil
}

// ReleaseSlot releases the slot reserved by ReserveSlot.
func (v *View) ReleaseSlot(id types.ObjectID, prot types.Prot, slot uint32) {
	v.locker.Lock()
	defer v.locker.Unlock()

	b := v.lookup(id, uint32(prot)&bucketProtMask)
	if b == nil || b.Slot != slot || b.Refcount == 0 {
		v.fatal(errors.Wrapf(ErrRefcountUnderflow, "object %s at slot %#x", id, slot))
	}
	v.metrics.SlotReleases.Inc()

	b.Refcount--
	if b.Refcount > 0 {
		return
	}

	b.ID = types.ObjectID{}
	b.Slot = 0
	b.Flags &= bucketLinked

	entry := &v.entries[slot]
	if atomic.LoadUint32(&entry.Pins) > 0 {
		atomic.OrUint32(&entry.Flags, uint32(flagReleased))
		return
	}
	v.freeSlot(slot)
}

// GetSlot pins the slot, so it is not reused until PutSlot is called, even if all the reservations are released.
func (v *View) GetSlot(slot uint32) {
	entry := v.entry(slot)
	if atomic.AddUint32(&entry.Pins, 1) == 0 {
		v.fatal(errors.Errorf("pin overflow on slot %#x", slot))
	}
}

// PutSlot unpins the slot.
func (v *View) PutSlot(slot uint32) {
	entry := v.entry(slot)
	for {
		pins := atomic.LoadUint32(&entry.Pins)
		if pins == 0 {
			v.fatal(errors.Wrapf(ErrPinUnderflow, "slot %#x", slot))
		}
		if atomic.CompareAndSwapUint32(&entry.Pins, pins, pins-1) {
			if pins > 1 {
				return
			}
			break
		}
	}

	v.locker.Lock()
	defer v.locker.Unlock()

	flags := atomic.LoadUint32(&entry.Flags)
	if atomic.LoadUint32(&entry.Pins) == 0 && Flags(flags)&flagReleased != 0 {
		atomic.AndUint32(&entry.Flags, ^uint32(flagReleased))
		v.freeSlot(slot)
	}
}

// Memory returns memory of the object mapped at the slot.
func (v *View) Memory(slot uint32) ([]byte, error) {
	if slot >= v.config.Entries {
		return nil, errors.Errorf("slot %#x out of range", slot)
	}
	mem := v.mappings[slot].Load()
	if mem == nil {
		return nil, errors.Errorf("nothing is mapped at slot %#x", slot)
	}
	return mem.Bytes(), nil
}

// Flush writes the range of object mapped at the slot to its backing storage and waits until it is stored. Memory
// of volatile objects is not flushed.
func (v *View) Flush(slot uint32, off, n uint64) error {
	if slot >= v.config.Entries {
		return errors.Errorf("slot %#x out of range", slot)
	}
	mem := v.mappings[slot].Load()
	if mem == nil {
		return errors.Errorf("nothing is mapped at slot %#x", slot)
	}
	if !mem.Persistent() || n == 0 {
		return nil
	}
	if off >= types.MaxSize || n > types.MaxSize-off {
		return errors.Errorf("range %#x+%#x exceeds object size", off, n)
	}

	v.metrics.Flushes.Inc()
	return mem.Flush(off, n)
}

// Translate returns memory and offset the address refers to.
func (v *View) Translate(a addr.Addr) ([]byte, uint64, error) {
	mem, err := v.Memory(a.Slot())
	if err != nil {
		return nil, 0, err
	}
	return mem, a.Offset(), nil
}

// EntryInfo returns ID and flags of the view entry.
func (v *View) EntryInfo(slot uint32) (types.ObjectID, Flags) {
	entry := v.entry(slot)
	return entry.ID, Flags(atomic.LoadUint32(&entry.Flags))
}

// Lookup returns the slot and refcount of the mapping.
func (v *View) Lookup(id types.ObjectID, prot types.Prot) (uint32, uint32, bool) {
	v.locker.Lock()
	defer v.locker.Unlock()

	b := v.lookup(id, uint32(prot)&bucketProtMask)
	if b == nil {
		return 0, 0, false
	}
	return b.Slot, b.Refcount, true
}

// InUse returns the number of allocated slots.
func (v *View) InUse() int {
	v.locker.Lock()
	defer v.locker.Unlock()

	var n int
	for _, b := range v.allocator.bitmap {
		n += bits.OnesCount8(b)
	}
	return n
}

// Close unmaps all the objects and deletes the control object together with objects tied to the view.
func (v *View) Close() error {
	v.locker.Lock()
	for slot := v.config.AllocStart; slot <= v.config.AllocMax; slot++ {
		if mem := v.mappings[slot].Swap(nil); mem != nil {
			if err := v.kernel.Unmap(v.entries[slot].ID); err != nil {
				v.locker.Unlock()
				return err
			}
		}
	}
	v.locker.Unlock()

	v.mappings[v.config.ControlSlot].Store(nil)
	if err := v.kernel.Unmap(v.id); err != nil {
		return err
	}
	return v.kernel.Delete(v.id)
}

func (v *View) entry(slot uint32) *Entry {
	if slot >= v.config.Entries {
		v.fatal(errors.Errorf("slot %#x out of range", slot))
	}
	return &v.entries[slot]
}

func (v *View) setEntry(slot uint32, id types.ObjectID, prot types.Prot, mem *objmem.Memory) {
	entry := &v.entries[slot]
	old := atomic.AndUint32(&entry.Flags, ^uint32(FlagValid))

	flags := Flags(prot) & flagProtMask
	if flags&FlagWrite != 0 {
		flags &^= FlagExec
	}
	entry.ID = id
	entry.Res0 = 0
	atomic.StoreUint32(&entry.Flags, uint32(flags|FlagValid))
	v.mappings[slot].Store(mem)

	if Flags(old)&FlagValid != 0 {
		v.kernel.Invalidate(v.id, []kernel.InvalidateOp{{
			Start:  addr.New(slot, 0),
			Length: types.MaxSize,
		}})
		v.metrics.Invalidations.Inc()
		v.log.Debug("Stale mapping invalidated", zap.Uint32("slot", slot), zap.Stringer("id", id))
	}
}

func (v *View) freeSlot(slot uint32) {
	if mem := v.mappings[slot].Swap(nil); mem != nil {
		if err := v.kernel.Unmap(v.entries[slot].ID); err != nil {
			v.log.Error("Unmapping object failed", zap.Uint32("slot", slot), zap.Error(err))
		}
	}
	v.allocator.bitmap[slot/8] &^= 1 << (slot % 8)
	v.metrics.SlotsInUse.Dec()
}

func (v *View) allocSlot() uint32 {
	for i := v.config.AllocStart / 8; i <= v.config.AllocMax/8; i++ {
		b := v.allocator.bitmap[i]
		if b == 0xff {
			continue
		}
		for bit := range uint32(8) {
			slot := i*8 + bit
			if slot < v.config.AllocStart || slot > v.config.AllocMax {
				continue
			}
			if b&(1<<bit) == 0 {
				v.allocator.bitmap[i] |= 1 << bit
				return slot
			}
		}
	}
	v.fatal(errors.Wrapf(types.ErrOutOfSlots, "all slots in range [%#x, %#x] are used", v.config.AllocStart,
		v.config.AllocMax))
	return 0
}

func (v *View) bucketIndex(id types.ObjectID) uint64 {
	return xxhash.Sum64(id[:]) % uint64(v.config.Buckets)
}

func (v *View) lookup(id types.ObjectID, flags uint32) *Bucket {
	b := &v.allocator.buckets[v.bucketIndex(id)]
	for {
		if b.ID == id && b.Flags&bucketProtMask == flags {
			return b
		}
		if b.Chain == 0 {
			return nil
		}
		b = &v.allocator.chain[b.Chain-1]
	}
}

func (v *View) insert(id types.ObjectID, flags uint32, slot uint32) *Bucket {
	b := &v.allocator.buckets[v.bucketIndex(id)]
	for {
		if b.ID.IsZero() {
			b.ID = id
			b.Slot = slot
			b.Flags = b.Flags&bucketLinked | flags
			return b
		}
		if b.Chain == 0 {
			break
		}
		b = &v.allocator.chain[b.Chain-1]
	}

	for i := range v.allocator.chain {
		c := &v.allocator.chain[i]
		if c.Flags&bucketLinked != 0 {
			continue
		}
		*c = Bucket{
			ID:    id,
			Slot:  slot,
			Flags: flags | bucketLinked,
		}
		b.Chain = uint32(i) + 1
		return c
	}

	v.fatal(errors.Wrap(types.ErrOutOfSlots, "view chain is full"))
	return nil
}

func (v *View) fatal(err error) {
	v.log.Error("View corrupted", zap.Error(err))
	panic(errors.WithStack(err))
}
