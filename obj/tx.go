package obj

import (
	"slices"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/objspace/addr"
	"github.com/outofforest/objspace/heap"
	"github.com/outofforest/objspace/meta"
	"github.com/outofforest/objspace/pmutex"
	"github.com/outofforest/objspace/pptr"
	"github.com/outofforest/objspace/types"
)

// TxLogExtTag is the tag of metadata extension holding the transaction log.
const TxLogExtTag uint64 = 0x74786c6f67000001

const (
	// LogAreaSize is the size of the record area of transaction log.
	LogAreaSize uint64 = 4096

	// RecordSize is the size of the log record.
	RecordSize uint64 = 64
)

var logSize = addr.SizeOf[LogHeader]() + LogAreaSize

// RecordKind is the kind of log record.
type RecordKind uint32

// Record kinds.
const (
	// RecordAllocFreeOnFail states that allocation is about to be linked to the owner pointer and must be freed if
	// transaction does not commit.
	RecordAllocFreeOnFail RecordKind = 1
)

// recordArmed is set when allocation described by the record has been done.
const recordArmed uint32 = 0x1

// LogHeader precedes the record area of transaction log.
type LogHeader struct {
	Lock     pmutex.State
	Cursor   uint64
	Seq      uint64
	Reserved uint64
}

// Record is the entry of transaction log.
type Record struct {
	Kind        RecordKind
	Flags       uint32
	AllocID     types.ObjectID
	AllocOffset uint64
	OwnerID     types.ObjectID
	OwnerOffset uint64
	Pad         uint64
}

// Tx is the transaction led by the object hosting the log. Only one transaction per leader runs at a time.
type Tx struct {
	leader    *Generic
	followers []*Generic
	logOff    uint64
	header    *LogHeader
	area      []byte
	locker    pmutex.Locker
	dirty     []dirtyRange
	done      bool
}

// dirtyRange is the range modified by the transaction, flushed on commit.
type dirtyRange struct {
	o   *Generic
	off uint64
	n   uint64
}

// Begin starts the transaction.
func Begin(leader *Generic) (*Tx, error) {
	logOff, header, area, err := openLog(leader)
	if err != nil {
		return nil, err
	}

	tx := &Tx{
		leader: leader,
		logOff: logOff,
		header: header,
		area:   area,
		locker: pmutex.NewLocker(leader.view.Sync(), &header.Lock),
	}
	tx.locker.Lock()
	return tx, nil
}

// RunTransaction runs fn inside the transaction. Transaction is committed if fn succeeds and aborted otherwise.
// If fn panics, transaction is aborted before the panic is propagated.
func RunTransaction(leader *Generic, fn func(tx *Tx) error) error {
	tx, err := Begin(leader)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			if !tx.done {
				if err := tx.Abort(); err != nil {
					leader.view.Logger().Error("Aborting transaction failed", zap.Stringer("id", leader.id),
						zap.Error(err))
				}
			}
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if err2 := tx.Abort(); err2 != nil {
			return err2
		}
		if errors.Is(err, ErrLogFull) {
			return err
		}
		return errors.WithStack(&AbortError{Err: err})
	}
	return tx.Commit()
}

// Leader returns the leader of the transaction.
func (tx *Tx) Leader() *Generic {
	return tx.leader
}

// Follow adds the object to the transaction.
func (tx *Tx) Follow(o *Generic) {
	if o == tx.leader || slices.Contains(tx.followers, o) {
		return
	}
	tx.followers = append(tx.followers, o)
}

// Commit commits the transaction. Modified ranges of persistent objects are flushed before the log is cleared.
// If flushing fails, transaction is aborted.
func (tx *Tx) Commit() error {
	if err := tx.finish(); err != nil {
		return err
	}
	defer tx.locker.Unlock()

	for _, d := range tx.dirty {
		if err := d.o.Flush(d.off, d.n); err != nil {
			if _, err2 := tx.rollback(); err2 != nil {
				tx.leader.view.Logger().Error("Rolling back transaction failed", zap.Stringer("id", tx.leader.id),
					zap.Error(err2))
			}
			return err
		}
	}

	atomic.AddUint64(&tx.header.Seq, 1)
	if err := truncateLog(tx.leader, tx.logOff, tx.header, tx.area); err != nil {
		return err
	}

	tx.leader.view.Metrics().TxCommits.Inc()
	return nil
}

// Abort aborts the transaction, freeing all the allocations done inside it.
func (tx *Tx) Abort() error {
	if err := tx.finish(); err != nil {
		return err
	}
	defer tx.locker.Unlock()

	freed, err := tx.rollback()
	if err != nil {
		return err
	}
	tx.leader.view.Metrics().TxAborts.Inc()
	tx.leader.view.Metrics().RecoveredAllocations.Add(float64(freed))
	return nil
}

// NewItem allocates zeroed value of type R in the object and links it to the owner pointer. If transaction does not
// commit, allocation is freed and owner pointer is nulled, also after crash.
func NewItem[R any](tx *Tx, o *Generic, owner *pptr.Pptr[R]) (Ref[R], error) {
	ownerObj, ownerOff, err := locate(tx, owner)
	if err != nil {
		return Ref[R]{}, err
	}

	h, err := o.Heap()
	if err != nil {
		return Ref[R]{}, err
	}

	recOff, rec, err := tx.reserve()
	if err != nil {
		return Ref[R]{}, err
	}
	*rec = Record{
		Kind:        RecordAllocFreeOnFail,
		AllocID:     o.id,
		OwnerID:     ownerObj.id,
		OwnerOffset: ownerOff,
	}
	tx.Follow(o)

	// Record is armed before heap lock is released, so allocation is never visible to others without it.
	size := addr.SizeOf[R]()
	var off uint64
	if err := h.WithLock(func(l heap.Locked) error {
		var err error
		off, err = l.Alloc(size)
		if err != nil {
			return err
		}
		rec.AllocOffset = off
		atomic.OrUint32(&rec.Flags, recordArmed)
		return nil
	}); err != nil {
		return Ref[R]{}, err
	}

	// Armed record must reach the storage before the owner pointer does.
	if err := tx.leader.Flush(recOff, RecordSize); err != nil {
		return Ref[R]{}, err
	}
	if err := tx.leader.Flush(tx.logOff, addr.SizeOf[LogHeader]()); err != nil {
		return Ref[R]{}, err
	}

	item := RefAt[R](o, off)
	if err := Set(ownerObj, owner, item, types.ProtRW); err != nil {
		return Ref[R]{}, err
	}

	tx.markDirty(o, off-heap.BlockHeaderSize, size+heap.BlockHeaderSize)
	tx.markDirty(o, types.HeapHeaderOffset, addr.SizeOf[heap.Header]())
	tx.markDirty(ownerObj, ownerOff, addr.SizeOf[pptr.Pptr[R]]())
	return item, nil
}

// Recover frees allocations left by transaction interrupted by crash.
func Recover(g *Generic) error {
	logOff, header, area, err := openLog(g)
	if err != nil {
		return err
	}

	locker := pmutex.NewLocker(g.view.Sync(), &header.Lock)
	locker.Lock()
	defer locker.Unlock()

	if atomic.LoadUint64(&header.Cursor) == 0 {
		return nil
	}

	var opened []*Generic
	defer func() {
		for _, o := range opened {
			_ = o.Release()
		}
	}()

	freed, err := undo(g, header, area, func(id types.ObjectID) (*Generic, error) {
		if id == g.id {
			return g, nil
		}
		for _, o := range opened {
			if o.id == id {
				return o, nil
			}
		}
		o, err := mapObject(g.view, id, types.ProtRW)
		if err != nil {
			return nil, err
		}
		opened = append(opened, o)
		return o, nil
	})
	if err != nil {
		return err
	}
	if err := truncateLog(g, logOff, header, area); err != nil {
		return err
	}

	g.view.Metrics().RecoveredAllocations.Add(float64(freed))
	g.view.Logger().Info("Interrupted transaction recovered", zap.Stringer("id", g.id), zap.Int("freed", freed))
	return nil
}

func (tx *Tx) finish() error {
	if tx.done {
		return errors.New("transaction already finished")
	}
	tx.done = true
	return nil
}

// reserve returns the next record of the log and its offset inside the leader.
func (tx *Tx) reserve() (uint64, *Record, error) {
	if tx.done {
		return 0, nil, errors.New("transaction already finished")
	}
	cursor := atomic.LoadUint64(&tx.header.Cursor)
	if cursor+RecordSize > LogAreaSize {
		tx.leader.view.Metrics().TxLogFull.Inc()
		return 0, nil, errors.WithStack(ErrLogFull)
	}
	rec := addr.At[Record](tx.area, cursor)
	*rec = Record{}
	atomic.StoreUint64(&tx.header.Cursor, cursor+RecordSize)
	return tx.logOff + addr.SizeOf[LogHeader]() + cursor, rec, nil
}

func (tx *Tx) markDirty(o *Generic, off, n uint64) {
	tx.dirty = append(tx.dirty, dirtyRange{o: o, off: off, n: n})
}

func (tx *Tx) rollback() (int, error) {
	freed, err := undo(tx.leader, tx.header, tx.area, tx.lookup)
	if err != nil {
		return freed, err
	}
	return freed, truncateLog(tx.leader, tx.logOff, tx.header, tx.area)
}

func (tx *Tx) lookup(id types.ObjectID) (*Generic, error) {
	if tx.leader.id == id {
		return tx.leader, nil
	}
	for _, o := range tx.followers {
		if o.id == id {
			return o, nil
		}
	}
	return nil, errors.Errorf("object %s does not participate in transaction", id)
}

// locate finds the transaction object containing the pointer.
func locate[R any](tx *Tx, p *pptr.Pptr[R]) (*Generic, uint64, error) {
	for _, o := range append([]*Generic{tx.leader}, tx.followers...) {
		if off, ok := addr.OffsetOf(o.mem, p); ok {
			return o, off, nil
		}
	}
	return nil, 0, errors.New("owner pointer is not located inside any object of the transaction")
}

func openLog(g *Generic) (uint64, *LogHeader, []byte, error) {
	off, exists := meta.FindExt(g.mem, TxLogExtTag)
	if !exists {
		h, err := g.Heap()
		if err != nil {
			return 0, nil, nil, err
		}
		off, err = meta.AllocExt(g.mem, h, TxLogExtTag, logSize)
		if err != nil {
			return 0, nil, nil, err
		}
	}
	return off, addr.At[LogHeader](g.mem, off), addr.Slice(g.mem, off+addr.SizeOf[LogHeader](), LogAreaSize), nil
}

// undo frees armed allocations recorded in the log and nulls owner pointers still pointing to them.
func undo(
	leader *Generic,
	header *LogHeader,
	area []byte,
	lookup func(id types.ObjectID) (*Generic, error),
) (int, error) {
	cursor := atomic.LoadUint64(&header.Cursor)
	var freed int
	for off := cursor; off >= RecordSize; off -= RecordSize {
		rec := addr.At[Record](area, off-RecordSize)
		if rec.Kind != RecordAllocFreeOnFail || atomic.LoadUint32(&rec.Flags)&recordArmed == 0 {
			continue
		}

		allocObj, err := lookup(rec.AllocID)
		if err != nil {
			return freed, err
		}
		ownerObj, err := lookup(rec.OwnerID)
		if err != nil {
			return freed, err
		}

		ownerPtr := addr.At[pptr.Pptr[byte]](ownerObj.mem, rec.OwnerOffset)
		if pointsTo(ownerObj, ownerPtr.Load(), rec.AllocID, rec.AllocOffset) {
			ownerPtr.Store(pptr.Pptr[byte]{})
			if err := ownerObj.Flush(rec.OwnerOffset, addr.SizeOf[pptr.Pptr[byte]]()); err != nil {
				return freed, err
			}
		}

		h, err := allocObj.Heap()
		if err != nil {
			return freed, err
		}
		if h.IsAllocated(rec.AllocOffset) {
			if err := h.Free(rec.AllocOffset); err != nil {
				return freed, err
			}
			freed++
			if err := allocObj.Flush(rec.AllocOffset-heap.BlockHeaderSize, heap.BlockHeaderSize+8); err != nil {
				return freed, err
			}
			if err := allocObj.Flush(types.HeapHeaderOffset, addr.SizeOf[heap.Header]()); err != nil {
				return freed, err
			}
		}
	}

	leader.view.Logger().Debug("Transaction log rolled back", zap.Stringer("id", leader.id), zap.Int("freed", freed))
	return freed, nil
}

// truncateLog empties the log. Records are cleared on storage before the cursor, so records of finished transaction are
// never replayed.
func truncateLog(g *Generic, logOff uint64, header *LogHeader, area []byte) error {
	cursor := atomic.LoadUint64(&header.Cursor)
	clear(area[:cursor])
	if err := g.Flush(logOff+addr.SizeOf[LogHeader](), cursor); err != nil {
		return err
	}
	atomic.StoreUint64(&header.Cursor, 0)
	return g.Flush(logOff, addr.SizeOf[LogHeader]())
}

func pointsTo(owner *Generic, p pptr.Pptr[byte], id types.ObjectID, offset uint64) bool {
	if p.IsNull() || p.Offset() != offset {
		return false
	}
	if p.IsLocal() {
		return owner.id == id
	}
	if p.Index() >= types.MaxFOTEntries || p.Index() > meta.FOTCount(owner.mem) {
		return false
	}
	target, _ := meta.Resolve(owner.mem, p.Index())
	direct, ok := target.(meta.Direct)
	return ok && direct.ID == id
}
