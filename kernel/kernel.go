package kernel

import (
	"time"

	"github.com/outofforest/objspace/addr"
	"github.com/outofforest/objspace/pkg/objmem"
	"github.com/outofforest/objspace/types"
)

// Sync is the subset of kernel operations used by synchronization primitives living in object memory.
type Sync interface {
	// Sleep blocks until one of the words is woken or any word differs from the expected value. Zero timeout means
	// no timeout. On expiry types.ErrTimeout is returned.
	Sleep(ops []SleepOp, timeout time.Duration) error

	// Wake wakes up to count sleepers waiting on the word. Negative count wakes all of them.
	Wake(word *uint64, count int) int

	// ResetEpoch returns the value identifying current power cycle of the machine.
	ResetEpoch() uint64
}

// Kernel defines operations the runtime requires from the kernel.
type Kernel interface {
	Sync

	// Create creates new object.
	Create(spec CreateSpec) (types.ObjectID, error)

	// Map returns the physical memory of the object.
	Map(id types.ObjectID, prot types.Prot) (*objmem.Memory, error)

	// Unmap releases the mapping obtained from Map.
	Unmap(id types.ObjectID) error

	// Delete deletes the object together with all the objects tied to it.
	Delete(id types.ObjectID) error

	// Invalidate invalidates stale mappings of the view.
	Invalidate(view types.ObjectID, ops []InvalidateOp)
}

// SleepOp describes the word to sleep on.
type SleepOp struct {
	Word     *uint64
	Expected uint64
}

// InvalidateOp describes the range of view addresses to invalidate.
type InvalidateOp struct {
	Start  addr.Addr
	Length uint64
}
