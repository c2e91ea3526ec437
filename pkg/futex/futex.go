package futex

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/outofforest/objspace/kernel"
	"github.com/outofforest/objspace/types"
)

var _ kernel.Sync = &Sync{}

type waiter struct {
	ch    chan struct{}
	keys  []uintptr
	woken bool
}

// Table keeps goroutines sleeping on words of object memory.
// Words must live in memory not managed by the garbage collector, so their addresses are stable.
type Table struct {
	mu     sync.Mutex
	queues map[uintptr][]*waiter
}

// New returns new table.
func New() *Table {
	return &Table{
		queues: map[uintptr][]*waiter{},
	}
}

// Sleep blocks until one of the words is woken. It returns immediately if any word differs from the expected value.
// Zero timeout means no timeout.
func (t *Table) Sleep(ops []kernel.SleepOp, timeout time.Duration) error {
	if len(ops) == 0 {
		return errors.New("no words to sleep on")
	}

	w := &waiter{
		ch:   make(chan struct{}),
		keys: make([]uintptr, 0, len(ops)),
	}

	t.mu.Lock()
	for _, op := range ops {
		if atomic.LoadUint64(op.Word) != op.Expected {
			t.mu.Unlock()
			return nil
		}
	}
	for _, op := range ops {
		key := uintptr(unsafe.Pointer(op.Word))
		w.keys = append(w.keys, key)
		t.queues[key] = append(t.queues[key], w)
	}
	t.mu.Unlock()

	if timeout <= 0 {
		<-w.ch
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.ch:
		return nil
	case <-timer.C:
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if w.woken {
		return nil
	}
	t.remove(w)
	return errors.WithStack(types.ErrTimeout)
}

// Wake wakes up to count goroutines sleeping on the word. Negative count wakes all of them.
// It returns the number of woken goroutines.
func (t *Table) Wake(word *uint64, count int) int {
	key := uintptr(unsafe.Pointer(word))

	t.mu.Lock()
	defer t.mu.Unlock()

	var n int
	for (count < 0 || n < count) && len(t.queues[key]) > 0 {
		w := t.queues[key][0]
		t.remove(w)
		w.woken = true
		close(w.ch)
		n++
	}
	return n
}

// Sleepers returns the number of goroutines sleeping on the word.
func (t *Table) Sleepers(word *uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.queues[uintptr(unsafe.Pointer(word))])
}

func (t *Table) remove(w *waiter) {
	for _, key := range w.keys {
		queue := t.queues[key]
		for i, w2 := range queue {
			if w2 == w {
				queue = append(queue[:i], queue[i+1:]...)
				break
			}
		}
		if len(queue) == 0 {
			delete(t.queues, key)
		} else {
			t.queues[key] = queue
		}
	}
}

// Sync implements kernel.Sync on top of the table, with reset epoch controlled by the owner.
type Sync struct {
	*Table

	epoch atomic.Uint64
}

// NewSync returns new sync starting at the epoch.
func NewSync(epoch uint64) *Sync {
	s := &Sync{Table: New()}
	s.epoch.Store(epoch)
	return s
}

// ResetEpoch returns current reset epoch.
func (s *Sync) ResetEpoch() uint64 {
	return s.epoch.Load()
}

// SetResetEpoch sets the reset epoch.
func (s *Sync) SetResetEpoch(epoch uint64) {
	s.epoch.Store(epoch)
}

// NextResetEpoch advances the reset epoch.
func (s *Sync) NextResetEpoch() uint64 {
	return s.epoch.Add(1)
}
