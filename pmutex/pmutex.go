package pmutex

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/objspace/kernel"
	"github.com/outofforest/objspace/metrics"
	"github.com/outofforest/objspace/types"
)

const (
	unlocked  uint64 = 0
	locked    uint64 = 1
	contended uint64 = 2

	// bustInProgress is stored as a reset code while one of the lockers resets the state.
	bustInProgress = ^uint64(0)
)

// State is the state of the mutex stored in object memory. Zero value is the unlocked mutex.
type State struct {
	Sleep     uint64
	ResetCode uint64
}

// Cell is the mutex state followed by the data protected by it.
type Cell[T any] struct {
	State State
	Data  T
}

// Sync caches the reset code of the current power cycle for one execution context.
type Sync struct {
	kernel    kernel.Sync
	log       *zap.Logger
	metrics   *metrics.Metrics
	resetCode atomic.Uint64
}

// NewSync creates new sync cache.
func NewSync(k kernel.Sync, log *zap.Logger, m *metrics.Metrics) *Sync {
	return &Sync{
		kernel:  k,
		log:     log,
		metrics: m,
	}
}

// Kernel returns the kernel used to sleep and wake.
func (s *Sync) Kernel() kernel.Sync {
	return s.kernel
}

// ResetCode returns the reset code of the current power cycle.
func (s *Sync) ResetCode() uint64 {
	if code := s.resetCode.Load(); code != 0 {
		return code
	}
	// The code is the same during the whole power cycle, so concurrent stores are harmless.
	code := s.kernel.ResetEpoch()
	s.resetCode.Store(code)
	return code
}

// Locker locks the state stored in object memory.
type Locker struct {
	sync  *Sync
	state *State
}

// NewLocker returns locker operating on the state.
func NewLocker(s *Sync, state *State) Locker {
	return Locker{
		sync:  s,
		state: state,
	}
}

// Lock acquires the lock.
func (l Locker) Lock() {
	if err := l.lock(0); err != nil {
		panic(errors.WithStack(err))
	}
}

// LockTimeout acquires the lock waiting no longer than timeout. On expiry types.ErrTimeout is returned.
func (l Locker) LockTimeout(timeout time.Duration) error {
	return l.lock(timeout)
}

// TryLock acquires the lock if it is free.
func (l Locker) TryLock() bool {
	l.maybeBust()
	return atomic.CompareAndSwapUint64(&l.state.Sleep, unlocked, locked)
}

// Unlock releases the lock.
func (l Locker) Unlock() {
	if atomic.SwapUint64(&l.state.Sleep, unlocked) == contended {
		l.sync.kernel.Wake(&l.state.Sleep, 1)
	}
}

func (l Locker) lock(timeout time.Duration) error {
	l.maybeBust()

	for range spinIterations {
		if atomic.CompareAndSwapUint64(&l.state.Sleep, unlocked, locked) {
			return nil
		}
		runtime.Gosched()
	}

	if atomic.SwapUint64(&l.state.Sleep, contended) == unlocked {
		return nil
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	ops := []kernel.SleepOp{{Word: &l.state.Sleep, Expected: contended}}
	for {
		l.sync.metrics.MutexSleeps.Inc()

		var wait time.Duration
		if timeout > 0 {
			wait = time.Until(deadline)
			if wait <= 0 {
				return errors.WithStack(types.ErrTimeout)
			}
		}
		if err := l.sync.kernel.Sleep(ops, wait); err != nil && !errors.Is(err, types.ErrTimeout) {
			return err
		}
		if atomic.SwapUint64(&l.state.Sleep, contended) == unlocked {
			return nil
		}
	}
}

// maybeBust resets the state if it was locked in previous power cycle. Only the locker which replaces the stale code
// with bustInProgress resets the state, others wait until the current code is stamped.
func (l Locker) maybeBust() {
	code := l.sync.ResetCode()
	for {
		old := atomic.LoadUint64(&l.state.ResetCode)
		switch {
		case old == code:
			return
		case old == bustInProgress:
			runtime.Gosched()
		case atomic.CompareAndSwapUint64(&l.state.ResetCode, old, bustInProgress):
			atomic.StoreUint64(&l.state.Sleep, unlocked)
			atomic.StoreUint64(&l.state.ResetCode, code)
			l.sync.metrics.MutexBusts.Inc()
			l.sync.log.Debug("Mutex state reset", zap.Uint64("resetCode", code))
			return
		}
	}
}

// Mutex protects data stored in object memory.
type Mutex[T any] struct {
	Locker

	cell *Cell[T]
}

// New returns mutex operating on the cell.
func New[T any](s *Sync, cell *Cell[T]) *Mutex[T] {
	return &Mutex[T]{
		Locker: NewLocker(s, &cell.State),
		cell:   cell,
	}
}

// Lock acquires the lock and returns protected data.
func (m *Mutex[T]) Lock() *T {
	m.Locker.Lock()
	return &m.cell.Data
}

// LockTimeout acquires the lock waiting no longer than timeout.
func (m *Mutex[T]) LockTimeout(timeout time.Duration) (*T, error) {
	if err := m.Locker.LockTimeout(timeout); err != nil {
		return nil, err
	}
	return &m.cell.Data, nil
}

// TryLock acquires the lock if it is free.
func (m *Mutex[T]) TryLock() (*T, bool) {
	if !m.Locker.TryLock() {
		return nil, false
	}
	return &m.cell.Data, true
}
