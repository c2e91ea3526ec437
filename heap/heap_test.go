package heap

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/outofforest/objspace/metrics"
	"github.com/outofforest/objspace/pkg/futex"
	"github.com/outofforest/objspace/pkg/objmem"
	"github.com/outofforest/objspace/pmutex"
	"github.com/outofforest/objspace/types"
)

func newMemory(t testing.TB) []byte {
	mem, err := objmem.NewAnonymous()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = mem.Close()
	})
	return mem.Bytes()
}

func newSync() *pmutex.Sync {
	return pmutex.NewSync(futex.NewSync(1), zap.NewNop(), metrics.NewNop())
}

func TestInit(t *testing.T) {
	requireT := require.New(t)

	mem := newMemory(t)
	s := newSync()

	_, err := Open(s, mem)
	requireT.ErrorIs(err, ErrNotInitialized)

	_, err = Init(s, mem, 0)
	requireT.Error(err)

	h, err := Init(s, mem, types.NullPageSize+3)
	requireT.NoError(err)
	requireT.Equal(Stats{Remaining: types.FOTBase - types.NullPageSize - Alignment}, h.Stats())

	_, err = Open(s, mem)
	requireT.NoError(err)
}

func TestAllocFree(t *testing.T) {
	requireT := require.New(t)

	mem := newMemory(t)
	h, err := Init(newSync(), mem, types.NullPageSize)
	requireT.NoError(err)

	off1, err := h.Alloc(10)
	requireT.NoError(err)
	requireT.Equal(types.NullPageSize+BlockHeaderSize, off1)
	requireT.Zero(off1 % Alignment)

	off2, err := h.Alloc(100)
	requireT.NoError(err)
	requireT.Equal(off1+Alignment+BlockHeaderSize, off2)

	requireT.True(h.IsAllocated(off1))
	requireT.True(h.IsAllocated(off2))
	requireT.False(h.IsAllocated(off1 + Alignment))

	mem[off1] = 0xff
	requireT.NoError(h.Free(off1))
	requireT.False(h.IsAllocated(off1))
	requireT.Error(h.Free(off1))

	stats := h.Stats()
	requireT.Equal(uint64(1), stats.FreeBlocks)
	requireT.Equal(Alignment, stats.FreeBytes)

	// Freed block is reused and zeroed.
	off3, err := h.Alloc(16)
	requireT.NoError(err)
	requireT.Equal(off1, off3)
	requireT.Zero(mem[off3])
	requireT.Zero(h.Stats().FreeBlocks)
}

func TestSplit(t *testing.T) {
	requireT := require.New(t)

	mem := newMemory(t)
	h, err := Init(newSync(), mem, types.NullPageSize)
	requireT.NoError(err)

	off1, err := h.Alloc(256)
	requireT.NoError(err)
	_, err = h.Alloc(16)
	requireT.NoError(err)
	requireT.NoError(h.Free(off1))

	off2, err := h.Alloc(64)
	requireT.NoError(err)
	requireT.Equal(off1, off2)

	stats := h.Stats()
	requireT.Equal(uint64(1), stats.FreeBlocks)
	requireT.Equal(256-64-BlockHeaderSize, stats.FreeBytes)

	off3, err := h.Alloc(256 - 64 - BlockHeaderSize)
	requireT.NoError(err)
	requireT.Equal(off2+64+BlockHeaderSize, off3)
	requireT.Zero(h.Stats().FreeBlocks)
}

func TestOutOfMemory(t *testing.T) {
	requireT := require.New(t)

	mem := newMemory(t)
	h, err := Init(newSync(), mem, types.FOTBase-5*Alignment)
	requireT.NoError(err)

	_, err = h.Alloc(2 * Alignment)
	requireT.NoError(err)
	_, err = h.Alloc(2 * Alignment)
	requireT.ErrorIs(err, ErrOutOfMemory)
	_, err = h.Alloc(Alignment)
	requireT.NoError(err)
}

func TestHugeAlloc(t *testing.T) {
	requireT := require.New(t)

	mem := newMemory(t)
	h, err := Init(newSync(), mem, types.NullPageSize)
	requireT.NoError(err)
	stats := h.Stats()

	for _, size := range []uint64{math.MaxUint64, math.MaxUint64 - Alignment + 1, types.FOTBase} {
		_, err = h.Alloc(size)
		requireT.ErrorIs(err, ErrOutOfMemory)
	}
	requireT.Equal(stats, h.Stats())
}

func TestWithLock(t *testing.T) {
	requireT := require.New(t)

	mem := newMemory(t)
	h, err := Init(newSync(), mem, types.NullPageSize)
	requireT.NoError(err)

	var off uint64
	requireT.NoError(h.WithLock(func(l Locked) error {
		var err error
		off, err = l.Alloc(32)
		if err != nil {
			return err
		}
		requireT.True(l.IsAllocated(off))
		return nil
	}))
	requireT.True(h.IsAllocated(off))
}
