package meta

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/outofforest/objspace/addr"
	"github.com/outofforest/objspace/heap"
	"github.com/outofforest/objspace/metrics"
	"github.com/outofforest/objspace/pkg/futex"
	"github.com/outofforest/objspace/pkg/objmem"
	"github.com/outofforest/objspace/pmutex"
	"github.com/outofforest/objspace/types"
)

func newObject(t *testing.T) ([]byte, *heap.Heap) {
	mem, err := objmem.NewAnonymous()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = mem.Close()
	})

	Init(mem.Bytes(), InitParams{PFlags: ProtDflRead | ProtDflWrite})
	h, err := heap.Init(pmutex.NewSync(futex.NewSync(1), zap.NewNop(), metrics.NewNop()), mem.Bytes(),
		types.NullPageSize)
	require.NoError(t, err)
	return mem.Bytes(), h
}

func TestLayout(t *testing.T) {
	requireT := require.New(t)

	requireT.Equal(Size, addr.SizeOf[Info]())
	requireT.Equal(extSize, addr.SizeOf[Ext]())
	requireT.Equal(types.FOTEntrySize, addr.SizeOf[FOTEntry]())
	requireT.Equal(uint64(124), MaxExts)
}

func TestValidate(t *testing.T) {
	requireT := require.New(t)

	mem, err := objmem.NewAnonymous()
	requireT.NoError(err)
	defer mem.Close()

	requireT.ErrorIs(Validate(mem.Bytes()), types.ErrInvalid)
	requireT.ErrorIs(Validate(mem.Bytes()[:100]), types.ErrInvalid)

	Init(mem.Bytes(), InitParams{Size: 10})
	requireT.NoError(Validate(mem.Bytes()))
	requireT.Equal(types.MetaInfoMagic, InfoOf(mem.Bytes()).Magic)
	requireT.Equal(uint64(10), InfoOf(mem.Bytes()).Size)

	SetSize(mem.Bytes(), 20)
	requireT.Equal(uint64(20), InfoOf(mem.Bytes()).Size)
	requireT.Equal(FlagSized, InfoOf(mem.Bytes()).Flags&FlagSized)

	InfoOf(mem.Bytes()).MILen = 1
	requireT.ErrorIs(Validate(mem.Bytes()), types.ErrInvalid)
}

func TestExtensions(t *testing.T) {
	requireT := require.New(t)

	mem, h := newObject(t)

	_, exists := FindExt(mem, 1)
	requireT.False(exists)

	off1, err := AllocExt(mem, h, 1, 64)
	requireT.NoError(err)
	off2, err := AllocExt(mem, h, 2, 8)
	requireT.NoError(err)
	requireT.NotEqual(off1, off2)

	off, exists := FindExt(mem, 1)
	requireT.True(exists)
	requireT.Equal(off1, off)

	off, exists = FindExt(mem, 2)
	requireT.True(exists)
	requireT.Equal(off2, off)

	_, err = AllocExt(mem, h, 0, 8)
	requireT.Error(err)
}

func TestExtensionsExhausted(t *testing.T) {
	requireT := require.New(t)

	mem, h := newObject(t)
	for i := range MaxExts {
		_, err := AllocExt(mem, h, i+1, 8)
		requireT.NoError(err)
	}
	_, err := AllocExt(mem, h, MaxExts+1, 8)
	requireT.ErrorIs(err, ErrNoExtSpace)

	_, exists := FindExt(mem, MaxExts)
	requireT.True(exists)
}

func TestFOTDedupe(t *testing.T) {
	requireT := require.New(t)

	mem, h := newObject(t)
	id1 := types.JoinID(1, 1)
	id2 := types.JoinID(2, 2)

	idx, created, err := AddFOTEntry(mem, h, Direct{ID: id1}, types.ProtRW)
	requireT.NoError(err)
	requireT.True(created)
	requireT.Equal(uint64(1), idx)

	idx, created, err = AddFOTEntry(mem, h, Direct{ID: id1}, types.ProtRW)
	requireT.NoError(err)
	requireT.False(created)
	requireT.Equal(uint64(1), idx)

	idx, created, err = AddFOTEntry(mem, h, Direct{ID: id1}, types.ProtRead)
	requireT.NoError(err)
	requireT.True(created)
	requireT.Equal(uint64(2), idx)

	idx, _, err = AddFOTEntry(mem, h, Direct{ID: id2}, types.ProtRW)
	requireT.NoError(err)
	requireT.Equal(uint64(3), idx)
	requireT.Equal(uint64(3), FOTCount(mem))

	id, prot, err := ResolveID(mem, 1)
	requireT.NoError(err)
	requireT.Equal(id1, id)
	requireT.Equal(types.ProtRW, prot)

	entry := FOTEntryAt(mem, 1)
	requireT.Equal(uint64(FOTValid|FOTAlloc|FOTRead|FOTWrite), entry.Flags)
}

func TestNamedEntry(t *testing.T) {
	requireT := require.New(t)

	mem, h := newObject(t)

	idx, created, err := AddNamedFOTEntry(mem, h, "registry/users", 7, types.ProtRead)
	requireT.NoError(err)
	requireT.True(created)

	idx2, created, err := AddNamedFOTEntry(mem, h, "registry/users", 7, types.ProtRead)
	requireT.NoError(err)
	requireT.False(created)
	requireT.Equal(idx, idx2)

	target, prot := Resolve(mem, idx)
	requireT.Equal(Named{Name: "registry/users", Resolver: 7}, target)
	requireT.Equal(types.ProtRead, prot)

	_, _, err = ResolveID(mem, idx)
	requireT.ErrorIs(err, types.ErrUnsupported)
}

func TestInvalidEntryPanics(t *testing.T) {
	requireT := require.New(t)

	mem, h := newObject(t)
	idx, _, err := AddFOTEntry(mem, h, Direct{ID: types.JoinID(1, 1)}, types.ProtRead)
	requireT.NoError(err)

	FOTEntryAt(mem, idx).Flags &^= uint64(FOTValid)
	requireT.Panics(func() {
		Resolve(mem, idx)
	})
	requireT.Panics(func() {
		FOTEntryAt(mem, 0)
	})
	requireT.Panics(func() {
		FOTEntryAt(mem, types.MaxFOTEntries)
	})
}

func TestFOTFull(t *testing.T) {
	requireT := require.New(t)

	mem, h := newObject(t)
	for i := uint64(1); i < types.MaxFOTEntries; i++ {
		idx, _, err := AddFOTEntry(mem, h, Direct{ID: types.JoinID(0, i)}, types.ProtRead)
		requireT.NoError(err)
		requireT.Equal(i, idx)
	}

	_, _, err := AddFOTEntry(mem, h, Direct{ID: types.JoinID(1, 0)}, types.ProtRead)
	requireT.ErrorIs(err, ErrFOTFull)

	idx, created, err := AddFOTEntry(mem, h, Direct{ID: types.JoinID(0, 5)}, types.ProtRead)
	requireT.NoError(err)
	requireT.False(created)
	requireT.Equal(uint64(5), idx)
}
