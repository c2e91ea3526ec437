package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitJoin(t *testing.T) {
	requireT := require.New(t)

	id := JoinID(0x0102030405060708, 0x090a0b0c0d0e0f10)
	hi, lo := id.Split()
	requireT.EqualValues(0x0102030405060708, hi)
	requireT.EqualValues(0x090a0b0c0d0e0f10, lo)
	requireT.Equal("0102030405060708090a0b0c0d0e0f10", id.String())
	requireT.False(id.IsZero())
	requireT.True(ObjectID{}.IsZero())
}

func TestLayoutDoesNotOverlap(t *testing.T) {
	assertT := assert.New(t)

	assertT.Less(FOTBase, HeapHeaderOffset)
	assertT.Less(HeapHeaderOffset, MetaInfoOffset)
	assertT.EqualValues(0, FOTBase%NullPageSize)
	assertT.Greater(FOTBase, NullPageSize)
}

func TestAlignUp(t *testing.T) {
	assertT := assert.New(t)

	assertT.EqualValues(0, AlignUp(0, 16))
	assertT.EqualValues(16, AlignUp(1, 16))
	assertT.EqualValues(16, AlignUp(16, 16))
	assertT.EqualValues(32, AlignUp(17, 16))
}
