package addr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/objspace/types"
)

func TestAddr(t *testing.T) {
	assertT := assert.New(t)

	a := New(0x10010, 0x1234)
	assertT.EqualValues(0x10010, a.Slot())
	assertT.EqualValues(0x1234, a.Offset())
	assertT.EqualValues(0x10010*types.MaxSize+0x1234, uint64(a))

	assertT.True(SameRegion(a, New(0x10010, types.MaxSize-1)))
	assertT.False(SameRegion(a, New(0x10011, 0x1234)))

	assertT.Panics(func() { New(1, types.MaxSize) })
}

func TestIndexed(t *testing.T) {
	assertT := assert.New(t)

	v := EncodeIndexed(3, 0x2000)
	index, offset := DecodeIndexed(v)
	assertT.EqualValues(3, index)
	assertT.EqualValues(0x2000, offset)

	index, offset = DecodeIndexed(EncodeIndexed(0, 0x10))
	assertT.EqualValues(0, index)
	assertT.EqualValues(0x10, offset)
}

type record struct {
	A uint64
	B uint32
	C uint32
}

func TestAtAndOffsetOf(t *testing.T) {
	requireT := require.New(t)

	buf := unsafeBytes(make([]uint64, 8))

	r := At[record](buf, 16)
	r.A = 7
	r.C = 9
	requireT.EqualValues(7, buf[16])
	requireT.EqualValues(9, buf[28])

	off, ok := OffsetOf(buf, &r.C)
	requireT.True(ok)
	requireT.EqualValues(28, off)

	var outside uint64
	_, ok = OffsetOf(buf, &outside)
	requireT.False(ok)

	requireT.Panics(func() { At[record](buf, 56) })
	requireT.Panics(func() { At[record](buf, 4) })
	requireT.Len(Slice(buf, 8, 8), 8)
	requireT.Panics(func() { Slice(buf, 60, 8) })

	requireT.EqualValues(16, SizeOf[record]())
	requireT.EqualValues(8, AlignOf[record]())
}

func TestSliceOf(t *testing.T) {
	requireT := require.New(t)

	buf := unsafeBytes(make([]uint64, 8))

	records := SliceOf[record](buf, 16, 3)
	requireT.Len(records, 3)
	records[2].B = 5
	requireT.EqualValues(5, buf[56])

	requireT.Nil(SliceOf[record](buf, 0, 0))
	requireT.Panics(func() { SliceOf[record](buf, 16, 4) })
}
