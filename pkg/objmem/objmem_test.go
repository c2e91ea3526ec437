package objmem

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/objspace/types"
)

func TestAnonymous(t *testing.T) {
	requireT := require.New(t)

	m, err := NewAnonymous()
	requireT.NoError(err)
	defer m.Close()

	requireT.Len(m.Bytes(), int(types.MaxSize))
	requireT.False(m.Persistent())

	n, err := m.WriteAt([]byte{0x01, 0x02, 0x03}, int64(types.MaxSize-3))
	requireT.NoError(err)
	requireT.EqualValues(3, n)

	buf := make([]byte, 3)
	n, err = m.ReadAt(buf, int64(types.MaxSize-3))
	requireT.NoError(err)
	requireT.EqualValues(3, n)
	requireT.Equal([]byte{0x01, 0x02, 0x03}, buf)

	requireT.NoError(m.Flush(0, types.MaxSize))
}

func TestInvalidRanges(t *testing.T) {
	assertT := assert.New(t)

	m, err := NewAnonymous()
	require.NoError(t, err)
	defer m.Close()

	_, err = m.WriteAt([]byte{0x01}, int64(types.MaxSize))
	assertT.Error(err)

	_, err = m.WriteAt([]byte{0x01}, -1)
	assertT.Error(err)

	_, err = m.ReadAt(make([]byte, 1), -1)
	assertT.Error(err)

	n, err := m.ReadAt(make([]byte, 2), int64(types.MaxSize-1))
	assertT.ErrorIs(err, io.EOF)
	assertT.EqualValues(1, n)
}

func TestFilePersists(t *testing.T) {
	requireT := require.New(t)

	path := filepath.Join(t.TempDir(), "object")

	m, err := OpenFile(path, true)
	requireT.NoError(err)
	requireT.True(m.Persistent())

	copy(m.Bytes()[types.NullPageSize:], "persistent")
	requireT.NoError(m.Flush(types.NullPageSize, 10))

	stored, err := m.ReadDirect(types.NullPageSize, 10)
	requireT.NoError(err)
	requireT.Equal([]byte("persistent"), stored)
	requireT.NoError(m.Close())

	_, err = OpenFile(path, true)
	requireT.Error(err)

	m, err = OpenFile(path, false)
	requireT.NoError(err)
	defer m.Close()

	requireT.Equal([]byte("persistent"), m.Bytes()[types.NullPageSize:types.NullPageSize+10])
}

func TestReadDirectRequiresFile(t *testing.T) {
	m, err := NewAnonymous()
	require.NoError(t, err)
	defer m.Close()

	_, err = m.ReadDirect(0, 1)
	require.Error(t, err)
}
