package objmem

import (
	"io"
	"os"

	"github.com/ncw/directio"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/outofforest/objspace/types"
)

var (
	_ io.ReaderAt = &Memory{}
	_ io.WriterAt = &Memory{}
)

// Memory is the physical memory of a single object. Whole object range is reserved upfront, pages are committed
// by the operating system on first touch.
type Memory struct {
	data []byte
	file *os.File
}

// NewAnonymous returns memory not backed by any file. Content is lost when memory is closed.
func NewAnonymous() (*Memory, error) {
	data, err := unix.Mmap(-1, 0, int(types.MaxSize), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Memory{
		data: data,
	}, nil
}

// OpenFile returns memory backed by the file. File is extended (sparsely) to the maximum object size if needed.
func OpenFile(path string, create bool) (*Memory, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE | os.O_EXCL
	}
	file, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	size, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		_ = file.Close()
		return nil, errors.WithStack(err)
	}
	if uint64(size) < types.MaxSize {
		if err := file.Truncate(int64(types.MaxSize)); err != nil {
			_ = file.Close()
			return nil, errors.WithStack(err)
		}
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(types.MaxSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		return nil, errors.WithStack(err)
	}

	return &Memory{
		data: data,
		file: file,
	}, nil
}

// Bytes returns the mapped bytes of the object.
func (m *Memory) Bytes() []byte {
	return m.data
}

// Persistent returns true if memory is backed by a file.
func (m *Memory) Persistent() bool {
	return m.file != nil
}

// ReadAt reads data from the memory.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.data)) {
		return 0, errors.Errorf("invalid offset: %d", off)
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes data to the memory.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, errors.Errorf("invalid range: %d-%d", off, off+int64(len(p)))
	}
	return copy(m.data[off:], p), nil
}

// Flush forces the range to be written to the backing file.
func (m *Memory) Flush(off, n uint64) error {
	if m.file == nil || n == 0 {
		return nil
	}

	pageSize := uint64(os.Getpagesize())
	start := off &^ (pageSize - 1)
	end := types.AlignUp(off+n, pageSize)
	if end > uint64(len(m.data)) {
		end = uint64(len(m.data))
	}
	return errors.WithStack(unix.Msync(m.data[start:end], unix.MS_SYNC))
}

// ReadDirect reads the range directly from the backing file, bypassing the page cache, so it is possible to verify
// what has really been stored. Filesystems not supporting direct IO are read through the page cache.
func (m *Memory) ReadDirect(off, n uint64) ([]byte, error) {
	if m.file == nil {
		return nil, errors.New("memory is not backed by a file")
	}

	start := off &^ uint64(directio.BlockSize-1)
	length := types.AlignUp(off+n, directio.BlockSize) - start

	file, err := directio.OpenFile(m.file.Name(), os.O_RDONLY, 0)
	if err != nil {
		if !errors.Is(err, unix.EINVAL) {
			return nil, errors.WithStack(err)
		}
		file, err = os.Open(m.file.Name())
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}
	defer file.Close()

	buf := directio.AlignedBlock(int(length))
	if _, err := file.ReadAt(buf, int64(start)); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf[off-start : off-start+n], nil
}

// Close unmaps the memory and closes the backing file.
func (m *Memory) Close() error {
	if m.data == nil {
		return nil
	}
	if err := unix.Munmap(m.data); err != nil {
		return errors.WithStack(err)
	}
	m.data = nil
	if m.file != nil {
		return errors.WithStack(m.file.Close())
	}
	return nil
}
