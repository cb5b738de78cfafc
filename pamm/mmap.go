package pamm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mmapRegion is a memory-mapped file, grown by unmap/truncate/remap.
// Adapted from the teacher's bmmap.MMap: same Open/Close/Sync/Slice/Grow
// shape, generalized so Segment can treat it as raw page storage rather
// than a single fixed-shape meta page.
type mmapRegion struct {
	file *os.File
	data []byte
	size int64
}

func mmapOpen(path string, minSize int64) (*mmapRegion, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, path, err)
	}

	size := info.Size()
	if size < minSize {
		if err := file.Truncate(minSize); err != nil {
			file.Close()
			return nil, fmt.Errorf("%w: truncate %s: %v", ErrIO, path, err)
		}
		size = minSize
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: mmap %s: %v", ErrIO, path, err)
	}

	return &mmapRegion{file: file, data: data, size: size}, nil
}

func (m *mmapRegion) Close() error {
	var err error
	if m.data != nil {
		if e := unix.Munmap(m.data); e != nil {
			err = fmt.Errorf("%w: munmap: %v", ErrIO, e)
		}
		m.data = nil
	}
	if m.file != nil {
		if e := m.file.Close(); e != nil && err == nil {
			err = fmt.Errorf("%w: close: %v", ErrIO, e)
		}
		m.file = nil
	}
	return err
}

func (m *mmapRegion) Sync() error {
	if m.data == nil {
		return fmt.Errorf("%w: mmap is closed", ErrIO)
	}
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("%w: msync: %v", ErrIO, err)
	}
	return nil
}

func (m *mmapRegion) Size() int64 { return m.size }

// Slice returns a window into the mapped memory, or nil if out of range.
func (m *mmapRegion) Slice(offset, length int64) []byte {
	if m.data == nil || offset < 0 || length < 0 || offset+length > m.size {
		return nil
	}
	return m.data[offset : offset+length]
}

// Grow extends the backing file and remaps it. Any slice previously
// returned by Slice is invalidated.
func (m *mmapRegion) Grow(newSize int64) error {
	if newSize <= m.size {
		return nil
	}

	if err := unix.Munmap(m.data); err != nil {
		return fmt.Errorf("%w: munmap during grow: %v", ErrIO, err)
	}
	m.data = nil

	if err := m.file.Truncate(newSize); err != nil {
		return fmt.Errorf("%w: truncate during grow: %v", ErrIO, err)
	}

	data, err := unix.Mmap(int(m.file.Fd()), 0, int(newSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("%w: remap during grow: %v", ErrIO, err)
	}

	m.data = data
	m.size = newSize
	return nil
}
