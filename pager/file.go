package pager

import (
	"fmt"
	"io"
	"os"

	"github.com/dsnet/golib/memfile"
	"github.com/ncw/directio"
)

// File is the storage abstraction the pager reads and writes pages
// through. A real on-disk database uses osFile (page-aligned via
// directio); tests that want byte-exact assertions without touching disk
// use an in-memory memfile.File instead.
type File interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	Sync() error
	Close() error
	Size() (int64, error)
}

// osFile wraps an *os.File opened for direct I/O: every transfer bypasses
// the page cache, so ReadAt/WriteAt copy through a directio.AlignedBlock
// scratch buffer sized to PageSize to satisfy O_DIRECT's alignment
// requirement on the offset, length, and memory address of every
// transfer. Callers must only ever pass PageSize-sized buffers at
// PageSize-aligned offsets — exactly what the pager's page reads/writes
// already do.
type osFile struct {
	f *os.File
}

// OpenOSFile opens (or creates) path for direct, page-aligned access: the
// database's main data file, whose reads and writes are always exactly
// one PageSize at a PageSize-aligned offset. It is not suitable for
// files written at arbitrary offsets with arbitrary lengths (see
// OpenOSFileBuffered for those).
func OpenOSFile(path string, create bool) (File, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := directio.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}
	return &osFile{f: f}, nil
}

func (o *osFile) ReadAt(p []byte, off int64) (int, error) {
	buf := directio.AlignedBlock(len(p))
	n, err := o.f.ReadAt(buf, off)
	copy(p, buf[:n])
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return n, err
}

func (o *osFile) WriteAt(p []byte, off int64) (int, error) {
	buf := directio.AlignedBlock(len(p))
	copy(buf, p)
	n, err := o.f.WriteAt(buf, off)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return n, nil
}

// bufferedFile wraps a plain *os.File with no alignment requirement,
// for files written at arbitrary offsets with arbitrary lengths — the
// WAL's variable-length record stream, which O_DIRECT's alignment rules
// can't accommodate and which benefits from the page cache on the
// sequential-scan path recovery takes anyway.
type bufferedFile struct {
	f *os.File
}

// OpenOSFileBuffered opens (or creates) path for ordinary buffered
// access, used for the write-ahead log.
func OpenOSFileBuffered(path string, create bool) (File, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}
	return &bufferedFile{f: f}, nil
}

func (b *bufferedFile) ReadAt(p []byte, off int64) (int, error) {
	n, err := b.f.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return n, err
}

func (b *bufferedFile) WriteAt(p []byte, off int64) (int, error) {
	n, err := b.f.WriteAt(p, off)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return n, nil
}

func (b *bufferedFile) Truncate(size int64) error {
	if err := b.f.Truncate(size); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func (b *bufferedFile) Sync() error {
	if err := b.f.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func (b *bufferedFile) Close() error { return b.f.Close() }

func (b *bufferedFile) Size() (int64, error) {
	fi, err := b.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return fi.Size(), nil
}

func (o *osFile) Truncate(size int64) error {
	if err := o.f.Truncate(size); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func (o *osFile) Sync() error {
	if err := o.f.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func (o *osFile) Close() error { return o.f.Close() }

func (o *osFile) Size() (int64, error) {
	fi, err := o.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return fi.Size(), nil
}

// memFile adapts dsnet/golib/memfile for tests that want a database file
// entirely in memory.
type memFile struct {
	f *memfile.File
}

// OpenMemFile returns a fresh in-memory File, useful for unit tests.
func OpenMemFile() File {
	return &memFile{f: memfile.New(nil)}
}

func (m *memFile) ReadAt(p []byte, off int64) (int, error) { return m.f.ReadAt(p, off) }
func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	return m.f.WriteAt(p, off)
}
func (m *memFile) Truncate(size int64) error { return m.f.Truncate(size) }
func (m *memFile) Sync() error                { return nil }
func (m *memFile) Close() error               { return m.f.Close() }
func (m *memFile) Size() (int64, error) {
	cur, err := m.f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	return cur, nil
}
