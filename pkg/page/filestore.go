package page

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ncw/directio"

	"ridgedb/pkg/index"
)

// File layout: page 0 is the store header, client pages start at 1.
// Freed pages form a singly linked list threaded through their first
// eight bytes; the header records the list head and the page count.
const (
	headerMagic = 0x5249444745504722 // "RIDGEPG"

	magicOffset    = 0
	numPagesOffset = 8
	freeHeadOffset = 16
)

// FileStore is a Store backed by a single file opened for direct I/O,
// bypassing the OS page cache so the indexes' own bounded caches are the
// only caching layer.
type FileStore struct {
	mu       sync.Mutex
	file     *os.File
	numPages int64 // client pages, excluding the header
	freeHead ID
	closed   bool
}

// OpenFileStore opens or creates a page file at path. An existing file
// whose size is not page-aligned or whose header does not match is
// reported as corruption.
func OpenFileStore(path string) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o775); err != nil {
			return nil, fmt.Errorf("%w: creating page directory: %v", index.ErrIO, err)
		}
	}
	file, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		// Not every filesystem supports direct I/O (tmpfs does not).
		// Buffered I/O keeps the same layout and alignment discipline.
		file, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
		if err != nil {
			return nil, fmt.Errorf("%w: opening page file %s: %v", index.ErrIO, path, err)
		}
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", index.ErrIO, path, err)
	}
	if info.Size()%Size != 0 {
		file.Close()
		return nil, fmt.Errorf("%w: page file %s size %d is not page-aligned",
			index.ErrCorruption, path, info.Size())
	}
	store := &FileStore{file: file, freeHead: NoPage}
	if info.Size() == 0 {
		if err := store.writeHeader(); err != nil {
			file.Close()
			return nil, err
		}
		return store, nil
	}
	if err := store.readHeader(); err != nil {
		file.Close()
		return nil, err
	}
	return store, nil
}

func (s *FileStore) writeHeader() error {
	buf := directio.AlignedBlock(Size)
	binary.BigEndian.PutUint64(buf[magicOffset:], headerMagic)
	binary.BigEndian.PutUint64(buf[numPagesOffset:], uint64(s.numPages))
	binary.BigEndian.PutUint64(buf[freeHeadOffset:], uint64(s.freeHead))
	if _, err := s.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("%w: writing store header: %v", index.ErrIO, err)
	}
	return nil
}

func (s *FileStore) readHeader() error {
	buf := directio.AlignedBlock(Size)
	if _, err := s.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("%w: reading store header: %v", index.ErrIO, err)
	}
	if binary.BigEndian.Uint64(buf[magicOffset:]) != headerMagic {
		return fmt.Errorf("%w: bad page store magic", index.ErrCorruption)
	}
	s.numPages = int64(binary.BigEndian.Uint64(buf[numPagesOffset:]))
	s.freeHead = ID(binary.BigEndian.Uint64(buf[freeHeadOffset:]))
	return nil
}

// ReadPage implements Store.
func (s *FileStore) ReadPage(id ID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, index.ErrClosed
	}
	if id < 1 || int64(id) > s.numPages {
		return nil, fmt.Errorf("%w: page %d out of range", index.ErrInvalidArgument, id)
	}
	buf := directio.AlignedBlock(Size)
	if _, err := s.file.ReadAt(buf, int64(id)*Size); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: reading page %d: %v", index.ErrIO, id, err)
	}
	return buf, nil
}

// WritePage implements Store.
func (s *FileStore) WritePage(id ID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return index.ErrClosed
	}
	if id < 1 || int64(id) > s.numPages {
		return fmt.Errorf("%w: page %d out of range", index.ErrInvalidArgument, id)
	}
	if len(data) > Size {
		return fmt.Errorf("%w: %d bytes exceed page size", index.ErrInvalidArgument, len(data))
	}
	buf := directio.AlignedBlock(Size)
	copy(buf, data)
	if _, err := s.file.WriteAt(buf, int64(id)*Size); err != nil {
		return fmt.Errorf("%w: writing page %d: %v", index.ErrIO, id, err)
	}
	return nil
}

// AllocatePage implements Store, preferring recycled pages from the free
// list over extending the file.
func (s *FileStore) AllocatePage() (ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return NoPage, index.ErrClosed
	}
	if s.freeHead != NoPage {
		id := s.freeHead
		buf := directio.AlignedBlock(Size)
		if _, err := s.file.ReadAt(buf, int64(id)*Size); err != nil && err != io.EOF {
			return NoPage, fmt.Errorf("%w: reading free page %d: %v", index.ErrIO, id, err)
		}
		s.freeHead = ID(binary.BigEndian.Uint64(buf[:8]))
		return id, s.writeHeader()
	}
	s.numPages++
	id := ID(s.numPages)
	// Extend the file so the new page is addressable.
	buf := directio.AlignedBlock(Size)
	if _, err := s.file.WriteAt(buf, int64(id)*Size); err != nil {
		s.numPages--
		return NoPage, fmt.Errorf("%w: extending page file: %v", index.ErrIO, err)
	}
	return id, s.writeHeader()
}

// FreePage implements Store.
func (s *FileStore) FreePage(id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return index.ErrClosed
	}
	if id < 1 || int64(id) > s.numPages {
		return fmt.Errorf("%w: page %d out of range", index.ErrInvalidArgument, id)
	}
	buf := directio.AlignedBlock(Size)
	binary.BigEndian.PutUint64(buf[:8], uint64(s.freeHead))
	if _, err := s.file.WriteAt(buf, int64(id)*Size); err != nil {
		return fmt.Errorf("%w: freeing page %d: %v", index.ErrIO, id, err)
	}
	s.freeHead = id
	return s.writeHeader()
}

// NumPages implements Store.
func (s *FileStore) NumPages() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numPages
}

// Name returns the backing file path.
func (s *FileStore) Name() string {
	return s.file.Name()
}

// Close implements Store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.writeHeader(); err != nil {
		s.file.Close()
		return err
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("%w: closing page file: %v", index.ErrIO, err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
