package page

import (
	"fmt"
	"sync"

	"ridgedb/pkg/index"
)

// MemStore is an in-memory Store used by tests and by ephemeral indexes
// that do not need durability. It honors the same id discipline as
// FileStore, including free-page recycling.
type MemStore struct {
	mu     sync.Mutex
	pages  map[ID][]byte
	free   []ID
	next   ID
	closed bool

	// FailReads, when set, makes every ReadPage return an I/O error.
	// Tests use it to exercise failure paths.
	FailReads bool
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{pages: make(map[ID][]byte), next: 1}
}

// ReadPage implements Store.
func (s *MemStore) ReadPage(id ID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, index.ErrClosed
	}
	if s.FailReads {
		return nil, fmt.Errorf("%w: injected read failure for page %d", index.ErrIO, id)
	}
	data, ok := s.pages[id]
	if !ok {
		return nil, fmt.Errorf("%w: page %d not allocated", index.ErrInvalidArgument, id)
	}
	out := make([]byte, Size)
	copy(out, data)
	return out, nil
}

// WritePage implements Store.
func (s *MemStore) WritePage(id ID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return index.ErrClosed
	}
	if _, ok := s.pages[id]; !ok {
		return fmt.Errorf("%w: page %d not allocated", index.ErrInvalidArgument, id)
	}
	if len(data) > Size {
		return fmt.Errorf("%w: %d bytes exceed page size", index.ErrInvalidArgument, len(data))
	}
	buf := make([]byte, Size)
	copy(buf, data)
	s.pages[id] = buf
	return nil
}

// AllocatePage implements Store.
func (s *MemStore) AllocatePage() (ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return NoPage, index.ErrClosed
	}
	var id ID
	if n := len(s.free); n > 0 {
		id = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		id = s.next
		s.next++
	}
	s.pages[id] = make([]byte, Size)
	return id, nil
}

// FreePage implements Store.
func (s *MemStore) FreePage(id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return index.ErrClosed
	}
	if _, ok := s.pages[id]; !ok {
		return fmt.Errorf("%w: page %d not allocated", index.ErrInvalidArgument, id)
	}
	delete(s.pages, id)
	s.free = append(s.free, id)
	return nil
}

// NumPages implements Store.
func (s *MemStore) NumPages() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.next - 1)
}

// Close implements Store.
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.pages = nil
	return nil
}

var _ Store = (*MemStore)(nil)
