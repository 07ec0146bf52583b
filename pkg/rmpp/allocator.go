package rmpp

import "sync"

// Allocator provides reassembly buffers. A transaction owns at most one
// buffer at a time; growth and shrink allocate the replacement, copy the
// old contents forward and only then release the old buffer.
type Allocator interface {
	// Allocate returns a zeroed buffer of exactly size bytes.
	Allocate(size int) ([]byte, error)

	// Release returns a buffer obtained from Allocate.
	Release(buf []byte)
}

// HeapAllocator allocates from the Go heap, optionally bounded by a byte
// limit shared across all transactions using it.
//
// Thread-safe for concurrent access.
type HeapAllocator struct {
	limit int

	mu    sync.Mutex
	inUse int
}

// NewHeapAllocator creates an allocator. A limit of 0 means unlimited.
func NewHeapAllocator(limit int) *HeapAllocator {
	return &HeapAllocator{limit: limit}
}

// Allocate returns a buffer or ErrNoMemory if the limit would be exceeded.
func (a *HeapAllocator) Allocate(size int) ([]byte, error) {
	if size < 0 {
		return nil, ErrNoMemory
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.limit > 0 && a.inUse+size > a.limit {
		return nil, ErrNoMemory
	}
	a.inUse += size
	return make([]byte, size), nil
}

// Release returns the buffer's bytes to the budget.
func (a *HeapAllocator) Release(buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.inUse -= cap(buf)
	if a.inUse < 0 {
		a.inUse = 0
	}
}

// InUse returns the number of bytes currently allocated.
func (a *HeapAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// replaceBuffer allocates size bytes, copies the first n bytes of old into
// it and releases old. On failure old is left untouched.
func replaceBuffer(alloc Allocator, old []byte, n, size int) ([]byte, error) {
	buf, err := alloc.Allocate(size)
	if err != nil {
		return nil, err
	}
	copy(buf, old[:n])
	if old != nil {
		alloc.Release(old)
	}
	return buf, nil
}
