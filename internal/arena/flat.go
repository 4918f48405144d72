package arena

import (
	"errors"
	"fmt"

	"github.com/hupe1980/seqheap/internal/conv"
	"github.com/hupe1980/seqheap/internal/mmap"
)

var (
	// ErrArenaFull is returned when the flat arena cannot satisfy a request.
	ErrArenaFull = errors.New("arena: flat arena is full")
)

// FlatArena is a contiguous off-heap bump region.
// Space is released in LIFO order with Mark and Release, which makes it
// suitable for scoped scratch memory.
// It is not safe for concurrent use.
type FlatArena struct {
	mapping *mmap.Mapping
	buf     []byte
	ptr     int // Current allocation offset
	peak    int
}

// NewFlat creates a new FlatArena backed by an anonymous mapping of the given size.
func NewFlat(size int) (*FlatArena, error) {
	m, err := mmap.MapAnon(size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}
	return &FlatArena{mapping: m, buf: m.Bytes()}, nil
}

// Alloc returns size zeroed bytes aligned to 8 bytes.
// It returns ErrArenaFull if there is not enough space.
func (a *FlatArena) Alloc(size int) ([]byte, error) {
	if size < 0 {
		return nil, ErrInvalidSize
	}
	start, err := conv.AlignUp(a.ptr, DefaultAlignment)
	if err != nil {
		return nil, ErrArenaFull
	}
	next, err := conv.AddInt(start, size)
	if err != nil || next > len(a.buf) {
		return nil, ErrArenaFull
	}

	b := a.buf[start:next:next]
	clear(b)
	a.ptr = next
	a.peak = max(a.peak, next)
	return b, nil
}

// Mark returns the current allocation offset.
func (a *FlatArena) Mark() int {
	return a.ptr
}

// Release rewinds the arena to a previously returned mark.
// Memory allocated after the mark must no longer be used.
func (a *FlatArena) Release(mark int) {
	if mark < 0 || mark > a.ptr {
		panic(fmt.Sprintf("arena: release to mark %d beyond offset %d", mark, a.ptr))
	}
	a.ptr = mark
}

// Trim hands the pages above the current offset back to the kernel.
// They read back as zero on next use.
func (a *FlatArena) Trim() error {
	start, err := conv.AlignUp(a.ptr, pageSize)
	if err != nil || start >= len(a.buf) {
		return nil
	}
	a.peak = a.ptr
	return a.mapping.AdviseRange(start, len(a.buf)-start, mmap.AccessDontNeed)
}

// Size returns the current used size.
func (a *FlatArena) Size() int {
	return a.ptr
}

// Cap returns the total capacity.
func (a *FlatArena) Cap() int {
	return len(a.buf)
}

// Peak returns the highest offset ever reached.
func (a *FlatArena) Peak() int {
	return a.peak
}

// Close unmaps the region.
func (a *FlatArena) Close() error {
	a.buf = nil
	a.ptr = 0
	return a.mapping.Close()
}
