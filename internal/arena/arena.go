package arena

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/seqheap/internal/conv"
	"github.com/hupe1980/seqheap/internal/mmap"
)

// MemoryAcquirer is an interface for acquiring memory.
type MemoryAcquirer interface {
	AcquireMemory(amount int64) error
	ReleaseMemory(amount int64)
}

var (
	// ErrMaxChunksExceeded is returned when the arena exceeds the maximum number of chunks.
	ErrMaxChunksExceeded = errors.New("arena: max chunks exceeded")
	// ErrAllocationFailed is returned when an allocation fails.
	ErrAllocationFailed = errors.New("arena: allocation failed")
	// ErrClosed is returned when allocating from a closed arena.
	ErrClosed = errors.New("arena: closed")
	// ErrInvalidSize is returned for negative allocation sizes.
	ErrInvalidSize = errors.New("arena: invalid size")
)

const (
	// DefaultChunkSize is the default size of a chunk (1MB).
	DefaultChunkSize = 1024 * 1024
	// DefaultAlignment is the default memory alignment (8 bytes).
	DefaultAlignment = 8
	// MaxChunks limits the number of chunks to prevent excessive memory usage.
	MaxChunks = 65536
	// HeaderSize is the size of the per-block header word.
	HeaderSize = 8

	pageSize = 4096
	freedBit = uint64(1) << 63
)

// Stats tracks arena memory usage metrics.
//
// Note on semantics:
//   - BytesReserved: total memory currently mapped
//   - BytesUsed: bytes held by live blocks (aligned, without headers)
//   - BytesCached: bytes held by freed blocks waiting on a free list
//   - ActiveChunks: number of chunks currently mapped
//   - TotalAllocs / TotalFrees: cumulative block counts
type Stats struct {
	ChunksAllocated uint64 // Historical: total chunks ever created
	BytesReserved   uint64
	BytesUsed       uint64
	BytesCached     uint64
	ActiveChunks    uint64
	TotalAllocs     uint64
	TotalFrees      uint64
}

type atomicStats struct {
	ChunksAllocated atomic.Uint64
	BytesReserved   atomic.Uint64
	BytesUsed       atomic.Uint64
	BytesCached     atomic.Uint64
	ActiveChunks    atomic.Uint64
	TotalAllocs     atomic.Uint64
	TotalFrees      atomic.Uint64
}

type chunk struct {
	data    []byte
	mapping *mmap.Mapping
	offset  int    // bump pointer
	index   uint32 // Index of this chunk in the arena
	span    uint32 // number of index slots covered by the mapping
	large   bool   // dedicated mapping for a single block
}

// Arena is an off-heap block allocator.
type Arena struct {
	chunkSize int
	chunkBits int    // Power of 2 exponent for chunk size
	alignment int
	chunks    []*chunk // a large mapping occupies span consecutive slots
	current   *chunk
	free      map[int][]uint64 // aligned size -> freed block offsets
	closed    bool
	mu        sync.Mutex
	stats     atomicStats
	acquirer  MemoryAcquirer
}

// Option is a configuration option for Arena.
type Option func(*Arena)

// WithMemoryAcquirer sets the memory acquirer for the arena.
func WithMemoryAcquirer(acquirer MemoryAcquirer) Option {
	return func(a *Arena) {
		a.acquirer = acquirer
	}
}

// New creates a new Arena with the given chunk size.
func New(chunkSize int, opts ...Option) (*Arena, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize < pageSize {
		chunkSize = pageSize
	}

	// Round up to next power of 2 for efficient bitwise operations
	chunkBits := bits.Len(uint(chunkSize - 1)) //nolint:gosec // chunkSize > 0
	chunkSize = 1 << chunkBits

	a := &Arena{
		chunkSize: chunkSize,
		chunkBits: chunkBits,
		alignment: DefaultAlignment,
		free:      make(map[int][]uint64),
	}

	for _, opt := range opts {
		opt(a)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.allocateChunkLocked(a.chunkSize, false); err != nil {
		return nil, err
	}
	return a, nil
}

// ChunkSize returns the (power of two) chunk size.
func (a *Arena) ChunkSize() int {
	return a.chunkSize
}

func (a *Arena) allocateChunkLocked(size int, large bool) (*chunk, error) {
	span := (size + a.chunkSize - 1) >> a.chunkBits
	if len(a.chunks)+span > MaxChunks {
		return nil, ErrMaxChunksExceeded
	}

	if a.acquirer != nil {
		if err := a.acquirer.AcquireMemory(int64(size)); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
		}
	}

	// Use off-heap anonymous mapping so that block contents are invisible to the Go GC
	mapping, err := mmap.MapAnon(size)
	if err != nil {
		if a.acquirer != nil {
			a.acquirer.ReleaseMemory(int64(size))
		}
		return nil, fmt.Errorf("%w: failed to map %d bytes: %w", ErrAllocationFailed, size, err)
	}

	c := &chunk{
		data:    mapping.Bytes(),
		mapping: mapping,
		index:   uint32(len(a.chunks)), //nolint:gosec // bounded by MaxChunks
		span:    uint32(span),          //nolint:gosec // bounded by MaxChunks
		large:   large,
	}
	for i := 0; i < span; i++ {
		a.chunks = append(a.chunks, c)
	}

	a.stats.ChunksAllocated.Add(1)
	a.stats.BytesReserved.Add(uint64(size)) //nolint:gosec // size > 0
	a.stats.ActiveChunks.Add(1)

	if !large {
		a.current = c
	}
	return c, nil
}

// Alloc allocates a block of at least size bytes and returns its global offset.
// The contents of a recycled block are not cleared.
func (a *Arena) Alloc(size int) (uint64, error) {
	if size < 0 {
		return 0, ErrInvalidSize
	}
	// Zero-sized requests still get a distinct block.
	aligned, err := conv.AlignUp(max(size, 1), a.alignment)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0, ErrClosed
	}

	if list := a.free[aligned]; len(list) > 0 {
		off := list[len(list)-1]
		a.free[aligned] = list[:len(list)-1]
		c, local := a.locate(off)
		putHeader(c, local, uint64(aligned)) //nolint:gosec // aligned > 0
		a.stats.BytesCached.Add(^uint64(aligned - 1)) //nolint:gosec // aligned > 0
		a.recordAlloc(aligned)
		return off, nil
	}

	need, err := conv.AddInt(aligned, HeaderSize)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}

	if need > a.chunkSize {
		return a.allocLargeLocked(aligned, need)
	}

	curr := a.current
	if curr == nil || curr.offset+need > len(curr.data) {
		if curr, err = a.allocateChunkLocked(a.chunkSize, false); err != nil {
			return 0, err
		}
	}

	local := curr.offset + HeaderSize
	curr.offset += need
	putHeader(curr, local, uint64(aligned)) //nolint:gosec // aligned > 0
	a.recordAlloc(aligned)
	return a.globalOffset(curr, local), nil
}

func (a *Arena) allocLargeLocked(aligned, need int) (uint64, error) {
	mapped, err := conv.AlignUp(need, pageSize)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}
	c, err := a.allocateChunkLocked(mapped, true)
	if err != nil {
		return 0, err
	}
	c.offset = need
	putHeader(c, HeaderSize, uint64(aligned)) //nolint:gosec // aligned > 0
	a.recordAlloc(aligned)
	return a.globalOffset(c, HeaderSize), nil
}

func (a *Arena) recordAlloc(aligned int) {
	a.stats.BytesUsed.Add(uint64(aligned)) //nolint:gosec // aligned > 0
	a.stats.TotalAllocs.Add(1)
}

// Free releases the block at the given offset. Freeing offset 0 is a no-op.
// Freeing a block twice panics.
func (a *Arena) Free(off uint64) {
	if off == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}

	c, local := a.locate(off)
	hdr := binary.LittleEndian.Uint64(c.data[local-HeaderSize:])
	if hdr&freedBit != 0 {
		panic(fmt.Sprintf("arena: double free of block %#x", off))
	}
	size := int(hdr) //nolint:gosec // header holds an aligned size < 2^63

	a.stats.BytesUsed.Add(^uint64(size - 1)) //nolint:gosec // size > 0
	a.stats.TotalFrees.Add(1)

	if c.large {
		a.releaseChunkLocked(c)
		return
	}

	putHeader(c, local, hdr|freedBit)
	a.free[size] = append(a.free[size], off)
	a.stats.BytesCached.Add(uint64(size)) //nolint:gosec // size > 0
}

func (a *Arena) releaseChunkLocked(c *chunk) {
	size := len(c.data)
	_ = c.mapping.Close()
	if a.acquirer != nil {
		a.acquirer.ReleaseMemory(int64(size))
	}
	for i := c.index; i < c.index+c.span; i++ {
		a.chunks[i] = nil
	}
	a.stats.BytesReserved.Add(^uint64(size - 1)) //nolint:gosec // size > 0
	a.stats.ActiveChunks.Add(^uint64(0))
}

func (a *Arena) globalOffset(c *chunk, local int) uint64 {
	return uint64(c.index)<<a.chunkBits + uint64(local) //nolint:gosec // local >= 0
}

// lookup resolves a global offset to its chunk and the offset within it.
func (a *Arena) lookup(off uint64) (*chunk, int, bool) {
	chunkIdx := off >> a.chunkBits
	if chunkIdx >= uint64(len(a.chunks)) {
		return nil, 0, false
	}
	c := a.chunks[chunkIdx]
	if c == nil {
		return nil, 0, false
	}
	return c, int(off - uint64(c.index)<<a.chunkBits), true //nolint:gosec // within mapping
}

func (a *Arena) locate(off uint64) (*chunk, int) {
	c, local, ok := a.lookup(off)
	if !ok || local < HeaderSize || local >= c.offset {
		panic(fmt.Sprintf("arena: invalid offset %#x", off))
	}
	return c, local
}

func putHeader(c *chunk, local int, v uint64) {
	binary.LittleEndian.PutUint64(c.data[local-HeaderSize:], v)
}

// Bytes returns size bytes of memory starting at the given offset.
// It panics if the range leaves the mapping.
func (a *Arena) Bytes(off uint64, size int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, local := a.locate(off)
	return c.data[local : local+size : local+size]
}

// BlockSize returns the aligned size of the block at the given offset.
func (a *Arena) BlockSize(off uint64) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, local := a.locate(off)
	hdr := binary.LittleEndian.Uint64(c.data[local-HeaderSize:])
	return int(hdr &^ freedBit) //nolint:gosec // header holds an aligned size < 2^63
}

// Contains reports whether off lies inside memory handed out by the arena.
// It does not distinguish live from freed blocks.
func (a *Arena) Contains(off uint64) bool {
	if off == 0 {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	c, local, ok := a.lookup(off)
	return ok && local < c.offset
}

// Stats returns the current arena statistics.
func (a *Arena) Stats() Stats {
	return Stats{
		ChunksAllocated: a.stats.ChunksAllocated.Load(),
		BytesReserved:   a.stats.BytesReserved.Load(),
		BytesUsed:       a.stats.BytesUsed.Load(),
		BytesCached:     a.stats.BytesCached.Load(),
		ActiveChunks:    a.stats.ActiveChunks.Load(),
		TotalAllocs:     a.stats.TotalAllocs.Load(),
		TotalFrees:      a.stats.TotalFrees.Load(),
	}
}

// Close unmaps every chunk. All offsets become invalid and further
// allocations fail with ErrClosed. Close is idempotent.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	var errs []error
	for i, c := range a.chunks {
		if c == nil || int(c.index) != i {
			continue
		}
		if err := c.mapping.Close(); err != nil {
			errs = append(errs, err)
		}
		if a.acquirer != nil {
			a.acquirer.ReleaseMemory(int64(len(c.data)))
		}
	}
	a.chunks = nil
	a.current = nil
	a.free = nil

	a.stats.ActiveChunks.Store(0)
	a.stats.BytesReserved.Store(0)
	a.stats.BytesUsed.Store(0)
	a.stats.BytesCached.Store(0)

	return errors.Join(errs...)
}

func (a *Arena) String() string {
	stats := a.Stats()
	return fmt.Sprintf(
		"Arena{chunks: %d, reserved: %.2f MB, used: %.2f MB, cached: %.2f KB, allocs: %d, frees: %d}",
		stats.ActiveChunks,
		float64(stats.BytesReserved)/(1024*1024),
		float64(stats.BytesUsed)/(1024*1024),
		float64(stats.BytesCached)/1024,
		stats.TotalAllocs,
		stats.TotalFrees,
	)
}
