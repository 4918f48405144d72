// Package rawmem is the raw memory layer: untyped off-heap blocks addressed by
// Pointer, with optional allocation counting and a scoped scratch area.
package rawmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/hupe1980/seqheap/internal/arena"
	"github.com/hupe1980/seqheap/internal/resource"
)

// Pointer is the global offset of a block in the layer's arena.
type Pointer uint64

// Nil is the null pointer.
const Nil Pointer = 0

// WordSize is the width of a memory word in bytes.
const WordSize = 8

var (
	// ErrOutOfMemory is returned when the host allocator cannot satisfy a request.
	ErrOutOfMemory = errors.New("rawmem: out of memory")
	// ErrInvalidSize is returned for negative sizes.
	ErrInvalidSize = errors.New("rawmem: invalid size")
)

// Options configures a Layer.
type Options struct {
	// ChunkSize is the arena chunk size. Rounded up to a power of two.
	ChunkSize int

	// StackSize is the capacity of the scoped scratch area used by StackAllocate.
	// Requests that do not fit fall back to the Go heap.
	StackSize int

	// CountAllocations enables the malloc/free counters.
	CountAllocations bool

	// Controller enforces a memory budget on mapped chunks. Optional.
	Controller *resource.Controller

	// Logger receives debug output. Optional.
	Logger *slog.Logger
}

// DefaultOptions contains the default layer options.
var DefaultOptions = Options{
	ChunkSize: arena.DefaultChunkSize,
	StackSize: 64 * 1024,
}

// Counters holds the allocation counters.
type Counters struct {
	Mallocs uint64
	Frees   uint64
}

// Stats is a snapshot of the layer's state.
type Stats struct {
	Arena       arena.Stats
	Counters    Counters
	StackPeak   int
	MemoryUsage int64
	MemoryLimit int64
}

// Layer allocates raw blocks from an off-heap arena.
type Layer struct {
	arena   *arena.Arena
	stack   *arena.FlatArena
	ctrl    *resource.Controller
	logger  *slog.Logger
	counts  bool
	mallocs atomic.Uint64
	frees   atomic.Uint64
}

// New creates a new Layer.
func New(optFns ...func(o *Options)) (*Layer, error) {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	var arenaOpts []arena.Option
	if opts.Controller != nil {
		arenaOpts = append(arenaOpts, arena.WithMemoryAcquirer(opts.Controller))
	}

	a, err := arena.New(opts.ChunkSize, arenaOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	}

	if opts.StackSize <= 0 {
		opts.StackSize = DefaultOptions.StackSize
	}

	stack, err := arena.NewFlat(opts.StackSize)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	}

	return &Layer{
		arena:  a,
		stack:  stack,
		ctrl:   opts.Controller,
		logger: opts.Logger,
		counts: opts.CountAllocations,
	}, nil
}

// Allocate returns a block of at least size bytes. The contents are unspecified.
func (l *Layer) Allocate(size int) (Pointer, error) {
	if size < 0 {
		return Nil, ErrInvalidSize
	}

	off, err := l.arena.Alloc(size)
	if err != nil {
		if l.logger != nil {
			l.logger.Debug("raw allocation failed", "size", size, "error", err)
		}
		return Nil, fmt.Errorf("%w: %d bytes: %w", ErrOutOfMemory, size, err)
	}

	if l.counts {
		l.mallocs.Add(1)
	}
	return Pointer(off), nil
}

// Free releases a block. Freeing Nil is a no-op.
func (l *Layer) Free(p Pointer) {
	if p == Nil {
		return
	}
	l.arena.Free(uint64(p))
	if l.counts {
		l.frees.Add(1)
	}
}

// ZeroFill clears size bytes at p.
func (l *Layer) ZeroFill(p Pointer, size int) {
	clear(l.Bytes(p, size))
}

// Copy copies size bytes from src to dst. The ranges must not overlap.
func (l *Layer) Copy(dst, src Pointer, size int) {
	if size == 0 {
		return
	}
	n := Pointer(size) //nolint:gosec // size > 0
	if dst < src+n && src < dst+n {
		panic(fmt.Sprintf("rawmem: overlapping copy %#x <- %#x (%d bytes)", dst, src, size))
	}
	copy(l.Bytes(dst, size), l.Bytes(src, size))
}

// Move copies size bytes from src to dst. The ranges may overlap.
func (l *Layer) Move(dst, src Pointer, size int) {
	if size == 0 {
		return
	}
	copy(l.Bytes(dst, size), l.Bytes(src, size))
}

// StackAllocate calls fn with a zeroed scratch buffer of size bytes.
// The buffer is released when fn returns and must not be retained.
func (l *Layer) StackAllocate(size int, fn func(buf []byte)) {
	mark := l.stack.Mark()
	defer l.stack.Release(mark)

	buf, err := l.stack.Alloc(size)
	if err != nil {
		buf = make([]byte, max(size, 0))
	}
	fn(buf)
}

// Trim returns unused scratch pages to the operating system.
func (l *Layer) Trim() error {
	return l.stack.Trim()
}

// Bytes returns a view of size bytes at p.
func (l *Layer) Bytes(p Pointer, size int) []byte {
	return l.arena.Bytes(uint64(p), size)
}

// Word returns the i-th little-endian word of the block at p.
func (l *Layer) Word(p Pointer, i int) uint64 {
	return binary.LittleEndian.Uint64(l.Bytes(p, (i+1)*WordSize)[i*WordSize:])
}

// SetWord stores v as the i-th word of the block at p.
func (l *Layer) SetWord(p Pointer, i int, v uint64) {
	binary.LittleEndian.PutUint64(l.Bytes(p, (i+1)*WordSize)[i*WordSize:], v)
}

// Words returns the number of whole words available at p.
func (l *Layer) Words(p Pointer) int {
	return l.BlockSize(p) / WordSize
}

// BlockSize returns the usable size of the block at p.
func (l *Layer) BlockSize(p Pointer) int {
	return l.arena.BlockSize(uint64(p))
}

// Contains reports whether p lies inside memory handed out by the layer.
func (l *Layer) Contains(p Pointer) bool {
	return l.arena.Contains(uint64(p))
}

// CountingEnabled reports whether the malloc/free counters are maintained.
func (l *Layer) CountingEnabled() bool {
	return l.counts
}

// Counters returns the allocation counters. Both are zero unless counting is enabled.
func (l *Layer) Counters() Counters {
	return Counters{
		Mallocs: l.mallocs.Load(),
		Frees:   l.frees.Load(),
	}
}

// Controller returns the memory controller, or nil.
func (l *Layer) Controller() *resource.Controller {
	return l.ctrl
}

// Stats returns a snapshot of the layer's state.
func (l *Layer) Stats() Stats {
	return Stats{
		Arena:       l.arena.Stats(),
		Counters:    l.Counters(),
		StackPeak:   l.stack.Peak(),
		MemoryUsage: l.ctrl.MemoryUsage(),
		MemoryLimit: l.ctrl.MemoryLimit(),
	}
}

// Close releases all memory. Every Pointer becomes invalid.
func (l *Layer) Close() error {
	return errors.Join(l.arena.Close(), l.stack.Close())
}
