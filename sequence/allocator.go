// Package sequence implements fixed-length immutable sequence objects:
// construction with per-size header reuse, guarded teardown, traversal and
// bounds-checked element access.
//
// Headers of small exact sequences are not returned to raw memory on
// deallocation. They are kept on a per-size free list (intrusively linked
// through the header link word) and handed out again by New.
package sequence

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/hupe1980/seqheap/gctrack"
	"github.com/hupe1980/seqheap/internal/conv"
	"github.com/hupe1980/seqheap/object"
	"github.com/hupe1980/seqheap/rawmem"
	"github.com/hupe1980/seqheap/trashcan"
)

var (
	// ErrInvalidArgument is returned for negative sizes.
	ErrInvalidArgument = errors.New("sequence: invalid argument")
	// ErrOverflow is returned when the byte size of a sequence cannot be represented.
	ErrOverflow = errors.New("sequence: size overflow")
	// ErrIndexOutOfRange is returned by element access outside [0, size).
	ErrIndexOutOfRange = errors.New("sequence: index out of range")
	// ErrNotSequence is returned when an object or type is not a sequence.
	ErrNotSequence = errors.New("sequence: not a sequence")
)

// Observer receives lifecycle events. Implementations must be cheap.
type Observer interface {
	// OnNew is called after a successful construction.
	OnNew(size int, reused bool)
	// OnDealloc is called after a teardown finished.
	OnDealloc(size int, cached bool)
}

// Options configures an Allocator.
type Options struct {
	// MaxSaveSize is the exclusive upper bound of sizes whose headers are cached.
	MaxSaveSize int

	// MaxFreeList is the maximum number of cached headers per size.
	MaxFreeList int

	// MaxAllocSize is the largest total object size in bytes.
	MaxAllocSize int

	// Logger receives debug output. Optional.
	Logger *slog.Logger

	// Observer receives lifecycle events. Optional.
	Observer Observer
}

// DefaultOptions contains the default allocator options.
var DefaultOptions = Options{
	MaxSaveSize:  20,
	MaxFreeList:  2000,
	MaxAllocSize: math.MaxInt,
}

// Stats reports allocator activity.
type Stats struct {
	Created     uint64 // successful constructions
	Reused      uint64 // constructions served from a free list
	Deallocated uint64 // teardowns
	Cached      uint64 // teardowns that kept the header
	Freed       uint64 // headers returned to raw memory
	FreeListLen int    // headers currently cached
}

type atomicStats struct {
	Created     atomic.Uint64
	Reused      atomic.Uint64
	Deallocated atomic.Uint64
	Cached      atomic.Uint64
	Freed       atomic.Uint64
}

// Allocator creates and destroys sequence objects.
// It is not safe for concurrent use.
type Allocator struct {
	space   *object.Space
	layer   *rawmem.Layer
	tracker *gctrack.Tracker
	guard   *trashcan.Guard
	seq     *object.Type
	opts    Options

	freeList []object.Ref
	numFree  []int
	cached   int

	stats atomicStats
}

// NewAllocator creates an Allocator and installs its deallocation and
// traversal hooks on the space's base sequence type.
func NewAllocator(space *object.Space, tracker *gctrack.Tracker, guard *trashcan.Guard, optFns ...func(o *Options)) *Allocator {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.MaxSaveSize < 0 {
		opts.MaxSaveSize = 0
	}
	if opts.MaxFreeList < 0 {
		opts.MaxFreeList = 0
	}
	if opts.MaxAllocSize <= 0 {
		opts.MaxAllocSize = math.MaxInt
	}

	a := &Allocator{
		space:    space,
		layer:    space.Layer(),
		tracker:  tracker,
		guard:    guard,
		seq:      space.SequenceType(),
		opts:     opts,
		freeList: make([]object.Ref, opts.MaxSaveSize),
		numFree:  make([]int, opts.MaxSaveSize),
	}

	a.seq.Dealloc = a.Dealloc
	a.seq.Traverse = a.Traverse

	return a
}

// Type returns the base sequence type.
func (a *Allocator) Type() *object.Type {
	return a.seq
}

// RegisterSubtype registers a new type derived from the base sequence type.
// Instances of subtypes are never cached on the free lists.
func (a *Allocator) RegisterSubtype(name string) (*object.Type, error) {
	return a.space.RegisterType(&object.Type{
		Name:     name,
		Base:     a.seq,
		Flags:    object.FlagGC | object.FlagVarSize,
		Dealloc:  a.Dealloc,
		Traverse: a.Traverse,
	})
}

// New returns a new tracked sequence with size empty slots and refcount 1.
func (a *Allocator) New(size int) (object.Ref, error) {
	return a.NewOfType(a.seq, size)
}

// NewOfType is New for the base sequence type or one of its subtypes.
func (a *Allocator) NewOfType(t *object.Type, size int) (object.Ref, error) {
	if !t.IsSubtype(a.seq) {
		return object.Nil, fmt.Errorf("%w: type %s", ErrNotSequence, t)
	}
	if size < 0 {
		return object.Nil, fmt.Errorf("%w: negative size %d", ErrInvalidArgument, size)
	}

	r, reused := a.popFree(t, size)
	if !reused {
		var err error
		if r, err = a.allocate(size); err != nil {
			return object.Nil, err
		}
	}

	a.space.InitHeader(r, t, size)
	a.space.ClearSlots(r, size)
	a.tracker.Track(r)

	a.stats.Created.Add(1)
	if reused {
		a.stats.Reused.Add(1)
	}
	if a.opts.Observer != nil {
		a.opts.Observer.OnNew(size, reused)
	}
	return r, nil
}

func (a *Allocator) popFree(t *object.Type, size int) (object.Ref, bool) {
	if t != a.seq || size >= a.opts.MaxSaveSize {
		return object.Nil, false
	}
	head := a.freeList[size]
	if head == object.Nil {
		return object.Nil, false
	}
	a.freeList[size] = a.space.Link(head)
	a.numFree[size]--
	a.cached--
	return head, true
}

func (a *Allocator) allocate(size int) (object.Ref, error) {
	nbytes, err := conv.MulInt(size, object.WordSize)
	if err != nil || nbytes > a.opts.MaxAllocSize-object.HeaderSize {
		return object.Nil, fmt.Errorf("%w: %d slots", ErrOverflow, size)
	}

	p, err := a.layer.Allocate(object.HeaderSize + nbytes)
	if err != nil {
		return object.Nil, err
	}
	return object.Ref(p), nil
}

// Dealloc tears down r once its reference count dropped to zero: it is
// untracked, its slots are released from the highest index to the lowest and
// the header is cached or freed. Deeply nested teardowns are deferred by the guard.
func (a *Allocator) Dealloc(r object.Ref) {
	a.tracker.Untrack(r)
	a.guard.Run(r, a.teardown)
}

func (a *Allocator) teardown(r object.Ref) {
	n := a.space.Size(r)
	for i := n - 1; i >= 0; i-- {
		it := a.space.Slot(r, i)
		if it == object.Nil {
			continue
		}
		a.space.SetSlot(r, i, object.Nil)
		a.space.DecRef(it)
	}

	cached := n < a.opts.MaxSaveSize &&
		a.numFree[n] < a.opts.MaxFreeList &&
		a.space.IsExact(r, a.seq)

	if cached {
		a.space.SetLink(r, a.freeList[n])
		a.freeList[n] = r
		a.numFree[n]++
		a.cached++
		a.stats.Cached.Add(1)
	} else {
		a.Free(r)
	}

	a.stats.Deallocated.Add(1)
	if a.opts.Observer != nil {
		a.opts.Observer.OnDealloc(n, cached)
	}
}

// Free returns the header of r to raw memory.
func (a *Allocator) Free(r object.Ref) {
	a.space.FreeObject(r)
	a.stats.Freed.Add(1)
}

// Traverse calls visit on every non-empty slot of r from the highest index
// to the lowest and stops at the first error.
func (a *Allocator) Traverse(r object.Ref, visit object.VisitFunc) error {
	for i := a.space.Size(r) - 1; i >= 0; i-- {
		if it := a.space.Slot(r, i); it != object.Nil {
			if err := visit(it); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Allocator) check(r object.Ref) error {
	if !a.space.TypeOf(r).IsSubtype(a.seq) {
		return fmt.Errorf("%w: %s", ErrNotSequence, a.space.TypeOf(r))
	}
	return nil
}

// Len returns the number of slots of r.
func (a *Allocator) Len(r object.Ref) (int, error) {
	if err := a.check(r); err != nil {
		return 0, err
	}
	return a.space.Size(r), nil
}

// GetItem returns a borrowed reference to slot i of r.
func (a *Allocator) GetItem(r object.Ref, i int) (object.Ref, error) {
	if err := a.check(r); err != nil {
		return object.Nil, err
	}
	if n := a.space.Size(r); i < 0 || i >= n {
		return object.Nil, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, i, n)
	}
	return a.space.Slot(r, i), nil
}

// SetItem stores v in slot i of r, stealing the reference to v and releasing
// the previous occupant. On error the reference to v is released.
func (a *Allocator) SetItem(r object.Ref, i int, v object.Ref) error {
	if err := a.check(r); err != nil {
		a.space.XDecRef(v)
		return err
	}
	if n := a.space.Size(r); i < 0 || i >= n {
		a.space.XDecRef(v)
		return fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, i, n)
	}
	old := a.space.Slot(r, i)
	a.space.SetSlot(r, i, v)
	a.space.XDecRef(old)
	return nil
}

// Pack returns a new sequence holding new references to items.
func (a *Allocator) Pack(items ...object.Ref) (object.Ref, error) {
	r, err := a.New(len(items))
	if err != nil {
		return object.Nil, err
	}
	for i, it := range items {
		a.space.XIncRef(it)
		a.space.SetSlot(r, i, it)
	}
	return r, nil
}

// ClearFreeLists returns every cached header to raw memory and reports how
// many were released.
func (a *Allocator) ClearFreeLists() int {
	freed := 0
	for size, head := range a.freeList {
		for head != object.Nil {
			next := a.space.Link(head)
			a.Free(head)
			head = next
			freed++
		}
		a.freeList[size] = object.Nil
		a.numFree[size] = 0
	}
	a.cached = 0

	if freed > 0 && a.opts.Logger != nil {
		a.opts.Logger.Debug("cleared sequence free lists", "headers", freed)
	}
	return freed
}

// FreeListLen returns the number of cached headers for size.
func (a *Allocator) FreeListLen(size int) int {
	if size < 0 || size >= len(a.numFree) {
		return 0
	}
	return a.numFree[size]
}

// FreeListStats returns the number of cached headers per size.
func (a *Allocator) FreeListStats() []int {
	out := make([]int, len(a.numFree))
	copy(out, a.numFree)
	return out
}

// Options returns the effective options.
func (a *Allocator) Options() Options {
	return a.opts
}

// Stats returns a snapshot of allocator statistics.
func (a *Allocator) Stats() Stats {
	return Stats{
		Created:     a.stats.Created.Load(),
		Reused:      a.stats.Reused.Load(),
		Deallocated: a.stats.Deallocated.Load(),
		Cached:      a.stats.Cached.Load(),
		Freed:       a.stats.Freed.Load(),
		FreeListLen: a.cached,
	}
}
