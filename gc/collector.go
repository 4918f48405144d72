// Package gc is a small conservative mark/sweep collector over raw memory.
//
// Every word reachable from the roots that points into a collector block keeps
// that block alive, including interior pointers. Blocks from MallocAtomic hold
// no references and are never scanned. Disappearing links are zeroed when their
// referent dies, and finalizable blocks are resurrected once and queued.
// Finalizers run only through the notifier, which the finalizer lock can defer.
package gc

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/seqheap/internal/resource"
	"github.com/hupe1980/seqheap/rawmem"
)

var (
	// ErrNotHeapPointer is returned when a pointer does not belong to a collector block.
	ErrNotHeapPointer = errors.New("gc: not a heap pointer")
)

// RootScanner enumerates root locations. Each location holds a candidate pointer.
type RootScanner interface {
	ScanRoots(fn func(loc *uint64))
}

// Finalizer is invoked with the base pointer of an unreachable block.
type Finalizer func(p rawmem.Pointer)

// Options configures a Collector.
type Options struct {
	// CollectThreshold is the number of bytes allocated since the last
	// collection that triggers an automatic collection. 0 disables it.
	CollectThreshold int

	// Pacer rate-limits automatic collections. Optional.
	Pacer *resource.Controller

	// Logger receives debug output. Optional.
	Logger *slog.Logger

	// OnCollect is called after each collection with the number of swept blocks,
	// before pending finalizers run. Optional.
	OnCollect func(swept int)
}

// DefaultOptions contains the default collector options.
var DefaultOptions = Options{
	CollectThreshold: 4 << 20,
}

// Stats reports collector activity.
type Stats struct {
	Collections       uint64
	Mallocs           uint64
	Frees             uint64 // explicit frees
	Swept             uint64 // blocks reclaimed by collections
	LinksCleared      uint64
	FinalizersQueued  uint64
	FinalizersInvoked uint64
	LiveBlocks        int
	LiveBytes         int
	PendingFinalizers int
}

type atomicStats struct {
	Collections       atomic.Uint64
	Mallocs           atomic.Uint64
	Frees             atomic.Uint64
	Swept             atomic.Uint64
	LinksCleared      atomic.Uint64
	FinalizersQueued  atomic.Uint64
	FinalizersInvoked atomic.Uint64
}

type block struct {
	start  rawmem.Pointer
	size   int
	atomic bool // holds no pointers
}

func (b block) end() rawmem.Pointer {
	return b.start + rawmem.Pointer(max(b.size, 1)) //nolint:gosec // size >= 0
}

type rootRange struct {
	start, end rawmem.Pointer
}

type queued struct {
	p  rawmem.Pointer
	fn Finalizer
}

// Collector is a conservative mark/sweep collector.
// It is not safe for concurrent use.
type Collector struct {
	layer *rawmem.Layer
	opts  Options

	blocks     []block // sorted by start
	liveBytes  int
	marks      *roaring64.Bitmap
	finalizers map[rawmem.Pointer]Finalizer
	links      map[rawmem.Pointer]rawmem.Pointer // link location -> referent
	pending    []queued
	ranges     []rootRange
	scanner    RootScanner

	bytesSince    int
	collecting    bool
	finalizerLock int

	stats atomicStats
}

// New creates a Collector allocating from layer.
func New(layer *rawmem.Layer, optFns ...func(o *Options)) *Collector {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Collector{
		layer:      layer,
		opts:       opts,
		marks:      roaring64.New(),
		finalizers: make(map[rawmem.Pointer]Finalizer),
		links:      make(map[rawmem.Pointer]rawmem.Pointer),
	}
}

// SetRootScanner installs the scanner for stack roots. It may be set once.
func (c *Collector) SetRootScanner(s RootScanner) {
	if c.scanner != nil {
		panic("gc: root scanner already set")
	}
	c.scanner = s
}

// AddRoots registers the words in [start, end) as roots.
func (c *Collector) AddRoots(start, end rawmem.Pointer) {
	if end <= start {
		return
	}
	c.ranges = append(c.ranges, rootRange{start: start, end: end})
}

// Malloc allocates size zeroed bytes that are scanned for references.
func (c *Collector) Malloc(size int) (rawmem.Pointer, error) {
	return c.alloc(size, false)
}

// MallocAtomic allocates size bytes that are never scanned for references.
// The memory is cleared explicitly after allocation.
func (c *Collector) MallocAtomic(size int) (rawmem.Pointer, error) {
	return c.alloc(size, true)
}

func (c *Collector) alloc(size int, noscan bool) (rawmem.Pointer, error) {
	if c.needGC(size) && c.opts.Pacer.AllowCollection() {
		c.Collect()
	}

	p, err := c.layer.Allocate(size)
	if err != nil && errors.Is(err, rawmem.ErrOutOfMemory) && !c.collecting {
		// One collection, then give up.
		c.Collect()
		p, err = c.layer.Allocate(size)
	}
	if err != nil {
		return rawmem.Nil, err
	}

	c.layer.ZeroFill(p, size)

	b := block{start: p, size: size, atomic: noscan}
	i, _ := slices.BinarySearchFunc(c.blocks, p, func(b block, p rawmem.Pointer) int {
		return cmpPointer(b.start, p)
	})
	c.blocks = slices.Insert(c.blocks, i, b)
	c.liveBytes += size
	c.bytesSince += size
	c.stats.Mallocs.Add(1)
	return p, nil
}

func (c *Collector) needGC(size int) bool {
	return c.opts.CollectThreshold > 0 &&
		!c.collecting &&
		c.bytesSince+size > c.opts.CollectThreshold
}

func cmpPointer(a, b rawmem.Pointer) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// find returns the index of the block containing p, or -1.
func (c *Collector) find(p rawmem.Pointer) int {
	i, found := slices.BinarySearchFunc(c.blocks, p, func(b block, p rawmem.Pointer) int {
		return cmpPointer(b.start, p)
	})
	if found {
		return i
	}
	if i == 0 {
		return -1
	}
	if b := c.blocks[i-1]; p < b.end() {
		return i - 1
	}
	return -1
}

// Base returns the start of the block containing p, or Nil.
func (c *Collector) Base(p rawmem.Pointer) rawmem.Pointer {
	if i := c.find(p); i >= 0 {
		return c.blocks[i].start
	}
	return rawmem.Nil
}

// Size returns the requested size of the block starting at p.
func (c *Collector) Size(p rawmem.Pointer) (int, error) {
	i := c.find(p)
	if i < 0 || c.blocks[i].start != p {
		return 0, fmt.Errorf("%w: %#x", ErrNotHeapPointer, p)
	}
	return c.blocks[i].size, nil
}

// Free releases the block starting at p immediately.
func (c *Collector) Free(p rawmem.Pointer) error {
	i := c.find(p)
	if i < 0 || c.blocks[i].start != p {
		return fmt.Errorf("%w: %#x", ErrNotHeapPointer, p)
	}
	c.release(c.blocks[i])
	c.blocks = slices.Delete(c.blocks, i, i+1)
	c.stats.Frees.Add(1)
	return nil
}

func (c *Collector) release(b block) {
	delete(c.finalizers, b.start)
	// A queued finalizer must not run on memory that may be handed out again.
	c.pending = slices.DeleteFunc(c.pending, func(q queued) bool {
		return q.p == b.start
	})
	for link, obj := range c.links {
		if obj == b.start || (link >= b.start && link < b.end()) {
			delete(c.links, link)
		}
	}
	c.liveBytes -= b.size
	c.layer.Free(b.start)
}

// RegisterDisappearingLink arranges for the word at link to be zeroed when obj
// becomes unreachable. The word at link must not be scanned, so it should live
// in atomic memory. Registration is skipped, and false returned, when obj is
// not inside a collector block.
func (c *Collector) RegisterDisappearingLink(link, obj rawmem.Pointer) bool {
	base := c.Base(obj)
	if base == rawmem.Nil {
		return false
	}
	c.links[link] = base
	return true
}

// UnregisterDisappearingLink removes the registration for link.
func (c *Collector) UnregisterDisappearingLink(link rawmem.Pointer) {
	delete(c.links, link)
}

// RegisterFinalizer installs fn to run once p becomes unreachable.
// A nil fn removes the finalizer.
func (c *Collector) RegisterFinalizer(p rawmem.Pointer, fn Finalizer) error {
	i := c.find(p)
	if i < 0 || c.blocks[i].start != p {
		return fmt.Errorf("%w: %#x", ErrNotHeapPointer, p)
	}
	if fn == nil {
		delete(c.finalizers, p)
		return nil
	}
	c.finalizers[p] = fn
	return nil
}

// Collect runs a full collection and then notifies pending finalizers.
// A collection requested while one is running is ignored.
func (c *Collector) Collect() {
	if c.collecting {
		return
	}
	c.collecting = true

	c.marks.Clear()
	var queue []int

	mark := func(v uint64) {
		i := c.find(rawmem.Pointer(v))
		if i < 0 {
			return
		}
		b := c.blocks[i]
		if c.marks.CheckedAdd(uint64(b.start)) && !b.atomic {
			queue = append(queue, i)
		}
	}
	drain := func() {
		for len(queue) > 0 {
			i := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			b := c.blocks[i]
			for w := 0; w+rawmem.WordSize <= b.size; w += rawmem.WordSize {
				mark(c.layer.Word(b.start, w/rawmem.WordSize))
			}
		}
	}

	if c.scanner != nil {
		c.scanner.ScanRoots(func(loc *uint64) {
			mark(*loc)
		})
	}
	for _, r := range c.ranges {
		for w := r.start; w+rawmem.WordSize <= r.end; w += rawmem.WordSize {
			mark(c.layer.Word(w, 0))
		}
	}
	// Blocks waiting for their finalizer stay alive until it has run.
	for _, q := range c.pending {
		mark(uint64(q.p))
	}
	drain()

	// Links to dead referents are cleared before finalizable blocks are resurrected.
	for link, obj := range c.links {
		if c.marks.Contains(uint64(obj)) {
			continue
		}
		if i := c.find(link); i >= 0 && !c.marks.Contains(uint64(c.blocks[i].start)) {
			delete(c.links, link)
			continue
		}
		c.layer.SetWord(link, 0, 0)
		delete(c.links, link)
		c.stats.LinksCleared.Add(1)
	}

	for p, fn := range c.finalizers {
		if c.marks.Contains(uint64(p)) {
			continue
		}
		delete(c.finalizers, p)
		c.pending = append(c.pending, queued{p: p, fn: fn})
		c.stats.FinalizersQueued.Add(1)
		mark(uint64(p))
	}
	drain()

	swept := 0
	live := c.blocks[:0]
	for _, b := range c.blocks {
		if c.marks.Contains(uint64(b.start)) {
			live = append(live, b)
			continue
		}
		c.release(b)
		swept++
	}
	clear(c.blocks[len(live):])
	c.blocks = live

	c.bytesSince = 0
	c.collecting = false
	c.stats.Collections.Add(1)
	c.stats.Swept.Add(uint64(swept)) //nolint:gosec // swept >= 0

	if c.opts.Logger != nil {
		c.opts.Logger.Debug("collection finished",
			"swept", swept,
			"live_blocks", len(c.blocks),
			"live_bytes", c.liveBytes,
			"pending_finalizers", len(c.pending),
		)
	}
	if c.opts.OnCollect != nil {
		c.opts.OnCollect(swept)
	}

	c.notify()
}

// ShouldInvokeFinalizers reports whether finalizers are waiting to run.
func (c *Collector) ShouldInvokeFinalizers() bool {
	return len(c.pending) > 0
}

// InvokeFinalizers runs every pending finalizer and returns how many ran.
// Finalizers queued while it runs are run as well.
func (c *Collector) InvokeFinalizers() int {
	n := 0
	for len(c.pending) > 0 {
		q := c.pending[0]
		c.pending[0] = queued{}
		c.pending = c.pending[1:]
		q.fn(q.p)
		n++
	}
	c.pending = nil
	c.stats.FinalizersInvoked.Add(uint64(n)) //nolint:gosec // n >= 0
	return n
}

// notify drains pending finalizers unless an outer drain is in progress or
// finalizers are disabled, in which case that outer level runs them later.
func (c *Collector) notify() {
	c.finalizerLock++
	for c.ShouldInvokeFinalizers() {
		if c.finalizerLock > 1 {
			break
		}
		c.InvokeFinalizers()
	}
	c.finalizerLock--
}

// DisableFinalizers defers finalizer execution until the matching EnableFinalizers.
func (c *Collector) DisableFinalizers() {
	c.finalizerLock++
}

// EnableFinalizers undoes one DisableFinalizers and runs any deferred finalizers.
func (c *Collector) EnableFinalizers() {
	if c.finalizerLock == 0 {
		panic("gc: EnableFinalizers without DisableFinalizers")
	}
	c.finalizerLock--
	c.notify()
}

// FinalizerLock returns the finalizer reentrancy counter.
func (c *Collector) FinalizerLock() int {
	return c.finalizerLock
}

// Stats returns a snapshot of collector statistics.
func (c *Collector) Stats() Stats {
	return Stats{
		Collections:       c.stats.Collections.Load(),
		Mallocs:           c.stats.Mallocs.Load(),
		Frees:             c.stats.Frees.Load(),
		Swept:             c.stats.Swept.Load(),
		LinksCleared:      c.stats.LinksCleared.Load(),
		FinalizersQueued:  c.stats.FinalizersQueued.Load(),
		FinalizersInvoked: c.stats.FinalizersInvoked.Load(),
		LiveBlocks:        len(c.blocks),
		LiveBytes:         c.liveBytes,
		PendingFinalizers: len(c.pending),
	}
}
