package seqheap

import (
	"fmt"

	"github.com/hupe1980/seqheap/gc"
	"github.com/hupe1980/seqheap/gctrack"
	"github.com/hupe1980/seqheap/internal/resource"
	"github.com/hupe1980/seqheap/object"
	"github.com/hupe1980/seqheap/rawmem"
	"github.com/hupe1980/seqheap/roots"
	"github.com/hupe1980/seqheap/sequence"
	"github.com/hupe1980/seqheap/trashcan"
	"github.com/hupe1980/seqheap/weakref"
)

// Heap wires the raw memory layer, object space, tracker, teardown guard,
// sequence allocator and root provider selected by a Config.
//
// A Heap is not safe for concurrent use.
type Heap struct {
	cfg Config

	layer    *rawmem.Layer
	space    *object.Space
	tracker  *gctrack.Tracker
	guard    *trashcan.Guard
	seqs     *sequence.Allocator
	chain    *roots.Chain
	provider roots.Provider

	// Non-nil only for the conservative strategy.
	collector *gc.Collector

	ctrl    *resource.Controller
	logger  *Logger
	metrics MetricsCollector

	closed bool
}

// New creates a Heap from cfg.
func New(cfg Config, optFns ...Option) (*Heap, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := applyOptions(cfg, optFns)

	ctrl := resource.NewController(resource.Config{
		MemoryLimitBytes:     cfg.MemoryLimitBytes,
		CollectionsPerSecond: cfg.CollectionsPerSecond,
	})

	layer, err := rawmem.New(func(o *rawmem.Options) {
		if cfg.ChunkSize > 0 {
			o.ChunkSize = cfg.ChunkSize
		}
		o.CountAllocations = cfg.CountAllocations
		o.Controller = ctrl
		o.Logger = opts.logger.Logger
	})
	if err != nil {
		return nil, fmt.Errorf("raw memory: %w", err)
	}

	h := &Heap{
		cfg:     cfg,
		layer:   layer,
		space:   object.NewSpace(layer),
		chain:   roots.NewChain(),
		ctrl:    ctrl,
		logger:  opts.logger,
		metrics: opts.metricsCollector,
	}

	h.tracker = gctrack.New(h.space)
	h.guard = trashcan.New(cfg.TrashcanDepth)
	h.guard.OnDrain(func(processed int) {
		h.metrics.RecordDeferredDrain(processed)
		h.logger.LogDrain(processed)
	})

	h.seqs = sequence.NewAllocator(h.space, h.tracker, h.guard, func(o *sequence.Options) {
		o.MaxSaveSize = cfg.MaxSaveSize
		o.MaxFreeList = cfg.MaxFreeList
		o.Logger = opts.logger.Logger
		o.Observer = sequenceObserver{mc: h.metrics}
	})

	// Lists are containers as well; their teardown goes through the same guard
	// so mixed list/sequence chains unwind iteratively.
	list := h.space.ListType()
	deallocList := list.Dealloc
	list.Dealloc = func(r object.Ref) {
		h.tracker.Untrack(r)
		h.guard.Run(r, deallocList)
	}

	switch cfg.Strategy {
	case roots.Conservative:
		h.collector = gc.New(layer, func(o *gc.Options) {
			o.CollectThreshold = cfg.CollectThresholdBytes
			o.Pacer = ctrl
			o.Logger = opts.logger.Logger
			o.OnCollect = func(swept int) {
				h.metrics.RecordCollection(swept)
			}
		})
		h.provider = roots.NewConservative(h.chain, h.collector)
	case roots.Precise:
		table, err := roots.NewShapeTable(h.chain, cfg.CallShapes...)
		if err != nil {
			_ = layer.Close()
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		h.provider = roots.NewPrecise(h.chain, table)
	}

	h.logger.Debug("heap created",
		"strategy", cfg.Strategy.String(),
		"max_save_size", cfg.MaxSaveSize,
		"max_free_list", cfg.MaxFreeList,
		"trashcan_depth", cfg.TrashcanDepth,
	)

	return h, nil
}

// NewFromJSON parses a JSON configuration and creates a Heap from it.
func NewFromJSON(data []byte, optFns ...Option) (*Heap, error) {
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}
	return New(cfg, optFns...)
}

// Config returns the configuration the heap was created with.
func (h *Heap) Config() Config {
	return h.cfg
}

// NewSequence creates a sequence of size empty slots with refcount 1.
func (h *Heap) NewSequence(size int) (object.Ref, error) {
	return h.NewSequenceOfType(h.seqs.Type(), size)
}

// NewSequenceOfType creates a sequence of a registered sequence subtype.
func (h *Heap) NewSequenceOfType(t *object.Type, size int) (object.Ref, error) {
	if h.closed {
		return object.Nil, ErrClosed
	}

	r, err := h.seqs.NewOfType(t, size)
	if err != nil {
		err = translateError(size, err)
		h.metrics.RecordNew(size, false, err)
		h.logger.LogNew(size, object.Nil, err)
		return object.Nil, err
	}

	h.logger.LogNew(size, r, nil)
	return r, nil
}

// RegisterSequenceSubtype registers a subtype of the base sequence type.
// Headers of subtypes are never cached.
func (h *Heap) RegisterSequenceSubtype(name string) (*object.Type, error) {
	return h.seqs.RegisterSubtype(name)
}

// Pack creates a sequence holding new references to items.
func (h *Heap) Pack(items ...object.Ref) (object.Ref, error) {
	if h.closed {
		return object.Nil, ErrClosed
	}

	r, err := h.seqs.Pack(items...)
	if err != nil {
		err = translateError(len(items), err)
		h.metrics.RecordNew(len(items), false, err)
		h.logger.LogNew(len(items), object.Nil, err)
		return object.Nil, err
	}
	return r, nil
}

// Len returns the number of slots of a sequence.
func (h *Heap) Len(r object.Ref) (int, error) {
	return h.seqs.Len(r)
}

// GetItem returns the borrowed reference in slot i.
func (h *Heap) GetItem(r object.Ref, i int) (object.Ref, error) {
	return h.seqs.GetItem(r, i)
}

// SetItem stores v in slot i, stealing the reference.
func (h *Heap) SetItem(r object.Ref, i int, v object.Ref) error {
	return h.seqs.SetItem(r, i, v)
}

// NewInt creates a leaf int object.
func (h *Heap) NewInt(v int64) (object.Ref, error) {
	if h.closed {
		return object.Nil, ErrClosed
	}
	return h.space.NewInt(v)
}

// NewList creates a tracked list holding new references to items.
func (h *Heap) NewList(items ...object.Ref) (object.Ref, error) {
	if h.closed {
		return object.Nil, ErrClosed
	}

	r, err := h.space.NewList(items...)
	if err != nil {
		return object.Nil, err
	}
	h.tracker.Track(r)
	return r, nil
}

// IncRef adds a reference.
func (h *Heap) IncRef(r object.Ref) {
	h.space.IncRef(r)
}

// DecRef drops a reference; the object is torn down when none remain.
func (h *Heap) DecRef(r object.Ref) {
	h.space.XDecRef(r)
}

// Dealloc tears down a sequence whose refcount already reached zero.
func (h *Heap) Dealloc(r object.Ref) {
	h.seqs.Dealloc(r)
}

// Track registers r with the collector. Only instances of collector-aware
// types can be tracked; their teardown removes them from the tracked set.
func (h *Heap) Track(r object.Ref) error {
	if t := h.space.TypeOf(r); !t.IsGC() {
		return fmt.Errorf("%w: type %s", ErrNotContainer, t)
	}
	h.tracker.Track(r)
	return nil
}

// Untrack removes r from the collector's tracked set.
func (h *Heap) Untrack(r object.Ref) {
	h.tracker.Untrack(r)
}

// IsTracked reports whether r is tracked.
func (h *Heap) IsTracked(r object.Ref) bool {
	return h.tracker.IsTracked(r)
}

// MaybeUntrack untracks a sequence that cannot take part in a cycle.
func (h *Heap) MaybeUntrack(r object.Ref) gctrack.Outcome {
	return h.tracker.MaybeUntrack(r)
}

// Traverse visits the non-empty slots of r.
func (h *Heap) Traverse(r object.Ref, visit object.VisitFunc) error {
	return h.space.Traverse(r, visit)
}

// ClearFreeLists releases every cached sequence header and unused scratch pages.
func (h *Heap) ClearFreeLists() int {
	n := h.seqs.ClearFreeLists()
	if err := h.layer.Trim(); err != nil {
		h.logger.Warn("trim failed", "error", err)
	}
	h.logger.Debug("free lists cleared", "released", n)
	return n
}

// ToWeak returns the weak representation of r.
func (h *Heap) ToWeak(r object.Ref) object.WeakRef {
	return weakref.ToWeak(r)
}

// ToStrong returns the strong representation of w.
func (h *Heap) ToStrong(w object.WeakRef) object.Ref {
	return weakref.ToStrong(w)
}

// Collect runs a conservative collection.
func (h *Heap) Collect() error {
	if h.collector == nil {
		return ErrNoCollector
	}
	h.collector.Collect()

	s := h.collector.Stats()
	h.logger.LogCollection(int(s.Swept), s.LiveBlocks, s.PendingFinalizers) //nolint:gosec // block counts fit
	return nil
}

// Roots returns the stack root provider.
func (h *Heap) Roots() roots.Provider { return h.provider }

// Chain returns the frame chain scanned for stack roots.
func (h *Heap) Chain() *roots.Chain { return h.chain }

// Collector returns the conservative collector, or nil for the precise strategy.
func (h *Heap) Collector() *gc.Collector { return h.collector }

// Layer returns the raw memory layer.
func (h *Heap) Layer() *rawmem.Layer { return h.layer }

// Space returns the object space.
func (h *Heap) Space() *object.Space { return h.space }

// Tracker returns the tracked-object registry.
func (h *Heap) Tracker() *gctrack.Tracker { return h.tracker }

// Sequences returns the sequence allocator.
func (h *Heap) Sequences() *sequence.Allocator { return h.seqs }

// Guard returns the teardown guard.
func (h *Heap) Guard() *trashcan.Guard { return h.guard }

// Stats is a snapshot of heap statistics.
type Stats struct {
	Strategy  roots.Strategy
	Sequences sequence.Stats
	Trashcan  trashcan.Stats
	Memory    rawmem.Stats
	Tracked   int
	Scans     uint64

	// Zero for the precise strategy.
	Collector gc.Stats
}

// Stats returns a snapshot of heap statistics.
func (h *Heap) Stats() Stats {
	s := Stats{
		Strategy:  h.cfg.Strategy,
		Sequences: h.seqs.Stats(),
		Trashcan:  h.guard.Stats(),
		Memory:    h.layer.Stats(),
		Tracked:   h.tracker.Len(),
		Scans:     h.tracker.Scans(),
	}
	if h.collector != nil {
		s.Collector = h.collector.Stats()
	}
	return s
}

// Close releases all raw memory. Objects must not be used afterwards.
func (h *Heap) Close() error {
	if h == nil || h.closed {
		return nil
	}
	h.closed = true

	h.seqs.ClearFreeLists()
	err := h.layer.Close()
	h.logger.LogClose(err)
	return err
}
