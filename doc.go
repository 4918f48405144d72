// Package seqheap provides an off-heap allocator for fixed-length immutable
// sequence objects inside a reference-counted object runtime.
//
// A Heap owns raw memory mapped outside the Go heap, an object space with a
// small type registry, a registry of collector-tracked objects, a teardown
// guard and a stack root provider.
//
// # Quick Start
//
//	h, _ := seqheap.New(seqheap.DefaultConfig())
//	defer h.Close()
//
//	one, _ := h.NewInt(1)
//	two, _ := h.NewInt(2)
//	pair, _ := h.Pack(one, two) // pair holds its own references
//	h.DecRef(one)
//	h.DecRef(two)
//
//	h.MaybeUntrack(pair) // ints cannot form cycles
//	h.DecRef(pair)       // header goes to the size-2 free list
//
// # Free Lists
//
// Headers of base-type sequences smaller than MaxSaveSize are cached per size
// on teardown, up to MaxFreeList headers per size. A cached header is reused
// by the next construction of that size without touching raw memory. Headers
// of subtypes are never cached.
//
// # Teardown
//
// Releasing the last reference of a container releases its slots from the
// highest index to the lowest. Once TrashcanDepth teardowns are nested,
// further teardowns are queued and run iteratively when the outermost one
// returns, so arbitrarily deep chains never exhaust the stack.
//
// # Stack Roots
//
// Config.Strategy selects how native stack frames are scanned for roots:
//
//   - roots.Precise: every frame pushed on the Chain names a call shape, and
//     only the slots listed by that shape are roots.
//   - roots.Conservative: every slot of every frame is a candidate, and a
//     mark/sweep collector (Heap.Collector) treats any word that points into
//     one of its blocks as a reference. It supports disappearing links and
//     finalizers.
//
// # Configuration
//
// Configs can be built in code or parsed from JSON:
//
//	h, err := seqheap.NewFromJSON([]byte(`{
//	    "strategy": "conservative",
//	    "max_save_size": 20,
//	    "memory_limit_bytes": 67108864,
//	    "log_level": "debug"
//	}`))
//
// # Observability
//
// WithLogger and WithMetricsCollector plug in structured logging and metrics.
// Heap.Stats returns a snapshot of every component's counters.
package seqheap
