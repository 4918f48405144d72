package seqheap

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/seqheap/gctrack"
	"github.com/hupe1980/seqheap/object"
	"github.com/hupe1980/seqheap/rawmem"
	"github.com/hupe1980/seqheap/roots"
)

func newTestHeap(t *testing.T, mutate func(c *Config), opts ...Option) *Heap {
	t.Helper()

	cfg := DefaultConfig()
	cfg.CountAllocations = true
	if mutate != nil {
		mutate(&cfg)
	}

	h, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestHeap_FreshIdentity(t *testing.T) {
	h := newTestHeap(t, nil)

	for _, size := range []int{0, 1, 5, 19, 20, 64} {
		a, err := h.NewSequence(size)
		require.NoError(t, err)
		b, err := h.NewSequence(size)
		require.NoError(t, err)

		assert.NotEqual(t, a, b, "size %d", size)
		assert.Equal(t, int64(1), h.Space().RefCount(a))
		assert.True(t, h.IsTracked(a))

		n, err := h.Len(a)
		require.NoError(t, err)
		assert.Equal(t, size, n)
		for i := 0; i < size; i++ {
			item, err := h.GetItem(a, i)
			require.NoError(t, err)
			assert.Equal(t, object.Nil, item)
		}

		h.DecRef(a)
		h.DecRef(b)
	}
}

func TestHeap_FreeListReuse(t *testing.T) {
	h := newTestHeap(t, func(c *Config) { c.MaxFreeList = 2 })

	var refs []object.Ref
	for i := 0; i < 3; i++ {
		r, err := h.NewSequence(1)
		require.NoError(t, err)
		refs = append(refs, r)
	}

	freesBefore := h.Layer().Counters().Frees
	for _, r := range refs {
		h.DecRef(r)
	}

	s := h.Stats().Sequences
	assert.Equal(t, uint64(2), s.Cached)
	assert.Equal(t, uint64(1), s.Freed)
	assert.Equal(t, uint64(1), h.Layer().Counters().Frees-freesBefore)
	assert.Equal(t, 2, h.Sequences().FreeListLen(1))

	mallocsBefore := h.Layer().Counters().Mallocs
	r, err := h.NewSequence(1)
	require.NoError(t, err)
	assert.Equal(t, mallocsBefore, h.Layer().Counters().Mallocs)
	assert.Equal(t, uint64(1), h.Stats().Sequences.Reused)
	assert.Equal(t, int64(1), h.Space().RefCount(r))
	assert.True(t, h.IsTracked(r))
	h.DecRef(r)

	t.Run("large sizes are never cached", func(t *testing.T) {
		big, err := h.NewSequence(h.Config().MaxSaveSize)
		require.NoError(t, err)
		h.DecRef(big)
		assert.Zero(t, h.Sequences().FreeListLen(h.Config().MaxSaveSize))
	})

	t.Run("clear", func(t *testing.T) {
		assert.Equal(t, 2, h.ClearFreeLists())
		assert.Zero(t, h.Stats().Sequences.FreeListLen)
	})
}

func TestHeap_DeepChain(t *testing.T) {
	h := newTestHeap(t, nil)

	const depth = 30000

	leaf, err := h.NewInt(7)
	require.NoError(t, err)

	prev, err := h.Pack(leaf)
	require.NoError(t, err)
	h.DecRef(leaf)

	for i := 1; i < depth; i++ {
		var next object.Ref
		if i%2 == 0 {
			next, err = h.Pack(prev)
		} else {
			next, err = h.NewList(prev)
		}
		require.NoError(t, err)
		h.DecRef(prev)
		prev = next
	}

	h.DecRef(prev)

	s := h.Stats()
	assert.Positive(t, s.Trashcan.Deferred)
	assert.Zero(t, s.Trashcan.CurrentQueued)
	assert.Zero(t, h.Guard().Depth())
	assert.Equal(t, uint64(depth/2), s.Sequences.Deallocated)
	assert.Zero(t, s.Tracked)
}

func TestHeap_MaybeUntrack(t *testing.T) {
	h := newTestHeap(t, nil)

	t.Run("defer on empty slot", func(t *testing.T) {
		r, err := h.NewSequence(2)
		require.NoError(t, err)
		defer h.DecRef(r)

		assert.Equal(t, gctrack.Defer, h.MaybeUntrack(r))
		assert.True(t, h.IsTracked(r))
	})

	t.Run("keep tracked for containers", func(t *testing.T) {
		l, err := h.NewList()
		require.NoError(t, err)
		r, err := h.Pack(l)
		require.NoError(t, err)
		h.DecRef(l)
		defer h.DecRef(r)

		assert.Equal(t, gctrack.KeepTracked, h.MaybeUntrack(r))
		assert.True(t, h.IsTracked(r))
	})

	t.Run("untracked for leaves", func(t *testing.T) {
		a, err := h.NewInt(1)
		require.NoError(t, err)
		b, err := h.NewInt(2)
		require.NoError(t, err)
		r, err := h.Pack(a, b)
		require.NoError(t, err)
		h.DecRef(a)
		h.DecRef(b)
		defer h.DecRef(r)

		assert.Equal(t, gctrack.Untracked, h.MaybeUntrack(r))
		assert.False(t, h.IsTracked(r))

		scans := h.Stats().Scans
		assert.Equal(t, gctrack.Untracked, h.MaybeUntrack(r))
		assert.Equal(t, scans, h.Stats().Scans)
	})

	t.Run("subtypes keep tracked", func(t *testing.T) {
		sub, err := h.RegisterSequenceSubtype("point")
		require.NoError(t, err)
		r, err := h.NewSequenceOfType(sub, 0)
		require.NoError(t, err)
		defer h.DecRef(r)

		assert.Equal(t, gctrack.KeepTracked, h.MaybeUntrack(r))
	})
}

func TestHeap_Track(t *testing.T) {
	h := newTestHeap(t, nil)

	leaf, err := h.NewInt(7)
	require.NoError(t, err)
	assert.ErrorIs(t, h.Track(leaf), ErrNotContainer)
	assert.False(t, h.IsTracked(leaf))
	h.DecRef(leaf)

	l, err := h.NewList()
	require.NoError(t, err)
	h.Untrack(l)
	require.NoError(t, h.Track(l))
	assert.True(t, h.IsTracked(l))

	r, err := h.Pack(l)
	require.NoError(t, err)
	h.DecRef(l)
	assert.Equal(t, 2, h.Stats().Tracked)

	h.DecRef(r)
	assert.Zero(t, h.Stats().Tracked)
	h.Tracker().ForEachTracked(func(r object.Ref) bool {
		t.Errorf("dead object %#x still tracked", uint64(r))
		return true
	})
}

func TestHeap_Errors(t *testing.T) {
	h := newTestHeap(t, nil)

	t.Run("negative size", func(t *testing.T) {
		_, err := h.NewSequence(-1)
		require.ErrorIs(t, err, ErrInvalidArgument)

		var sizeErr *SizeError
		require.ErrorAs(t, err, &sizeErr)
		assert.Equal(t, -1, sizeErr.Size)
	})

	t.Run("overflow allocates nothing", func(t *testing.T) {
		before := h.Layer().Counters()
		for _, size := range []int{math.MaxInt / 4, math.MaxInt/rawmem.WordSize - 1, math.MaxInt} {
			_, err := h.NewSequence(size)
			require.ErrorIs(t, err, ErrOverflow)
		}
		assert.Equal(t, before, h.Layer().Counters())
	})

	t.Run("index out of range", func(t *testing.T) {
		r, err := h.NewSequence(1)
		require.NoError(t, err)
		defer h.DecRef(r)

		_, err = h.GetItem(r, 1)
		assert.ErrorIs(t, err, ErrIndexOutOfRange)
	})

	t.Run("not a sequence", func(t *testing.T) {
		i, err := h.NewInt(3)
		require.NoError(t, err)
		defer h.DecRef(i)

		_, err = h.Len(i)
		assert.ErrorIs(t, err, ErrNotSequence)
	})

	t.Run("no collector", func(t *testing.T) {
		assert.ErrorIs(t, h.Collect(), ErrNoCollector)
		assert.Nil(t, h.Collector())
	})
}

func TestHeap_MemoryLimit(t *testing.T) {
	h := newTestHeap(t, func(c *Config) {
		c.ChunkSize = 64 << 10
		c.MemoryLimitBytes = 256 << 10
	})

	_, err := h.NewSequence(1 << 20)
	require.ErrorIs(t, err, ErrOutOfMemory)

	var sizeErr *SizeError
	require.True(t, errors.As(err, &sizeErr))
	assert.Equal(t, 1<<20, sizeErr.Size)

	// Small sequences still fit.
	r, err := h.NewSequence(4)
	require.NoError(t, err)
	h.DecRef(r)
}

func TestHeap_SetItem(t *testing.T) {
	h := newTestHeap(t, nil)

	r, err := h.NewSequence(2)
	require.NoError(t, err)

	a, err := h.NewInt(10)
	require.NoError(t, err)
	b, err := h.NewInt(20)
	require.NoError(t, err)
	h.IncRef(b)

	require.NoError(t, h.SetItem(r, 0, a))
	require.NoError(t, h.SetItem(r, 1, b))

	var seen []int64
	require.NoError(t, h.Traverse(r, func(child object.Ref) error {
		seen = append(seen, h.Space().IntValue(child))
		return nil
	}))
	assert.Equal(t, []int64{20, 10}, seen)

	h.DecRef(r)
	assert.Equal(t, int64(1), h.Space().RefCount(b))
	h.DecRef(b)
}

func TestHeap_WeakRefs(t *testing.T) {
	h := newTestHeap(t, nil)

	r, err := h.NewSequence(0)
	require.NoError(t, err)
	defer h.DecRef(r)

	assert.Equal(t, r, h.ToStrong(h.ToWeak(r)))
	assert.Equal(t, object.Nil, h.ToStrong(h.ToWeak(object.Nil)))
}

func TestHeap_BulkReuse(t *testing.T) {
	h := newTestHeap(t, nil)

	const n = 10000

	refs := make([]object.Ref, n)
	for i := range refs {
		r, err := h.NewSequence(3)
		require.NoError(t, err)
		refs[i] = r
	}
	for _, r := range refs {
		h.DecRef(r)
	}
	for i := range refs {
		r, err := h.NewSequence(3)
		require.NoError(t, err)
		refs[i] = r
	}

	want := min(n, h.Config().MaxFreeList)
	assert.GreaterOrEqual(t, h.Stats().Sequences.Reused, uint64(want)) //nolint:gosec // positive

	for _, r := range refs {
		h.DecRef(r)
	}
}

func TestHeap_PreciseRoots(t *testing.T) {
	h := newTestHeap(t, func(c *Config) {
		c.CallShapes = []roots.CallShape{{Name: "call", Live: []int{1}}}
	})

	assert.Equal(t, roots.Precise, h.Roots().Strategy())

	r, err := h.NewSequence(0)
	require.NoError(t, err)
	defer h.DecRef(r)

	f := h.Chain().Push(0, 2)
	defer h.Chain().Pop(f)
	f.Slots[0] = 99
	f.Slots[1] = uint64(r)

	var got []uint64
	h.Roots().ScanRoots(func(loc *uint64) { got = append(got, *loc) })
	assert.Equal(t, []uint64{uint64(r)}, got)

	t.Run("invalid shapes are rejected", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.CallShapes = []roots.CallShape{{Name: "bad", Live: []int{-1}}}
		_, err := New(cfg)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestHeap_Conservative(t *testing.T) {
	metrics := &BasicMetricsCollector{}
	h := newTestHeap(t, func(c *Config) {
		c.Strategy = roots.Conservative
		c.CollectThresholdBytes = 0
	}, WithMetricsCollector(metrics))

	require.NotNil(t, h.Collector())
	assert.Equal(t, roots.Conservative, h.Roots().Strategy())

	c := h.Collector()

	link, err := c.MallocAtomic(rawmem.WordSize)
	require.NoError(t, err)
	obj, err := c.Malloc(32)
	require.NoError(t, err)

	h.Layer().SetWord(link, 0, uint64(obj))
	require.True(t, c.RegisterDisappearingLink(link, obj))

	var finalized []rawmem.Pointer
	require.NoError(t, c.RegisterFinalizer(link, func(p rawmem.Pointer) {
		finalized = append(finalized, p)
	}))

	f := h.Chain().Push(0, 1)
	f.Slots[0] = uint64(link)

	require.NoError(t, h.Collect())
	assert.Zero(t, h.Layer().Word(link, 0), "link to dead object is cleared")
	assert.Equal(t, rawmem.Nil, c.Base(obj))
	assert.Equal(t, link, c.Base(link))
	assert.Empty(t, finalized)

	h.Chain().Pop(f)

	t.Run("finalizers deferred while disabled", func(t *testing.T) {
		c.DisableFinalizers()
		require.NoError(t, h.Collect())
		assert.Empty(t, finalized)
		assert.True(t, c.ShouldInvokeFinalizers())

		c.EnableFinalizers()
		assert.Equal(t, []rawmem.Pointer{link}, finalized)
		assert.Zero(t, c.FinalizerLock())
	})

	stats := metrics.GetStats()
	assert.Equal(t, int64(2), stats.CollectionCount)
	assert.Equal(t, uint64(2), h.Stats().Collector.Collections)
}
