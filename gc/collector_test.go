package gc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/seqheap/internal/resource"
	"github.com/hupe1980/seqheap/rawmem"
)

type sliceRoots []uint64

func (s sliceRoots) ScanRoots(fn func(loc *uint64)) {
	for i := range s {
		fn(&s[i])
	}
}

func newTestCollector(t *testing.T, optFns ...func(o *Options)) (*Collector, *rawmem.Layer) {
	t.Helper()
	layer, err := rawmem.New(func(o *rawmem.Options) {
		o.ChunkSize = 64 * 1024
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = layer.Close() })

	optFns = append([]func(o *Options){func(o *Options) { o.CollectThreshold = 0 }}, optFns...)
	return New(layer, optFns...), layer
}

func TestCollector_Malloc(t *testing.T) {
	c, layer := newTestCollector(t)

	p, err := c.Malloc(24)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 24), layer.Bytes(p, 24))

	q, err := c.MallocAtomic(16)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 16), layer.Bytes(q, 16))

	size, err := c.Size(p)
	require.NoError(t, err)
	assert.Equal(t, 24, size)

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Mallocs)
	assert.Equal(t, 2, stats.LiveBlocks)
	assert.Equal(t, 40, stats.LiveBytes)
}

func TestCollector_Base(t *testing.T) {
	c, _ := newTestCollector(t)

	p, err := c.Malloc(32)
	require.NoError(t, err)

	assert.Equal(t, p, c.Base(p))
	assert.Equal(t, p, c.Base(p+31))
	assert.Equal(t, rawmem.Nil, c.Base(p+32))
	assert.Equal(t, rawmem.Nil, c.Base(rawmem.Nil))

	_, err = c.Size(p + 8)
	assert.ErrorIs(t, err, ErrNotHeapPointer)
}

func TestCollector_Free(t *testing.T) {
	c, _ := newTestCollector(t)

	p, err := c.Malloc(8)
	require.NoError(t, err)
	require.NoError(t, c.Free(p))
	assert.ErrorIs(t, c.Free(p), ErrNotHeapPointer)
	assert.Equal(t, uint64(1), c.Stats().Frees)
	assert.Zero(t, c.Stats().LiveBlocks)
}

func TestCollector_Collect(t *testing.T) {
	c, layer := newTestCollector(t)
	roots := make(sliceRoots, 1)
	c.SetRootScanner(roots)

	parent, err := c.Malloc(16)
	require.NoError(t, err)
	child, err := c.Malloc(8)
	require.NoError(t, err)
	hidden, err := c.MallocAtomic(8)
	require.NoError(t, err)
	unreachable, err := c.Malloc(8)
	require.NoError(t, err)
	behindAtomic, err := c.Malloc(8)
	require.NoError(t, err)

	roots[0] = uint64(parent) + 4 // interior pointer keeps the block alive
	layer.SetWord(parent, 0, uint64(child))
	layer.SetWord(parent, 1, uint64(hidden))
	layer.SetWord(hidden, 0, uint64(behindAtomic)) // atomic blocks are not scanned

	c.Collect()

	assert.Equal(t, parent, c.Base(parent))
	assert.Equal(t, child, c.Base(child))
	assert.Equal(t, hidden, c.Base(hidden))
	assert.Equal(t, rawmem.Nil, c.Base(unreachable))
	assert.Equal(t, rawmem.Nil, c.Base(behindAtomic))

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Collections)
	assert.Equal(t, uint64(2), stats.Swept)
	assert.Equal(t, 3, stats.LiveBlocks)

	assert.Panics(t, func() { c.SetRootScanner(roots) })
}

func TestCollector_RootRanges(t *testing.T) {
	c, layer := newTestCollector(t)

	area, err := layer.Allocate(16)
	require.NoError(t, err)
	layer.ZeroFill(area, 16)
	c.AddRoots(area, area+16)
	c.AddRoots(area, area) // empty range ignored

	p, err := c.Malloc(8)
	require.NoError(t, err)
	layer.SetWord(area, 1, uint64(p))

	c.Collect()
	assert.Equal(t, p, c.Base(p))

	layer.SetWord(area, 1, 0)
	c.Collect()
	assert.Equal(t, rawmem.Nil, c.Base(p))
}

func TestCollector_DisappearingLinks(t *testing.T) {
	c, layer := newTestCollector(t)
	roots := make(sliceRoots, 2)
	c.SetRootScanner(roots)

	holder, err := c.MallocAtomic(16)
	require.NoError(t, err)
	roots[0] = uint64(holder)

	live, err := c.Malloc(8)
	require.NoError(t, err)
	dead, err := c.Malloc(8)
	require.NoError(t, err)
	roots[1] = uint64(live)

	layer.SetWord(holder, 0, uint64(live))
	layer.SetWord(holder, 1, uint64(dead))
	require.True(t, c.RegisterDisappearingLink(holder, live))
	require.True(t, c.RegisterDisappearingLink(holder+8, dead+4))

	t.Run("non-heap referent is skipped", func(t *testing.T) {
		assert.False(t, c.RegisterDisappearingLink(holder, rawmem.Pointer(1<<40)))
	})

	c.Collect()

	assert.Equal(t, uint64(live), layer.Word(holder, 0))
	assert.Zero(t, layer.Word(holder, 1))
	assert.Equal(t, uint64(1), c.Stats().LinksCleared)

	c.UnregisterDisappearingLink(holder)
	roots[1] = 0
	c.Collect()
	assert.Equal(t, uint64(live), layer.Word(holder, 0), "unregistered link is left alone")
}

func TestCollector_Finalizers(t *testing.T) {
	c, layer := newTestCollector(t)

	p, err := c.Malloc(16)
	require.NoError(t, err)
	child, err := c.Malloc(8)
	require.NoError(t, err)
	layer.SetWord(p, 0, uint64(child))

	var finalized []rawmem.Pointer
	require.NoError(t, c.RegisterFinalizer(p, func(q rawmem.Pointer) {
		finalized = append(finalized, q)
	}))
	assert.ErrorIs(t, c.RegisterFinalizer(p+8, func(rawmem.Pointer) {}), ErrNotHeapPointer)

	c.Collect()

	// Resurrected together with everything it references, finalizer ran once.
	assert.Equal(t, []rawmem.Pointer{p}, finalized)
	assert.Equal(t, p, c.Base(p))
	assert.Equal(t, child, c.Base(child))

	c.Collect()
	assert.Equal(t, []rawmem.Pointer{p}, finalized)
	assert.Equal(t, rawmem.Nil, c.Base(p))
	assert.Equal(t, rawmem.Nil, c.Base(child))

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.FinalizersQueued)
	assert.Equal(t, uint64(1), stats.FinalizersInvoked)
}

func TestCollector_RemoveFinalizer(t *testing.T) {
	c, _ := newTestCollector(t)

	p, err := c.Malloc(8)
	require.NoError(t, err)
	require.NoError(t, c.RegisterFinalizer(p, func(rawmem.Pointer) { t.Fatal("finalizer must not run") }))
	require.NoError(t, c.RegisterFinalizer(p, nil))

	c.Collect()
	assert.Equal(t, rawmem.Nil, c.Base(p))
}

func TestCollector_FreeDropsQueuedFinalizer(t *testing.T) {
	c, _ := newTestCollector(t)

	p, err := c.Malloc(16)
	require.NoError(t, err)

	var finalized []rawmem.Pointer
	require.NoError(t, c.RegisterFinalizer(p, func(q rawmem.Pointer) {
		finalized = append(finalized, q)
	}))

	c.DisableFinalizers()
	c.Collect()
	require.True(t, c.ShouldInvokeFinalizers())

	require.NoError(t, c.Free(p))
	assert.False(t, c.ShouldInvokeFinalizers())

	// The freed memory may back a new live block.
	reused, err := c.Malloc(16)
	require.NoError(t, err)

	c.EnableFinalizers()
	assert.Empty(t, finalized)
	assert.Equal(t, reused, c.Base(reused))
	assert.Zero(t, c.Stats().FinalizersInvoked)
}

func TestCollector_QueuedFinalizerKeepsBlockAlive(t *testing.T) {
	c, _ := newTestCollector(t)

	p, err := c.Malloc(16)
	require.NoError(t, err)

	ran := 0
	require.NoError(t, c.RegisterFinalizer(p, func(q rawmem.Pointer) {
		assert.Equal(t, p, c.Base(q))
		ran++
	}))

	c.DisableFinalizers()
	c.Collect()
	c.Collect()
	assert.Equal(t, p, c.Base(p), "queued block survives later collections")

	c.EnableFinalizers()
	assert.Equal(t, 1, ran)

	c.Collect()
	assert.Equal(t, rawmem.Nil, c.Base(p))
}

func TestCollector_FinalizerLock(t *testing.T) {
	c, _ := newTestCollector(t)

	ran := 0
	newFinalizable := func() {
		p, err := c.Malloc(8)
		require.NoError(t, err)
		require.NoError(t, c.RegisterFinalizer(p, func(rawmem.Pointer) { ran++ }))
	}

	t.Run("disabled defers to enable", func(t *testing.T) {
		newFinalizable()
		c.DisableFinalizers()
		c.DisableFinalizers()
		c.Collect()
		assert.Zero(t, ran)
		assert.True(t, c.ShouldInvokeFinalizers())

		c.EnableFinalizers()
		assert.Zero(t, ran, "still disabled once")
		c.EnableFinalizers()
		assert.Equal(t, 1, ran)
		assert.Zero(t, c.FinalizerLock())
	})

	t.Run("collection inside finalizer defers to outer drain", func(t *testing.T) {
		ran = 0
		inner := 0
		outer, err := c.Malloc(8)
		require.NoError(t, err)
		require.NoError(t, c.RegisterFinalizer(outer, func(rawmem.Pointer) {
			assert.Equal(t, 1, c.FinalizerLock())
			p, err := c.Malloc(8)
			require.NoError(t, err)
			require.NoError(t, c.RegisterFinalizer(p, func(rawmem.Pointer) {
				inner++
			}))
			c.Collect()
			assert.Zero(t, inner, "nested notifier must not drain")
		}))

		c.Collect()
		assert.Equal(t, 1, inner)
		assert.Zero(t, c.FinalizerLock())
		assert.False(t, c.ShouldInvokeFinalizers())
	})

	t.Run("unbalanced enable panics", func(t *testing.T) {
		assert.Panics(t, c.EnableFinalizers)
	})
}

func TestCollector_AutomaticCollection(t *testing.T) {
	pacer := resource.NewController(resource.Config{CollectionsPerSecond: 0.001, CollectionBurst: 1})
	c, _ := newTestCollector(t, func(o *Options) {
		o.CollectThreshold = 64
		o.Pacer = pacer
	})

	for i := 0; i < 20; i++ {
		_, err := c.Malloc(16)
		require.NoError(t, err)
	}

	// Only the burst token is available.
	assert.Equal(t, uint64(1), c.Stats().Collections)
}
