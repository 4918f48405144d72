// Package gctrack maintains the collector-tracking state of container objects.
//
// An object is tracked when its header carries the tracked bit. Tracked refs
// are mirrored in a roaring bitmap so a collector pass can enumerate them.
// Tracking is one-way: once untracked an object is never tracked again.
package gctrack

import (
	"fmt"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/seqheap/object"
)

// Outcome is the result of MaybeUntrack.
type Outcome int

const (
	// Untracked means the object holds no element that could form a cycle and
	// has been removed from tracking (or was already untracked).
	Untracked Outcome = iota
	// KeepTracked means an element may participate in a cycle.
	KeepTracked
	// Defer means an empty slot was found; the object may still be under construction.
	Defer
)

func (o Outcome) String() string {
	switch o {
	case Untracked:
		return "untracked"
	case KeepTracked:
		return "keep-tracked"
	case Defer:
		return "defer"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Tracker tracks container objects for a collector.
// It is not safe for concurrent use.
type Tracker struct {
	space   *object.Space
	seq     *object.Type
	tracked *roaring64.Bitmap
	scans   atomic.Uint64
}

// New creates a Tracker for the objects of space.
func New(space *object.Space) *Tracker {
	return &Tracker{
		space:   space,
		seq:     space.SequenceType(),
		tracked: roaring64.New(),
	}
}

// Track registers r as tracked.
func (t *Tracker) Track(r object.Ref) {
	t.space.SetGCFlags(r, t.space.GCFlags(r)|object.GCTracked)
	t.tracked.Add(uint64(r))
}

// Untrack removes r from tracking. Untracking an untracked object is a no-op.
func (t *Tracker) Untrack(r object.Ref) {
	flags := t.space.GCFlags(r)
	if flags&object.GCTracked == 0 {
		return
	}
	t.space.SetGCFlags(r, flags&^object.GCTracked)
	t.tracked.Remove(uint64(r))
}

// IsTracked reports whether r is tracked.
func (t *Tracker) IsTracked(r object.Ref) bool {
	return t.space.GCFlags(r)&object.GCTracked != 0
}

// MayBeTracked reports whether r could take part in a reference cycle:
// it has a GC-capable type and is either not an exact sequence or a tracked one.
func (t *Tracker) MayBeTracked(r object.Ref) bool {
	if !t.space.TypeOf(r).IsGC() {
		return false
	}
	if !t.space.IsExact(r, t.seq) {
		return true
	}
	return t.IsTracked(r)
}

// MaybeUntrack untracks the sequence r if none of its elements can form a cycle.
//
// Elements are scanned in index order. An empty slot yields Defer. An element
// that may be tracked yields KeepTracked. Objects that are not exact sequences
// always yield KeepTracked, and already untracked sequences yield Untracked
// without scanning.
func (t *Tracker) MaybeUntrack(r object.Ref) Outcome {
	if !t.space.IsExact(r, t.seq) {
		return KeepTracked
	}
	if !t.IsTracked(r) {
		return Untracked
	}

	n := t.space.Size(r)
	for i := 0; i < n; i++ {
		t.scans.Add(1)
		elt := t.space.Slot(r, i)
		if elt == object.Nil {
			return Defer
		}
		if t.MayBeTracked(elt) {
			return KeepTracked
		}
	}

	t.Untrack(r)
	return Untracked
}

// Len returns the number of tracked objects.
func (t *Tracker) Len() int {
	return int(t.tracked.GetCardinality()) //nolint:gosec // bounded by addressable objects
}

// ForEachTracked calls fn for every tracked object in address order until fn
// returns false. fn may track or untrack objects.
func (t *Tracker) ForEachTracked(fn func(r object.Ref) bool) {
	for _, v := range t.tracked.ToArray() {
		r := object.Ref(v)
		if !t.tracked.Contains(v) {
			continue
		}
		if !fn(r) {
			return
		}
	}
}

// Scans returns the number of element inspections done by MaybeUntrack.
func (t *Tracker) Scans() uint64 {
	return t.scans.Load()
}
