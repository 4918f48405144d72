// Package trashcan bounds native recursion during cascading deallocation.
//
// Tearing down an object releases its children, which may tear down their own
// children, and so on. Guard.Run runs teardowns inline up to a nesting
// threshold. Deeper teardowns are pushed onto a deferred queue that the
// outermost Run drains iteratively before returning.
package trashcan

import (
	"github.com/hupe1980/seqheap/object"
)

// DefaultThreshold is the default nesting depth at which teardowns are deferred.
const DefaultThreshold = 50

// Stats reports guard activity.
type Stats struct {
	Deferred      uint64 // teardowns pushed onto the queue
	Drains        uint64 // outermost drains that processed at least one entry
	MaxQueueLen   int
	MaxDepth      int
	CurrentDepth  int
	CurrentQueued int
}

type pending struct {
	ref      object.Ref
	teardown func(object.Ref)
}

// Guard is a deallocation nesting guard.
// It is not safe for concurrent use.
type Guard struct {
	threshold int
	depth     int
	queue     []pending
	draining  bool
	stats     Stats
	onDrain   func(processed int)
}

// New creates a Guard. A threshold <= 0 selects DefaultThreshold.
func New(threshold int) *Guard {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Guard{threshold: threshold}
}

// OnDrain installs a callback invoked after each non-empty drain with the
// number of deferred teardowns it processed.
func (g *Guard) OnDrain(fn func(processed int)) {
	g.onDrain = fn
}

// Threshold returns the nesting threshold.
func (g *Guard) Threshold() int {
	return g.threshold
}

// Depth returns the current nesting depth.
func (g *Guard) Depth() int {
	return g.depth
}

// Run tears down r, inline if the nesting depth allows it and deferred otherwise.
func (g *Guard) Run(r object.Ref, teardown func(object.Ref)) {
	if g.depth >= g.threshold {
		if g.queue == nil {
			g.queue = make([]pending, 0, g.threshold)
		}
		g.queue = append(g.queue, pending{ref: r, teardown: teardown})
		g.stats.Deferred++
		g.stats.MaxQueueLen = max(g.stats.MaxQueueLen, len(g.queue))
		return
	}

	g.enter()
	teardown(r)
	g.depth--

	if g.depth == 0 && !g.draining {
		g.drain()
	}
}

func (g *Guard) enter() {
	g.depth++
	g.stats.MaxDepth = max(g.stats.MaxDepth, g.depth)
}

// drain processes deferred teardowns until the queue is empty, then drops it.
func (g *Guard) drain() {
	if len(g.queue) == 0 {
		g.queue = nil
		return
	}

	g.draining = true
	processed := 0
	for len(g.queue) > 0 {
		last := len(g.queue) - 1
		p := g.queue[last]
		g.queue[last] = pending{}
		g.queue = g.queue[:last]

		g.enter()
		p.teardown(p.ref)
		g.depth--
		processed++
	}
	g.queue = nil
	g.draining = false

	g.stats.Drains++
	if g.onDrain != nil {
		g.onDrain(processed)
	}
}

// Stats returns a snapshot of the guard's statistics.
func (g *Guard) Stats() Stats {
	s := g.stats
	s.CurrentDepth = g.depth
	s.CurrentQueued = len(g.queue)
	return s
}
