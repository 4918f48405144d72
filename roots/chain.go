package roots

import "fmt"

// Frame is a native frame record holding reference slots.
type Frame struct {
	parent *Frame
	shape  int
	bottom bool

	// Slots hold the frame's words. The collector may read them during ScanRoots.
	Slots []uint64
}

// Shape returns the call-shape id the frame was pushed with.
func (f *Frame) Shape() int {
	return f.shape
}

// Parent returns the caller's frame, or nil for the outermost frame.
func (f *Frame) Parent() *Frame {
	return f.parent
}

// Chain is a linked list of frames headed by a fixed root anchor.
// It is not safe for concurrent use.
type Chain struct {
	anchor Frame
	top    *Frame
	depth  int
}

// NewChain creates an empty chain.
func NewChain() *Chain {
	c := &Chain{}
	c.top = &c.anchor
	return c
}

// Anchor returns the chain's root anchor. Its address never changes.
func (c *Chain) Anchor() *Frame {
	return &c.anchor
}

// Push adds a frame with n zeroed slots for the given call shape.
func (c *Chain) Push(shape, n int) *Frame {
	f := &Frame{
		parent: c.top,
		shape:  shape,
		Slots:  make([]uint64, n),
	}
	c.top = f
	c.depth++
	return f
}

// Pop removes f, which must be the top frame.
func (c *Chain) Pop(f *Frame) {
	if f != c.top || f == &c.anchor {
		panic(fmt.Sprintf("roots: pop of frame %p that is not the top frame", f))
	}
	c.top = f.parent
	f.parent = nil
	c.depth--
}

// Top returns the innermost frame, or nil if the chain is empty.
func (c *Chain) Top() *Frame {
	if c.top == &c.anchor {
		return nil
	}
	return c.top
}

// Depth returns the number of pushed frames.
func (c *Chain) Depth() int {
	return c.depth
}

// MarkBottom marks the top frame so that walks stop after it.
// It is a no-op on an empty chain.
func (c *Chain) MarkBottom() {
	if c.top != &c.anchor {
		c.top.bottom = true
	}
}

// Walk calls fn for each frame from the innermost outwards. It stops after a
// frame marked as bottom, at the anchor, or when fn returns false.
func (c *Chain) Walk(fn func(f *Frame) bool) {
	for f := c.top; f != &c.anchor; f = f.parent {
		if !fn(f) || f.bottom {
			return
		}
	}
}
