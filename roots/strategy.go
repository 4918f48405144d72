// Package roots provides stack-root discovery for collectors.
//
// Native frames that hold object references register themselves on a Chain.
// A Provider enumerates the root locations of those frames with one of two
// strategies, chosen once per heap:
//
//   - Precise: a read-only ShapeTable lists, per call shape, exactly which
//     frame slots are live references.
//   - Conservative: every frame slot is a candidate and the gc.Collector
//     decides which words point into its blocks.
package roots

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Strategy selects how roots are discovered.
type Strategy int

const (
	// Precise walks frames using call-shape tables.
	Precise Strategy = iota + 1
	// Conservative treats every frame word as a potential pointer.
	Conservative
)

// ErrUnknownStrategy is returned by ParseStrategy.
var ErrUnknownStrategy = errors.New("roots: unknown strategy")

func (s Strategy) String() string {
	switch s {
	case Precise:
		return "precise"
	case Conservative:
		return "conservative"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy parses "precise" or "conservative" (case-insensitive).
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "precise":
		return Precise, nil
	case "conservative":
		return Conservative, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// Provider enumerates stack roots.
type Provider interface {
	// Strategy reports the provider's strategy.
	Strategy() Strategy
	// ScanRoots calls fn with every root location.
	ScanRoots(fn func(loc *uint64))
	// KeepAlive keeps v reachable up to the call.
	KeepAlive(v any)
	// StackBottom marks the current top frame as the end of the scannable stack.
	StackBottom()
}

type base struct {
	chain *Chain
}

func (b base) KeepAlive(v any) {
	runtime.KeepAlive(v)
}

func (b base) StackBottom() {
	b.chain.MarkBottom()
}
