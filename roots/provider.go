package roots

import (
	"fmt"

	"github.com/hupe1980/seqheap/gc"
)

// PreciseProvider reports exactly the live slots named by each frame's call shape.
type PreciseProvider struct {
	base
	table *ShapeTable
}

// NewPrecise creates a precise provider over chain.
func NewPrecise(chain *Chain, table *ShapeTable) *PreciseProvider {
	return &PreciseProvider{base: base{chain: chain}, table: table}
}

// Strategy implements Provider.
func (p *PreciseProvider) Strategy() Strategy {
	return Precise
}

// Table returns the shape table.
func (p *PreciseProvider) Table() *ShapeTable {
	return p.table
}

// ScanRoots implements Provider. It panics on a frame whose shape is unknown
// or whose live slots exceed its size.
func (p *PreciseProvider) ScanRoots(fn func(loc *uint64)) {
	p.chain.Walk(func(f *Frame) bool {
		live, err := p.table.Live(f.shape)
		if err != nil {
			panic(err)
		}
		for _, i := range live {
			if i >= len(f.Slots) {
				panic(fmt.Sprintf("roots: shape %q names slot %d of a %d-slot frame", p.table.Name(f.shape), i, len(f.Slots)))
			}
			fn(&f.Slots[i])
		}
		return true
	})
}

// ConservativeProvider reports every slot of every frame.
type ConservativeProvider struct {
	base
	collector *gc.Collector
}

// NewConservative creates a conservative provider over chain and installs it
// as the collector's root scanner.
func NewConservative(chain *Chain, collector *gc.Collector) *ConservativeProvider {
	p := &ConservativeProvider{base: base{chain: chain}, collector: collector}
	collector.SetRootScanner(p)
	return p
}

// Strategy implements Provider.
func (p *ConservativeProvider) Strategy() Strategy {
	return Conservative
}

// Collector returns the backing collector.
func (p *ConservativeProvider) Collector() *gc.Collector {
	return p.collector
}

// ScanRoots implements Provider.
func (p *ConservativeProvider) ScanRoots(fn func(loc *uint64)) {
	p.chain.Walk(func(f *Frame) bool {
		for i := range f.Slots {
			fn(&f.Slots[i])
		}
		return true
	})
}

var (
	_ Provider       = (*PreciseProvider)(nil)
	_ Provider       = (*ConservativeProvider)(nil)
	_ gc.RootScanner = (*ConservativeProvider)(nil)
)
