package roots

import (
	"errors"
	"fmt"
	"unsafe"

	// Addresses of the encoded tables are handed out as plain integers.
	_ "go4.org/unsafe/assume-no-moving-gc"
)

// ErrInvalidShape is returned for malformed call shapes or unknown shape ids.
var ErrInvalidShape = errors.New("roots: invalid call shape")

// Static address indices.
const (
	AddrShapeStart = iota
	AddrShapeEnd
	AddrCallShapes
	AddrRootAnchor
)

// CallShape lists the live reference slots of a frame kind.
type CallShape struct {
	Name string
	Live []int
}

// Addresses are the four fixed addresses exposed by a ShapeTable.
type Addresses struct {
	ShapeStart uintptr // first (shape id, offset) entry
	ShapeEnd   uintptr // one past the last entry
	CallShapes uintptr // encoded live-slot lists
	RootAnchor uintptr // the chain's anchor frame
}

// ShapeTable is a read-only table of call shapes.
//
// The table is encoded as a sorted array of (shape id, offset) pairs pointing
// into a compact array of live-slot lists, each stored as a count followed by
// the slot indices.
type ShapeTable struct {
	names      []string
	entries    []uintptr // id0, off0, id1, off1, ...
	callShapes []int32
	chain      *Chain
}

// NewShapeTable encodes shapes. Shape ids are the indices into shapes.
func NewShapeTable(chain *Chain, shapes ...CallShape) (*ShapeTable, error) {
	t := &ShapeTable{
		names:   make([]string, len(shapes)),
		entries: make([]uintptr, 0, 2*len(shapes)),
		chain:   chain,
	}

	for id, s := range shapes {
		seen := make(map[int]bool, len(s.Live))
		for _, idx := range s.Live {
			if idx < 0 || idx > 1<<30 {
				return nil, fmt.Errorf("%w: %s: slot %d", ErrInvalidShape, s.Name, idx)
			}
			if seen[idx] {
				return nil, fmt.Errorf("%w: %s: duplicate slot %d", ErrInvalidShape, s.Name, idx)
			}
			seen[idx] = true
		}

		t.names[id] = s.Name
		t.entries = append(t.entries, uintptr(id), uintptr(len(t.callShapes)))
		t.callShapes = append(t.callShapes, int32(len(s.Live))) //nolint:gosec // bounded above
		for _, idx := range s.Live {
			t.callShapes = append(t.callShapes, int32(idx)) //nolint:gosec // bounded above
		}
	}

	return t, nil
}

// Len returns the number of call shapes.
func (t *ShapeTable) Len() int {
	return len(t.names)
}

// Name returns the name of a call shape.
func (t *ShapeTable) Name(shape int) string {
	if shape < 0 || shape >= len(t.names) {
		return ""
	}
	return t.names[shape]
}

// Live decodes the live slot indices of a call shape.
func (t *ShapeTable) Live(shape int) ([]int, error) {
	if shape < 0 || 2*shape+1 >= len(t.entries) || t.entries[2*shape] != uintptr(shape) {
		return nil, fmt.Errorf("%w: unknown shape %d", ErrInvalidShape, shape)
	}
	off := int(t.entries[2*shape+1]) //nolint:gosec // written from an int
	n := int(t.callShapes[off])
	live := make([]int, n)
	for i := range live {
		live[i] = int(t.callShapes[off+1+i])
	}
	return live, nil
}

// Addresses returns the table's fixed addresses.
func (t *ShapeTable) Addresses() Addresses {
	start := uintptr(unsafe.Pointer(unsafe.SliceData(t.entries))) //nolint:gosec // stable, see import
	return Addresses{
		ShapeStart: start,
		ShapeEnd:   start + uintptr(len(t.entries))*unsafe.Sizeof(uintptr(0)),
		CallShapes: uintptr(unsafe.Pointer(unsafe.SliceData(t.callShapes))), //nolint:gosec // stable, see import
		RootAnchor: uintptr(unsafe.Pointer(t.chain.Anchor())),                //nolint:gosec // stable, see import
	}
}

// Static returns address i (one of the Addr* indices), or 0 if i is out of range.
func (t *ShapeTable) Static(i int) uintptr {
	a := t.Addresses()
	switch i {
	case AddrShapeStart:
		return a.ShapeStart
	case AddrShapeEnd:
		return a.ShapeEnd
	case AddrCallShapes:
		return a.CallShapes
	case AddrRootAnchor:
		return a.RootAnchor
	default:
		return 0
	}
}
