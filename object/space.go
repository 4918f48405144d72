package object

import (
	"fmt"

	"github.com/hupe1980/seqheap/rawmem"
)

// Built-in type ids.
const (
	SequenceTypeID TypeID = iota + 1
	IntTypeID
	ListTypeID
)

// Space owns the raw memory of a set of objects and their type registry.
// It is not safe for concurrent use.
type Space struct {
	layer  *rawmem.Layer
	types  map[TypeID]*Type
	byName map[string]*Type
	nextID TypeID

	seqType  *Type
	intType  *Type
	listType *Type
}

// NewSpace creates a Space on top of the given layer and registers the
// built-in types.
func NewSpace(layer *rawmem.Layer) *Space {
	s := &Space{
		layer:  layer,
		types:  make(map[TypeID]*Type),
		byName: make(map[string]*Type),
		nextID: ListTypeID + 1,
	}

	s.seqType = s.builtin(&Type{ID: SequenceTypeID, Name: "sequence", Flags: FlagGC | FlagVarSize})
	s.intType = s.builtin(&Type{ID: IntTypeID, Name: "int"})
	s.listType = s.builtin(&Type{ID: ListTypeID, Name: "list", Flags: FlagGC | FlagVarSize})
	s.listType.Dealloc = s.deallocList
	s.listType.Traverse = s.traverseSlots

	return s
}

func (s *Space) builtin(t *Type) *Type {
	s.types[t.ID] = t
	s.byName[t.Name] = t
	return t
}

// Layer returns the raw memory layer.
func (s *Space) Layer() *rawmem.Layer {
	return s.layer
}

// SequenceType returns the base sequence type.
func (s *Space) SequenceType() *Type {
	return s.seqType
}

// IntType returns the leaf integer type.
func (s *Space) IntType() *Type {
	return s.intType
}

// ListType returns the fixed-capacity container type.
func (s *Space) ListType() *Type {
	return s.listType
}

// RegisterType assigns an id to t and adds it to the registry.
func (s *Space) RegisterType(t *Type) (*Type, error) {
	if _, ok := s.byName[t.Name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateType, t.Name)
	}
	t.ID = s.nextID
	s.nextID++
	return s.builtin(t), nil
}

// TypeByID looks up a registered type.
func (s *Space) TypeByID(id TypeID) (*Type, error) {
	t, ok := s.types[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, id)
	}
	return t, nil
}

// TypeByName looks up a registered type.
func (s *Space) TypeByName(name string) (*Type, bool) {
	t, ok := s.byName[name]
	return t, ok
}

// TypeOf returns the type of r. It panics on an unregistered type id.
func (s *Space) TypeOf(r Ref) *Type {
	t, err := s.TypeByID(TypeID(s.word(r, wordType)))
	if err != nil {
		panic(fmt.Sprintf("object %#x: %v", r, err))
	}
	return t
}

// IsExact reports whether r's type is exactly t.
func (s *Space) IsExact(r Ref, t *Type) bool {
	return TypeID(s.word(r, wordType)) == t.ID
}

func (s *Space) word(r Ref, i int) uint64 {
	return s.layer.Word(rawmem.Pointer(r), i)
}

func (s *Space) setWord(r Ref, i int, v uint64) {
	s.layer.SetWord(rawmem.Pointer(r), i, v)
}

// InitHeader writes a fresh header: refcount 1, no gc flags, no link.
func (s *Space) InitHeader(r Ref, t *Type, size int) {
	s.setWord(r, wordType, uint64(t.ID))
	s.setWord(r, wordRefcnt, 1)
	s.setWord(r, wordSize, uint64(size)) //nolint:gosec // size >= 0
	s.setWord(r, wordGC, 0)
	s.setWord(r, wordLink, 0)
}

// Size returns the number of slots of r.
func (s *Space) Size(r Ref) int {
	return int(s.word(r, wordSize)) //nolint:gosec // written from a non-negative int
}

// Slot returns slot i of r without bounds checking.
func (s *Space) Slot(r Ref, i int) Ref {
	return Ref(s.word(r, HeaderWords+i))
}

// SetSlot stores v in slot i of r without bounds checking or refcounting.
func (s *Space) SetSlot(r Ref, i int, v Ref) {
	s.setWord(r, HeaderWords+i, uint64(v))
}

// ClearSlots empties slots [0, n) of r.
func (s *Space) ClearSlots(r Ref, n int) {
	if n <= 0 {
		return
	}
	p := rawmem.Pointer(r) + HeaderSize
	s.layer.ZeroFill(p, n*WordSize)
}

// GCFlags returns the gc flag word of r.
func (s *Space) GCFlags(r Ref) uint64 {
	return s.word(r, wordGC)
}

// SetGCFlags replaces the gc flag word of r.
func (s *Space) SetGCFlags(r Ref, flags uint64) {
	s.setWord(r, wordGC, flags)
}

// Link returns the intrusive free-list link of r.
func (s *Space) Link(r Ref) Ref {
	return Ref(s.word(r, wordLink))
}

// SetLink sets the intrusive free-list link of r.
func (s *Space) SetLink(r Ref, next Ref) {
	s.setWord(r, wordLink, uint64(next))
}

// RefCount returns the reference count of r.
func (s *Space) RefCount(r Ref) int64 {
	return int64(s.word(r, wordRefcnt)) //nolint:gosec // two's complement
}

// SetRefCount overwrites the reference count of r.
func (s *Space) SetRefCount(r Ref, n int64) {
	s.setWord(r, wordRefcnt, uint64(n)) //nolint:gosec // two's complement
}

// IncRef adds a reference to r.
func (s *Space) IncRef(r Ref) {
	s.SetRefCount(r, s.RefCount(r)+1)
}

// DecRef drops a reference to r and deallocates it when none remain.
func (s *Space) DecRef(r Ref) {
	n := s.RefCount(r) - 1
	if n < 0 {
		panic(fmt.Sprintf("object %#x: negative reference count", r))
	}
	s.SetRefCount(r, n)
	if n == 0 {
		s.dealloc(r)
	}
}

// XIncRef is IncRef that ignores Nil.
func (s *Space) XIncRef(r Ref) {
	if r != Nil {
		s.IncRef(r)
	}
}

// XDecRef is DecRef that ignores Nil.
func (s *Space) XDecRef(r Ref) {
	if r != Nil {
		s.DecRef(r)
	}
}

func (s *Space) dealloc(r Ref) {
	t := s.TypeOf(r)
	if t.Dealloc != nil {
		t.Dealloc(r)
		return
	}
	s.FreeObject(r)
}

// NewObject allocates an object of type t with size zeroed slots.
func (s *Space) NewObject(t *Type, size int) (Ref, error) {
	total := HeaderSize + size*WordSize
	p, err := s.layer.Allocate(total)
	if err != nil {
		return Nil, err
	}
	r := Ref(p)
	s.InitHeader(r, t, size)
	s.ClearSlots(r, size)
	return r, nil
}

// FreeObject releases the memory of r without running its Dealloc.
func (s *Space) FreeObject(r Ref) {
	s.layer.Free(rawmem.Pointer(r))
}

// Traverse calls the type's Traverse hook, if any.
func (s *Space) Traverse(r Ref, visit VisitFunc) error {
	t := s.TypeOf(r)
	if t.Traverse == nil {
		return nil
	}
	return t.Traverse(r, visit)
}

// NewInt allocates an int object holding v.
func (s *Space) NewInt(v int64) (Ref, error) {
	r, err := s.NewObject(s.intType, 1)
	if err != nil {
		return Nil, err
	}
	s.setWord(r, HeaderWords, uint64(v)) //nolint:gosec // two's complement
	return r, nil
}

// IntValue returns the value of an int object.
func (s *Space) IntValue(r Ref) int64 {
	return int64(s.word(r, HeaderWords)) //nolint:gosec // two's complement
}

// NewList allocates a list holding new references to items.
func (s *Space) NewList(items ...Ref) (Ref, error) {
	r, err := s.NewObject(s.listType, len(items))
	if err != nil {
		return Nil, err
	}
	for i, it := range items {
		s.XIncRef(it)
		s.SetSlot(r, i, it)
	}
	return r, nil
}

func (s *Space) deallocList(r Ref) {
	for i := s.Size(r) - 1; i >= 0; i-- {
		it := s.Slot(r, i)
		s.SetSlot(r, i, Nil)
		s.XDecRef(it)
	}
	s.FreeObject(r)
}

func (s *Space) traverseSlots(r Ref, visit VisitFunc) error {
	for i := s.Size(r) - 1; i >= 0; i-- {
		if it := s.Slot(r, i); it != Nil {
			if err := visit(it); err != nil {
				return err
			}
		}
	}
	return nil
}
