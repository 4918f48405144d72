// Package object defines the object header layout, references, reference
// counting and the type registry shared by every object kind.
//
// Every object lives in raw memory and starts with a fixed header:
//
//	word 0  type id
//	word 1  reference count
//	word 2  size (number of slots)
//	word 3  gc flags
//	word 4  free-list link
//
// Variable-size objects follow the header with size slot words.
package object

import (
	"errors"
	"fmt"
)

// Ref is a reference to an object header. The zero Ref is Nil.
type Ref uint64

// Nil is the empty reference.
const Nil Ref = 0

// WeakRef is the weak representation of a Ref. The bits are identical.
type WeakRef uint64

// TypeID identifies a registered type.
type TypeID uint64

// TypeFlags describes a type's capabilities.
type TypeFlags uint32

const (
	// FlagGC marks a type whose instances may participate in reference cycles.
	FlagGC TypeFlags = 1 << iota
	// FlagVarSize marks a type whose instances carry size slots after the header.
	FlagVarSize
)

// Header layout.
const (
	WordSize    = 8
	HeaderWords = 5
	HeaderSize  = HeaderWords * WordSize

	wordType   = 0
	wordRefcnt = 1
	wordSize   = 2
	wordGC     = 3
	wordLink   = 4
)

// GC flag bits.
const (
	GCTracked uint64 = 1 << iota
)

var (
	// ErrUnknownType is returned when a type id is not registered.
	ErrUnknownType = errors.New("object: unknown type")
	// ErrDuplicateType is returned when registering a type name twice.
	ErrDuplicateType = errors.New("object: duplicate type")
)

// VisitFunc is called for each child reference during traversal.
// A non-nil error stops the traversal and is returned to the caller.
type VisitFunc func(child Ref) error

// Type describes an object kind.
type Type struct {
	ID    TypeID
	Name  string
	Base  *Type
	Flags TypeFlags

	// Dealloc releases an object whose reference count dropped to zero.
	// If nil, the header is freed without touching the slots.
	Dealloc func(r Ref)

	// Traverse visits the object's children. Optional.
	Traverse func(r Ref, visit VisitFunc) error
}

// IsGC reports whether instances may be tracked by a collector.
func (t *Type) IsGC() bool {
	return t.Flags&FlagGC != 0
}

// IsSubtype reports whether t is base or derives from it.
func (t *Type) IsSubtype(base *Type) bool {
	for c := t; c != nil; c = c.Base {
		if c == base {
			return true
		}
	}
	return false
}

func (t *Type) String() string {
	return fmt.Sprintf("%s(%d)", t.Name, t.ID)
}
