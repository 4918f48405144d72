package seqheap

import (
	"errors"
	"fmt"

	"github.com/hupe1980/seqheap/gc"
	"github.com/hupe1980/seqheap/rawmem"
	"github.com/hupe1980/seqheap/sequence"
)

var (
	// ErrOutOfMemory is returned when raw memory is exhausted.
	ErrOutOfMemory = rawmem.ErrOutOfMemory
	// ErrInvalidArgument is returned for negative sequence sizes.
	ErrInvalidArgument = sequence.ErrInvalidArgument
	// ErrOverflow is returned when a sequence size cannot be represented in bytes.
	ErrOverflow = sequence.ErrOverflow
	// ErrIndexOutOfRange is returned by element access outside the sequence.
	ErrIndexOutOfRange = sequence.ErrIndexOutOfRange
	// ErrNotSequence is returned when an object is not a sequence.
	ErrNotSequence = sequence.ErrNotSequence
	// ErrNotHeapPointer is returned by the conservative collector for foreign pointers.
	ErrNotHeapPointer = gc.ErrNotHeapPointer
	// ErrNoCollector is returned when a collector operation is used with the precise strategy.
	ErrNoCollector = errors.New("no conservative collector")
	// ErrNotContainer is returned when tracking an object whose type is not collector-aware.
	ErrNotContainer = errors.New("type is not collector-aware")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("heap closed")
)

// SizeError reports a sequence construction that failed for a given size.
//
// The original underlying error can be accessed via errors.Unwrap, so
// errors.Is(err, ErrOverflow) and friends keep working.
type SizeError struct {
	Size  int
	cause error
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("sequence of size %d: %v", e.Size, e.cause)
}

func (e *SizeError) Unwrap() error { return e.cause }

func translateError(size int, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, sequence.ErrInvalidArgument),
		errors.Is(err, sequence.ErrOverflow),
		errors.Is(err, rawmem.ErrOutOfMemory):
		return &SizeError{Size: size, cause: err}
	}

	return err
}
