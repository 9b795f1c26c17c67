// Package errs holds the shared error taxonomy of spec.md §7 so that it can
// be imported both by the root tuplebox package (which re-exports it as its
// public API) and by the store/relation/mvcc/gc packages without a import
// cycle back through the root package.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors for the taxonomy of spec.md §7. Callers should use
// errors.Is against these, or errors.As against *ConflictError / *BoxFullError
// for structured fields.
var (
	ErrNotFound  = errors.New("tuplebox: not found")
	ErrDuplicate = errors.New("tuplebox: duplicate domain")
	ErrDecoding  = errors.New("tuplebox: decoding error")
	ErrEncoding  = errors.New("tuplebox: encoding error")
	ErrFatal     = errors.New("tuplebox: fatal invariant violation")

	// ErrConflict is the sentinel wrapped by *ConflictError; match on this
	// with errors.Is when the specific kind doesn't matter.
	ErrConflict = errors.New("tuplebox: commit conflict")

	// ErrBoxFull is the sentinel wrapped by *BoxFullError.
	ErrBoxFull = errors.New("tuplebox: buffer pool exhausted")

	// ErrNoInverse is returned when a codomain operation is attempted on a
	// relation declared without a secondary index.
	ErrNoInverse = errors.New("tuplebox: relation has no inverse index")

	// ErrMultipleMatches is returned by SeekUniqueByCodomain when more than
	// one domain currently maps to the requested codomain.
	ErrMultipleMatches = errors.New("tuplebox: codomain is not unique")
)

// ConflictKind distinguishes the two conflict sources named in spec.md §4.3
// and §7: a tuple-version race (ConcurrentWrite/DuplicateWrite) versus a
// relation-lock acquisition race (RelationContention), which the manager may
// retry internally a bounded number of times.
type ConflictKind int

const (
	ConcurrentWrite ConflictKind = iota
	DuplicateWrite
	RelationContention
)

func (k ConflictKind) String() string {
	switch k {
	case ConcurrentWrite:
		return "concurrent-write"
	case DuplicateWrite:
		return "duplicate"
	case RelationContention:
		return "relation-contention"
	default:
		return "unknown"
	}
}

// ConflictError is the structured form of spec.md's Conflict(...) error.
type ConflictError struct {
	Kind     ConflictKind
	Relation string
	Domain   []byte
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("tuplebox: conflict(%s) on relation %q", e.Kind, e.Relation)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// BoxFullError is the structured form of spec.md's BoxFull(requested,
// available) error.
type BoxFullError struct {
	Requested int
	Available int
}

func (e *BoxFullError) Error() string {
	return fmt.Sprintf("tuplebox: box full: requested %d bytes, %d available", e.Requested, e.Available)
}

func (e *BoxFullError) Unwrap() error { return ErrBoxFull }

// FatalError wraps an invariant violation in the paged store. It is still
// returned through the normal error path rather than panicking across a
// public API boundary, but callers must not continue to use the Database
// handle after observing one: IsFatal(err) reports whether that is the case.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string { return "tuplebox: fatal: " + e.Reason }

func (e *FatalError) Unwrap() error { return ErrFatal }

// IsFatal reports whether err (or any error it wraps) is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
