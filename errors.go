package tuplebox

import "github.com/arborly/tuplebox/errs"

// The public error taxonomy lives in the errs package so internal packages
// can depend on it without importing the root package; these are aliases so
// callers of tuplebox never need to know that.
var (
	ErrNotFound        = errs.ErrNotFound
	ErrDuplicate       = errs.ErrDuplicate
	ErrDecoding        = errs.ErrDecoding
	ErrEncoding        = errs.ErrEncoding
	ErrFatal           = errs.ErrFatal
	ErrConflict        = errs.ErrConflict
	ErrBoxFull         = errs.ErrBoxFull
	ErrNoInverse       = errs.ErrNoInverse
	ErrMultipleMatches = errs.ErrMultipleMatches
)

type (
	ConflictKind  = errs.ConflictKind
	ConflictError = errs.ConflictError
	BoxFullError  = errs.BoxFullError
	FatalError    = errs.FatalError
)

const (
	ConcurrentWrite    = errs.ConcurrentWrite
	DuplicateWrite     = errs.DuplicateWrite
	RelationContention = errs.RelationContention
)

// IsFatal reports whether err (or any error it wraps) is a FatalError.
func IsFatal(err error) bool { return errs.IsFatal(err) }
