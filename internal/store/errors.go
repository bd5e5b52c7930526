package store

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptStore is returned when a store file cannot be decoded.
	ErrCorruptStore = errors.New("store: corrupt store file")
	// ErrIncompatibleVersion is returned when a store file was written with
	// a different schema version.
	ErrIncompatibleVersion = errors.New("store: incompatible schema version")
	// ErrDimensionMismatch is the sentinel matched by *DimensionMismatchError.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrEmptyRecord is returned by Put for an empty embedding list.
	ErrEmptyRecord = errors.New("store: record has no embeddings")
	// ErrLocked is returned when another process holds the store lock.
	ErrLocked = errors.New("store: locked by another process")
)

// DimensionMismatchError reports an embedding whose length differs from the
// dimensionality already established for a store.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Is lets errors.Is(err, ErrDimensionMismatch) match.
func (e *DimensionMismatchError) Is(target error) bool {
	return target == ErrDimensionMismatch
}
