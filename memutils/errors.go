package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
)

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

var (
	// ErrIndexOutOfRange is returned when an index argument falls outside the list. Reads and
	// index-based removals accept [0, size), insertion accepts [0, size].
	ErrIndexOutOfRange = cerrors.New("index out of range: must be between 0 and size")
	// ErrInvalidIndex is returned when an insertion index is outside [0, size], or when an index
	// derived from a failed search or a foreign node is used. It wraps ErrIndexOutOfRange, so
	// callers checking for ErrIndexOutOfRange catch it too.
	ErrInvalidIndex = cerrors.Wrap(ErrIndexOutOfRange, "invalid index")
	// ErrNullReference is returned when a node operation receives a nil node or is performed on
	// an empty list.
	ErrNullReference = cerrors.New("null node reference")

	// ErrOutOfMemory is returned when no free region can satisfy an allocation
	ErrOutOfMemory = cerrors.New("out of memory")
	// ErrInvalidSize is returned when a size is zero or negative
	ErrInvalidSize = cerrors.New("size must be greater than zero")
	// ErrInvalidAlignment is returned when a requested alignment is larger than the arena
	ErrInvalidAlignment = cerrors.New("alignment exceeds the arena size")
	// ErrUnknownAllocation is returned when a handle does not map to a live allocation
	ErrUnknownAllocation = cerrors.New("handle does not map to a live allocation")
)
