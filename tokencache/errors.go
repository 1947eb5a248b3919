package tokencache

import "errors"

var (
	// ErrInvalidEntry is returned when an Entry is constructed without a
	// value.
	ErrInvalidEntry = errors.New("tokencache: invalid entry")

	// ErrAccessorInitializationFailed indicates the storage medium backing a
	// Store could not be opened. This usually points at a platform or
	// permission problem, and is not worth retrying.
	ErrAccessorInitializationFailed = errors.New("tokencache: accessor initialization failed")
)
