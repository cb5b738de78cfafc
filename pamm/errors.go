package pamm

import "errors"

// Sentinel errors shared by the segment allocator and, by convention,
// re-exported/wrapped by every pool built on top of it (spec.md §7).
var (
	// ErrShape is returned when a header exists under a name with a
	// different type or declared size than requested.
	ErrShape = errors.New("parrotdb: header exists with incompatible shape")

	// ErrFull is returned when a pool has reached its configured
	// maximum number of atoms.
	ErrFull = errors.New("parrotdb: pool exhausted")

	// ErrIO wraps failures from the underlying file or mapping.
	ErrIO = errors.New("parrotdb: segment i/o error")

	// ErrDuplicateName reports a header name already registered under an
	// incompatible directory entry. Header does not return it: a
	// same-named entry with a different type or size yields ErrShape.
	ErrDuplicateName = errors.New("parrotdb: duplicate header name")

	// ErrNameTooLong is returned when a header name exceeds
	// MaxHeaderName bytes once NUL-terminated.
	ErrNameTooLong = errors.New("parrotdb: header name too long")

	// ErrDirectoryFull is returned when the segment's header directory
	// cannot grow any further (used only as a last-resort guard; in
	// practice the directory grows by linking additional pages).
	ErrDirectoryFull = errors.New("parrotdb: header directory exhausted")
)
