// Package store holds the error taxonomy shared by every storage component of
// DittoBLK, together with the persistence and device sub-packages.
package store

import "errors"

// ============================================================================
// Standard Storage Errors
// ============================================================================

// These errors give every component (index, block store, devices, cache,
// engine) one vocabulary for failure conditions. Callers classify with
// errors.Is or with CodeOf.
//
// Usage Pattern:
//
//	data, err := eng.Read(ctx, lba, engine.ReadOptions{})
//	if err != nil {
//	    if errors.Is(err, store.ErrNotFound) {
//	        // unmapped address, treat as a miss
//	    }
//	    return err
//	}
//
// Error Wrapping:
// Implementations wrap these errors with additional context:
//
//	return fmt.Errorf("hash %s: %w", h, store.ErrNotFound)

var (
	// ErrNotFound indicates the requested hash, key or logical address is absent.
	//
	// This error is returned when:
	//   - IncrementRef/DecrementRef on a hash that is not indexed
	//   - Read of a logical block address that was never written
	//   - Tier store lookups that miss
	//
	// Recoverable: callers treat it as a cache or dedup miss.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates an insert on a hash that is already indexed.
	//
	// This is a caller-side deduplication logic error. It is surfaced and
	// never retried.
	ErrAlreadyExists = errors.New("already exists")

	// ErrOutOfSpace indicates the block store could not find a free run
	// large enough for the allocation.
	//
	// The engine reacts by running garbage collection and defragmentation,
	// retrying a bounded number of times before failing the write.
	ErrOutOfSpace = errors.New("out of space")

	// ErrIO indicates a device-level read, write or flush failure.
	//
	// Device calls are retried with exponential backoff before this error
	// reaches the caller.
	ErrIO = errors.New("i/o error")

	// ErrDegraded indicates the device exceeded its retry ceiling and now
	// fails fast until it is reset.
	ErrDegraded = errors.New("device degraded")

	// ErrCorruption indicates a decompression failure or a verification
	// mismatch. The read is failed and no partial data is returned.
	ErrCorruption = errors.New("corruption detected")

	// ErrInvalidState indicates an operation attempted while the engine is
	// not Ready or Optimizing.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidArgument indicates a malformed request, such as a payload
	// whose length is not the engine block size.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrClosed indicates the component has been closed.
	ErrClosed = errors.New("closed")
)

// ErrorCode classifies an error into the storage taxonomy.
type ErrorCode int

const (
	CodeUnknown ErrorCode = iota
	CodeNotFound
	CodeAlreadyExists
	CodeOutOfSpace
	CodeIO
	CodeDegraded
	CodeCorruption
	CodeInvalidState
	CodeInvalidArgument
	CodeClosed
)

var codeNames = map[ErrorCode]string{
	CodeUnknown:         "Unknown",
	CodeNotFound:        "NotFound",
	CodeAlreadyExists:   "AlreadyExists",
	CodeOutOfSpace:      "OutOfSpace",
	CodeIO:              "IoError",
	CodeDegraded:        "Degraded",
	CodeCorruption:      "CorruptionDetected",
	CodeInvalidState:    "InvalidState",
	CodeInvalidArgument: "InvalidArgument",
	CodeClosed:          "Closed",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "Unknown"
}

// CodeOf returns the taxonomy code of err, looking through wrapped errors.
// A nil error maps to CodeUnknown.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return CodeUnknown
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrAlreadyExists):
		return CodeAlreadyExists
	case errors.Is(err, ErrOutOfSpace):
		return CodeOutOfSpace
	case errors.Is(err, ErrDegraded):
		return CodeDegraded
	case errors.Is(err, ErrIO):
		return CodeIO
	case errors.Is(err, ErrCorruption):
		return CodeCorruption
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrClosed):
		return CodeClosed
	default:
		return CodeUnknown
	}
}

// IsRetryable reports whether err is a transient device failure. Logical and
// contract errors are never retried.
func IsRetryable(err error) bool {
	return CodeOf(err) == CodeIO
}
