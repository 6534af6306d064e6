package proto

import "errors"

// Error taxonomy for pipeline requests. All are fatal to the affected call or
// stage only; none corrupts session state.
var (
	// ErrInvalidRequest marks a malformed or unsupported request primitive.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotFound marks a missing session or turn.
	ErrNotFound = errors.New("not found")
	// ErrMissingData marks an unrecoverable artifact or absent batch outputs.
	ErrMissingData = errors.New("missing data")
	// ErrConcurrencyConflict marks a duplicate in-flight or already-processed
	// turn. Short-circuited silently, never surfaced as a failure.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)
