package sandbox

import "errors"

var (
	// ErrNotFound is returned when no backend task carries the sandbox tag.
	// This is a normal terminal state, not a fault.
	ErrNotFound = errors.New("sandbox not found")

	// ErrBackendUnavailable is returned when a backend call itself failed.
	// Callers must not conflate this with a sandbox that never existed.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrInvalidRequest is returned for a malformed create request,
	// rejected before any backend call is made
	ErrInvalidRequest = errors.New("invalid sandbox request")
)
