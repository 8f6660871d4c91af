package relay

import "errors"

var (
	// ErrInvalidInput reports a request the stores refuse to process (empty ids, self-conversation).
	ErrInvalidInput = errors.New("relay: invalid input")
	// ErrNotFound reports a missing conversation, message or membership row.
	ErrNotFound = errors.New("relay: not found")
	// ErrForbidden reports an operation on an entity the caller does not own.
	ErrForbidden = errors.New("relay: forbidden")
	// ErrClientClosed is returned when enqueueing to a client that is shutting down.
	ErrClientClosed = errors.New("relay: client closed")
)
