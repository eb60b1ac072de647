package transport

import "errors"

// Sentinel errors for transport operations.
// These errors enable reliable classification using errors.Is().

var (
	// ErrInvalidConfig indicates a codec configuration blob that does
	// not match the expected layout for the transport's codec tag.
	// Fatal at creation, never retried.
	ErrInvalidConfig = errors.New("invalid transport configuration")

	// ErrNoCapability indicates no acquire/release capability has been
	// injected for this transport.
	ErrNoCapability = errors.New("no acquire/release capability")

	// ErrAcquireFailed indicates the injected acquire callback could
	// not provision the transport's sockets. Reported to the
	// controller; the transport stays non-active.
	ErrAcquireFailed = errors.New("transport acquire failed")

	// ErrNotAcquired indicates an operation that requires valid socket
	// descriptors was attempted before a successful acquire.
	ErrNotAcquired = errors.New("transport not acquired")

	// ErrInvalidTransition indicates a lifecycle transition that is not
	// permitted from the current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrDirectionBusy indicates an I/O worker is already running for
	// the requested direction of this transport.
	ErrDirectionBusy = errors.New("direction already has a running worker")

	// ErrDestroyed indicates the transport's reference count reached
	// zero and its resources have been released.
	ErrDestroyed = errors.New("transport destroyed")
)
