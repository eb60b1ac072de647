package ioloop

import "errors"

// Sentinel errors for I/O worker operations.
// These errors enable reliable classification using errors.Is().

var (
	// ErrCancelled marks a worker exit caused by a terminate request.
	// It is a clean exit, not a failure.
	ErrCancelled = errors.New("worker cancelled")

	// ErrSocketIO indicates a read or write failure on the Bluetooth or
	// local-audio socket. It terminates the owning worker only, never
	// the process.
	ErrSocketIO = errors.New("socket I/O failed")

	// ErrMissingSockets indicates the transport's descriptors were not
	// provisioned before the worker was started.
	ErrMissingSockets = errors.New("transport sockets not provisioned")

	// ErrProfileMismatch indicates a worker kind that does not match
	// the transport's profile.
	ErrProfileMismatch = errors.New("worker does not match transport profile")

	// ErrFrameTooLarge indicates the negotiated link MTU cannot carry
	// even one encoded frame plus its envelope.
	ErrFrameTooLarge = errors.New("encoded frame exceeds link MTU")
)
