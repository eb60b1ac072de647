package codec

import "errors"

// Sentinel errors for codec operations.
// These errors enable reliable classification using errors.Is().

var (
	// ErrInvalidConfig indicates a configuration blob whose size or
	// content does not match the codec's expected layout. Fatal at
	// transport creation, never retried.
	ErrInvalidConfig = errors.New("invalid codec configuration")

	// ErrUnknownCodec indicates an unrecognized codec identifier.
	ErrUnknownCodec = errors.New("unknown codec")

	// ErrDecode indicates a malformed wire frame the codec could not
	// conceal. The frame is dropped by the caller; decoding continues.
	ErrDecode = errors.New("codec decode failed")

	// ErrEncodeUnsupported indicates the codec has no encoder on this
	// host (the Opus streaming path is decode-only).
	ErrEncodeUnsupported = errors.New("codec does not support encoding")
)
