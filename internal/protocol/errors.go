package protocol

import "errors"

// Decode error kinds (§4.1). These are sentinel errors so callers can use
// errors.Is against them regardless of the wrapping added by Decode/ReadFrame.
var (
	// ErrShortRead means the underlying reader closed before a full frame
	// (header or payload) could be read.
	ErrShortRead = errors.New("protocol: short read")

	// ErrOversizeFrame means a frame header declared a payload larger than
	// MaxPayloadSize. The stream that produced it is not restartable.
	ErrOversizeFrame = errors.New("protocol: oversize frame")

	// ErrMalformedPayload means the payload bytes did not decode into a
	// well-formed message of the tagged variant they claimed to be.
	ErrMalformedPayload = errors.New("protocol: malformed payload")

	// ErrUnknownVariant means the payload's leading tag byte did not match
	// any known Message variant. Unlike malformed payloads, an unknown
	// variant can never be forward-compatible — it is always fatal.
	ErrUnknownVariant = errors.New("protocol: unknown variant")
)
