package protocol

import "errors"

// Framing errors are fatal for the connection that produced them.
var (
	ErrBadMagic        = errors.New("bad magic number")
	ErrBadVersion      = errors.New("unsupported protocol version")
	ErrTruncated       = errors.New("stream closed before frame was complete")
	ErrPayloadTooLarge = errors.New("declared payload size exceeds limit")
)

var (
	// ErrSubjectTooLong is returned when a subject does not fit in the first packet of a NOTIFY.
	ErrSubjectTooLong = errors.New("subject too long")
	// ErrMalformedPayload is returned when a payload does not decode as its message type requires.
	ErrMalformedPayload = errors.New("malformed payload")
)

// IsFramingError reports whether err means the byte stream can no longer be trusted.
func IsFramingError(err error) bool {
	return errors.Is(err, ErrBadMagic) ||
		errors.Is(err, ErrBadVersion) ||
		errors.Is(err, ErrTruncated) ||
		errors.Is(err, ErrPayloadTooLarge)
}
