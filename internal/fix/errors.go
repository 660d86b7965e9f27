package fix

import "errors"

// Codec errors. Expected protocol conditions are plain error values, not
// panics; the session layer decides whether any of them escalates.
var (
	ErrChecksum        = errors.New("checksum mismatch")
	ErrMalformedHeader = errors.New("malformed header")
	ErrTruncated       = errors.New("truncated message")
	ErrMessageTooLarge = errors.New("message exceeds buffer capacity")
	ErrMessageFull     = errors.New("message field capacity exhausted")
)
