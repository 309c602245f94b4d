package dns

import "errors"

var (
	// ErrShortFrame is returned when a TCP read is too short to hold the length prefix
	ErrShortFrame = errors.New("short frame")

	// ErrWrongSize is returned when a TCP read carries fewer bytes than its prefix declares
	ErrWrongSize = errors.New("wrong size")

	// ErrTooBig is returned when a TCP read carries more bytes than its prefix declares,
	// or a response does not fit a 16-bit length
	ErrTooBig = errors.New("too big")

	// ErrDecode is returned for malformed or question-less DNS messages
	ErrDecode = errors.New("malformed DNS message")

	// ErrServerRunning is returned when Start is called on a running server
	ErrServerRunning = errors.New("server already running")

	// ErrNoTransport is returned when neither UDP nor TCP is enabled
	ErrNoTransport = errors.New("no transport enabled")
)
