package storage

import "errors"

var (
	// ErrInvalidBackend is returned when an invalid backend type is specified
	ErrInvalidBackend = errors.New("invalid storage backend")

	// ErrBufferFull is returned when the write buffer is full
	ErrBufferFull = errors.New("buffer full")

	// ErrClosed is returned when attempting to use a closed storage
	ErrClosed = errors.New("storage is closed")
)
