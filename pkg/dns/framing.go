package dns

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

const (
	// MaxUDPSize is the read buffer for one UDP datagram
	MaxUDPSize = 65535

	// DefaultTCPReadBuffer bounds the single read made on a TCP connection
	DefaultTCPReadBuffer = 8192

	lengthPrefixSize = 2
)

// ReadFrame checks one TCP read against its 2-byte big-endian length prefix
// and returns the DNS payload that follows it. The payload aliases buf.
func ReadFrame(buf []byte) ([]byte, error) {
	if len(buf) < lengthPrefixSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(buf))
	}

	declared := int(binary.BigEndian.Uint16(buf))
	got := len(buf) - lengthPrefixSize

	switch {
	case got < declared:
		return nil, fmt.Errorf("%w: declared %d bytes, received %d", ErrWrongSize, declared, got)
	case got > declared:
		return nil, fmt.Errorf("%w: declared %d bytes, received %d", ErrTooBig, declared, got)
	}

	return buf[lengthPrefixSize:], nil
}

// EncodeFrame prefixes msg with its 2-byte big-endian length
func EncodeFrame(msg []byte) ([]byte, error) {
	if len(msg) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: response is %d bytes", ErrTooBig, len(msg))
	}

	out := make([]byte, lengthPrefixSize+len(msg))
	binary.BigEndian.PutUint16(out, uint16(len(msg)))
	copy(out[lengthPrefixSize:], msg)
	return out, nil
}

// readOnce performs exactly one read of at most size bytes. Frames split
// across reads are not reassembled.
func readOnce(r io.Reader, size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := r.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return nil, err
}
