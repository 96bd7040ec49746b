// Package frame implements length-prefixed binary framing for the relay wire
// protocol: a 4-byte big-endian payload length followed by the payload bytes.
// The frame size limit is enforced on both encode and decode before any
// allocation proportional to the claimed length, so a hostile or corrupt
// prefix cannot cause unbounded memory use.
package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the fixed length prefix in bytes.
const HeaderSize = 4

// DefaultMaxFrame bounds frames when no explicit limit is configured.
const DefaultMaxFrame = 1 << 20

var (
	// ErrInsufficientData means the buffer does not yet hold a complete frame.
	ErrInsufficientData = errors.New("frame: insufficient data")
	// ErrFrameTooLarge means the payload exceeds the configured maximum.
	ErrFrameTooLarge = errors.New("frame: frame too large")
	// ErrEmptyFrame means a zero-length payload was encoded on the wire.
	ErrEmptyFrame = errors.New("frame: empty frame")
)

// Encode returns a complete frame for payload, or ErrFrameTooLarge.
func Encode(payload []byte, maxFrame int) ([]byte, error) {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	if len(payload) > maxFrame {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), maxFrame)
	}
	if len(payload) == 0 {
		return nil, ErrEmptyFrame
	}
	out := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(out[:HeaderSize], uint32(len(payload)))
	copy(out[HeaderSize:], payload)
	return out, nil
}

// Decode extracts one frame from the front of buf. It returns the payload and
// the number of bytes consumed. ErrInsufficientData means the caller should
// read more bytes and retry; nothing is consumed in that case. The payload
// aliases buf; callers that retain it across buffer reuse must copy.
func Decode(buf []byte, maxFrame int) ([]byte, int, error) {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	if len(buf) < HeaderSize {
		return nil, 0, ErrInsufficientData
	}
	sz := binary.BigEndian.Uint32(buf[:HeaderSize])
	if sz == 0 {
		return nil, 0, ErrEmptyFrame
	}
	if int(sz) > maxFrame {
		return nil, 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, sz, maxFrame)
	}
	if len(buf) < HeaderSize+int(sz) {
		return nil, 0, ErrInsufficientData
	}
	return buf[HeaderSize : HeaderSize+int(sz)], HeaderSize + int(sz), nil
}

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, payload []byte, maxFrame int) error {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	if len(payload) > maxFrame {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), maxFrame)
	}
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one complete frame from r. The size limit is checked before
// the payload is allocated.
func ReadFrame(r *bufio.Reader, maxFrame int) ([]byte, error) {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	sz := binary.BigEndian.Uint32(header[:])
	if sz == 0 {
		return nil, ErrEmptyFrame
	}
	if int(sz) > maxFrame {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, sz, maxFrame)
	}
	payload := make([]byte, int(sz))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
