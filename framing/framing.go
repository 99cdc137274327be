// Package framing implements the length-prefixed message framing used on the
// rendezvous sockets and by the proxy when relaying the outer transport.
//
// A frame is a 4-byte little-endian unsigned payload length followed by the
// payload bytes. Frames carry no other metadata.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the size of the length prefix.
const HeaderSize = 4

var (
	// ErrTruncated is returned when the stream ends in the middle of a frame.
	ErrTruncated = errors.New("truncated frame")
	// ErrTooLarge is returned by ReadLimit when a frame exceeds the caller's cap.
	ErrTooLarge = errors.New("frame too large")
)

// Encode returns payload prefixed with its length.
func Encode(payload []byte) []byte {
	b := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(b, uint32(len(payload)))
	copy(b[HeaderSize:], payload)
	return b
}

// Write writes a single frame containing payload to w.
func Write(w io.Writer, payload []byte) error {
	_, err := w.Write(Encode(payload))
	return err
}

// Read reads one frame from r and returns its payload.
// It returns io.EOF only if the stream ended cleanly before the first header byte.
func Read(r io.Reader) ([]byte, error) {
	return ReadLimit(r, 0)
}

// ReadLimit is like Read but rejects frames larger than max bytes. A max of zero means no limit.
func ReadLimit(r io.Reader, max uint32) ([]byte, error) {
	var header [HeaderSize]byte
	n, err := io.ReadFull(r, header[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return nil, io.EOF
		}
		return nil, truncated("header", err)
	}

	size := binary.LittleEndian.Uint32(header[:])
	if max > 0 && size > max {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrTooLarge, size, max)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, truncated("payload", err)
	}
	return payload, nil
}

// Copy relays whole frames from src to dst until src is exhausted or an error occurs.
// A clean end of src at a frame boundary returns nil.
func Copy(dst io.Writer, src io.Reader) error {
	for {
		payload, err := Read(src)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}
		if err := Write(dst, payload); err != nil {
			return fmt.Errorf("writing frame: %w", err)
		}
	}
}

func truncated(part string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: reading %s: %w", ErrTruncated, part, io.ErrUnexpectedEOF)
	}
	return fmt.Errorf("reading %s: %w", part, err)
}
