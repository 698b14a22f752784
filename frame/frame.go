// Package frame implements the greenhouse broker's wire framing: every
// message on the wire is a 4-byte big-endian length prefix followed by
// exactly that many bytes of UTF-8 JSON payload.
package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameBytes is the hard ceiling on a single frame's payload size (1 MiB).
const MaxFrameBytes = 1 << 20

const lengthPrefixSize = 4

// Framing errors are fatal for the connection: the caller closes the
// socket without sending an ERROR frame, since the channel is already
// unreliable.
var (
	// ErrFrameTooLarge is returned by WriteFrame when the payload exceeds
	// MaxFrameBytes. ReadFrame reports an oversize announced length as
	// ErrInvalidFrame instead.
	ErrFrameTooLarge = errors.New("frame: payload exceeds maximum frame size")

	// ErrInvalidFrame is returned by ReadFrame when the announced length is
	// zero (the wire length is an unsigned 32-bit integer, so it cannot be
	// negative) or exceeds MaxFrameBytes.
	ErrInvalidFrame = errors.New("frame: invalid frame length")
)

// WriteFrame writes a single length-prefixed frame to w: a 4-byte
// big-endian length followed by payload, then flushes. The call is atomic
// with respect to the ceiling check: if payload exceeds MaxFrameBytes, no
// bytes are written to w at all.
func WriteFrame(w *bufio.Writer, payload []byte) error {
	if len(payload) > MaxFrameBytes {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	var header [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("frame: write header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("frame: write payload: %w", err)
	}
	return w.Flush()
}

// ReadFrame reads a single length-prefixed frame from r: 4 bytes of
// big-endian length N, then exactly N bytes of payload. Fails with
// ErrInvalidFrame if N is zero or exceeds MaxFrameBytes, and with
// io.ErrUnexpectedEOF (wrapped) if the stream ends before N bytes arrive.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var header [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("frame: read header: %w", err)
	}

	n := binary.BigEndian.Uint32(header[:])
	if n == 0 || n > MaxFrameBytes {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFrame, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			// io.ReadFull reports io.EOF when no payload byte arrived at all;
			// after a header that is still a truncated frame.
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("frame: read payload: %w", err)
	}

	return payload, nil
}
