package frame

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestWriteReadFrame_RoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("x"),
		[]byte(`{"type":"HEARTBEAT"}`),
		bytes.Repeat([]byte("a"), 70000),
	}

	for _, payload := range cases {
		var buf bytes.Buffer
		w := bufio.NewWriter(&buf)
		if err := WriteFrame(w, payload); err != nil {
			t.Fatalf("WriteFrame(%d bytes) failed: %v", len(payload), err)
		}

		r := bufio.NewReader(&buf)
		got, err := ReadFrame(r)
		if err != nil {
			t.Fatalf("ReadFrame failed: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("round-trip mismatch: got %d bytes, want %d bytes", len(got), len(payload))
		}
	}
}

func TestWriteFrame_TooLargeEmitsNoBytes(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	payload := bytes.Repeat([]byte{0x01}, MaxFrameBytes+1)
	err := WriteFrame(w, payload)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if buf.Len() != 0 || w.Buffered() != 0 {
		t.Errorf("expected no bytes written, got %d buffered/flushed", buf.Len()+w.Buffered())
	}
}

func TestReadFrame_ZeroLengthIsInvalid(t *testing.T) {
	data := []byte{0x00, 0x00, 0x00, 0x00}
	r := bufio.NewReader(bytes.NewReader(data))

	_, err := ReadFrame(r)
	if !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
}

func TestReadFrame_LengthExceedsCeiling(t *testing.T) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameBytes+1)
	r := bufio.NewReader(bytes.NewReader(header[:]))

	_, err := ReadFrame(r)
	if !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
}

func TestReadFrame_TruncatedStream(t *testing.T) {
	// Announce 10 bytes of payload, supply none, then EOF.
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 10)
	r := bufio.NewReader(bytes.NewReader(header[:]))

	_, err := ReadFrame(r)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestReadFrame_EmptyStreamIsEOF(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader(nil))
	_, err := ReadFrame(r)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}
