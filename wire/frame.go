package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxFrameSize bounds a single frame: the 1 MiB payload ceiling plus
// headroom for envelope fields around it.
const DefaultMaxFrameSize = 1<<20 + 4096

// WriteFrame writes one length-prefixed frame: a 4-byte big-endian payload
// length followed by the payload. No trailer.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return Errorf(KindInvalidEnvelope, "refusing to write zero-length frame")
	}
	if len(payload) > DefaultMaxFrameSize {
		return Errorf(KindInvalidEnvelope, "frame of %d bytes exceeds limit %d", len(payload), DefaultMaxFrameSize)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame, rejecting zero-length and
// oversize frames before allocating. maxSize of 0 means DefaultMaxFrameSize.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}

	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size == 0 {
		return nil, Errorf(KindInvalidEnvelope, "zero-length frame")
	}
	if size > maxSize {
		return nil, Errorf(KindInvalidEnvelope, "frame of %d bytes exceeds limit %d", size, maxSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}
