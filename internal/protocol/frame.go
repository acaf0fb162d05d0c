package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize is the maximum allowed frame payload (16 MiB).
const MaxFrameSize = 16 << 20

// WriteFrame encodes v with c and writes it to w as a length-prefixed frame.
// The frame format is: 4-byte big-endian length prefix followed by the payload.
func WriteFrame(w io.Writer, c Codec, v any) error {
	data, err := c.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame size %d exceeds maximum %d", len(data), MaxFrameSize)
	}

	// Single write so concurrent readers never observe a header without its payload.
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and decodes it into v with c.
func ReadFrame(r io.Reader, c Codec, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxFrameSize {
		return fmt.Errorf("frame size %d exceeds maximum %d", length, MaxFrameSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := c.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
