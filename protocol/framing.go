// Package protocol defines the wire format shared by the client RPC socket
// and the realm agent channel: a 4-byte big-endian length prefix followed by
// that many bytes of UTF-8 JSON. Message sets are externally-tagged unions,
// one exported struct per side (client / agent).
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameLength bounds a single frame. Requests and responses are small
// config objects; anything larger indicates a corrupt or hostile stream.
const MaxFrameLength = 16 * 1024 * 1024

// WriteFrame encodes v as JSON and writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(payload) > MaxFrameLength {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
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

// ReadFrame reads one length-prefixed frame from r and decodes it into v.
// Returns io.EOF unwrapped when the peer closed the stream cleanly between
// frames, so callers can end their serve loop without logging an error.
func ReadFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("read frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameLength {
		return fmt.Errorf("frame length %d exceeds limit %d", length, MaxFrameLength)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}
