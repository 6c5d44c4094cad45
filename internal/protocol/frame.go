package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// frameHeaderSize is the `{ length: u32 BE, reserved: u32 }` header that
// precedes every frame payload (§3, §6). The reserved word is currently
// always zero on the wire; it exists so a future revision can carry flags
// without growing the header.
const frameHeaderSize = 8

// WriteFrame encodes msg and writes the length-delimited frame to w.
func WriteFrame(w io.Writer, msg Message) error {
	payload, err := EncodePayload(msg)
	if err != nil {
		return err
	}
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[4:8], 0) // reserved
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("protocol: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("protocol: write frame payload: %w", err)
	}
	return nil
}

// Reader decodes a sequence of frames from an underlying byte stream. It
// yields whole messages only, never partial frames. Once an oversize frame
// is observed the Reader is permanently unusable (§4.1): that stream is
// torn down by the caller, not resumed.
type Reader struct {
	r      io.Reader
	broken bool
}

// NewReader wraps r as a frame Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadFrame reads and decodes the next frame. It returns ErrOversizeFrame
// (fatal, not restartable), an error wrapping ErrShortRead on a truncated
// stream, or an error wrapping ErrMalformedPayload/ErrUnknownVariant from
// DecodePayload.
func (fr *Reader) ReadFrame() (Message, error) {
	if fr.broken {
		return nil, fmt.Errorf("protocol: reader unusable after oversize frame")
	}

	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: %v", ErrShortRead, err)
	}

	length := binary.BigEndian.Uint32(header[0:4])
	if length > MaxPayloadSize {
		fr.broken = true
		return nil, ErrOversizeFrame
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShortRead, err)
	}

	return DecodePayload(payload)
}
