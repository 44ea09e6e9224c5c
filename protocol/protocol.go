// Package protocol implements the length-prefixed frame protocol.
//
// TCP is a byte stream, so frame boundaries must be carried in-band. Every frame is a
// 4-byte big-endian body length followed by exactly that many bytes of codec-serialized
// envelope. The same framing is used in both directions:
//
//	0        4
//	┌────────┬────────────────────────┐
//	│ length │   body (length bytes)  │
//	│ uint32 │   codec envelope       │
//	└────────┴────────────────────────┘
//
// Requests flow client → server and responses server → client; the envelope shape is
// implied by the direction, so there is no other header.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// LengthSize is the size of the length prefix.
	LengthSize = 4

	// DefaultMaxFrameSize bounds a single frame body. A corrupt length field must not
	// make the reader buffer an arbitrary amount of memory.
	DefaultMaxFrameSize = 64 * 1024
)

// ErrFrameTooLarge is a protocol error: the peer announced (or the caller tried to send)
// a body over the configured bound. The stream cannot be resynchronised afterwards.
var ErrFrameTooLarge = errors.New("protocol: frame too large")

// Encode writes one frame (prefix + body) to w with a single Write call.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different calls will interleave and corrupt the stream.
func Encode(w io.Writer, body []byte, maxSize int) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if len(body) > maxSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(body), maxSize)
	}
	buf := make([]byte, LengthSize+len(body))
	binary.BigEndian.PutUint32(buf[:LengthSize], uint32(len(body)))
	copy(buf[LengthSize:], body)
	_, err := w.Write(buf)
	return err
}

// Decode reads exactly one frame from r and returns its body.
//
// io.ReadFull keeps reading until the prefix and then the whole body have arrived, so
// fragmented delivery is reassembled and a partial frame is never returned. A stream
// ending between frames yields io.EOF; ending inside a frame yields io.ErrUnexpectedEOF.
func Decode(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	var prefix [LengthSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if uint64(length) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: peer announced %d bytes, limit %d", ErrFrameTooLarge, length, maxSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}
