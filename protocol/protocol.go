// Package protocol implements the length-prefixed frame protocol for mini-RPC.
//
// It solves TCP's sticky packet problem with a fixed 4-byte big-endian length
// followed by exactly that many payload bytes. The receiver reads the length
// first, then reads exactly that many bytes, so the codec layer only ever sees
// one complete payload.
//
// Frame format:
//
//	0         4
//	┌─────────┬───────────────────┐
//	│ bodyLen │     body ...      │
//	│ uint32  │   bodyLen bytes   │
//	└─────────┴───────────────────┘
//
// A frame with bodyLen == 0 is a heartbeat and carries no envelope.
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"mini-rpc/rpcerr"
)

const (
	HeaderSize = 4

	// DefaultMaxFrameSize bounds the body length a reader accepts.
	DefaultMaxFrameSize = 65536
)

// Encode writes a complete frame (length + body) to w in a single Write call.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different requests will interleave and corrupt the stream.
func Encode(w io.Writer, body []byte) error {
	buf := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[0:HeaderSize], uint32(len(body)))
	copy(buf[HeaderSize:], body)
	if _, err := w.Write(buf); err != nil {
		return err
	}
	return nil
}

// EncodeHeartbeat writes an empty frame.
func EncodeHeartbeat(w io.Writer) error {
	return Encode(w, nil)
}

// Decode reads exactly one frame from r and returns its body.
// I/O failures are returned unchanged; a length above maxFrameSize is a codec
// error, since the stream can no longer be trusted.
// Uses io.ReadFull to guarantee exactly N bytes are read, preventing partial reads.
func Decode(r io.Reader, maxFrameSize int) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	bodyLen := binary.BigEndian.Uint32(header[:])
	if maxFrameSize > 0 && uint64(bodyLen) > uint64(maxFrameSize) {
		return nil, rpcerr.Codec(nil, "frame of %d bytes exceeds limit of %d", bodyLen, maxFrameSize)
	}
	if bodyLen == 0 {
		return []byte{}, nil
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.Wrap(err, "read frame body")
	}
	return body, nil
}

// IsHeartbeat reports whether a decoded body is a heartbeat frame.
func IsHeartbeat(body []byte) bool {
	return len(body) == 0
}
