// Package protocol implements the chat wire format.
//
// Every unit on the wire, command or response, is a frame: a 4-byte big-endian
// payload length followed by one or more segments, each a 2-byte big-endian
// length and that many bytes of UTF-8. Readers accumulate segments until the
// declared length is reached. The payload itself is a small XML document.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxSegmentSize is the largest segment a single 2-byte length can describe.
	MaxSegmentSize = 0xFFFF

	// DefaultMaxFrameSize bounds the declared payload length accepted by ReadFrame.
	DefaultMaxFrameSize = 1 << 20
)

// ErrMalformedFrame is returned when a frame cannot be read or parsed.
var ErrMalformedFrame = errorString("malformed frame")

type errorString string

func (e errorString) Error() string { return string(e) }

// ReadFrame reads one frame from r and returns its payload.
//
// A clean EOF before the length header is returned as io.EOF. A stream that
// ends before the declared length is reached yields ErrMalformedFrame. Other
// transport errors (deadlines, closed connections) are returned unchanged.
// maxSize <= 0 means DefaultMaxFrameSize.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, truncated(err, "length header")
	}

	declared := int32(binary.BigEndian.Uint32(hdr[:]))
	if declared < 0 || int(declared) > maxSize {
		return nil, fmt.Errorf("%w: declared length %d out of range", ErrMalformedFrame, declared)
	}

	n := int(declared)
	payload := make([]byte, 0, n)
	var seg [2]byte
	for len(payload) < n {
		if _, err := io.ReadFull(r, seg[:]); err != nil {
			return nil, truncated(err, fmt.Sprintf("segment header after %d of %d bytes", len(payload), n))
		}
		l := int(binary.BigEndian.Uint16(seg[:]))
		if l == 0 {
			return nil, fmt.Errorf("%w: empty segment after %d of %d bytes", ErrMalformedFrame, len(payload), n)
		}
		start := len(payload)
		payload = append(payload, make([]byte, l)...)
		if _, err := io.ReadFull(r, payload[start:]); err != nil {
			return nil, truncated(err, fmt.Sprintf("segment body after %d of %d bytes", start, n))
		}
	}
	return payload, nil
}

// AppendFrame appends the framed encoding of payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	for len(payload) > 0 {
		chunk := payload
		if len(chunk) > MaxSegmentSize {
			chunk = chunk[:MaxSegmentSize]
		}
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(chunk)))
		dst = append(dst, chunk...)
		payload = payload[len(chunk):]
	}
	return dst
}

// WriteFrame writes payload to w as a single frame in one Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(AppendFrame(nil, payload))
	return err
}

func truncated(err error, where string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: stream ended in %s", ErrMalformedFrame, where)
	}
	return err
}
