package codec

import (
	"bufio"
	"errors"
	"io"
)

// DefaultMaxFrameSize bounds a single frame when the caller does not.
const DefaultMaxFrameSize = 64 * 1024

const initialReadBuffer = 4096

// Reader extracts messages from a byte stream. One underlying read may yield
// several messages or only part of one; leftovers are kept for the next call.
// A Reader is not safe for concurrent use.
type Reader struct {
	codec   Codec
	scanner *bufio.Scanner
}

// NewReader builds a Reader over r. maxFrame <= 0 selects DefaultMaxFrameSize.
func NewReader(r io.Reader, c Codec, maxFrame int) *Reader {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, min(initialReadBuffer, maxFrame)), maxFrame)
	scanner.Split(c.SplitFrame)
	return &Reader{codec: c, scanner: scanner}
}

// Next blocks until a complete frame is available and decodes it.
//
// A *FormatError means only that frame was bad and Next may be called again.
// Any other error is terminal: io.EOF on orderly close, ErrFrameTooLarge, or
// the transport error.
func (r *Reader) Next() (Message, error) {
	if !r.scanner.Scan() {
		err := r.scanner.Err()
		switch {
		case err == nil:
			return Message{}, io.EOF
		case errors.Is(err, bufio.ErrTooLong):
			return Message{}, ErrFrameTooLarge
		default:
			return Message{}, err
		}
	}
	return r.codec.Decode(r.scanner.Bytes())
}
