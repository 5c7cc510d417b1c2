package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrFormat marks payloads that do not parse into a three-field message.
	ErrFormat = errors.New("codec: malformed message")

	// ErrInvalidField is returned by Encode when a field cannot be represented
	// in the chosen wire format.
	ErrInvalidField = errors.New("codec: field contains reserved byte")

	// ErrFrameTooLarge is returned when a frame exceeds the reader's limit.
	// The stream cannot be resynchronized after it.
	ErrFrameTooLarge = errors.New("codec: frame exceeds maximum size")

	// ErrUnknownCodec is returned by ByName.
	ErrUnknownCodec = errors.New("codec: unknown codec")
)

// FormatError describes a single undecodable payload. The stream that carried
// it is still usable.
type FormatError struct {
	Codec  string
	Reason string
	Size   int
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("codec %s: malformed payload (%d bytes): %s", e.Codec, e.Size, e.Reason)
}

// Is lets errors.Is(err, ErrFormat) match any FormatError.
func (e *FormatError) Is(target error) bool {
	return target == ErrFormat
}
