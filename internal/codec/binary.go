package codec

import (
	"fmt"
	"io"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

const binaryName = "binary"

// Field numbers of the binary payload.
const (
	fieldSenderID  protowire.Number = 1
	fieldTimestamp protowire.Number = 2
	fieldBody      protowire.Number = 3
)

// Binary is the structured format: a protobuf-wire message with three string
// fields, framed on the stream by its varint-encoded length.
type Binary struct{}

func (Binary) Name() string { return binaryName }

func (Binary) Encode(m Message) ([]byte, error) {
	size := protowire.SizeTag(fieldSenderID) + protowire.SizeBytes(len(m.SenderID)) +
		protowire.SizeTag(fieldTimestamp) + protowire.SizeBytes(len(m.Timestamp)) +
		protowire.SizeTag(fieldBody) + protowire.SizeBytes(len(m.Body))
	buf := make([]byte, 0, size)
	buf = appendString(buf, fieldSenderID, m.SenderID)
	buf = appendString(buf, fieldTimestamp, m.Timestamp)
	buf = appendString(buf, fieldBody, m.Body)
	return buf, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// Decode consumes the whole payload. Absent fields decode as empty strings
// and unknown fields are skipped.
func (Binary) Decode(payload []byte) (Message, error) {
	var m Message
	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, binaryFormatError(payload, protowire.ParseError(n))
		}
		b = b[n:]

		var target *string
		switch num {
		case fieldSenderID:
			target = &m.SenderID
		case fieldTimestamp:
			target = &m.Timestamp
		case fieldBody:
			target = &m.Body
		}
		if target == nil || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Message{}, binaryFormatError(payload, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return Message{}, binaryFormatError(payload, protowire.ParseError(n))
		}
		if !utf8.Valid(v) {
			return Message{}, &FormatError{Codec: binaryName, Reason: fmt.Sprintf("field %d: invalid utf-8", num), Size: len(payload)}
		}
		*target = string(v)
		b = b[n:]
	}
	return m, nil
}

func binaryFormatError(payload []byte, err error) error {
	return &FormatError{Codec: binaryName, Reason: err.Error(), Size: len(payload)}
}

func (Binary) AppendFrame(dst, payload []byte) []byte {
	dst = protowire.AppendVarint(dst, uint64(len(payload)))
	return append(dst, payload...)
}

// SplitFrame waits until the length prefix and the full payload are buffered.
func (Binary) SplitFrame(data []byte, atEOF bool) (int, []byte, error) {
	size, n := protowire.ConsumeVarint(data)
	if n < 0 {
		if err := protowire.ParseError(n); err == io.ErrUnexpectedEOF {
			return 0, nil, nil
		}
		return 0, nil, fmt.Errorf("%w: invalid length prefix", ErrFrameTooLarge)
	}
	if size > uint64(len(data)-n) {
		return 0, nil, nil
	}
	end := n + int(size)
	return end, data[n:end], nil
}
