package codec

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

const (
	textName = "text"

	// Separator joins the three fields of a text payload.
	Separator = '|'
	// Terminator ends every text frame on the wire.
	Terminator = 0x00
)

// Text is the delimited format: "sender|timestamp|body" in UTF-8, each frame
// terminated by a NUL byte.
type Text struct{}

func (Text) Name() string { return textName }

// Encode refuses a separator in the sender or timestamp and a terminator
// anywhere. The body may hold separators: Decode gives it everything after
// the second one.
func (t Text) Encode(m Message) ([]byte, error) {
	for _, field := range []string{m.SenderID, m.Timestamp} {
		if strings.ContainsRune(field, Separator) {
			return nil, ErrInvalidField
		}
	}
	for _, field := range []string{m.SenderID, m.Timestamp, m.Body} {
		if strings.IndexByte(field, Terminator) >= 0 {
			return nil, ErrInvalidField
		}
	}
	buf := make([]byte, 0, len(m.SenderID)+len(m.Timestamp)+len(m.Body)+2)
	buf = append(buf, m.SenderID...)
	buf = append(buf, Separator)
	buf = append(buf, m.Timestamp...)
	buf = append(buf, Separator)
	buf = append(buf, m.Body...)
	return buf, nil
}

// Decode splits on the separator. Separators beyond the second stay in the
// body.
func (t Text) Decode(payload []byte) (Message, error) {
	if !utf8.Valid(payload) {
		return Message{}, &FormatError{Codec: textName, Reason: "invalid utf-8", Size: len(payload)}
	}
	parts := strings.SplitN(string(payload), string(Separator), 3)
	if len(parts) < 3 {
		return Message{}, &FormatError{Codec: textName, Reason: "expected 3 fields", Size: len(payload)}
	}
	return Message{SenderID: parts[0], Timestamp: parts[1], Body: parts[2]}, nil
}

func (Text) AppendFrame(dst, payload []byte) []byte {
	dst = append(dst, payload...)
	return append(dst, Terminator)
}

// SplitFrame returns the bytes before the next terminator. Trailing bytes
// without a terminator at EOF are dropped as an incomplete frame.
func (Text) SplitFrame(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexByte(data, Terminator); i >= 0 {
		return i + 1, data[:i], nil
	}
	return 0, nil, nil
}
