package codec

import (
	"fmt"
	"io"
	"sort"
)

// Codec converts a Message to and from its wire payload and knows how to
// delimit payloads inside a continuous byte stream.
//
// Decode(Encode(m)) == m holds for every message the codec accepts.
type Codec interface {
	// Name is the identifier used in configuration ("text", "binary").
	Name() string
	// Encode returns the payload for m without framing.
	Encode(m Message) ([]byte, error)
	// Decode parses exactly one payload.
	Decode(payload []byte) (Message, error)
	// AppendFrame appends payload, framed for the wire, to dst.
	AppendFrame(dst, payload []byte) []byte
	// SplitFrame is a bufio.SplitFunc returning one payload per token.
	SplitFrame(data []byte, atEOF bool) (advance int, token []byte, err error)
}

var codecs = map[string]Codec{
	textName:   Text{},
	binaryName: Binary{},
}

// ByName returns the codec registered under name.
func ByName(name string) (Codec, error) {
	c, ok := codecs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
	return c, nil
}

// Names lists the available codecs in sorted order.
func Names() []string {
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Marshal encodes m and frames it in one step.
func Marshal(c Codec, m Message) ([]byte, error) {
	payload, err := c.Encode(m)
	if err != nil {
		return nil, err
	}
	return c.AppendFrame(nil, payload), nil
}

// WriteMessage writes one framed message to w with a single Write call.
func WriteMessage(w io.Writer, c Codec, m Message) error {
	frame, err := Marshal(c, m)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}
