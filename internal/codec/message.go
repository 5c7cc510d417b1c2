// Package codec defines the chat message exchanged through the relay and the
// wire formats used to carry it over a byte stream.
package codec

import "fmt"

// Message is a single chat line. It is passed by value and never mutated
// after construction; the relay copies it verbatim to every receiver.
type Message struct {
	SenderID  string
	Timestamp string
	Body      string
}

func (m Message) String() string {
	return fmt.Sprintf("[%s] %s: %s", m.Timestamp, m.SenderID, m.Body)
}
