// Package server defines shared error values, relay states and utility
// helpers that are reused across client, registry and relay logic.
package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/Tyrowin/chatrelay/internal/codec"
)

var (
	// ErrAlreadyStarted is returned by Start or Serve on a running relay.
	ErrAlreadyStarted = errors.New("server: relay already started")

	// ErrServerClosed is returned after Stop, mirroring http.ErrServerClosed.
	ErrServerClosed = errors.New("server: relay closed")

	// ErrSlowConsumer closes a client whose outbox is full.
	ErrSlowConsumer = errors.New("server: client outbox full")

	// ErrClientClosed is the close cause when the relay closes a client.
	ErrClientClosed = errors.New("server: client closed")
)

// BindError reports that the listening socket could not be created. It is
// fatal; the relay does not retry.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("server: bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// State is the relay lifecycle position.
type State int32

const (
	StateCreated State = iota
	StateListening
	StateAccepting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateListening:
		return "listening"
	case StateAccepting:
		return "accepting"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MessageHandler receives events from clients. The Relay implements it and
// hands itself to every client at construction.
type MessageHandler interface {
	// HandleMessage is called from the client's read goroutine for every
	// decoded message.
	HandleMessage(c *Client, m codec.Message)
	// HandleClose is called exactly once when the client terminates.
	HandleClose(c *Client, err error)
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, ErrClientClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}

// isTimeout reports whether err is a network deadline expiry.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
