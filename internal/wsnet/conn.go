// Package wsnet adapts gorilla WebSocket connections to net.Conn so that the
// stream framing of the codecs works unchanged over WebSocket.
package wsnet

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn presents a WebSocket connection as a byte stream. Reads concatenate
// consecutive data messages; every Write is sent as one binary message.
type Conn struct {
	ws     *websocket.Conn
	reader io.Reader

	writeMu sync.Mutex
}

var _ net.Conn = (*Conn)(nil)

// NewConn adapts ws to net.Conn.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Dial opens a WebSocket to url and adapts it. origin is sent as the Origin
// header when non-empty.
func Dial(url, origin string, timeout time.Duration) (*Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}
	ws, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("wsnet: dial %s: %w", url, err)
	}
	return NewConn(ws), nil
}

// IsURL reports whether addr names a WebSocket endpoint rather than a TCP
// host:port.
func IsURL(addr string) bool {
	return strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://")
}

func (c *Conn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			messageType, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame without waiting for pending writes; WriteControl
// may run concurrently with WriteMessage.
func (c *Conn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *Conn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
