// Package testutil provides common helpers for testing the relay.
//
// It contains peers that speak the wire codecs over TCP, in-memory pipes and
// WebSocket connections, plus small assertion helpers shared by the package
// tests. It must not import the server package, whose internal tests use it.
package testutil

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/codec"
	"github.com/Tyrowin/chatrelay/internal/wsnet"
)

// DefaultTimeout bounds every blocking helper.
const DefaultTimeout = 5 * time.Second

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Peer is the remote end of a relay connection as a test sees it.
type Peer struct {
	t      testing.TB
	conn   net.Conn
	codec  codec.Codec
	reader *codec.Reader

	closeOnce sync.Once
}

// NewPeer wraps conn. The peer is closed when the test ends.
func NewPeer(t testing.TB, conn net.Conn, c codec.Codec) *Peer {
	t.Helper()
	p := &Peer{
		t:      t,
		conn:   conn,
		codec:  c,
		reader: codec.NewReader(conn, c, codec.DefaultMaxFrameSize),
	}
	t.Cleanup(p.Close)
	return p
}

// DialTCP connects to a relay TCP listener.
func DialTCP(t testing.TB, addr string, c codec.Codec) *Peer {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, DefaultTimeout)
	require.NoError(t, err, "dial %s", addr)
	return NewPeer(t, conn, c)
}

// DialWS connects to a relay WebSocket endpoint. url may use the http or ws
// scheme.
func DialWS(t testing.TB, url string, c codec.Codec) *Peer {
	t.Helper()
	conn, err := wsnet.Dial(WebSocketURL(url), "http://localhost:8080", DefaultTimeout)
	require.NoError(t, err)
	return NewPeer(t, conn, c)
}

// WebSocketURL turns an httptest server URL into its /ws endpoint.
func WebSocketURL(url string) string {
	url = strings.Replace(url, "http://", "ws://", 1)
	if !strings.HasSuffix(url, "/ws") {
		url = strings.TrimSuffix(url, "/") + "/ws"
	}
	return url
}

// Conn returns the underlying connection.
func (p *Peer) Conn() net.Conn { return p.conn }

// Send writes one framed message.
func (p *Peer) Send(m codec.Message) {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetWriteDeadline(time.Now().Add(DefaultTimeout)))
	require.NoError(p.t, codec.WriteMessage(p.conn, p.codec, m))
}

// SendRaw writes bytes as-is, for malformed frame tests.
func (p *Peer) SendRaw(b []byte) {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetWriteDeadline(time.Now().Add(DefaultTimeout)))
	_, err := p.conn.Write(b)
	require.NoError(p.t, err)
}

// Receive reads the next message, failing the test after DefaultTimeout.
func (p *Peer) Receive() codec.Message {
	p.t.Helper()
	m, err := p.TryReceive(DefaultTimeout)
	require.NoError(p.t, err, "receive")
	return m
}

// TryReceive reads the next message or returns the read error.
func (p *Peer) TryReceive(timeout time.Duration) (codec.Message, error) {
	if err := p.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return codec.Message{}, err
	}
	return p.reader.Next()
}

// ExpectNothing asserts that no message arrives within d. A timed out reader
// cannot be resumed, so this must be the peer's last read.
func (p *Peer) ExpectNothing(d time.Duration) {
	p.t.Helper()
	m, err := p.TryReceive(d)
	require.Error(p.t, err, "unexpected message %v", m)
	var netErr net.Error
	require.ErrorAs(p.t, err, &netErr)
	require.True(p.t, netErr.Timeout(), "expected timeout, got %v", err)
}

// Close closes the connection. It is safe to call more than once.
func (p *Peer) Close() {
	p.closeOnce.Do(func() { _ = p.conn.Close() })
}

// Message builds a message with a fixed timestamp.
func Message(sender, body string) codec.Message {
	return codec.Message{SenderID: sender, Timestamp: "2021-01-01 00:00:00", Body: body}
}

// Sequenced builds the i-th message of sender, for ordering tests.
func Sequenced(sender string, i int) codec.Message {
	return Message(sender, fmt.Sprintf("%s-%06d", sender, i))
}
