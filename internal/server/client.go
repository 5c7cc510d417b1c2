// Package server manages individual relay clients, handling the read and
// write pumps and lifecycle control for each connection.
package server

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/chatrelay/internal/codec"
)

// ClientOptions carries the per-connection settings a Client is built with.
type ClientOptions struct {
	Codec        codec.Codec
	Transport    string
	MaxFrameSize int
	OutboxSize   int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Client owns one connection: a single read loop decoding inbound frames and
// a single writer draining the outbox, so writes never interleave.
type Client struct {
	id        uuid.UUID
	conn      net.Conn
	addr      string
	transport string
	codec     codec.Codec
	handler   MessageHandler
	log       *slog.Logger
	metrics   *metrics

	maxFrameSize int
	readTimeout  time.Duration
	writeTimeout time.Duration

	outbox    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewClient wraps conn. The pumps are not running until the relay attaches
// the client.
func NewClient(conn net.Conn, handler MessageHandler, opts ClientOptions) *Client {
	if opts.Codec == nil {
		opts.Codec = codec.Text{}
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = defaultOutboxSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Transport == "" {
		opts.Transport = "tcp"
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	id := uuid.New()
	addr := "unknown"
	if conn != nil && conn.RemoteAddr() != nil {
		addr = conn.RemoteAddr().String()
	}

	return &Client{
		id:           id,
		conn:         conn,
		addr:         addr,
		transport:    opts.Transport,
		codec:        opts.Codec,
		handler:      handler,
		log:          opts.Logger.With("client", id.String(), "remote", addr, "transport", opts.Transport),
		maxFrameSize: opts.MaxFrameSize,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
		outbox:       make(chan []byte, opts.OutboxSize),
		done:         make(chan struct{}),
	}
}

// ID returns the identifier generated for this connection.
func (c *Client) ID() uuid.UUID { return c.id }

// Addr returns the remote address, for diagnostics only.
func (c *Client) Addr() string { return c.addr }

// Transport names the transport the client arrived on ("tcp", "websocket").
func (c *Client) Transport() string { return c.transport }

// Done is closed once the client has terminated.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the close cause, or nil while the client is open.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// Send encodes m and queues it for this client only. It reports false when
// the message could not be queued; an unencodable message leaves the client
// open, a closed or saturated client goes through the close path.
func (c *Client) Send(m codec.Message) bool {
	frame, err := codec.Marshal(c.codec, m)
	if err != nil {
		c.log.Warn("Dropping unencodable message", "err", err)
		return false
	}
	return c.enqueue(frame)
}

// Close terminates the connection. It is safe to call more than once and from
// any goroutine.
func (c *Client) Close() {
	c.closeWith(ErrClientClosed)
}

// enqueue never blocks: a full outbox means the peer is not draining and the
// client is dropped rather than stalling the broadcaster.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.outbox <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.closeWith(ErrSlowConsumer)
		return false
	}
}

func (c *Client) closeWith(cause error) {
	c.closeOnce.Do(func() {
		c.closeErr = cause
		close(c.done)
		if c.conn != nil {
			if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
				c.log.Warn("Error closing connection", "err", err)
			}
		}
		if c.handler != nil {
			c.handler.HandleClose(c, cause)
		}
	})
}

// start launches both pumps, tracked by wg.
func (c *Client) start(wg *sync.WaitGroup) {
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writePump()
	}()
	go func() {
		defer wg.Done()
		c.readPump()
	}()
}

func (c *Client) readPump() {
	reader := codec.NewReader(c.conn, c.codec, c.maxFrameSize)
	for {
		if c.readTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
				c.closeWith(err)
				return
			}
		}

		msg, err := reader.Next()
		if err != nil {
			if errors.Is(err, codec.ErrFormat) {
				c.handleDecodeError(err)
				continue
			}
			c.handleReadError(err)
			c.closeWith(err)
			return
		}

		if c.metrics != nil {
			c.metrics.messagesReceived.Inc()
		}
		c.handler.HandleMessage(c, msg)
	}
}

func (c *Client) handleDecodeError(err error) {
	if c.metrics != nil {
		c.metrics.decodeErrorsTotal.Inc()
	}
	c.log.Warn("Discarding malformed frame", "err", err)
}

// handleReadError logs the read failure at a level matching its cause.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, codec.ErrFrameTooLarge):
		c.log.Warn("Frame exceeded maximum size", "max", c.maxFrameSize)
	case isTimeout(err):
		c.log.Info("Client timed out", "idle", c.readTimeout)
	case isExpectedCloseError(err):
		c.log.Debug("Client disconnected", "err", err)
	default:
		c.log.Warn("Read error", "err", err)
	}
}

func (c *Client) writePump() {
	for {
		select {
		case frame := <-c.outbox:
			if !c.writeFrame(frame) {
				return
			}
		case <-c.done:
			return
		}
	}
}

// writeFrame writes one frame and returns false if the connection should be closed.
func (c *Client) writeFrame(frame []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		c.closeWith(err)
		return false
	}
	if _, err := c.conn.Write(frame); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("Write error", "err", err)
		}
		c.closeWith(err)
		return false
	}
	return true
}
