// Package server constructs and runs the relay: it owns the listening socket,
// accepts connections, registers them and routes every decoded message to
// every registered client.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/Tyrowin/chatrelay/internal/codec"
	"github.com/Tyrowin/chatrelay/internal/wsnet"
)

// Relay is the chat relay server. Its lifecycle is
// Created -> Listening -> Accepting -> Stopped.
type Relay struct {
	cfg      Config
	codec    codec.Codec
	registry *Registry
	metrics  *metrics
	log      *slog.Logger
	tracer   trace.Tracer

	state    atomic.Int32
	mu       sync.Mutex
	listener net.Listener
	http     *http.Server
	httpAddr net.Addr
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Option customizes a Relay.
type Option func(*Relay)

// WithTracerProvider sets the provider broadcast spans are created from.
// The global provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Relay) {
		if tp != nil {
			r.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithLogger sets the relay logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Relay) {
		if log != nil {
			r.log = log
		}
	}
}

// New creates a relay for cfg. The configured codec is used for every
// connection.
func New(cfg Config, opts ...Option) (*Relay, error) {
	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, err
	}

	r := &Relay{
		cfg:   cfg,
		codec: c,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("codec", c.Name())
	r.metrics = newMetrics(c.Name())
	r.registry = newRegistry(c, r.log, r.metrics)
	if r.tracer != nil {
		r.registry.tracer = r.tracer
	}
	return r, nil
}

// Start binds cfg.ListenAddr and begins accepting in the background. A bind
// failure is returned as *BindError and leaves the relay in StateCreated.
func (r *Relay) Start() error {
	if err := r.checkStartable(); err != nil {
		return err
	}
	listener, err := net.Listen("tcp", r.cfg.ListenAddr)
	if err != nil {
		return &BindError{Addr: r.cfg.ListenAddr, Err: err}
	}
	if err := r.Serve(listener); err != nil {
		_ = listener.Close()
		return err
	}
	return nil
}

// Serve accepts connections from a caller-provided listener in the
// background. The relay takes ownership of listener.
func (r *Relay) Serve(listener net.Listener) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkStartable(); err != nil {
		return err
	}
	r.listener = listener
	r.state.Store(int32(StateListening))
	r.log.Info("Relay listening", "addr", listener.Addr().String())

	if r.cfg.HTTPAddr != "" {
		if err := r.startHTTP(); err != nil {
			r.listener = nil
			r.state.Store(int32(StateCreated))
			return err
		}
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.acceptLoop(listener)
	}()
	r.state.Store(int32(StateAccepting))
	return nil
}

func (r *Relay) checkStartable() error {
	switch r.State() {
	case StateCreated:
		return nil
	case StateStopped:
		return ErrServerClosed
	default:
		return ErrAlreadyStarted
	}
}

func (r *Relay) acceptLoop(listener net.Listener) {
	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if r.State() == StateStopped || errors.Is(err, net.ErrClosed) {
				return
			}
			// temporary failure such as EMFILE, back off like net/http
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			backoff = min(backoff, time.Second)
			r.log.Warn("Accept error", "err", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if _, err := r.attach(conn, "tcp"); err != nil {
			_ = conn.Close()
		}
	}
}

// Attach registers conn as a new client and starts its pumps. Any net.Conn
// works: TCP, in-memory pipes, or the WebSocket adapter.
func (r *Relay) Attach(conn net.Conn) (*Client, error) {
	transport := "tcp"
	if _, ok := conn.(*wsnet.Conn); ok {
		transport = "websocket"
	}
	return r.attach(conn, transport)
}

func (r *Relay) attach(conn net.Conn, transport string) (*Client, error) {
	client := NewClient(conn, r, ClientOptions{
		Codec:        r.codec,
		Transport:    transport,
		MaxFrameSize: r.cfg.MaxFrameSize,
		OutboxSize:   r.cfg.OutboxSize,
		ReadTimeout:  r.cfg.ReadTimeout,
		WriteTimeout: r.cfg.WriteTimeout,
		Logger:       r.log,
	})
	client.metrics = r.metrics

	// Shutdown flips the state under r.mu before it snapshots the registry
	// and waits on r.wg, so a client is either in that snapshot or refused.
	r.mu.Lock()
	if r.State() == StateStopped {
		r.mu.Unlock()
		return nil, ErrServerClosed
	}
	r.registry.Add(client)
	client.start(&r.wg)
	r.mu.Unlock()

	r.metrics.acceptedTotal.WithLabelValues(transport).Inc()
	client.log.Info("Client connected", "clients", r.registry.Len())
	return client, nil
}

// HandleMessage routes every decoded message to every client, the sender
// included.
func (r *Relay) HandleMessage(_ *Client, m codec.Message) {
	r.registry.Broadcast(m)
}

// HandleClose deregisters a terminated client.
func (r *Relay) HandleClose(c *Client, err error) {
	if !r.registry.Remove(c) {
		return
	}
	r.metrics.disconnectsTotal.WithLabelValues(disconnectReason(err)).Inc()
	c.log.Info("Client disconnected", "reason", disconnectReason(err), "clients", r.registry.Len())
}

// Stop closes the listener and every client and waits for all goroutines.
// It is idempotent.
func (r *Relay) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
	defer cancel()
	return r.Shutdown(ctx)
}

// Shutdown is Stop bounded by ctx. It returns ctx.Err() if goroutines are
// still running when ctx is done.
func (r *Relay) Shutdown(ctx context.Context) error {
	var closeErr error
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.state.Store(int32(StateStopped))
		listener := r.listener
		httpServer := r.http
		r.mu.Unlock()

		r.log.Info("Shutting down relay...")
		if listener != nil {
			if err := listener.Close(); err != nil && !isExpectedCloseError(err) {
				closeErr = fmt.Errorf("server: close listener: %w", err)
			}
		}
		if httpServer != nil {
			if err := shutdownHTTP(ctx, httpServer); err != nil && closeErr == nil {
				closeErr = err
			}
		}
		closed := r.registry.CloseAll()
		r.log.Info("Closed client connections", "count", closed)
	})
	if closeErr != nil {
		return closeErr
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.log.Info("Relay shutdown completed")
		return nil
	case <-ctx.Done():
		r.log.Warn("Relay shutdown timeout reached, some goroutines may still be running")
		return ctx.Err()
	}
}

// Addr returns the TCP listen address, or nil before Start.
func (r *Relay) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// State returns the lifecycle state.
func (r *Relay) State() State { return State(r.state.Load()) }

// Registry exposes the client registry.
func (r *Relay) Registry() *Registry { return r.registry }

// Codec returns the codec shared by all connections.
func (r *Relay) Codec() codec.Codec { return r.codec }

// Gatherer exposes the relay's Prometheus registry.
func (r *Relay) Gatherer() prometheus.Gatherer { return r.metrics.registry }

// Config returns a copy of the effective configuration.
func (r *Relay) Config() Config { return r.cfg }
