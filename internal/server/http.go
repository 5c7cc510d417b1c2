// Package server runs the optional HTTP listener that carries health checks,
// metrics and the WebSocket gateway next to the TCP relay.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// CreateServer creates an HTTP server for addr with the relay's timeout
// defaults. WriteTimeout is left unset so upgraded WebSocket connections are
// not cut off; the client pumps apply their own deadlines.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// shutdownHTTP gracefully stops server, bounded by ctx.
func shutdownHTTP(ctx context.Context, server *http.Server) error {
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: http shutdown: %w", err)
	}
	return nil
}

// HTTPAddr returns the ops listener address, or nil when it is disabled or
// not started.
func (r *Relay) HTTPAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.httpAddr
}

// startHTTP binds cfg.HTTPAddr and serves Routes in the background. The
// caller holds r.mu.
func (r *Relay) startHTTP() error {
	listener, err := net.Listen("tcp", r.cfg.HTTPAddr)
	if err != nil {
		return &BindError{Addr: r.cfg.HTTPAddr, Err: err}
	}
	r.http = CreateServer(r.cfg.HTTPAddr, r.Routes())
	r.httpAddr = listener.Addr()
	r.log.Info("HTTP listening", "addr", listener.Addr().String())

	server := r.http
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("HTTP server error", "err", err)
		}
	}()
	return nil
}
