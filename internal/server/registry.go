// Package server coordinates client membership and message fan-out through
// the Registry type.
package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Tyrowin/chatrelay/internal/codec"
)

const tracerName = "github.com/Tyrowin/chatrelay/internal/server"

// Registry is the set of live clients. Membership changes take the write
// lock; broadcasts only hold the read lock long enough to copy the members.
type Registry struct {
	clients map[*Client]struct{}
	mutex   sync.RWMutex

	codec   codec.Codec
	log     *slog.Logger
	metrics *metrics
	tracer  trace.Tracer
}

// NewRegistry creates an empty registry that frames broadcasts with c.
func NewRegistry(c codec.Codec, log *slog.Logger) *Registry {
	return newRegistry(c, log, nil)
}

func newRegistry(c codec.Codec, log *slog.Logger, m *metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		clients: make(map[*Client]struct{}),
		codec:   c,
		log:     log,
		metrics: m,
		tracer:  otel.Tracer(tracerName),
	}
}

// Add inserts c and reports whether it was absent.
func (r *Registry) Add(c *Client) bool {
	if c == nil {
		return false
	}
	r.mutex.Lock()
	if _, exists := r.clients[c]; exists {
		r.mutex.Unlock()
		return false
	}
	r.clients[c] = struct{}{}
	count := len(r.clients)
	r.mutex.Unlock()

	if r.metrics != nil {
		r.metrics.activeClients.Set(float64(count))
	}
	r.log.Debug("Client registered", "remote", c.Addr(), "clients", count)
	return true
}

// Remove deletes c. Removing an absent client is a no-op that reports false.
func (r *Registry) Remove(c *Client) bool {
	r.mutex.Lock()
	if _, exists := r.clients[c]; !exists {
		r.mutex.Unlock()
		return false
	}
	delete(r.clients, c)
	count := len(r.clients)
	r.mutex.Unlock()

	if r.metrics != nil {
		r.metrics.activeClients.Set(float64(count))
	}
	r.log.Debug("Client unregistered", "remote", c.Addr(), "clients", count)
	return true
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.clients)
}

// Snapshot returns the current members in unspecified order.
func (r *Registry) Snapshot() []*Client {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return lo.Keys(r.clients)
}

// Broadcast queues m to every registered client, the sender included, and
// returns how many accepted it. The frame is encoded once. A client that
// refuses the frame is closed, which removes it, without affecting the rest.
func (r *Registry) Broadcast(m codec.Message) int {
	return r.BroadcastContext(context.Background(), m)
}

// BroadcastContext is Broadcast with a parent context for tracing.
func (r *Registry) BroadcastContext(ctx context.Context, m codec.Message) int {
	_, span := r.tracer.Start(ctx, "relay.broadcast", trace.WithAttributes(
		attribute.String("chat.sender_id", m.SenderID),
		attribute.String("chat.codec", r.codec.Name()),
	))
	defer span.End()

	frame, err := codec.Marshal(r.codec, m)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		r.log.Warn("Dropping message that cannot be encoded", "sender", m.SenderID, "err", err)
		return 0
	}

	clients := r.Snapshot()
	delivered := 0
	for _, client := range clients {
		if client.enqueue(frame) {
			delivered++
		}
	}

	span.SetAttributes(
		attribute.Int("chat.recipients", len(clients)),
		attribute.Int("chat.delivered", delivered),
	)
	if r.metrics != nil {
		r.metrics.deliveriesTotal.Add(float64(delivered))
		r.metrics.droppedTotal.Add(float64(len(clients) - delivered))
		r.metrics.broadcastFanout.Observe(float64(len(clients)))
	}
	return delivered
}

// CloseAll closes every registered client. Each close removes the client
// through its handler.
func (r *Registry) CloseAll() int {
	clients := r.Snapshot()
	for _, client := range clients {
		client.Close()
	}
	return len(clients)
}
