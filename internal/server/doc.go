// Package server implements the chat relay: a TCP listener whose clients
// exchange codec-framed messages, every message being fanned out to every
// connected client, the sender included.
//
// The implementation is organized into specialized files for configuration,
// client pumps, the registry, the relay lifecycle, and the optional HTTP
// listener that carries health checks, metrics and a WebSocket gateway
// sharing the same registry.
package server
