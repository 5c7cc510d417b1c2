// Package server collects Prometheus metrics for connections and fan-out.
package server

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Tyrowin/chatrelay/internal/codec"
)

const metricsNamespace = "chatrelay"

// metrics holds the relay's Prometheus collectors. Each relay owns its own
// registry so several relays can coexist in one process.
type metrics struct {
	registry *prometheus.Registry

	activeClients     prometheus.Gauge
	acceptedTotal     *prometheus.CounterVec
	disconnectsTotal  *prometheus.CounterVec
	messagesReceived  prometheus.Counter
	deliveriesTotal   prometheus.Counter
	droppedTotal      prometheus.Counter
	decodeErrorsTotal prometheus.Counter
	broadcastFanout   prometheus.Histogram
}

func newMetrics(codecName string) *metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	labels := prometheus.Labels{"codec": codecName}

	return &metrics{
		registry: registry,

		activeClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "active_clients",
			Help:        "Number of connections currently registered",
			ConstLabels: labels,
		}),

		acceptedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "accepted_connections_total",
			Help:        "Total number of connections attached to the relay",
			ConstLabels: labels,
		}, []string{"transport"}),

		disconnectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "disconnects_total",
			Help:        "Total number of connections removed, by reason",
			ConstLabels: labels,
		}, []string{"reason"}),

		messagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "messages_received_total",
			Help:        "Total number of messages decoded from clients",
			ConstLabels: labels,
		}),

		deliveriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "deliveries_total",
			Help:        "Total number of messages queued to client outboxes",
			ConstLabels: labels,
		}),

		droppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "dropped_deliveries_total",
			Help:        "Total number of deliveries refused by closed or saturated clients",
			ConstLabels: labels,
		}),

		decodeErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "decode_errors_total",
			Help:        "Total number of malformed frames discarded",
			ConstLabels: labels,
		}),

		broadcastFanout: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Name:        "broadcast_fanout",
			Help:        "Number of recipients per broadcast",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

// disconnectReason maps a close cause to a low-cardinality label.
func disconnectReason(err error) string {
	switch {
	case errors.Is(err, ErrSlowConsumer):
		return "slow_consumer"
	case errors.Is(err, codec.ErrFrameTooLarge):
		return "frame_too_large"
	case isExpectedCloseError(err):
		return "closed"
	case isTimeout(err):
		return "timeout"
	default:
		return "error"
	}
}
