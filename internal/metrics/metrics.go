// Package metrics holds the daemon's Prometheus instrumentation. Collectors
// register on the default registry at package init; the control plane serves
// them at GET /metrics through Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// InboundEnqueued counts inbound rows accepted into the durable queue.
	// Platform replays dropped by dedup are not counted.
	InboundEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inbound_enqueued_total",
		Help: "Inbound messages accepted into the durable queue",
	})

	// InboundDelivered counts rows injected into their session.
	InboundDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inbound_delivered_total",
		Help: "Inbound messages delivered to their target session",
	})

	// InboundFailed counts transient delivery failures (the row retries).
	InboundFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inbound_failed_total",
		Help: "Inbound delivery attempts that failed and will retry",
	})

	// InboundExpired counts rows abandoned after a permanent failure, an
	// exhausted retry budget, or a session close.
	InboundExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inbound_expired_total",
		Help: "Inbound messages expired without delivery",
	})

	// OutboxDelivered counts outbound rows handed to an adapter, by adapter.
	OutboxDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_delivered_total",
		Help: "Outbound events delivered, by target adapter",
	}, []string{"adapter"})

	// EnvelopesPublished counts envelopes that entered the event log.
	EnvelopesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "envelopes_published_total",
		Help: "Event envelopes persisted to the event log",
	})

	// IdentityDenied counts requests rejected by the dual-factor check.
	IdentityDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "identity_denied_total",
		Help: "Control-plane requests denied by identity verification",
	})

	// RoleDenied counts requests rejected by the endpoint role matrix.
	RoleDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "role_denied_total",
		Help: "Control-plane requests denied by the role matrix",
	})

	// RequestsServed counts control-plane requests by endpoint and status.
	RequestsServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controlplane_requests_total",
		Help: "Control-plane HTTP requests, by endpoint and status code",
	}, []string{"endpoint", "status"})

	// QueueWorkers tracks live per-session inbound workers.
	QueueWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "queue_workers",
		Help: "Per-session inbound queue workers currently running",
	})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
