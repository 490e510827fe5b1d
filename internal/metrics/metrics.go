package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duet_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duet_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Realtime metrics
	RealtimeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "duet_realtime_connections",
			Help: "Open realtime connections, including superseded ones",
		},
	)

	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "duet_online_users",
			Help: "Users present in the presence registry",
		},
	)

	RelayOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duet_realtime_relays_total",
			Help: "Relay attempts by outcome",
		},
		[]string{"outcome"}, // "delivered", "offline", "dropped", "rejected"
	)

	HandshakeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "duet_realtime_handshake_failures_total",
			Help: "Realtime handshakes rejected by the session authenticator",
		},
	)

	// Business metrics
	MessagesSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duet_messages_submitted_total",
			Help: "Message submissions by result",
		},
		[]string{"result"},
	)

	UsersRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "duet_users_registered_total",
			Help: "Total accounts created",
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duet_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)
)

// Relay outcome labels.
const (
	RelayDelivered = "delivered"
	RelayOffline   = "offline"
	RelayDropped   = "dropped"
	RelayRejected  = "rejected"
)
