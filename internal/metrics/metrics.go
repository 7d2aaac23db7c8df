// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConsultationRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consultation_requests_total",
			Help: "Consultation requests by admission outcome (active, queued, rejected).",
		},
		[]string{"outcome"},
	)

	QueuePromotions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consultation_queue_promotions_total",
		Help: "Queued consultations promoted to active.",
	})

	ConsultationCompletions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consultation_completions_total",
			Help: "Consultations completed, by the path that closed them.",
		},
		[]string{"reason"},
	)

	ExtensionRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consultation_extension_rejections_total",
		Help: "Astrologer extensions refused because the cap was reached.",
	})

	ArmedSessionTimers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "session_timers_armed",
		Help: "Consultations with an armed expiry timer in this process.",
	})

	SessionWarnings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_warnings_total",
		Help: "Pre-expiry warnings emitted.",
	})

	RoutingReroutes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "routing_reroutes_total",
		Help: "Requests transparently rerouted to another astrologer.",
	})

	RoutingLookupFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "routing_lookup_failures_total",
		Help: "Routing lookups that failed open to the requested astrologer.",
	})

	MatchScores = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "matching_best_score",
		Help:    "Score of the astrologer chosen by the matching engine.",
		Buckets: prometheus.LinearBuckets(0, 10, 11),
	})

	MatchMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matching_no_candidate_total",
		Help: "Matching requests that found no eligible astrologer.",
	})

	EventPublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_event_publish_failures_total",
			Help: "Lifecycle events that could not be published.",
		},
		[]string{"event"},
	)

	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "websocket_clients",
		Help: "Connected websocket clients.",
	})

	BroadcastDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "websocket_broadcast_drops_total",
		Help: "Room messages dropped because the hub or a client buffer was full.",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern and status.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)
