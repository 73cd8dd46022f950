package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the session orchestration core.
//
// Naming convention: namespace_subsystem_name
// - namespace: session_manager (application-level grouping)
// - subsystem: session, bus, dispatch, rtc (feature-level grouping)
//
// Metric types:
// - Gauge: current state (active sessions, subscribers)
// - Counter: cumulative events (transitions, dropped subscribers)
// - Histogram: latency distributions (RTC API calls)

var (
	// ActiveSessions tracks the number of live (non-terminated) sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "session_manager",
		Subsystem: "session",
		Name:      "active",
		Help:      "Current number of active sessions",
	})

	// StateTransitions counts session state machine transitions.
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_manager",
		Subsystem: "session",
		Name:      "transitions_total",
		Help:      "Total session state transitions",
	}, []string{"to"})

	// EventsPublished counts events published on the event bus.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_manager",
		Subsystem: "bus",
		Name:      "events_published_total",
		Help:      "Total events published on the event bus",
	}, []string{"type"})

	// SubscribersDropped counts subscribers closed for lagging behind.
	SubscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "session_manager",
		Subsystem: "bus",
		Name:      "subscribers_dropped_total",
		Help:      "Total subscribers dropped for lagging behind the publisher",
	})

	// JoinDispatchAttempts counts join-room dispatch calls to microservices.
	JoinDispatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_manager",
		Subsystem: "dispatch",
		Name:      "join_attempts_total",
		Help:      "Total join-room dispatch attempts to microservices",
	}, []string{"status"})

	// RtcRequestDuration tracks room-control API call latency.
	RtcRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "session_manager",
		Subsystem: "rtc",
		Name:      "request_seconds",
		Help:      "Room-control API request duration",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"operation", "status"})

	// MonitorEvents counts typed events surfaced by room monitors.
	MonitorEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_manager",
		Subsystem: "rtc",
		Name:      "monitor_events_total",
		Help:      "Total participant-lifecycle events received from room monitors",
	}, []string{"type"})

	// CircuitBreakerState tracks the room-control API breaker (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "session_manager",
		Subsystem: "rtc",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})

	// LogEntriesDropped counts log entries dropped by the Vector shipper.
	LogEntriesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "session_manager",
		Subsystem: "logging",
		Name:      "shipper_dropped_total",
		Help:      "Total log entries dropped because the shipper buffer was full",
	})
)
