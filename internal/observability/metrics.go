package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgegate",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total status API requests.",
		},
		[]string{"node", "method", "path", "session_state", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgegate",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "session_state", "status"},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgegate",
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Gateway session state transitions.",
		},
		[]string{"from", "to"},
	)
	sessionReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgegate",
			Subsystem: "session",
			Name:      "reconnect_decisions_total",
			Help:      "Reconnect decisions by close class and action.",
		},
		[]string{"class", "action"},
	)
	sessionBackoff = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "edgegate",
			Subsystem: "session",
			Name:      "reconnect_delay_seconds",
			Help:      "Scheduled reconnect delay in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)
	heartbeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgegate",
			Subsystem: "heartbeat",
			Name:      "ticks_total",
			Help:      "Heartbeat ticks by verdict.",
		},
		[]string{"verdict"},
	)
	heartbeatLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "edgegate",
			Subsystem: "heartbeat",
			Name:      "ack_latency_seconds",
			Help:      "Heartbeat send to ack latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgegate",
			Subsystem: "dispatch",
			Name:      "events_total",
			Help:      "Inbound dispatch events by name.",
		},
		[]string{"name"},
	)
	subscriberFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "edgegate",
			Subsystem: "dispatch",
			Name:      "subscriber_failures_total",
			Help:      "Subscriber handler errors and panics.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			sessionTransitions,
			sessionReconnects,
			sessionBackoff,
			heartbeats,
			heartbeatLatency,
			dispatches,
			subscriberFailures,
		)
	})
}

func RecordHTTPRequest(node, method, path, sessionState string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, sessionState, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, sessionState, statusLabel).Observe(duration.Seconds())
}

func RecordStateTransition(from, to string) {
	RegisterMetrics()
	sessionTransitions.WithLabelValues(from, to).Inc()
}

func RecordReconnectDecision(class, action string, delay time.Duration) {
	RegisterMetrics()
	sessionReconnects.WithLabelValues(class, action).Inc()
	if delay > 0 {
		sessionBackoff.Observe(delay.Seconds())
	}
}

func RecordHeartbeat(verdict string) {
	RegisterMetrics()
	heartbeats.WithLabelValues(verdict).Inc()
}

func ObserveHeartbeatLatency(latency time.Duration) {
	RegisterMetrics()
	heartbeatLatency.Observe(latency.Seconds())
}

// RecordDispatch counts one inbound dispatch; name is the event type.
func RecordDispatch(name string) {
	RegisterMetrics()
	dispatches.WithLabelValues(name).Inc()
}

func RecordSubscriberFailure() {
	RegisterMetrics()
	subscriberFailures.Inc()
}
