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
			Namespace: "nfcrelay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nfcrelay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	bridgeCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nfcrelay",
			Subsystem: "bridge",
			Name:      "commands_total",
			Help:      "Synchronous APDU commands by outcome.",
		},
		[]string{"outcome"},
	)
	bridgeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nfcrelay",
			Subsystem: "bridge",
			Name:      "command_duration_seconds",
			Help:      "Time from command submission to answer.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
		},
		[]string{"outcome"},
	)
	bridgeUnmatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nfcrelay",
			Subsystem: "bridge",
			Name:      "unmatched_responses_total",
			Help:      "Tag responses that found no waiting command.",
		},
	)
	duplexActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nfcrelay",
			Subsystem: "duplex",
			Name:      "connections_active",
			Help:      "Connected duplex peers by role.",
		},
		[]string{"role"},
	)
	relayPairs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nfcrelay",
			Subsystem: "relay",
			Name:      "pairs_total",
			Help:      "Raw connection pairs formed by the framed relay.",
		},
	)
	relayFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nfcrelay",
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Frames forwarded by the framed relay.",
		},
	)
	relayBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nfcrelay",
			Subsystem: "relay",
			Name:      "bytes_total",
			Help:      "Bytes forwarded by the framed relay, length prefixes included.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			bridgeCommands,
			bridgeDuration,
			bridgeUnmatched,
			duplexActive,
			relayPairs,
			relayFrames,
			relayBytes,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordCommand(outcome string, duration time.Duration) {
	RegisterMetrics()
	bridgeCommands.WithLabelValues(outcome).Inc()
	bridgeDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordUnmatchedResponse() {
	RegisterMetrics()
	bridgeUnmatched.Inc()
}

func DuplexConnected(role string) {
	RegisterMetrics()
	duplexActive.WithLabelValues(role).Inc()
}

func DuplexDisconnected(role string) {
	RegisterMetrics()
	duplexActive.WithLabelValues(role).Dec()
}

func RecordRelayPair() {
	RegisterMetrics()
	relayPairs.Inc()
}

func RecordRelayFrame(size int) {
	RegisterMetrics()
	relayFrames.Inc()
	relayBytes.Add(float64(size))
}
