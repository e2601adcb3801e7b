// Package metrics holds the Prometheus collectors shared by the proxy, the
// fleet client and the event stream registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kcfleet"

var (
	// ProxyRequests counts requests forwarded to managed clusters.
	ProxyRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Requests forwarded to managed clusters by cluster and status code.",
	}, []string{"cluster", "code"})

	ProxyDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "request_duration_seconds",
		Help:      "Latency of proxied requests until the response headers were written.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"cluster"})

	FetchAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fleet",
		Name:      "fetch_attempts_total",
		Help:      "Fetch attempts against the fleet proxy by outcome.",
	}, []string{"outcome"})

	LiveWatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "fleet",
		Name:      "live_watches",
		Help:      "Open live watch connections to managed clusters.",
	})

	SSESubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sse",
		Name:      "subscribers",
		Help:      "Connected event stream subscribers.",
	})

	SSEWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sse",
		Name:      "write_failures_total",
		Help:      "Event frames that could not be written to a subscriber.",
	})

	SSEEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sse",
		Name:      "events_total",
		Help:      "Broadcast events by event name.",
	}, []string{"event"})
)

// Outcomes for FetchAttempts.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeAborted = "aborted"
)

// Collectors returns every collector defined here.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		ProxyRequests, ProxyDuration, FetchAttempts, LiveWatches,
		SSESubscribers, SSEWriteFailures, SSEEvents,
	}
}

// Register registers all collectors with reg. Already registered collectors
// are skipped so that tests can build several servers in one process.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
