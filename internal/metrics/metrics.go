package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// State machine transitions, by verb and outcome.
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auction_transitions_total",
			Help: "Total number of RFQ transitions attempted (by verb and outcome).",
		},
		[]string{"verb", "outcome"},
	)

	// Bids accepted/rejected, by auction type and reason.
	BidsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auction_bids_total",
			Help: "Total number of bid submissions (by auction type and outcome).",
		},
		[]string{"auction_type", "outcome"},
	)

	// Compare-and-set conflicts on the reverse-auction hot path.
	CASConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auction_cas_conflicts_total",
			Help: "Number of compare-and-set conflicts during bid commits.",
		},
		[]string{"resolved"},
	)

	// Anti-sniping extensions applied.
	ExtensionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auction_extensions_total",
			Help: "Number of bidding deadline extensions applied.",
		},
	)

	// Domain events published, by transport and type.
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auction_events_published_total",
			Help: "Number of domain events handed to each transport.",
		},
		[]string{"transport", "event_type"},
	)

	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auction_publish_errors_total",
			Help: "Number of event publish failures (by transport).",
		},
		[]string{"transport"},
	)

	// Broker commands consumed, by queue and disposition.
	CommandsConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auction_commands_consumed_total",
			Help: "Number of broker commands consumed (by queue and disposition).",
		},
		[]string{"queue", "disposition"},
	)

	// Subscriber queue overruns in the broadcaster.
	SubscriberLagTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auction_subscriber_lag_total",
			Help: "Events dropped for slow broadcast subscribers.",
		},
		[]string{"subscriber"},
	)

	// Sweep pass durations.
	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auction_sweep_duration_seconds",
			Help:    "Duration of background sweep passes in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms → ~16s
		},
		[]string{"sweep"},
	)

	// Directory collaborator calls.
	DirectoryRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auction_directory_requests_total",
			Help: "Total number of directory collaborator requests (by endpoint and status).",
		},
		[]string{"endpoint", "status"},
	)

	DirectoryRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auction_directory_request_duration_seconds",
			Help:    "Duration of directory collaborator requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"endpoint"},
	)
)

// ObserveDuration records the time taken for a function and updates the given histogram.
func ObserveDuration(v any, start time.Time, labels ...string) {
	duration := time.Since(start).Seconds()

	switch metric := v.(type) {
	case *prometheus.HistogramVec:
		metric.WithLabelValues(labels...).Observe(duration)
	case *prometheus.SummaryVec:
		metric.WithLabelValues(labels...).Observe(duration)
	default:
		// silently ignore counters; they're not meant for duration tracking
	}
}

func IncTransition(verb, outcome string) {
	TransitionsTotal.WithLabelValues(verb, outcome).Inc()
}

func IncBid(auctionType, outcome string) {
	BidsTotal.WithLabelValues(auctionType, outcome).Inc()
}

func StartServer(addr string) {
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		http.ListenAndServe(addr, nil) //nolint:errcheck
	}()
}
