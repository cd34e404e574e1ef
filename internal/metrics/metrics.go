package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quorum/internal/domain"
)

var (
	apiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quorum",
			Name:      "api_requests_total",
			Help:      "Total number of API requests",
		},
		[]string{"method", "path", "status"},
	)

	apiRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "quorum",
			Name:      "api_request_duration_seconds",
			Help:      "API request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	votesRequestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "quorum",
			Name:      "votes_requested_total",
			Help:      "Total number of approval requests created",
		},
	)

	votesAnsweredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quorum",
			Name:      "votes_answered_total",
			Help:      "Total number of vote answers by resulting status",
		},
		[]string{"status"},
	)

	recomputationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quorum",
			Name:      "item_recomputations_total",
			Help:      "Total number of work item status recomputations by resulting status",
		},
		[]string{"kind", "status"},
	)

	stepInstancesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quorum",
			Name:      "step_instances_total",
			Help:      "Step instance lifecycle operations",
		},
		[]string{"action"},
	)
)

func init() {
	prometheus.MustRegister(apiRequestsTotal)
	prometheus.MustRegister(apiRequestDuration)
	prometheus.MustRegister(votesRequestedTotal)
	prometheus.MustRegister(votesAnsweredTotal)
	prometheus.MustRegister(recomputationsTotal)
	prometheus.MustRegister(stepInstancesTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordAPIRequest(method, path string, status int, seconds float64) {
	apiRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	apiRequestDuration.WithLabelValues(method, path).Observe(seconds)
}

func RecordVoteRequested() {
	votesRequestedTotal.Inc()
}

func RecordVoteAnswered(status domain.Status) {
	votesAnsweredTotal.WithLabelValues(string(status)).Inc()
}

func RecordRecomputation(kind domain.ItemKind, status domain.Status) {
	recomputationsTotal.WithLabelValues(string(kind), string(status)).Inc()
}

func RecordStepInstanceCreated() {
	stepInstancesTotal.WithLabelValues("created").Inc()
}

func RecordStepInstanceReleased() {
	stepInstancesTotal.WithLabelValues("released").Inc()
}
