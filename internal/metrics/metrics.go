package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledgercal",
			Name:      "sync_jobs_processed_total",
			Help:      "Sync jobs finished, by outcome.",
		},
		[]string{"outcome"},
	)

	conflictsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledgercal",
			Name:      "sync_conflicts_resolved_total",
			Help:      "Conflicts resolved, by winning side.",
		},
		[]string{"winner"},
	)

	webhooksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledgercal",
			Name:      "webhook_notifications_total",
			Help:      "Inbound webhook notifications, by result.",
		},
		[]string{"result"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledgercal",
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(jobsProcessed, conflictsResolved, webhooksReceived, httpRequests)
	})
}

// IncJob counts a finished job by outcome (completed, retried, failed, cancelled).
func IncJob(outcome string) {
	jobsProcessed.WithLabelValues(outcome).Inc()
}

// IncConflict counts a resolved conflict by winner.
func IncConflict(winner string) {
	conflictsResolved.WithLabelValues(winner).Inc()
}

// IncWebhook counts an inbound notification by result (enqueued, duplicate, rejected).
func IncWebhook(result string) {
	webhooksReceived.WithLabelValues(result).Inc()
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}
