package monitoring

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scansResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scans_resolved_total",
			Help: "Resolved scans by outcome",
		},
		[]string{"outcome"},
	)

	commits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_commits_total",
			Help: "Confirmed commits by kind and payment method",
		},
		[]string{"kind", "payment_method"},
	)

	commitConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "commit_conflicts_total",
			Help: "Conditional writes that lost the version race",
		},
	)

	storeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_errors_total",
			Help: "Backend failures by operation",
		},
		[]string{"operation"},
	)

	integrityViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "integrity_violations_total",
			Help: "Users observed with more than one redeemable ticket",
		},
	)

	activeTickets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_tickets_total",
			Help: "Current number of active tickets",
		},
	)

	subscriberCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "store_subscribers_total",
			Help: "Observers currently subscribed to the ticket store",
		},
	)
)

func ScanResolved(outcome string)       { scansResolved.WithLabelValues(outcome).Inc() }
func Commit(kind, paymentMethod string) { commits.WithLabelValues(kind, paymentMethod).Inc() }
func CommitConflict()                   { commitConflicts.Inc() }
func StoreError(operation string)       { storeErrors.WithLabelValues(operation).Inc() }
func IntegrityViolation()               { integrityViolations.Inc() }
func SetActiveTickets(n int)            { activeTickets.Set(float64(n)) }
func SetSubscriberCount(n int)          { subscriberCount.Set(float64(n)) }

// Serve exposes the metrics endpoint on its own port.
func Serve(port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		log.Printf("Metrics listening on :%s", port)
		if err := http.ListenAndServe(":"+port, mux); err != nil {
			log.Printf("Metrics server stopped: %v", err)
		}
	}()
}
