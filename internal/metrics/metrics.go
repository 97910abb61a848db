// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application collectors served on /metrics.
	Registry = prometheus.NewRegistry()

	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "partypay",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Connect RPCs handled, by procedure and code.",
		},
		[]string{"procedure", "code"},
	)

	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "partypay",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Duration of Connect RPCs.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"procedure"},
	)

	bankRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "partypay",
			Subsystem: "bank",
			Name:      "requests_total",
			Help:      "Bank gateway calls, by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	bankDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "partypay",
			Subsystem: "bank",
			Name:      "request_duration_seconds",
			Help:      "Duration of bank gateway calls.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"operation"},
	)

	transfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "partypay",
			Subsystem: "ledger",
			Name:      "transfers_total",
			Help:      "Transfer outcomes, by kind and status.",
		},
		[]string{"kind", "status"},
	)

	settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "partypay",
			Subsystem: "ledger",
			Name:      "settlements_total",
			Help:      "Settlement transitions, by resulting status.",
		},
		[]string{"status"},
	)

	payoutWon = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "partypay",
			Subsystem: "ledger",
			Name:      "payout_won_total",
			Help:      "Net amount paid out to leaders.",
		},
	)

	verifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "partypay",
			Subsystem: "verification",
			Name:      "attempts_total",
			Help:      "Verification code checks, by result.",
		},
		[]string{"result"},
	)

	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "partypay",
			Subsystem: "worker",
			Name:      "job_runs_total",
			Help:      "Background job runs, by job and success.",
		},
		[]string{"job", "success"},
	)
)

func init() {
	Registry.MustRegister(
		rpcRequests,
		rpcDuration,
		bankRequests,
		bankDuration,
		transfers,
		settlements,
		payoutWon,
		verifications,
		jobRuns,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordRPC records one handled Connect call.
func RecordRPC(procedure, code string, d time.Duration) {
	rpcRequests.WithLabelValues(procedure, code).Inc()
	rpcDuration.WithLabelValues(procedure).Observe(d.Seconds())
}

// RecordBankCall records one gateway round trip.
func RecordBankCall(operation, outcome string, d time.Duration) {
	bankRequests.WithLabelValues(operation, outcome).Inc()
	bankDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordTransfer records a transfer reaching a status.
func RecordTransfer(kind, status string) {
	transfers.WithLabelValues(kind, status).Inc()
}

// RecordSettlement records a settlement transition. Completed settlements add
// their net amount to the payout total.
func RecordSettlement(status string, net int64) {
	settlements.WithLabelValues(status).Inc()
	if status == "COMPLETED" && net > 0 {
		payoutWon.Add(float64(net))
	}
}

// RecordVerification records the result of a code check.
func RecordVerification(result string) {
	verifications.WithLabelValues(result).Inc()
}

// RecordJob records one background job run.
func RecordJob(job string, err error) {
	success := "true"
	if err != nil {
		success = "false"
	}
	jobRuns.WithLabelValues(job, success).Inc()
}
