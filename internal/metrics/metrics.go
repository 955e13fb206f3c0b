// Package metrics is the single source of truth for custom Prometheus
// metric names, labels, and help strings.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "blockattend"

// MarksRecorded counts attendance records accepted by the recorder.
var MarksRecorded = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "marks_recorded_total",
		Help:      "Total number of attendance records written to the store.",
	},
)

// LedgerWrites counts ledger mirror outcomes.
// Label:
//   - status: "ok", "failed" or "skipped" (mirror not configured)
var LedgerWrites = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_writes_total",
		Help:      "Total number of best-effort ledger mirror attempts, by outcome.",
	},
	[]string{"status"},
)

// RateLimited counts requests rejected by the per-IP token bucket.
var RateLimited = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Total number of requests rejected by the rate limiter.",
	},
)
