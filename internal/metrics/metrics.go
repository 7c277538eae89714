package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway call instrumentation, labeled by operation and outcome.
var (
	GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schoolsync_gateway_requests_total",
		Help: "Gateway calls by operation and outcome.",
	}, []string{"op", "outcome"})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "schoolsync_gateway_request_seconds",
		Help:    "Gateway call latency by operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	SyncTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "schoolsync_sync_ticks_total",
		Help: "Completed stream refresh ticks.",
	})

	SyncSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "schoolsync_sync_skipped_total",
		Help: "Ticks skipped because a refresh was still in flight.",
	})

	ReceiptsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "schoolsync_receipts_dispatched_total",
		Help: "Read receipts delivered to the API.",
	})

	ReceiptFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "schoolsync_receipt_failures_total",
		Help: "Read receipt deliveries that failed (best-effort, logged only).",
	})
)
