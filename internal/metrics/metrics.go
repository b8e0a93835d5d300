// Package metrics holds the Prometheus collectors exposed by the ambient
// status server, grounded on internal/escrow/metrics.go's
// promauto.NewXVec-per-concern layout.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector this replica exposes.
type Metrics struct {
	ReportsSubmitted *prometheus.CounterVec
	ReportsRejected  *prometheus.CounterVec
	Equivocations    prometheus.Counter

	BRBEchoSent    prometheus.Counter
	BRBReadySent   prometheus.Counter
	BRBDelivered   prometheus.Counter
	BRBDeliverSecs prometheus.Histogram

	QueryDuration *prometheus.HistogramVec
}

// New creates and registers every collector.
func New() *Metrics {
	return &Metrics{
		ReportsSubmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locuscert_reports_submitted_total",
				Help: "Reports accepted by submit_report before BRB confirmation.",
			},
			[]string{"op"},
		),
		ReportsRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locuscert_reports_rejected_total",
				Help: "Requests rejected, labelled by reason.",
			},
			[]string{"reason"},
		),
		Equivocations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "locuscert_equivocations_total",
			Help: "Reporters blacklisted for equivocation.",
		}),
		BRBEchoSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "locuscert_brb_echo_sent_total",
			Help: "ECHO broadcasts initiated by this replica.",
		}),
		BRBReadySent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "locuscert_brb_ready_sent_total",
			Help: "READY broadcasts initiated by this replica.",
		}),
		BRBDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "locuscert_brb_delivered_total",
			Help: "BRB instances delivered by this replica.",
		}),
		BRBDeliverSecs: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "locuscert_brb_deliver_seconds",
			Help:    "Wall-clock time from this replica's first ECHO for an instance to its delivery.",
			Buckets: prometheus.DefBuckets,
		}),
		QueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "locuscert_query_duration_seconds",
				Help:    "Handler duration by RPC operation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
	}
}
