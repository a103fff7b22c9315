// Package metrics defines the prometheus collectors the settlement service
// exports.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Settlement tracks trade settlement outcomes and latency.
type Settlement struct {
	outcomes  *prometheus.CounterVec
	durations prometheus.Histogram
}

// NewSettlement registers the settlement collectors on the supplied registerer.
func NewSettlement(reg prometheus.Registerer) *Settlement {
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veilmarket",
		Name:      "settlements_total",
		Help:      "Trade settlements by terminal state.",
	}, []string{"state"})
	durations := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "veilmarket",
		Name:      "settlement_duration_seconds",
		Help:      "End-to-end settlement duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	})
	if reg != nil {
		reg.MustRegister(outcomes, durations)
	}
	return &Settlement{outcomes: outcomes, durations: durations}
}

// Observe records a settlement reaching a terminal state.
func (m *Settlement) Observe(state string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(state).Inc()
	m.durations.Observe(elapsed.Seconds())
}
