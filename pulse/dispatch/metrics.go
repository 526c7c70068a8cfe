package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/teranos/autopost/pulse/queue"
)

// Outcome labels for autopost_dispatch_total
const (
	OutcomePosted      = "posted"
	OutcomeRetry       = "retry"
	OutcomeReview      = "review"
	OutcomeRecordError = "record_error"
)

// Metrics holds the dispatch collectors. A nil *Metrics records nothing.
type Metrics struct {
	dispatched *prometheus.CounterVec
	duration   prometheus.Histogram
	jobs       *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopost_dispatch_total",
				Help: "Dispatch attempts by outcome (posted/retry/review/record_error).",
			},
			[]string{"outcome"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "autopost_dispatch_duration_seconds",
				Help:    "Time spent in the Poster per attempt.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		jobs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "autopost_jobs",
				Help: "Jobs in the queue by status.",
			},
			[]string{"status"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.dispatched, m.duration, m.jobs)
	}
	return m
}

// ObserveDispatch records one attempt
func (m *Metrics) ObserveDispatch(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(outcome).Inc()
	m.duration.Observe(took.Seconds())
}

// SetJobCounts publishes queue counts, including zeros
func (m *Metrics) SetJobCounts(counts map[queue.Status]int) {
	if m == nil {
		return
	}
	for _, st := range queue.AllStatuses {
		m.jobs.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
