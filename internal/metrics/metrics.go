// Package metrics exposes Prometheus counters for refinement runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joescharf/aprgen/internal/models"
)

// Fetch outcomes used as the "outcome" label.
const (
	OutcomeFetched = "fetched"
	OutcomeRetried = "retried"
)

// Metrics groups the collectors of one process. All methods are safe on a
// nil receiver so callers can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	RoundsTotal       *prometheus.CounterVec
	CritiqueScore     prometheus.Histogram
	TerminationsTotal *prometheus.CounterVec
	FetchesTotal      *prometheus.CounterVec
	BugsTotal         *prometheus.CounterVec
	BugDuration       prometheus.Histogram
	FixesTotal        *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		RoundsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aprgen_rounds_total",
			Help: "Refinement rounds persisted, by whether the critique degraded",
		}, []string{"degraded"}),
		CritiqueScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "aprgen_critique_score",
			Help:    "Completeness score reported per round",
			Buckets: prometheus.LinearBuckets(10, 10, 10),
		}),
		TerminationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aprgen_terminations_total",
			Help: "Loop terminations by reason",
		}, []string{"reason"}),
		FetchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aprgen_fetches_total",
			Help: "Supplementary fetches by source and outcome",
		}, []string{"source", "outcome"}),
		BugsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aprgen_bugs_total",
			Help: "Bug runs by final status",
		}, []string{"status"}),
		BugDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "aprgen_bug_duration_seconds",
			Help:    "Wall time of a single bug run",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		FixesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aprgen_zeroshot_fixes_total",
			Help: "Zero-knowledge fixes by diff validity",
		}, []string{"valid"}),
	}
}

// RoundPersisted records a round after it reached the round log.
func (m *Metrics) RoundPersisted(r models.Round) {
	if m == nil {
		return
	}
	m.RoundsTotal.WithLabelValues(boolLabel(r.Critique.Degraded)).Inc()
	m.CritiqueScore.Observe(float64(r.Critique.Score))
	if r.Terminated {
		m.TerminationsTotal.WithLabelValues(string(r.Reason)).Inc()
	}
}

// Fetch records one resolved fetch request. outcome is one of the Outcome
// constants or an open-gap reason.
func (m *Metrics) Fetch(src models.SourceTag, outcome string) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(string(src), outcome).Inc()
}

// BugFinished records the end of a single-bug run.
func (m *Metrics) BugFinished(status models.RunStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.BugsTotal.WithLabelValues(string(status)).Inc()
	m.BugDuration.Observe(d.Seconds())
}

// FixGenerated records a zero-knowledge fix.
func (m *Metrics) FixGenerated(valid bool) {
	if m == nil {
		return
	}
	m.FixesTotal.WithLabelValues(boolLabel(valid)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
