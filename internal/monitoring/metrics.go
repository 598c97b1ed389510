// Package monitoring exposes Prometheus metrics for discovery scans and
// summarizes scan health from the scan log.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// MetricsNamespace is the namespace for all discovery metrics.
	MetricsNamespace = "resource"

	// MetricsSubsystem is the subsystem for discovery metrics.
	MetricsSubsystem = "discovery"
)

// Metrics holds the Prometheus collectors for discovery. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ScansTotal          *prometheus.CounterVec
	ScanDurationSeconds *prometheus.HistogramVec
	ScansRunning        prometheus.Gauge
	CandidatesTotal     *prometheus.CounterVec
	MatchesTotal        *prometheus.CounterVec
	GeocodeTotal        *prometheus.CounterVec
	ConfidenceScore     prometheus.Histogram
}

// NewMetrics creates and registers all discovery metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ScansTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "scans_total",
			Help:      "Discovery scans by terminal state",
		}, []string{"state"}),
		ScanDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "scan_duration_seconds",
			Help:      "Wall-clock duration of discovery scans",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"state"}),
		ScansRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "scans_running",
			Help:      "Discovery scans currently in progress",
		}),
		CandidatesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "candidates_total",
			Help:      "Candidates processed by outcome",
		}, []string{"outcome"}),
		MatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "duplicate_matches_total",
			Help:      "Duplicate matches found by confidence tier",
		}, []string{"confidence"}),
		GeocodeTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "geocode_fallback_total",
			Help:      "Geocoding fallback attempts by result",
		}, []string{"result"}),
		ConfidenceScore: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "confidence_score",
			Help:      "Confidence scores assigned to candidates",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),
	}
}

// ScanStarted increments the running gauge.
func (m *Metrics) ScanStarted() {
	if m == nil {
		return
	}
	m.ScansRunning.Inc()
}

// ScanFinished records a terminal state and duration and decrements the
// running gauge.
func (m *Metrics) ScanFinished(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.ScansRunning.Dec()
	m.ScansTotal.WithLabelValues(state).Inc()
	m.ScanDurationSeconds.WithLabelValues(state).Observe(d.Seconds())
}

// ScanSkipped records a scan that never started, such as a cached result.
func (m *Metrics) ScanSkipped(state string) {
	if m == nil {
		return
	}
	m.ScansTotal.WithLabelValues(state).Inc()
}

// Candidate records one candidate outcome.
func (m *Metrics) Candidate(outcome string) {
	if m == nil {
		return
	}
	m.CandidatesTotal.WithLabelValues(outcome).Inc()
}

// Match records one duplicate match.
func (m *Metrics) Match(confidence string) {
	if m == nil {
		return
	}
	m.MatchesTotal.WithLabelValues(confidence).Inc()
}

// Geocode records one geocoding fallback result: matched, unmatched or error.
func (m *Metrics) Geocode(result string) {
	if m == nil {
		return
	}
	m.GeocodeTotal.WithLabelValues(result).Inc()
}

// Confidence observes an assigned confidence score.
func (m *Metrics) Confidence(score int) {
	if m == nil {
		return
	}
	m.ConfidenceScore.Observe(float64(score))
}
