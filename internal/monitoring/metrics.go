package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/fusionscore/internal/model"
	"github.com/sells-group/fusionscore/internal/resilience"
)

const namespace = "fusionscore"

// Metrics exports recalibration outcomes to Prometheus. It implements
// recalibrate.Observer. A nil *Metrics is a no-op.
type Metrics struct {
	recalibrations  *prometheus.CounterVec
	duration        prometheus.Histogram
	confidence      prometheus.Histogram
	skipped         *prometheus.CounterVec
	ingested        prometheus.Counter
	sweeps          prometheus.Counter
	sweepEntities   prometheus.Gauge
	sweepFailed     prometheus.Gauge
	sweepDuration   prometheus.Histogram
	explainFallback *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	auditFailRate   prometheus.Gauge
	auditAvgConf    prometheus.Gauge
}

// NewMetrics registers the collectors with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default /metrics handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		recalibrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recalibrations_total",
			Help:      "Source recalibrations by status and error kind.",
		}, []string{"status", "error_kind"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recalibration_duration_seconds",
			Help:      "Duration of one source recalibration.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		confidence: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recalibration_confidence",
			Help:      "Confidence of successful recalibrations.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recalibrations_skipped_total",
			Help:      "Source recalibrations skipped, by reason.",
		}, []string{"reason"}),
		ingested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metrics_ingested_total",
			Help:      "Metric rows ingested.",
		}),
		sweeps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Completed sweeps.",
		}),
		sweepEntities: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sweep_last_entities",
			Help:      "Entities covered by the last sweep.",
		}),
		sweepFailed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sweep_last_failed_entities",
			Help:      "Entities with a failure in the last sweep.",
		}),
		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a sweep.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		explainFallback: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "explainer_fallbacks_total",
			Help:      "Generated explanations replaced by deterministic text, by reason.",
		}, []string{"reason"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		}, []string{"name"}),
		auditFailRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_failure_rate",
			Help:      "Failed share of audited recalibrations in the lookback window.",
		}),
		auditAvgConf: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_avg_confidence",
			Help:      "Average confidence of successful recalibrations in the lookback window.",
		}),
	}
}

// SourceRecalibrated records one source outcome.
func (m *Metrics) SourceRecalibrated(status model.AuditStatus, kind model.ErrorKind, confidence float64, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.recalibrations.WithLabelValues(string(status), string(kind)).Inc()
	m.duration.Observe(elapsed.Seconds())
	if status == model.AuditSuccess {
		m.confidence.Observe(confidence)
	}
}

// SourceSkipped records a skipped source.
func (m *Metrics) SourceSkipped(reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(reason).Inc()
}

// Ingested records ingested metric rows.
func (m *Metrics) Ingested(metrics int) {
	if m == nil {
		return
	}
	m.ingested.Add(float64(metrics))
}

// SweepCompleted records a finished sweep.
func (m *Metrics) SweepCompleted(entities, failed int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.sweeps.Inc()
	m.sweepEntities.Set(float64(entities))
	m.sweepFailed.Set(float64(failed))
	m.sweepDuration.Observe(elapsed.Seconds())
}

// ExplainerFallback counts a degraded explanation. It matches the explainer's
// fallback hook.
func (m *Metrics) ExplainerFallback(reason string) {
	if m == nil {
		return
	}
	m.explainFallback.WithLabelValues(reason).Inc()
}

// BreakerStateChanged tracks breaker transitions. It matches
// resilience.BreakerConfig.OnStateChange.
func (m *Metrics) BreakerStateChanged(name string, _, to resilience.BreakerState) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(to))
}

// ObserveHealth publishes the gauges derived from an audit health snapshot.
func (m *Metrics) ObserveHealth(snap *HealthSnapshot) {
	if m == nil || snap == nil {
		return
	}
	m.auditFailRate.Set(snap.FailureRate)
	m.auditAvgConf.Set(snap.AvgConfidence)
}
