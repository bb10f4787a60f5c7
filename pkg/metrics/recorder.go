package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rzzdr/assignment-risk-engine/internal/events"
	"github.com/rzzdr/assignment-risk-engine/pkg/models"
)

// Recorder handles metrics recording and exposure
type Recorder struct {
	// Tick metrics
	tickCounter *prometheus.CounterVec
	tickLatency *prometheus.HistogramVec

	// Engine metrics
	alertCounter      *prometheus.CounterVec
	executionCounter  *prometheus.CounterVec
	advisoryCounter   *prometheus.CounterVec
	eventCounter      *prometheus.CounterVec
	portfolioScore    prometheus.Gauge
	trackedPositions  prometheus.Gauge
	criticalPositions prometheus.Gauge

	// API metrics
	apiRequestCounter   *prometheus.CounterVec
	apiLatencyHistogram *prometheus.HistogramVec

	// System metrics
	memoryUsageGauge    prometheus.Gauge
	goroutineCountGauge prometheus.Gauge
}

// NewRecorder creates a recorder registered with reg. A nil reg uses the
// default Prometheus registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Recorder{
		tickCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "are_ticks_total",
				Help: "The total number of scheduled engine ticks",
			},
			[]string{"tick", "outcome"},
		),
		tickLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "are_tick_duration_seconds",
				Help:    "Engine tick duration distribution",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 17), // From 1ms to ~65s
			},
			[]string{"tick"},
		),

		alertCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "are_alerts_total",
				Help: "The total number of risk alerts raised",
			},
			[]string{"type", "severity"},
		),
		executionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "are_executions_total",
				Help: "Roll and close evaluations by outcome",
			},
			[]string{"action", "source", "outcome"},
		),
		advisoryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "are_advisory_calls_total",
				Help: "Advisory calls by outcome",
			},
			[]string{"outcome"},
		),
		eventCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "are_events_total",
				Help: "Events published by the engine",
			},
			[]string{"event"},
		),
		portfolioScore: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "are_portfolio_risk_score",
				Help: "Latest portfolio assignment-risk score (0-1)",
			},
		),
		trackedPositions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "are_tracked_positions",
				Help: "Number of positions in the latest risk report",
			},
		),
		criticalPositions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "are_critical_positions",
				Help: "Number of CRITICAL positions in the latest risk report",
			},
		),

		apiRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "are_api_requests_total",
				Help: "The total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		apiLatencyHistogram: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "are_api_latency_seconds",
				Help:    "API request latency distribution",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // From 1ms to ~16s
			},
			[]string{"method", "path"},
		),

		memoryUsageGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "are_memory_usage_bytes",
				Help: "Memory usage of the application in bytes",
			},
		),
		goroutineCountGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "are_goroutine_count",
				Help: "Number of goroutines",
			},
		),
	}
}

// RecordTick records a finished tick. skipped marks a run dropped by the re-entrancy guard.
func (r *Recorder) RecordTick(tick string, skipped bool, latency time.Duration) {
	if skipped {
		r.tickCounter.WithLabelValues(tick, "skipped").Inc()
		return
	}
	r.tickCounter.WithLabelValues(tick, "ok").Inc()
	r.tickLatency.WithLabelValues(tick).Observe(latency.Seconds())
}

// RecordAdvisoryCall records an advisory call outcome
func (r *Recorder) RecordAdvisoryCall(outcome string) {
	r.advisoryCounter.WithLabelValues(outcome).Inc()
}

// RecordAPIRequest records metrics for an API request
func (r *Recorder) RecordAPIRequest(method, path string, status int, latency time.Duration) {
	r.apiRequestCounter.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.apiLatencyHistogram.WithLabelValues(method, path).Observe(latency.Seconds())
}

// RecordMemoryUsage records the current memory usage
func (r *Recorder) RecordMemoryUsage(bytesUsed uint64) {
	r.memoryUsageGauge.Set(float64(bytesUsed))
}

// RecordGoroutineCount records the current number of goroutines
func (r *Recorder) RecordGoroutineCount(count int) {
	r.goroutineCountGauge.Set(float64(count))
}

// Observe updates metrics from one engine event
func (r *Recorder) Observe(env events.Envelope) {
	r.eventCounter.WithLabelValues(string(env.Name)).Inc()

	switch p := env.Payload.(type) {
	case models.Alert:
		r.alertCounter.WithLabelValues(string(p.Type), string(p.Severity)).Inc()
	case events.ActionOutcome:
		outcome := "success"
		if !p.Success {
			outcome = "rejected"
		}
		r.executionCounter.WithLabelValues(string(p.Action), p.Source, outcome).Inc()
	case events.AdvisoryOutcome:
		switch {
		case p.StoredOnly:
			r.RecordAdvisoryCall("stored")
		case p.Error != "":
			r.RecordAdvisoryCall("failed")
		case p.Fallback:
			r.RecordAdvisoryCall("low_confidence")
		default:
			r.RecordAdvisoryCall("accepted")
		}
	case models.RiskReport:
		r.portfolioScore.Set(p.Snapshot.PortfolioRiskScore)
		r.trackedPositions.Set(float64(p.Snapshot.TotalPositions))
		r.criticalPositions.Set(float64(p.Snapshot.CriticalRiskCount))
	}
}

// Consume feeds events from ch into the recorder until ctx ends or ch closes
func (r *Recorder) Consume(ctx context.Context, ch <-chan events.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			r.Observe(env)
		}
	}
}
