// Package metrics exposes pipeline counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vadiminshakov/arbiter/internal/domain"
)

// Recorder records detection, validation, execution and reconciliation metrics.
type Recorder struct {
	registry        *prometheus.Registry
	opportunities   prometheus.Counter
	rejections      *prometheus.CounterVec
	executions      *prometheus.CounterVec
	latency         prometheus.Histogram
	realized        prometheus.Counter
	reconciliations *prometheus.CounterVec
	openImbalances  prometheus.Gauge
	breaker         prometheus.Gauge
	cycleDuration   prometheus.Histogram
}

// New creates a recorder on its own registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		opportunities: factory.NewCounter(prometheus.CounterOpts{
			Name: "arbiter_opportunities_detected_total",
			Help: "Opportunities returned by the detector",
		}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_risk_rejections_total",
			Help: "Opportunities rejected by the risk validator",
		}, []string{"check"}),
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_executions_total",
			Help: "Executions by joint outcome",
		}, []string{"outcome"}),
		latency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "arbiter_execution_latency_seconds",
			Help:    "Time from leg submission to classification",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		realized: factory.NewCounter(prometheus.CounterOpts{
			Name: "arbiter_realized_profit_quote_total",
			Help: "Sum of realized profit of fully filled executions, in quote",
		}),
		reconciliations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_reconciliations_total",
			Help: "Imbalance reconciliations by final status",
		}, []string{"status"}),
		openImbalances: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arbiter_open_imbalances",
			Help: "Imbalances currently being reconciled",
		}),
		breaker: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arbiter_circuit_breaker_open",
			Help: "1 when the global circuit breaker is open",
		}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "arbiter_cycle_duration_seconds",
			Help:    "Duration of a scan, validate and execute cycle",
			Buckets: []float64{.01, .025, .05, .1, .2, .5, 1, 2},
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) OpportunitiesDetected(n int) {
	r.opportunities.Add(float64(n))
}

func (r *Recorder) RiskRejected(check domain.RiskCheck) {
	r.rejections.WithLabelValues(string(check)).Inc()
}

func (r *Recorder) ExecutionCompleted(result domain.ExecutionResult) {
	r.executions.WithLabelValues(string(result.Outcome)).Inc()
	r.latency.Observe(result.Latency.Seconds())
	if result.Outcome == domain.OutcomeBothFilled {
		profit, _ := result.RealizedProfit.Float64()
		r.realized.Add(maxZero(profit))
	}
}

func (r *Recorder) ImbalanceOpened() {
	r.openImbalances.Inc()
}

func (r *Recorder) ImbalanceClosed(status domain.ImbalanceStatus) {
	r.openImbalances.Dec()
	r.reconciliations.WithLabelValues(string(status)).Inc()
}

func (r *Recorder) BreakerChanged(open bool) {
	if open {
		r.breaker.Set(1)
		return
	}
	r.breaker.Set(0)
}

func (r *Recorder) CycleCompleted(d time.Duration) {
	r.cycleDuration.Observe(d.Seconds())
}

// Counter.Add panics on negative values.
func maxZero(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
