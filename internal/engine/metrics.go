package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rendis/stateflow/pkg/schema"
)

// Metrics exposes engine activity to Prometheus under the "stateflow"
// namespace:
//
//   - executions_started_total (counter)
//   - executions_finished_total{status} (counter)
//   - executions_active (gauge): executions currently holding a worker
//   - state_duration_seconds{type,status} (histogram): one observation per finished state record
//   - state_retries_total{type,kind} (counter)
//   - breakpoint_hits_total (counter)
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	started        prometheus.Counter
	finished       *prometheus.CounterVec
	active         prometheus.Gauge
	stateDuration  *prometheus.HistogramVec
	retries        *prometheus.CounterVec
	breakpointHits prometheus.Counter
}

// NewMetrics creates and registers the engine metrics. A nil registerer
// uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		started: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stateflow",
			Name:      "executions_started_total",
			Help:      "Executions that left the pending status",
		}),
		finished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stateflow",
			Name:      "executions_finished_total",
			Help:      "Executions that reached a terminal status",
		}, []string{"status"}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stateflow",
			Name:      "executions_active",
			Help:      "Executions currently driven by a worker",
		}),
		stateDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stateflow",
			Name:      "state_duration_seconds",
			Help:      "Duration of state visits including retries",
			Buckets:   []float64{.001, .01, .05, .1, .5, 1, 5, 30, 120, 600},
		}, []string{"type", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stateflow",
			Name:      "state_retries_total",
			Help:      "Retry attempts scheduled by retry policies",
		}, []string{"type", "kind"}),
		breakpointHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stateflow",
			Name:      "breakpoint_hits_total",
			Help:      "Executions paused at a breakpoint",
		}),
	}
}

// attach wires execution counters to FSM transitions.
func (m *Metrics) attach(fsm *ExecutionFSM) {
	if m == nil {
		return
	}
	fsm.OnAfter(schema.ExecutionPending, schema.ExecutionRunning, func(string, string) error {
		m.started.Inc()
		return nil
	})
	for from, targets := range ValidExecutionTransitions {
		for _, to := range targets {
			if !to.IsTerminal() {
				continue
			}
			fsm.OnAfter(from, to, func(_, to string) error {
				m.finished.WithLabelValues(to).Inc()
				return nil
			})
		}
	}
}

func (m *Metrics) driverStarted() {
	if m != nil {
		m.active.Inc()
	}
}

func (m *Metrics) driverStopped() {
	if m != nil {
		m.active.Dec()
	}
}

func (m *Metrics) observeState(stateType schema.StateType, status schema.StateStatus, d time.Duration) {
	if m != nil {
		m.stateDuration.WithLabelValues(string(stateType), string(status)).Observe(d.Seconds())
	}
}

func (m *Metrics) retry(stateType schema.StateType, kind string) {
	if m != nil {
		m.retries.WithLabelValues(string(stateType), kind).Inc()
	}
}

func (m *Metrics) breakpointHit() {
	if m != nil {
		m.breakpointHits.Inc()
	}
}
