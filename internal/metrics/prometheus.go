package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Latency buckets in seconds.
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

type promTimer struct {
	h     prometheus.Observer
	start time.Time
}

func (t *promTimer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

type promMetrics struct {
	scheduled      *prometheus.CounterVec
	cancelled      prometheus.Counter
	fired          prometheus.Counter
	lateness       prometheus.Histogram
	dispatchFailed prometheus.Counter
	pending        prometheus.Gauge

	taskDuration *prometheus.HistogramVec
	taskTotal    *prometheus.CounterVec
	queueDepth   prometheus.Gauge

	transitions  *prometheus.CounterVec
	cellsRunning prometheus.Gauge
}

// NewPrometheus registers tickd's collectors on reg.
func NewPrometheus(reg prometheus.Registerer) Metrics {
	m := &promMetrics{
		scheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickd_timers_scheduled_total",
			Help: "Timers registered, by kind",
		}, []string{"kind"}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickd_timers_cancelled_total",
			Help: "Timers cancelled before their next fire",
		}),
		fired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickd_timers_fired_total",
			Help: "Timer fires handed to the dispatcher",
		}),
		lateness: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tickd_timer_lateness_seconds",
			Help:    "Observed fire time minus due time",
			Buckets: defaultBuckets,
		}),
		dispatchFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickd_timer_dispatch_failures_total",
			Help: "Fires the dispatcher refused",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickd_timers_pending",
			Help: "Entries waiting in the scheduler heap",
		}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tickd_task_duration_seconds",
			Help:    "Handler run time in seconds",
			Buckets: defaultBuckets,
		}, []string{"task"}),
		taskTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickd_tasks_total",
			Help: "Handler runs, by outcome",
		}, []string{"task", "outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickd_runner_queue_depth",
			Help: "Tasks queued in runner mailboxes",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickd_lifecycle_transitions_total",
			Help: "Lifecycle transitions, by task and event",
		}, []string{"task", "event"}),
		cellsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickd_cells_running",
			Help: "Registered cells that are not stopped",
		}),
	}

	reg.MustRegister(
		m.scheduled,
		m.cancelled,
		m.fired,
		m.lateness,
		m.dispatchFailed,
		m.pending,
		m.taskDuration,
		m.taskTotal,
		m.queueDepth,
		m.transitions,
		m.cellsRunning,
	)
	return m
}

func (m *promMetrics) TimerScheduled(kind string) { m.scheduled.WithLabelValues(kind).Inc() }
func (m *promMetrics) TimerCancelled()            { m.cancelled.Inc() }

func (m *promMetrics) TimerFired(lateness time.Duration) {
	m.fired.Inc()
	if lateness < 0 {
		lateness = 0
	}
	m.lateness.Observe(lateness.Seconds())
}

func (m *promMetrics) TimerDispatchFailed() { m.dispatchFailed.Inc() }
func (m *promMetrics) TimersPending(n int)  { m.pending.Set(float64(n)) }

func (m *promMetrics) TaskDuration(task string) Timer {
	return &promTimer{h: m.taskDuration.WithLabelValues(task), start: time.Now()}
}

func (m *promMetrics) TaskCompleted(task, outcome string) {
	m.taskTotal.WithLabelValues(task, outcome).Inc()
}

func (m *promMetrics) QueueDepth(depth int) { m.queueDepth.Set(float64(depth)) }

func (m *promMetrics) Transition(task, event string) {
	m.transitions.WithLabelValues(task, event).Inc()
}

func (m *promMetrics) CellsRunning(n int) { m.cellsRunning.Set(float64(n)) }

var _ Metrics = (*promMetrics)(nil)
