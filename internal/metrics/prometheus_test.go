package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNewPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheus(reg)
	require.NotNil(t, m)

	m.TimerScheduled("once")
	m.TimerScheduled("periodic")
	m.TimerScheduled("periodic")
	m.TimerCancelled()
	m.TimerFired(3 * time.Millisecond)
	m.TimerFired(-time.Millisecond)
	m.TimerDispatchFailed()
	m.TimersPending(7)
	m.TaskDuration("heartbeat").ObserveDuration()
	m.TaskCompleted("heartbeat", "ok")
	m.TaskCompleted("heartbeat", "failed")
	m.QueueDepth(5)
	m.Transition("heartbeat", "restarted")
	m.CellsRunning(3)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	byName := make(map[string]*dto.MetricFamily)
	for _, mf := range mfs {
		byName[mf.GetName()] = mf
	}
	require.Contains(t, byName, "tickd_timer_lateness_seconds")
	require.Contains(t, byName, "tickd_task_duration_seconds")
	require.Contains(t, byName, "tickd_lifecycle_transitions_total")

	require.Equal(t, 2.0, byName["tickd_timers_fired_total"].GetMetric()[0].GetCounter().GetValue())
	require.Equal(t, 7.0, byName["tickd_timers_pending"].GetMetric()[0].GetGauge().GetValue())
	require.Equal(t, 5.0, byName["tickd_runner_queue_depth"].GetMetric()[0].GetGauge().GetValue())
	require.Equal(t, uint64(2), byName["tickd_timer_lateness_seconds"].GetMetric()[0].GetHistogram().GetSampleCount())
	require.Len(t, byName["tickd_timers_scheduled_total"].GetMetric(), 2)
	require.Len(t, byName["tickd_tasks_total"].GetMetric(), 2)
}

func TestNewPrometheus_DoubleRegisterPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheus(reg)
	require.Panics(t, func() { NewPrometheus(reg) })
}

func TestNop(t *testing.T) {
	m := OrNop(nil)
	require.NotPanics(t, func() {
		m.TimerFired(time.Second)
		m.TaskDuration("x").ObserveDuration()
		m.Transition("x", "stopped")
	})
}
