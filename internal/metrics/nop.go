package metrics

import "time"

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

type nopMetrics struct{}

func (nopMetrics) TimerScheduled(string)        {}
func (nopMetrics) TimerCancelled()              {}
func (nopMetrics) TimerFired(time.Duration)     {}
func (nopMetrics) TimerDispatchFailed()         {}
func (nopMetrics) TimersPending(int)            {}
func (nopMetrics) TaskDuration(string) Timer    { return nopTimer{} }
func (nopMetrics) TaskCompleted(string, string) {}
func (nopMetrics) QueueDepth(int)               {}
func (nopMetrics) Transition(string, string)    {}
func (nopMetrics) CellsRunning(int)             {}

// Nop returns metrics that record nothing.
func Nop() Metrics { return nopMetrics{} }

// NopTimer returns a Timer that records nothing.
func NopTimer() Timer { return nopTimer{} }

// OrNop returns m, or Nop() when m is nil.
func OrNop(m Metrics) Metrics {
	if m == nil {
		return Nop()
	}
	return m
}
