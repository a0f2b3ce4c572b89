// Package metrics defines the instrumentation surface of tickd's scheduler,
// runner and lifecycle binder. Components depend on the interfaces here; the
// Prometheus implementation is wired by the app when metrics are enabled.
package metrics

import "time"

// Timer measures one operation. Call ObserveDuration when it completes.
type Timer interface {
	ObserveDuration()
}

// SchedulerMetrics is reported by the timer service.
type SchedulerMetrics interface {
	// TimerScheduled counts registrations by kind ("once", "periodic").
	TimerScheduled(kind string)
	TimerCancelled()
	// TimerFired records one handoff and how late it was against its due time.
	TimerFired(lateness time.Duration)
	TimerDispatchFailed()
	TimersPending(n int)
}

// RunnerMetrics is reported by the task engine.
type RunnerMetrics interface {
	TaskDuration(task string) Timer
	// TaskCompleted counts runs by outcome: "ok", "failed", "panic", "skipped".
	TaskCompleted(task, outcome string)
	// QueueDepth is the number of queued tasks across all keys.
	QueueDepth(depth int)
}

// LifecycleMetrics is reported by lifecycle cells.
type LifecycleMetrics interface {
	// Transition counts lifecycle events ("started", "restarted", "stopped", "failed").
	Transition(task, event string)
	CellsRunning(n int)
}

// Metrics bundles every component's metrics.
type Metrics interface {
	SchedulerMetrics
	RunnerMetrics
	LifecycleMetrics
}
