package config

// Config is the tickd config file. Durations are Go duration strings.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Engine    EngineConfig    `json:"engine"`
	Storage   StorageConfig   `json:"storage"`
	Metrics   MetricsConfig   `json:"metrics"`
	Systemd   SystemdConfig   `json:"systemd"`
	Tasks     []TaskConfig    `json:"tasks"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type SchedulerConfig struct {
	LateWarn    string `json:"late_warn"`
	MinInterval string `json:"min_interval"`
}

type EngineConfig struct {
	// Enabled defaults to true when omitted.
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers"`
	QueueSize      int    `json:"queue_size"`
	DefaultTimeout string `json:"default_timeout"`
	HistorySize    int    `json:"history_size"`
}

type StorageConfig struct {
	Driver      string `json:"driver"` // none|file|sqlite
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	// Pprof mounts /debug/pprof/ next to /metrics. Keep Addr on loopback.
	Pprof bool `json:"pprof"`
}

type SystemdConfig struct {
	// Both default to true; they are no-ops outside systemd.
	Notify   *bool `json:"notify,omitempty"`
	Watchdog *bool `json:"watchdog,omitempty"`
}

// TaskConfig describes one tick task.
type TaskConfig struct {
	Name         string `json:"name"`
	Strategy     string `json:"strategy"` // periodic|reschedule
	InitialDelay string `json:"initial_delay"`
	Interval     string `json:"interval"`
	// Schedule is a cadence string ("cron:...", "every:...", "HH:MM").
	// Periodic tasks only; it overrides Interval.
	Schedule string `json:"schedule"`
	Payload  string `json:"payload"`
	// FailEvery makes every Nth tick fail. 0 never fails.
	FailEvery  int              `json:"fail_every"`
	Supervisor SupervisorConfig `json:"supervisor"`
}

type SupervisorConfig struct {
	Directive   string `json:"directive"` // restart|stop|resume
	MaxRestarts int    `json:"max_restarts"`
	Within      string `json:"within"`
}

const (
	StrategyPeriodic   = "periodic"
	StrategyReschedule = "reschedule"

	DirectiveRestart = "restart"
	DirectiveStop    = "stop"
	DirectiveResume  = "resume"
)

// BoolOr returns *b, or def when b is nil.
func BoolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// StrategyOf returns the task's strategy with the default applied.
func (t TaskConfig) StrategyOf() string {
	if t.Strategy == "" {
		return StrategyPeriodic
	}
	return t.Strategy
}

// Task returns the task named name.
func (c *Config) Task(name string) (TaskConfig, bool) {
	if c == nil {
		return TaskConfig{}, false
	}
	for _, t := range c.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return TaskConfig{}, false
}
