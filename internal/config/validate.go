package config

import (
	"errors"
	"fmt"
	"strings"

	"tickd/internal/storage"
	"tickd/internal/timer"
	logx "tickd/pkg/logx"
)

// Validate reports every problem in cfg, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	_, err := ParseDurationField("scheduler.late_warn", cfg.Scheduler.LateWarn)
	add(err)
	_, err = ParseDurationField("scheduler.min_interval", cfg.Scheduler.MinInterval)
	add(err)

	if cfg.Engine.Workers < 0 {
		add(errors.New("engine.workers must be >= 0"))
	}
	if cfg.Engine.QueueSize < 0 {
		add(errors.New("engine.queue_size must be >= 0"))
	}
	if cfg.Engine.HistorySize < 0 {
		add(errors.New("engine.history_size must be >= 0"))
	}
	_, err = ParseDurationField("engine.default_timeout", cfg.Engine.DefaultTimeout)
	add(err)

	if !storage.ValidDriver(cfg.Storage.Driver) {
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	_, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)

	if cfg.Metrics.Enabled && strings.TrimSpace(cfg.Metrics.Addr) == "" {
		add(errors.New("metrics.addr is required when metrics are enabled"))
	}

	seen := make(map[string]struct{}, len(cfg.Tasks))
	for i, t := range cfg.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		name := strings.TrimSpace(t.Name)
		if name == "" {
			add(fmt.Errorf("%s.name is required", path))
		} else {
			path = fmt.Sprintf("tasks[%s]", name)
			if _, dup := seen[name]; dup {
				add(fmt.Errorf("%s: duplicate task name", path))
			}
			seen[name] = struct{}{}
		}
		add(validateTask(path, t))
	}
	return errors.Join(errs...)
}

func validateTask(path string, t TaskConfig) error {
	var errs []error

	strategy := t.StrategyOf()
	if strategy != StrategyPeriodic && strategy != StrategyReschedule {
		errs = append(errs, fmt.Errorf("%s.strategy: unknown strategy %q", path, t.Strategy))
	}

	if _, err := ParseDurationField(path+".initial_delay", t.InitialDelay); err != nil {
		errs = append(errs, err)
	}

	schedule := strings.TrimSpace(t.Schedule)
	switch {
	case schedule != "" && strategy == StrategyReschedule:
		errs = append(errs, fmt.Errorf("%s.schedule is only valid for periodic tasks", path))
	case schedule != "":
		if _, err := timer.ParseCadence(schedule); err != nil {
			errs = append(errs, fmt.Errorf("%s.schedule: %w", path, err))
		}
	default:
		d, err := ParseDurationField(path+".interval", t.Interval)
		if err != nil {
			errs = append(errs, err)
		} else if d <= 0 {
			errs = append(errs, fmt.Errorf("%s.interval must be > 0", path))
		}
	}

	if t.FailEvery < 0 {
		errs = append(errs, fmt.Errorf("%s.fail_every must be >= 0", path))
	}

	switch strings.ToLower(strings.TrimSpace(t.Supervisor.Directive)) {
	case "", DirectiveRestart, DirectiveStop, DirectiveResume:
	default:
		errs = append(errs, fmt.Errorf("%s.supervisor.directive: unknown directive %q", path, t.Supervisor.Directive))
	}
	if t.Supervisor.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("%s.supervisor.max_restarts must be >= 0", path))
	}
	if _, err := ParseDurationField(path+".supervisor.within", t.Supervisor.Within); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
