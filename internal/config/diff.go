package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tickd/pkg/logx"
)

// TaskChanges lists task names by what a reload does to them.
type TaskChanges struct {
	Added   []string
	Removed []string
	Changed []string
}

func (c TaskChanges) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// DiffTasks compares task lists by name.
func DiffTasks(oldCfg, newCfg *Config) TaskChanges {
	index := func(c *Config) map[string]TaskConfig {
		m := map[string]TaskConfig{}
		if c == nil {
			return m
		}
		for _, t := range c.Tasks {
			m[strings.TrimSpace(t.Name)] = t
		}
		return m
	}
	o, n := index(oldCfg), index(newCfg)

	var ch TaskChanges
	for name, nt := range n {
		ot, ok := o[name]
		switch {
		case !ok:
			ch.Added = append(ch.Added, name)
		case !reflect.DeepEqual(ot, nt):
			ch.Changed = append(ch.Changed, name)
		}
	}
	for name := range o {
		if _, ok := n[name]; !ok {
			ch.Removed = append(ch.Removed, name)
		}
	}
	sort.Strings(ch.Added)
	sort.Strings(ch.Removed)
	sort.Strings(ch.Changed)
	return ch
}

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) structured attrs for logging, and (3) the task changes.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, TaskChanges) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.late_warn", strings.TrimSpace(newCfg.Scheduler.LateWarn)),
			logx.String("scheduler.min_interval", strings.TrimSpace(newCfg.Scheduler.MinInterval)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Bool("engine.enabled", BoolOr(newCfg.Engine.Enabled, true)),
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Int("engine.queue_size", newCfg.Engine.QueueSize),
			logx.String("engine.default_timeout", strings.TrimSpace(newCfg.Engine.DefaultTimeout)),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(newCfg.Metrics.Addr)),
			logx.Bool("metrics.pprof", newCfg.Metrics.Pprof),
		)
	}
	if !reflect.DeepEqual(oldCfg.Systemd, newCfg.Systemd) {
		changed = append(changed, "systemd")
	}

	tasks := DiffTasks(oldCfg, newCfg)
	if !tasks.Empty() {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.count", len(newCfg.Tasks)),
			logx.Any("tasks.added", tasks.Added),
			logx.Any("tasks.removed", tasks.Removed),
			logx.Any("tasks.changed", tasks.Changed),
		)
	}
	return changed, attrs, tasks
}

// RestartRequired lists changed sections that only take effect on restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "scheduler", "storage", "metrics", "systemd":
			out = append(out, s)
		}
	}
	return out
}
