package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a non-negative duration. Empty is 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// TaskDurations are a task's duration fields, parsed.
type TaskDurations struct {
	InitialDelay time.Duration
	Interval     time.Duration
	Within       time.Duration
}

func (t TaskConfig) Durations() (TaskDurations, error) {
	var (
		d   TaskDurations
		err error
	)
	p := "tasks[" + t.Name + "]"
	if d.InitialDelay, err = ParseDurationField(p+".initial_delay", t.InitialDelay); err != nil {
		return d, err
	}
	if d.Interval, err = ParseDurationField(p+".interval", t.Interval); err != nil {
		return d, err
	}
	if d.Within, err = ParseDurationOrDefault(p+".supervisor.within", t.Supervisor.Within, time.Minute); err != nil {
		return d, err
	}
	return d, nil
}
