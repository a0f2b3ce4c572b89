package app

import (
	"strings"
	"time"

	"tickd/internal/config"
	"tickd/internal/storage"
	"tickd/internal/task/engine"
	"tickd/internal/timer"
	logx "tickd/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapTimerConfig(cfg *config.Config) (timer.Config, error) {
	lateWarn, err := config.ParseDurationField("scheduler.late_warn", cfg.Scheduler.LateWarn)
	if err != nil {
		return timer.Config{}, err
	}
	minInterval, err := config.ParseDurationField("scheduler.min_interval", cfg.Scheduler.MinInterval)
	if err != nil {
		return timer.Config{}, err
	}
	return timer.Config{LateWarn: lateWarn, MinInterval: minInterval}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Engine
	timeout, err := config.ParseDurationField("engine.default_timeout", ec.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Enabled:        config.BoolOr(ec.Enabled, true),
		Workers:        ec.Workers,
		QueueSize:      ec.QueueSize,
		DefaultTimeout: timeout,
		HistorySize:    ec.HistorySize,
	}, nil
}

// mapStorageConfig reports enabled=false when storage is off.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = "./tickd.db"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
}
