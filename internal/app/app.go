package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tickd/internal/config"
	"tickd/internal/eventbus"
	"tickd/internal/lifecycle"
	"tickd/internal/metrics"
	"tickd/internal/runtime/supervisor"
	"tickd/internal/storage"
	"tickd/internal/task/engine"
	"tickd/internal/timer"
	logx "tickd/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	reg     *prometheus.Registry
	metrics *metricsServer

	engine *engine.Service
	timers *timer.Service
	cells  *lifecycle.System

	sd       sdNotifier
	watchdog *timer.Handle

	unsubEvents func()

	tasksMu sync.Mutex
	applied map[string]config.TaskConfig
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	logSvc, log := logx.New(mapLogConfig(cfg))
	a, err := newApp(cfgm, cfg, logSvc, log.With(logx.String("comp", "app")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func newApp(cfgm *config.ConfigManager, cfg *config.Config, logs *logx.Service, log logx.Logger) (*App, error) {
	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	timerCfg, err := mapTimerConfig(cfg)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	reg := newRegistry()
	met := metrics.NewPrometheus(reg)

	eng := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus, engine.WithMetrics(met))
	timers := timer.New(timerCfg, log.With(logx.String("comp", "timer")), bus,
		timer.WithDispatcher(eng),
		timer.WithMetrics(met),
	)
	cells := lifecycle.NewSystem(timers, eng, log.With(logx.String("comp", "lifecycle")), bus, lifecycle.WithMetrics(met))

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		store = st
		log.Info("audit journal enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		store:   store,
		reg:     reg,
		engine:  eng,
		timers:  timers,
		cells:   cells,
		sd:      sdNotifier{enabled: config.BoolOr(cfg.Systemd.Notify, true), log: log.With(logx.String("comp", "systemd"))},
		applied: map[string]config.TaskConfig{},
	}, nil
}

func (a *App) Cells() *lifecycle.System { return a.cells }
func (a *App) Timers() *timer.Service   { return a.timers }
func (a *App) Engine() *engine.Service  { return a.engine }
func (a *App) Store() storage.Store     { return a.store }

// MetricsAddr is the bound /metrics address, or "" when disabled.
func (a *App) MetricsAddr() string {
	if a.metrics == nil {
		return ""
	}
	return a.metrics.Addr()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	events, unsub := a.bus.Subscribe(256)
	a.unsubEvents = unsub
	a.sup.Go0("eventbus.sink", func(context.Context) { a.runEventSink(events) })

	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	} else {
		a.log.Warn("task engine disabled; timer fires will be dropped")
	}
	a.timers.Start(a.sup.Context())

	if cfg.Metrics.Enabled {
		ms, err := listenMetrics(strings.TrimSpace(cfg.Metrics.Addr), a.reg, cfg.Metrics.Pprof, a.log.With(logx.String("comp", "metrics")))
		if err != nil {
			return fmt.Errorf("metrics listen: %w", err)
		}
		a.metrics = ms
		a.sup.Go("metrics.http", ms.serve)
	}

	a.reconcileTasks(a.sup.Context(), cfg)

	if config.BoolOr(cfg.Systemd.Watchdog, true) {
		h, err := a.sd.startWatchdog(a.timers)
		if err != nil {
			a.log.Warn("systemd watchdog not started", logx.Err(err))
		}
		a.watchdog = h
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := cfg
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sd.ready()
	a.log.Info("app started", logx.Int("tasks", len(cfg.Tasks)), logx.String("config", a.cfgm.Path()))
	return nil
}

// applyConfig applies a reloaded config. Logging, engine and tasks change
// live; the other sections need a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, tasks := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changes require a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	if slices.Contains(sections, "logging") {
		a.logs.Apply(mapLogConfig(next))
	}

	if slices.Contains(sections, "engine") {
		ec, err := mapEngineConfig(next)
		if err != nil {
			a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
		} else {
			if on := a.engine.Enabled(); ec.Enabled != on {
				a.log.Warn("engine.enabled changes require a restart to take effect", logx.Bool("enabled", on))
				ec.Enabled = on
			}
			// Resizing keeps queued ticks, so running chains survive it.
			a.engine.Apply(ec)
		}
	}

	if !tasks.Empty() {
		a.reconcileTasks(ctx, next)
	}

	eventbus.Emit(a.bus, eventbus.ConfigReloaded, sections)
	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.stopping()

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	a.step(ctx, "tasks", 3*time.Second, func(c context.Context) error { return a.cells.StopAll(c) })
	a.step(ctx, "timers", time.Second, func(c context.Context) error { return a.timers.Stop(c) })
	a.step(ctx, "taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "metrics", time.Second, func(c context.Context) error {
		if a.metrics == nil {
			return nil
		}
		return a.metrics.shutdown(c)
	})
	// Closing the subscription lets the sink drain the last transitions.
	if a.unsubEvents != nil {
		a.unsubEvents()
	}
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. It never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
