package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"tickd/internal/config"
	"tickd/internal/lifecycle"
	"tickd/internal/timer"
	logx "tickd/pkg/logx"
)

// buildProps turns a task config into cell props.
func buildProps(tc config.TaskConfig) (lifecycle.Props, error) {
	d, err := tc.Durations()
	if err != nil {
		return lifecycle.Props{}, err
	}
	var payload any = lifecycle.Tick
	if p := strings.TrimSpace(tc.Payload); p != "" {
		payload = p
	}
	work := tickWork(payload, tc.FailEvery)

	props := lifecycle.Props{Name: strings.TrimSpace(tc.Name), Decider: deciderFor(tc.Supervisor, d.Within)}

	switch tc.StrategyOf() {
	case config.StrategyPeriodic:
		if s := strings.TrimSpace(tc.Schedule); s != "" {
			cadence, err := timer.ParseCadence(s)
			if err != nil {
				return lifecycle.Props{}, fmt.Errorf("task %s: %w", tc.Name, err)
			}
			props.New = func(c *lifecycle.Context) (lifecycle.Behavior, error) {
				return lifecycle.NewPeriodicCadence(c, d.InitialDelay, cadence, payload, work)
			}
			return props, nil
		}
		props.New = func(c *lifecycle.Context) (lifecycle.Behavior, error) {
			return lifecycle.NewPeriodic(c, d.InitialDelay, d.Interval, payload, work)
		}
	case config.StrategyReschedule:
		props.New = func(*lifecycle.Context) (lifecycle.Behavior, error) {
			return &lifecycle.SelfRescheduling{
				Initial:  d.InitialDelay,
				Interval: d.Interval,
				Payload:  payload,
				Work:     work,
			}, nil
		}
	default:
		return lifecycle.Props{}, fmt.Errorf("task %s: unknown strategy %q", tc.Name, tc.Strategy)
	}
	return props, nil
}

// deciderFor maps the supervisor section to a Decider. A restart directive
// with max_restarts > 0 stops the cell once the budget within the window is
// used up.
func deciderFor(sc config.SupervisorConfig, within time.Duration) lifecycle.Decider {
	switch strings.ToLower(strings.TrimSpace(sc.Directive)) {
	case config.DirectiveStop:
		return lifecycle.AlwaysStop
	case config.DirectiveResume:
		return lifecycle.AlwaysResume
	}
	if sc.MaxRestarts > 0 {
		return lifecycle.LimitRestarts(sc.MaxRestarts, within)
	}
	return lifecycle.AlwaysRestart
}

// tickWork logs each tick and fails every failEvery-th one.
func tickWork(payload any, failEvery int) lifecycle.WorkFunc {
	var ticks atomic.Uint64
	return func(_ context.Context, c *lifecycle.Context, msg any) error {
		if msg != payload {
			c.Log().Debug("message received", logx.Any("msg", msg))
			return nil
		}
		n := ticks.Add(1)
		c.Log().Debug("tick", logx.Uint64("n", n))
		if failEvery > 0 && n%uint64(failEvery) == 0 {
			return fmt.Errorf("simulated failure on tick %d", n)
		}
		return nil
	}
}

// reconcileTasks brings the running cells in line with cfg.Tasks: removed
// tasks stop, new ones spawn, changed ones are replaced. A task that fails
// to spawn is retried on the next reload.
func (a *App) reconcileTasks(ctx context.Context, cfg *config.Config) {
	a.tasksMu.Lock()
	defer a.tasksMu.Unlock()

	next := make(map[string]config.TaskConfig, len(cfg.Tasks))
	for _, tc := range cfg.Tasks {
		next[strings.TrimSpace(tc.Name)] = tc
	}

	for name, prev := range a.applied {
		tc, keep := next[name]
		if keep && equalTask(prev, tc) {
			continue
		}
		if err := a.cells.Stop(ctx, name); err != nil && !errors.Is(err, lifecycle.ErrNotFound) {
			a.log.Warn("task stop failed", logx.String("task", name), logx.Err(err))
		}
		delete(a.applied, name)
		if !keep {
			a.log.Info("task removed", logx.String("task", name))
		}
	}

	for _, tc := range cfg.Tasks {
		name := strings.TrimSpace(tc.Name)
		if _, ok := a.applied[name]; ok {
			continue
		}
		props, err := buildProps(tc)
		if err == nil {
			_, err = a.cells.Spawn(props)
		}
		if err != nil {
			a.log.Error("task spawn failed", logx.String("task", name), logx.Err(err))
			continue
		}
		a.applied[name] = tc
		a.log.Info("task running", logx.String("task", name), logx.String("strategy", tc.StrategyOf()))
	}
}

func equalTask(a, b config.TaskConfig) bool { return a == b }
