package lifecycle

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"tickd/internal/eventbus"
	"tickd/internal/metrics"
	logx "tickd/pkg/logx"
)

// Cell is one running instance of a task. It is the timer.Target of every
// timer it owns.
type Cell struct {
	id    string
	name  string
	props Props

	sched Scheduler
	mbox  Mailbox
	log   logx.Logger
	bus   eventbus.Bus
	met   metrics.LifecycleMetrics

	ctx *Context

	// mu serializes hooks and Receive.
	mu       sync.Mutex
	behavior Behavior

	state     atomic.Int32
	stopping  atomic.Bool
	startedAt atomic.Int64 // unix nanos

	restarts atomic.Uint64
	received atomic.Uint64
	failures atomic.Uint64
	lastErr  atomic.Value // string

	onStopped func(*Cell)
}

func (c *Cell) ID() string   { return c.id }
func (c *Cell) Name() string { return c.name }

// Key routes the cell's ticks and messages to one runner worker.
func (c *Cell) Key() string { return "cell/" + c.id }

func (c *Cell) State() State { return State(c.state.Load()) }

func (c *Cell) Restarts() uint64 { return c.restarts.Load() }

func (c *Cell) Context() *Context { return c.ctx }

// Deliver handles a timer fire. It runs on the runner worker owning Key.
func (c *Cell) Deliver(ctx context.Context, payload any) error {
	return c.handle(ctx, payload)
}

// Tell posts msg to the cell's mailbox. It must not be called from the
// cell's own Receive with a full mailbox, since that would wait on itself.
func (c *Cell) Tell(ctx context.Context, msg any) error {
	if c.stopping.Load() || c.State() == Stopped {
		c.deadLetter(msg)
		return ErrStopped
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mbox.Post(ctx, c.Key(), c.name, func(ctx context.Context) error {
		return c.handle(ctx, msg)
	})
}

// Restart is the external failure signal. The instance and its timers are
// kept; OnRestart runs in place of OnStart.
func (c *Cell) Restart(reason error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping.Load() || c.State() != Running {
		return ErrNotRunning
	}
	c.restartLocked(reason)
	return nil
}

// Stop cancels every owned timer and then runs OnStop. It is idempotent and
// must not be called from the cell's own hooks.
func (c *Cell) Stop(ctx context.Context) error {
	if !c.stopping.CompareAndSwap(false, true) {
		return nil
	}
	// Timers go first so nothing new is dispatched while a handler finishes.
	c.ctx.close()

	locked := make(chan struct{})
	go func() {
		c.mu.Lock()
		close(locked)
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-locked:
	case <-ctx.Done():
		// The in-flight handler keeps the lock; finish the stop once it returns.
		go func() {
			<-locked
			defer c.mu.Unlock()
			c.finishStopLocked(ctx.Err())
		}()
		return ctx.Err()
	}
	defer c.mu.Unlock()
	return c.finishStopLocked(nil)
}

func (c *Cell) start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, err := c.construct()
	if err != nil {
		c.stopping.Store(true)
		c.ctx.close()
		c.state.Store(int32(Stopped))
		return fmt.Errorf("construct %s: %w", c.name, err)
	}
	c.behavior = b
	c.startedAt.Store(time.Now().UnixNano())
	c.state.Store(int32(Running))

	if err := c.guard(func() error { return b.OnStart(c.ctx) }); err != nil {
		c.stopping.Store(true)
		c.ctx.close()
		c.finishStopLocked(err)
		return fmt.Errorf("start %s: %w", c.name, err)
	}
	c.publish(eventbus.LifecycleStarted, "started", nil, "")
	c.log.Info("cell started", logx.Int("owned", len(c.ctx.Owned())))
	return nil
}

func (c *Cell) construct() (b Behavior, err error) {
	err = c.guard(func() error {
		var e error
		b, e = c.props.New(c.ctx)
		return e
	})
	if err == nil && b == nil {
		err = fmt.Errorf("nil behavior")
	}
	return b, err
}

func (c *Cell) handle(ctx context.Context, msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopping.Load() || c.State() != Running {
		c.deadLetter(msg)
		return nil
	}
	c.received.Add(1)

	err := c.guard(func() error { return c.behavior.Receive(ctx, c.ctx, msg) })
	if err == nil {
		return nil
	}
	c.failures.Add(1)
	c.lastErr.Store(err.Error())

	// Stop is waiting for the lock; the cell is going away, so no directive.
	if c.stopping.Load() {
		c.log.Debug("cell failed while stopping", logx.Err(err))
		return err
	}

	dir := Restart
	if c.props.Decider != nil {
		dir = c.props.Decider(c.ctx, err)
	}
	c.publish(eventbus.LifecycleFailed, "failed", err, dir.String())
	c.log.Warn("cell failed", logx.Err(err), logx.String("directive", dir.String()))

	switch dir {
	case Restart:
		c.restartLocked(err)
	case Stop:
		c.stopping.Store(true)
		c.ctx.close()
		c.finishStopLocked(err)
	}
	return err
}

func (c *Cell) restartLocked(reason error) {
	c.state.Store(int32(Restarting))
	n := c.restarts.Add(1)

	if err := c.guard(func() error { return c.behavior.OnRestart(c.ctx, reason) }); err != nil {
		c.log.Error("restart hook failed; stopping", logx.Err(err))
		c.stopping.Store(true)
		c.ctx.close()
		c.finishStopLocked(err)
		return
	}
	c.state.Store(int32(Running))
	c.publish(eventbus.LifecycleRestarted, "restarted", reason, "")
	c.log.Info("cell restarted", logx.Uint64("restarts", n), logx.Err(reason))
}

// finishStopLocked moves the cell to Stopped and runs OnStop. Owned timers
// must already be cancelled.
func (c *Cell) finishStopLocked(reason error) error {
	if c.State() == Stopped {
		return nil
	}
	wasRunning := c.behavior != nil
	c.state.Store(int32(Stopped))

	var err error
	if wasRunning {
		err = c.guard(func() error { return c.behavior.OnStop(c.ctx) })
		if err != nil {
			c.log.Warn("stop hook failed", logx.Err(err))
		}
	}
	c.publish(eventbus.LifecycleStopped, "stopped", reason, "")
	c.log.Info("cell stopped", logx.Err(reason))
	if c.onStopped != nil {
		c.onStopped(c)
	}
	return err
}

func (c *Cell) deadLetter(msg any) {
	c.log.Debug("dead letter dropped", logx.Any("msg", msg), logx.String("state", c.State().String()))
	eventbus.Emit(c.bus, eventbus.LifecycleDeadLetter, Event{ID: c.id, Name: c.name, State: c.State().String()})
}

func (c *Cell) publish(typ, event string, reason error, directive string) {
	c.met.Transition(c.name, event)
	ev := Event{ID: c.id, Name: c.name, State: c.State().String(), Directive: directive, Restarts: c.restarts.Load()}
	if reason != nil {
		ev.Reason = reason.Error()
	}
	eventbus.Emit(c.bus, typ, ev)
}

func (c *Cell) snapshot() CellSnapshot {
	c.ctx.mu.Lock()
	c.ctx.pruneLocked()
	owned := len(c.ctx.owned)
	c.ctx.mu.Unlock()

	snap := CellSnapshot{
		ID:       c.id,
		Name:     c.name,
		State:    c.State().String(),
		Restarts: c.restarts.Load(),
		Received: c.received.Load(),
		Failures: c.failures.Load(),
		Owned:    owned,
	}
	if ns := c.startedAt.Load(); ns != 0 {
		snap.StartedAt = time.Unix(0, ns)
	}
	if s, ok := c.lastErr.Load().(string); ok {
		snap.LastError = s
	}
	return snap
}

// guard runs fn, turning a panic into an error.
func (c *Cell) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			c.log.Error("cell panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return fn()
}
