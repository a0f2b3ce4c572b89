package lifecycle

import (
	"context"
	"sync/atomic"
	"time"

	"tickd/internal/timer"
)

// WorkFunc handles every message a strategy receives, ticks included.
type WorkFunc func(ctx context.Context, c *Context, msg any) error

// Periodic registers one fixed-rate timer when the behavior is constructed.
// Restarts keep that timer because construction does not run again.
type Periodic struct {
	payload any
	work    WorkFunc
	handle  *timer.Handle
}

// NewPeriodic is meant to be called from Props.New.
func NewPeriodic(c *Context, initialDelay, interval time.Duration, payload any, work WorkFunc) (*Periodic, error) {
	if payload == nil {
		payload = Tick
	}
	h, err := c.Schedule(initialDelay, interval, payload)
	if err != nil {
		return nil, err
	}
	return &Periodic{payload: payload, work: work, handle: h}, nil
}

// NewPeriodicCadence is NewPeriodic with a cron or custom cadence.
func NewPeriodicCadence(c *Context, initialDelay time.Duration, cadence timer.Cadence, payload any, work WorkFunc) (*Periodic, error) {
	if payload == nil {
		payload = Tick
	}
	h, err := c.ScheduleCadence(initialDelay, cadence, payload)
	if err != nil {
		return nil, err
	}
	return &Periodic{payload: payload, work: work, handle: h}, nil
}

func (p *Periodic) Handle() *timer.Handle { return p.handle }
func (p *Periodic) Payload() any          { return p.payload }

func (p *Periodic) OnStart(*Context) error          { return nil }
func (p *Periodic) OnRestart(*Context, error) error { return nil }

func (p *Periodic) OnStop(c *Context) error {
	c.Cancel(p.handle)
	return nil
}

func (p *Periodic) Receive(ctx context.Context, c *Context, msg any) error {
	if p.work == nil {
		return nil
	}
	return p.work(ctx, c, msg)
}

// SelfRescheduling issues a one-shot in OnStart and re-arms it on every
// tick, before running Work. OnRestart deliberately does nothing: the chain
// started by OnStart is still alive.
//
// Only the tick of the live chain re-arms. A message equal to Payload sent
// with Tell reaches Work but never forks a second chain.
type SelfRescheduling struct {
	Initial  time.Duration
	Interval time.Duration
	Payload  any
	Work     WorkFunc

	pending atomic.Pointer[timer.Handle]
	current atomic.Pointer[chainTick]
	starts  atomic.Int32
}

// chainTick is the private payload of a SelfRescheduling one-shot. It is
// matched by pointer, so Payload need not be comparable.
type chainTick struct {
	payload any
}

func (s *SelfRescheduling) payload() any {
	if s.Payload == nil {
		return Tick
	}
	return s.Payload
}

func (s *SelfRescheduling) arm(c *Context, delay time.Duration) error {
	tick := &chainTick{payload: s.payload()}
	h, err := c.ScheduleOnce(delay, tick)
	if err != nil {
		return err
	}
	s.current.Store(tick)
	s.pending.Store(h)
	return nil
}

func (s *SelfRescheduling) OnStart(c *Context) error {
	s.starts.Add(1)
	return s.arm(c, s.Initial)
}

func (s *SelfRescheduling) OnRestart(*Context, error) error { return nil }

func (s *SelfRescheduling) OnStop(c *Context) error {
	s.current.Store(nil)
	if h := s.pending.Swap(nil); h != nil {
		c.Cancel(h)
	}
	return nil
}

func (s *SelfRescheduling) Receive(ctx context.Context, c *Context, msg any) error {
	if tick, ok := msg.(*chainTick); ok {
		if tick != s.current.Load() {
			return nil
		}
		if err := s.arm(c, s.Interval); err != nil {
			return err
		}
		msg = tick.payload
	}
	if s.Work == nil {
		return nil
	}
	return s.Work(ctx, c, msg)
}

// Pending returns the one-shot that will deliver the next tick.
func (s *SelfRescheduling) Pending() *timer.Handle { return s.pending.Load() }

// Starts counts OnStart calls. It stays at 1 across restarts.
func (s *SelfRescheduling) Starts() int { return int(s.starts.Load()) }
