package lifecycle

import (
	"context"
	"sync"
	"time"

	"tickd/internal/timer"
	logx "tickd/pkg/logx"
)

// Context is a cell's handle on its runtime: identity, logging, owned timers
// and its own mailbox. It is valid for the life of the cell.
type Context struct {
	cell *Cell

	mu     sync.Mutex
	owned  []*timer.Handle
	closed bool
}

func (c *Context) ID() string       { return c.cell.id }
func (c *Context) Name() string     { return c.cell.name }
func (c *Context) Self() *Cell      { return c.cell }
func (c *Context) Log() logx.Logger { return c.cell.log }

// ScheduleOnce delivers payload to this cell once, after delay.
func (c *Context) ScheduleOnce(delay time.Duration, payload any) (*timer.Handle, error) {
	return c.own(func() (*timer.Handle, error) {
		return c.cell.sched.ScheduleOnce(delay, payload, c.cell)
	})
}

// Schedule delivers payload to this cell at a fixed rate.
func (c *Context) Schedule(initialDelay, interval time.Duration, payload any) (*timer.Handle, error) {
	return c.own(func() (*timer.Handle, error) {
		return c.cell.sched.Schedule(initialDelay, interval, payload, c.cell)
	})
}

func (c *Context) ScheduleCadence(initialDelay time.Duration, cadence timer.Cadence, payload any) (*timer.Handle, error) {
	return c.own(func() (*timer.Handle, error) {
		return c.cell.sched.ScheduleCadence(initialDelay, cadence, payload, c.cell)
	})
}

// Cancel cancels an owned handle and forgets it.
func (c *Context) Cancel(h *timer.Handle) bool {
	if h == nil {
		return false
	}
	c.mu.Lock()
	for i, o := range c.owned {
		if o == h {
			c.owned = append(c.owned[:i], c.owned[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	return c.cell.sched.Cancel(h)
}

// Owned returns the cell's timers that can still fire.
func (c *Context) Owned() []*timer.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	return append([]*timer.Handle(nil), c.owned...)
}

// Tell posts msg to this cell's mailbox.
func (c *Context) Tell(ctx context.Context, msg any) error { return c.cell.Tell(ctx, msg) }

func (c *Context) own(schedule func() (*timer.Handle, error)) (*timer.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrStopped
	}
	h, err := schedule()
	if err != nil {
		return nil, err
	}
	c.pruneLocked()
	c.owned = append(c.owned, h)
	return h, nil
}

// pruneLocked drops handles that fired for the last time or were cancelled.
func (c *Context) pruneLocked() {
	live := c.owned[:0]
	for _, h := range c.owned {
		if !h.Done() {
			live = append(live, h)
		}
	}
	for i := len(live); i < len(c.owned); i++ {
		c.owned[i] = nil
	}
	c.owned = live
}

// close cancels every owned handle and refuses new ones. It reports how
// many handles it cancelled.
func (c *Context) close() int {
	c.mu.Lock()
	owned := c.owned
	c.owned = nil
	c.closed = true
	c.mu.Unlock()

	n := 0
	for _, h := range owned {
		if c.cell.sched.Cancel(h) {
			n++
		}
	}
	return n
}
