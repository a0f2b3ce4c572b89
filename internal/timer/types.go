package timer

import (
	"context"
	"time"
)

// Target receives the payload of each fire.
type Target interface {
	Deliver(ctx context.Context, payload any) error
}

// TargetFunc adapts a plain function to Target.
type TargetFunc func(ctx context.Context, payload any) error

func (f TargetFunc) Deliver(ctx context.Context, payload any) error { return f(ctx, payload) }

// Keyed is implemented by targets that want their fires serialized under a
// stable key (for example a task name) instead of the handle ID.
type Keyed interface {
	Key() string
}

// Fire is one due timer handed to the dispatcher.
type Fire struct {
	Handle  *Handle
	Payload any
	Target  Target
	DueAt   time.Time
	FiredAt time.Time
	Seq     uint64
}

// Lateness is how far after its due time the fire was handed off.
func (f Fire) Lateness() time.Duration {
	if d := f.FiredAt.Sub(f.DueAt); d > 0 {
		return d
	}
	return 0
}

// Key returns the routing key for the fire's target.
func (f Fire) Key() string {
	if k, ok := f.Target.(Keyed); ok {
		if key := k.Key(); key != "" {
			return key
		}
	}
	if f.Handle != nil {
		return f.Handle.ID()
	}
	return ""
}

// Deliver calls the target unless the handle was cancelled in the meantime.
// It reports false when the fire was skipped.
func (f Fire) Deliver(ctx context.Context) (bool, error) {
	if f.Handle != nil && f.Handle.Cancelled() {
		return false, nil
	}
	if f.Target == nil {
		return false, ErrNilTarget
	}
	return true, f.Target.Deliver(ctx, f.Payload)
}

// Dispatcher takes ownership of a fire. Dispatch runs on the scheduler loop,
// so it must return without waiting on any handler; a slow target would
// otherwise delay every other timer.
type Dispatcher interface {
	Dispatch(ctx context.Context, f Fire) error
}

type DispatcherFunc func(ctx context.Context, f Fire) error

func (fn DispatcherFunc) Dispatch(ctx context.Context, f Fire) error { return fn(ctx, f) }

type Config struct {
	// LateWarn is the lateness above which a fire is logged at warn level.
	// It is also the documented drift bound for an idle runner.
	LateWarn time.Duration
	// MinInterval floors periodic intervals, including zero.
	MinInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.LateWarn <= 0 {
		c.LateWarn = 50 * time.Millisecond
	}
	if c.MinInterval <= 0 {
		c.MinInterval = time.Millisecond
	}
	return c
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Running        bool          `json:"running"`
	Stopped        bool          `json:"stopped"`
	Pending        int           `json:"pending"`
	NextDue        time.Time     `json:"next_due"`
	Scheduled      uint64        `json:"scheduled"`
	Fired          uint64        `json:"fired"`
	Cancelled      uint64        `json:"cancelled"`
	DispatchFailed uint64        `json:"dispatch_failed"`
	Late           uint64        `json:"late"`
	MaxLateness    time.Duration `json:"max_lateness"`
	LateWarn       time.Duration `json:"late_warn"`
	MinInterval    time.Duration `json:"min_interval"`
}
