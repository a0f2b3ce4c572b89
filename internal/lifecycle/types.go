package lifecycle

import (
	"context"
	"errors"
	"time"

	"tickd/internal/timer"
)

// Tick is the payload strategies use when none is given.
const Tick = "tick"

var (
	ErrStopped    = errors.New("lifecycle: cell stopped")
	ErrNotRunning = errors.New("lifecycle: cell not running")
	ErrExists     = errors.New("lifecycle: cell already running")
	ErrNotFound   = errors.New("lifecycle: cell not found")
	ErrNoName     = errors.New("lifecycle: props name required")
	ErrNoFactory  = errors.New("lifecycle: props New required")
)

type State int32

const (
	Created State = iota
	Running
	Restarting
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Restarting:
		return "restarting"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Directive is a Decider's answer to a handler failure.
type Directive int

const (
	Resume Directive = iota
	Restart
	Stop
)

func (d Directive) String() string {
	switch d {
	case Resume:
		return "resume"
	case Restart:
		return "restart"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

// Decider classifies a failure of the cell behind c.
type Decider func(c *Context, err error) Directive

// Hooks are the lifecycle callbacks of a task instance.
//
// OnStart runs once when the instance begins running. OnRestart runs instead
// of OnStart when the instance is restarted after a failure; it must not
// repeat OnStart's timer setup. OnStop runs after every owned timer has been
// cancelled.
type Hooks interface {
	OnStart(c *Context) error
	OnRestart(c *Context, reason error) error
	OnStop(c *Context) error
}

// Behavior is a task's hooks plus its message handler.
type Behavior interface {
	Hooks
	Receive(ctx context.Context, c *Context, msg any) error
}

// NopHooks can be embedded to implement only the hooks a behavior needs.
type NopHooks struct{}

func (NopHooks) OnStart(*Context) error          { return nil }
func (NopHooks) OnRestart(*Context, error) error { return nil }
func (NopHooks) OnStop(*Context) error           { return nil }

type Props struct {
	Name string
	// New builds the behavior. It is the construction phase and runs once
	// per cell, before OnStart.
	New     func(c *Context) (Behavior, error)
	Decider Decider
}

// Scheduler is the part of timer.Service cells use.
type Scheduler interface {
	ScheduleOnce(delay time.Duration, payload any, target timer.Target) (*timer.Handle, error)
	Schedule(initialDelay, interval time.Duration, payload any, target timer.Target) (*timer.Handle, error)
	ScheduleCadence(initialDelay time.Duration, cadence timer.Cadence, payload any, target timer.Target) (*timer.Handle, error)
	Cancel(h *timer.Handle) bool
}

// Mailbox runs fn serially with everything else posted under key.
type Mailbox interface {
	Post(ctx context.Context, key, name string, fn func(ctx context.Context) error) error
}

// Event is the bus payload of lifecycle.* events.
type Event struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
	Directive string `json:"directive,omitempty"`
	Restarts  uint64 `json:"restarts"`
}

// CellSnapshot is a diagnostics view of one cell.
type CellSnapshot struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
	Restarts  uint64    `json:"restarts"`
	Received  uint64    `json:"received"`
	Failures  uint64    `json:"failures"`
	Owned     int       `json:"owned"`
	LastError string    `json:"last_error,omitempty"`
}
