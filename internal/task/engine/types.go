package engine

import (
	"context"
	"time"
)

// Config controls the task runner.
type Config struct {
	Enabled   bool
	Workers int
	// QueueSize bounds the queued tasks of one key. Timer fires are not
	// counted: each handle has at most one fire queued.
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0. Zero means no timeout.
	DefaultTimeout time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Task is a unit of work executed by the runner.
//
// Tasks sharing a Key run one at a time, in submission order. Different
// keys run in parallel on any free worker. An empty Key falls back to Name.
type Task struct {
	ID      string
	Name    string
	Key     string
	Timeout time.Duration
	Run     func(ctx context.Context) error

	// Skip is checked right before Run; returning true drops the task.
	Skip func() bool
}

const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomePanic   = "panic"
	OutcomeSkipped = "skipped"
)

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key"`
	Worker     int           `json:"worker"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Outcome    string        `json:"outcome"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is published on the event bus for task.* events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled   bool `json:"enabled"`
	Running   bool `json:"running"`
	Workers   int  `json:"workers"`
	QueueSize int  `json:"queue_size"`
	QueueLen  int  `json:"queue_len"`
	Mailboxes int  `json:"mailboxes"`
	InFlight  int  `json:"in_flight"`

	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Panics    uint64 `json:"panics"`
	Skipped   uint64 `json:"skipped"`
	Dropped   uint64 `json:"dropped"`
	Coalesced uint64 `json:"coalesced"`

	DefaultTimeout time.Duration `json:"default_timeout"`

	History []HistoryItem `json:"history"`
}
