package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines journal next to Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one lifecycle transition or handler failure.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Task     string    `json:"task"`
	TaskID   string    `json:"task_id,omitempty"`
	Event    string    `json:"event"`
	State    string    `json:"state,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Attempts uint64    `json:"attempts,omitempty"`
}
