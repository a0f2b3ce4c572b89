// Package storage persists the audit journal of lifecycle transitions and
// handler failures.
//
// It currently supports:
//   - "file": append-only JSON Lines
//   - "sqlite": a single-table SQLite database (modernc.org/sqlite, no cgo)
//
// The journal is write-mostly. Nothing in tickd replays it into the scheduler.
package storage
