package app

import (
	"context"
	"strings"
	"time"

	"tickd/internal/eventbus"
	"tickd/internal/lifecycle"
	"tickd/internal/storage"
	"tickd/internal/task/engine"
	logx "tickd/pkg/logx"
)

// auditEntry maps a bus event to a journal entry. ok is false for events
// that are not journaled.
func auditEntry(e eventbus.Event) (storage.AuditEntry, bool) {
	switch d := e.Data.(type) {
	case lifecycle.Event:
		if e.Type == eventbus.LifecycleDeadLetter {
			return storage.AuditEntry{}, false
		}
		return storage.AuditEntry{
			At:       e.Time,
			Task:     d.Name,
			TaskID:   d.ID,
			Event:    strings.TrimPrefix(e.Type, "lifecycle."),
			State:    d.State,
			Reason:   d.Reason,
			Attempts: d.Restarts,
		}, true
	case engine.TaskEvent:
		// Cell failures are journaled as lifecycle.failed already.
		if e.Type != eventbus.TaskFailed || strings.HasPrefix(d.Key, "cell/") {
			return storage.AuditEntry{}, false
		}
		return storage.AuditEntry{At: e.Time, Task: d.Name, TaskID: d.ID, Event: "task_failed", Reason: d.Error}, true
	}
	return storage.AuditEntry{}, false
}

// runEventSink logs every bus event at debug and journals the ones that
// matter. It drains until the subscription is closed so transitions during
// shutdown are journaled too.
func (a *App) runEventSink(events <-chan eventbus.Event) {
	for e := range events {
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		if a.store == nil {
			continue
		}
		entry, ok := auditEntry(e)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := a.store.AppendAudit(ctx, entry); err != nil {
			a.log.Warn("audit append failed", logx.String("event", e.Type), logx.Err(err))
		}
		cancel()
	}
}
