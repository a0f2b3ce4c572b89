package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"tickd/internal/eventbus"
	logx "tickd/pkg/logx"
)

// worker serves ready mailboxes until stopCh or quit closes. Any free worker
// may take any key; a slow key only occupies the worker running it.
func (s *Service) worker(ctx context.Context, stopCh, quit <-chan struct{}, idx int) {
	// Pass on a wake-up this worker may have consumed before exiting.
	defer s.signal()
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-quit:
			return
		default:
		}

		b, qt, ok := s.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-quit:
				return
			case <-s.wake:
			}
			continue
		}
		s.runOne(ctx, b, qt, idx)
	}
}

func (s *Service) runOne(ctx context.Context, b *mailbox, qt queuedTask, idx int) {
	defer s.finish(b)
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	s.execOne(ctx, qt, idx)
}

func (s *Service) execOne(ctx context.Context, qt queuedTask, idx int) {
	t := qt.task
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	item := HistoryItem{ID: t.ID, Name: t.Name, Key: t.Key, Worker: idx, Started: start, QueueDelay: queueDelay}
	ev := TaskEvent{ID: t.ID, Name: t.Name, Key: t.Key, Started: start, QueueDelay: queueDelay}

	if t.Skip != nil && t.Skip() {
		s.skipped.Add(1)
		s.met.TaskCompleted(t.Name, OutcomeSkipped)
		item.Outcome = OutcomeSkipped
		s.record(item)
		eventbus.Emit(s.bus, eventbus.TaskSkipped, ev)
		s.log.Debug("task.skipped", logx.String("task", t.Name), logx.String("id", t.ID))
		return
	}

	s.log.Trace("task.started", logx.String("task", t.Name), logx.Duration("queue_delay", queueDelay))
	eventbus.Emit(s.bus, eventbus.TaskStarted, ev)

	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}

	obs := s.met.TaskDuration(t.Name)
	err, panicked := s.run(runCtx, t)
	obs.ObserveDuration()

	dur := time.Since(start)
	item.Duration = dur
	ev.Duration = dur

	switch {
	case err == nil:
		s.completed.Add(1)
		item.Outcome = OutcomeOK
		s.met.TaskCompleted(t.Name, OutcomeOK)
		eventbus.Emit(s.bus, eventbus.TaskFinished, ev)
		s.log.Debug("task.completed", logx.String("task", t.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
	default:
		s.failed.Add(1)
		item.Outcome = OutcomeFailed
		if panicked {
			s.panics.Add(1)
			item.Outcome = OutcomePanic
		}
		item.Error = err.Error()
		ev.Error = item.Error
		s.met.TaskCompleted(t.Name, item.Outcome)
		eventbus.Emit(s.bus, eventbus.TaskFailed, ev)

		fields := []logx.Field{
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Err(err),
			logx.Duration("queue_delay", queueDelay),
			logx.Duration("dur", dur),
		}
		if s.failLimiter.Allow() {
			s.log.Warn("task.failed", fields...)
		} else {
			s.log.Debug("task.failed", fields...)
		}
	}
	s.record(item)
}

// run calls t.Run, turning a panic into an error so one bad handler cannot
// kill the worker.
func (s *Service) run(ctx context.Context, t Task) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
			panicked = true
			s.log.Error("task.panic", logx.String("task", t.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return t.Run(ctx), false
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}
