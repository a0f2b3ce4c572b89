package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tickd/internal/eventbus"
	"tickd/internal/timer"
	logx "tickd/pkg/logx"
)

func newRunning(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestSubmit_SameKeyIsSerialFIFO(t *testing.T) {
	t.Parallel()

	s := newRunning(t, Config{Workers: 4, QueueSize: 8}, nil)

	const n = 50
	var (
		mu      sync.Mutex
		order   []int
		running atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		err := s.Submit(context.Background(), Task{Name: "tick", Key: "cell-a", Run: func(context.Context) error {
			defer wg.Done()
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			running.Add(-1)
			return nil
		}})
		require.NoError(t, err)
	}
	wg.Wait()

	require.False(t, overlap.Load())
	for i := range order {
		require.Equal(t, i, order[i])
	}
}

func TestSubmit_SlowKeyDoesNotDelayOtherKeys(t *testing.T) {
	t.Parallel()

	s := newRunning(t, Config{Workers: 2, QueueSize: 4}, nil)

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	require.NoError(t, s.Submit(context.Background(), Task{Name: "blocker", Key: "slow", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		require.NoError(t, s.Submit(context.Background(), Task{Name: "other", Key: fmt.Sprintf("k%d", i), Run: func(context.Context) error {
			wg.Done()
			return nil
		}}))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks on other keys waited behind a slow key")
	}
	// Only the slow key still holds a mailbox.
	require.Eventually(t, func() bool { return s.Snapshot().Mailboxes == 1 }, time.Second, 5*time.Millisecond)
}

func TestExec_PanicAndErrorAreReportedNotFatal(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()
	s := newRunning(t, Config{Workers: 1, QueueSize: 8}, bus)

	ran := make(chan struct{})
	require.NoError(t, s.Submit(context.Background(), Task{Name: "panics", Run: func(context.Context) error { panic("boom") }}))
	require.NoError(t, s.Submit(context.Background(), Task{Name: "errors", Run: func(context.Context) error { return errors.New("bad") }}))
	require.NoError(t, s.Submit(context.Background(), Task{Name: "fine", Run: func(context.Context) error {
		close(ran)
		return nil
	}}))

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive a panicking task")
	}

	var failed []TaskEvent
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				if ev.Type == eventbus.TaskFailed {
					failed = append(failed, ev.Data.(TaskEvent))
				}
			default:
				return len(failed) == 2
			}
		}
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "panics", failed[0].Name)
	require.Contains(t, failed[0].Error, ErrPanic.Error())
	require.Equal(t, "bad", failed[1].Error)

	require.Eventually(t, func() bool { return s.Snapshot().Completed == 1 }, time.Second, 5*time.Millisecond)
	snap := s.Snapshot()
	require.Equal(t, uint64(2), snap.Failed)
	require.Equal(t, uint64(1), snap.Panics)
	require.Equal(t, OutcomePanic, snap.History[0].Outcome)
}

func TestExec_SkipAndTimeout(t *testing.T) {
	t.Parallel()

	s := newRunning(t, Config{Workers: 1, QueueSize: 4, DefaultTimeout: 20 * time.Millisecond}, nil)

	var called atomic.Bool
	require.NoError(t, s.Submit(context.Background(), Task{
		Name: "cancelled",
		Run: func(context.Context) error {
			called.Store(true)
			return nil
		},
		Skip: func() bool { return true },
	}))

	errCh := make(chan error, 1)
	require.NoError(t, s.Submit(context.Background(), Task{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		errCh <- ctx.Err()
		return ctx.Err()
	}}))

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("default timeout not applied")
	}
	require.False(t, called.Load())
	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.Skipped == 1 && snap.Failed == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHistory_IsBounded(t *testing.T) {
	t.Parallel()

	s := newRunning(t, Config{Workers: 1, QueueSize: 16, HistorySize: 5}, nil)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Submit(context.Background(), Task{ID: fmt.Sprint(i), Name: "n", Run: func(context.Context) error { return nil }}))
	}
	require.Eventually(t, func() bool { return s.Snapshot().Completed == 10 }, 2*time.Second, 5*time.Millisecond)

	h := s.Snapshot().History
	require.Len(t, h, 5)
	require.Equal(t, "5", h[0].ID)
	require.Equal(t, "9", h[4].ID)
}

func TestEnqueue_QueueFullAndStates(t *testing.T) {
	t.Parallel()

	disabled := New(Config{}, logx.Nop(), nil)
	require.ErrorIs(t, disabled.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}), ErrDisabled)

	stopped := New(Config{Enabled: true}, logx.Nop(), nil)
	require.ErrorIs(t, stopped.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}), ErrStopped)

	s := newRunning(t, Config{Workers: 1, QueueSize: 1}, nil)
	require.Error(t, s.Enqueue(Task{Name: "x"}))
	require.Error(t, s.Enqueue(Task{Run: func(context.Context) error { return nil }}))

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, s.Enqueue(Task{Name: "block", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	noop := Task{Name: "noop", Run: func(context.Context) error { return nil }}
	require.NoError(t, s.Enqueue(noop))
	require.ErrorIs(t, s.Enqueue(noop), ErrQueueFull)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Submit(ctx, noop), context.DeadlineExceeded)
	require.Equal(t, uint64(1), s.Snapshot().Dropped)
}

func TestDispatch_DeliversFireAndSkipsCancelled(t *testing.T) {
	t.Parallel()

	s := newRunning(t, Config{Workers: 2, QueueSize: 4}, nil)

	got := make(chan any, 4)
	target := timer.TargetFunc(func(_ context.Context, payload any) error {
		got <- payload
		return nil
	})
	tm := timer.New(timer.Config{}, logx.Nop(), nil)
	h, err := tm.Schedule(time.Hour, time.Hour, "tick", target)
	require.NoError(t, err)

	f := timer.Fire{Handle: h, Payload: "tick", Target: target, DueAt: time.Now(), FiredAt: time.Now()}
	require.NoError(t, s.Dispatch(context.Background(), f))
	select {
	case p := <-got:
		require.Equal(t, "tick", p)
	case <-time.After(2 * time.Second):
		t.Fatal("fire not delivered")
	}

	require.True(t, h.Cancel())
	require.NoError(t, s.Dispatch(context.Background(), f))
	require.Eventually(t, func() bool { return s.Snapshot().Skipped == 1 }, time.Second, 5*time.Millisecond)
	require.Len(t, got, 0)
	require.Equal(t, h.ID(), s.Snapshot().History[1].ID)
}

func TestStop_RejectsAndRestarts(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Workers: 2}, logx.Nop(), nil)
	s.Start(context.Background())
	s.Start(context.Background())
	require.True(t, s.Snapshot().Running)

	s.Stop(context.Background())
	require.ErrorIs(t, s.Post(context.Background(), "k", "n", func(context.Context) error { return nil }), ErrStopped)

	s.Apply(Config{Enabled: true, Workers: 3})
	s.Start(context.Background())
	defer s.Stop(context.Background())
	require.Equal(t, 3, s.Snapshot().Workers)

	done := make(chan struct{})
	require.NoError(t, s.Post(context.Background(), "k", "n", func(context.Context) error {
		close(done)
		return nil
	}))
	<-done
}

func TestDispatch_MergesFiresOfABusyHandleWithoutBlocking(t *testing.T) {
	t.Parallel()

	s := newRunning(t, Config{Workers: 1, QueueSize: 1}, nil)

	started := make(chan struct{}, 4)
	release := make(chan struct{})
	var delivered atomic.Int32
	target := timer.TargetFunc(func(context.Context, any) error {
		delivered.Add(1)
		started <- struct{}{}
		<-release
		return nil
	})
	tm := timer.New(timer.Config{}, logx.Nop(), nil)
	h, err := tm.Schedule(time.Hour, time.Hour, "tick", target)
	require.NoError(t, err)
	f := timer.Fire{Handle: h, Payload: "tick", Target: target, DueAt: time.Now(), FiredAt: time.Now()}

	require.NoError(t, s.Dispatch(context.Background(), f))
	<-started

	// One fire waits behind the running one; the rest merge into it. None of
	// these calls may wait for the handler, even past QueueSize.
	returned := make(chan struct{})
	go func() {
		defer close(returned)
		for i := 0; i < 10; i++ {
			_ = s.Dispatch(context.Background(), f)
		}
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked behind a running handler")
	}
	snap := s.Snapshot()
	require.Equal(t, 1, snap.QueueLen)
	require.Equal(t, uint64(9), snap.Coalesced)
	require.Equal(t, uint64(0), snap.Dropped)

	close(release)
	require.Eventually(t, func() bool { return s.Snapshot().Completed == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(2), delivered.Load())
}

func TestApply_ResizeKeepsQueuedWork(t *testing.T) {
	t.Parallel()

	s := newRunning(t, Config{Workers: 1, QueueSize: 16}, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Submit(context.Background(), Task{Name: "blocker", Key: "a", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Submit(context.Background(), Task{Name: "queued", Key: "b", Run: func(context.Context) error {
			ran.Add(1)
			return nil
		}}))
	}
	require.Equal(t, 5, s.Snapshot().QueueLen)

	// Growing the pool picks up the queued key while "a" is still busy.
	s.Apply(Config{Enabled: true, Workers: 3, QueueSize: 16})
	require.Eventually(t, func() bool { return ran.Load() == 5 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 3, s.Snapshot().Workers)

	s.Apply(Config{Enabled: true, Workers: 1, QueueSize: 16})
	require.Equal(t, 1, s.Snapshot().Workers)
	close(release)

	done := make(chan struct{})
	require.NoError(t, s.Post(context.Background(), "c", "after", func(context.Context) error {
		close(done)
		return nil
	}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("no worker left after shrinking the pool")
	}

	snap := s.Snapshot()
	require.True(t, snap.Running)
	require.Equal(t, uint64(0), snap.Dropped)
}

func TestApply_GrowingQueueSizeUnblocksSubmit(t *testing.T) {
	t.Parallel()

	s := newRunning(t, Config{Workers: 1, QueueSize: 1}, nil)

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	require.NoError(t, s.Submit(context.Background(), Task{Name: "blocker", Key: "k", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	noop := Task{Name: "noop", Key: "k", Run: func(context.Context) error { return nil }}
	require.NoError(t, s.Submit(context.Background(), noop))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Submit(context.Background(), noop) }()
	select {
	case err := <-errCh:
		t.Fatalf("Submit returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	s.Apply(Config{Enabled: true, Workers: 1, QueueSize: 4})
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Submit still blocked after QueueSize grew")
	}
	require.Equal(t, 2, s.Snapshot().QueueLen)
}
