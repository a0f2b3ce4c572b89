package timer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tickd/internal/eventbus"
	logx "tickd/pkg/logx"
)

// recorder records every fire without delivering it.
type recorder struct {
	mu    sync.Mutex
	fires []Fire
	ch    chan Fire
}

func newRecorder() *recorder { return &recorder{ch: make(chan Fire, 256)} }

func (r *recorder) Dispatch(_ context.Context, f Fire) error {
	r.mu.Lock()
	r.fires = append(r.fires, f)
	r.mu.Unlock()
	select {
	case r.ch <- f:
	default:
	}
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fires)
}

func (r *recorder) snapshot() []Fire {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Fire(nil), r.fires...)
}

var nopTarget = TargetFunc(func(context.Context, any) error { return nil })

func newStarted(t *testing.T, opts ...Option) *Service {
	t.Helper()
	return newStartedWith(t, Config{}, opts...)
}

func newStartedWith(t *testing.T, cfg Config, opts ...Option) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), nil, opts...)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func TestSchedule_RejectsNegativeInputs(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)

	h, err := s.ScheduleOnce(-time.Millisecond, "tick", nopTarget)
	require.ErrorIs(t, err, ErrInvalidDelay)
	require.Nil(t, h)

	h, err = s.Schedule(-time.Millisecond, time.Second, "tick", nopTarget)
	require.ErrorIs(t, err, ErrInvalidDelay)
	require.Nil(t, h)

	h, err = s.Schedule(0, -time.Second, "tick", nopTarget)
	require.ErrorIs(t, err, ErrInvalidInterval)
	require.Nil(t, h)

	h, err = s.ScheduleCadence(0, Every(-time.Second), "tick", nopTarget)
	require.ErrorIs(t, err, ErrInvalidInterval)
	require.Nil(t, h)

	_, err = s.ScheduleCadence(0, nil, "tick", nopTarget)
	require.ErrorIs(t, err, ErrInvalidCadence)

	_, err = s.ScheduleCron("not cron at all", "tick", nopTarget)
	require.ErrorIs(t, err, ErrInvalidCadence)

	_, err = s.ScheduleOnce(0, "tick", nil)
	require.ErrorIs(t, err, ErrNilTarget)

	require.Equal(t, 0, s.Pending())
	require.Equal(t, uint64(0), s.Snapshot().Scheduled)
}

func TestScheduleOnce_FiresAfterDelay(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	s := newStarted(t, WithDispatcher(rec))

	const delay = 40 * time.Millisecond
	created := time.Now()
	h, err := s.ScheduleOnce(delay, "tick", nopTarget)
	require.NoError(t, err)

	select {
	case f := <-rec.ch:
		require.Same(t, h, f.Handle)
		require.Equal(t, "tick", f.Payload)
		require.False(t, f.FiredAt.Before(created.Add(delay)))
		require.False(t, f.FiredAt.Before(f.DueAt))
		require.Less(t, f.Lateness(), 500*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("one-shot did not fire")
	}

	require.True(t, h.Done())
	require.False(t, h.Cancelled())
	require.Equal(t, uint64(1), h.Fires())
	require.False(t, h.Cancel(), "cancel after fire is a no-op")
	require.Equal(t, 0, s.Pending())
}

func TestCancel_BeforeDueNeverFires(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	s := newStarted(t, WithDispatcher(rec))

	once, err := s.ScheduleOnce(50*time.Millisecond, "tick", nopTarget)
	require.NoError(t, err)
	periodic, err := s.Schedule(50*time.Millisecond, 10*time.Millisecond, "tick", nopTarget)
	require.NoError(t, err)
	require.Equal(t, 2, s.Pending())

	require.True(t, s.Cancel(once))
	require.True(t, periodic.Cancel())
	require.Equal(t, 0, s.Pending())

	// Idempotent: same end state, no second transition.
	require.False(t, s.Cancel(once))
	require.False(t, periodic.Cancel())
	require.True(t, once.Cancelled())
	require.True(t, periodic.Cancelled())
	require.Equal(t, uint64(2), s.Snapshot().Cancelled)

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 0, rec.count())
	require.Equal(t, uint64(0), once.Fires())
	require.Equal(t, uint64(0), periodic.Fires())
}

func TestCancel_ForeignOrNilHandle(t *testing.T) {
	t.Parallel()

	a := New(Config{}, logx.Nop(), nil)
	b := New(Config{}, logx.Nop(), nil)
	h, err := a.ScheduleOnce(time.Hour, nil, nopTarget)
	require.NoError(t, err)

	require.False(t, b.Cancel(h))
	require.False(t, a.Cancel(nil))
	require.False(t, (*Handle)(nil).Cancel())
	require.True(t, a.Cancel(h))
}

func TestSchedule_FixedRate(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var fires []Fire
	slow := DispatcherFunc(func(_ context.Context, f Fire) error {
		mu.Lock()
		fires = append(fires, f)
		mu.Unlock()
		return nil
	})
	s := newStarted(t, WithDispatcher(slow))

	const (
		initial  = 20 * time.Millisecond
		interval = 30 * time.Millisecond
		k        = 5
	)
	h, err := s.Schedule(initial, interval, "tick", nopTarget)
	require.NoError(t, err)

	time.Sleep(initial + interval*(k+2))
	require.True(t, h.Cancel())

	mu.Lock()
	got := append([]Fire(nil), fires...)
	mu.Unlock()

	require.GreaterOrEqual(t, len(got), k)
	for i := 1; i < len(got); i++ {
		// Due times advance by exactly one interval regardless of when the
		// previous fire was handled.
		require.Equal(t, interval, got[i].DueAt.Sub(got[i-1].DueAt))
		require.Equal(t, got[0].Seq, got[i].Seq)
	}
}

func TestSchedule_ZeroIntervalIsFloored(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	s := newStartedWith(t, Config{MinInterval: 10 * time.Millisecond}, WithDispatcher(rec))

	h, err := s.Schedule(0, 0, "tick", nopTarget)
	require.NoError(t, err)
	require.Equal(t, Every(10*time.Millisecond), h.Cadence())

	require.Eventually(t, func() bool { return rec.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	h.Cancel()
	fs := rec.snapshot()
	require.Equal(t, 10*time.Millisecond, fs[1].DueAt.Sub(fs[0].DueAt))
}

func TestLoop_EqualDueTimesFireFIFO(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	s := New(Config{}, logx.Nop(), nil, WithDispatcher(rec))

	due := time.Now().Add(-time.Millisecond)
	var want []string
	for _, id := range []string{"a", "b", "c", "d"} {
		_, err := s.add(due, nil, id, nopTarget, "once")
		require.NoError(t, err)
		want = append(want, id)
	}
	// One entry due earlier must jump the line.
	_, err := s.add(due.Add(-time.Millisecond), nil, "first", nopTarget, "once")
	require.NoError(t, err)
	want = append([]string{"first"}, want...)

	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return rec.count() == len(want) }, 2*time.Second, 5*time.Millisecond)
	var got []string
	for _, f := range rec.snapshot() {
		got = append(got, f.Payload.(string))
	}
	require.Equal(t, want, got)
}

func TestLoop_DispatchFailureKeepsPeriodic(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	var calls atomic.Int32
	failing := DispatcherFunc(func(context.Context, Fire) error {
		calls.Add(1)
		return errors.New("runner rejected")
	})
	s := New(Config{}, logx.Nop(), bus, WithDispatcher(failing))
	s.Start(context.Background())
	defer s.Stop(context.Background())

	h, err := s.Schedule(0, 10*time.Millisecond, "tick", nopTarget)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	h.Cancel()
	require.GreaterOrEqual(t, s.Snapshot().DispatchFailed, uint64(3))

	ev := <-events
	require.Equal(t, eventbus.TimerDispatchFailed, ev.Type)
	require.Equal(t, h.ID(), ev.Data.(DispatchFailure).ID)
}

func TestDefaultDispatcher_SurvivesPanicsAndErrors(t *testing.T) {
	t.Parallel()

	s := newStarted(t)

	var ok atomic.Int32
	_, err := s.ScheduleOnce(0, nil, TargetFunc(func(context.Context, any) error { panic("boom") }))
	require.NoError(t, err)
	_, err = s.ScheduleOnce(0, nil, TargetFunc(func(context.Context, any) error { return errors.New("bad") }))
	require.NoError(t, err)
	_, err = s.Schedule(5*time.Millisecond, 5*time.Millisecond, nil, TargetFunc(func(context.Context, any) error {
		ok.Add(1)
		return nil
	}))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return ok.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestFireDeliver_SkipsCancelled(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	var called bool
	target := TargetFunc(func(context.Context, any) error {
		called = true
		return nil
	})
	h, err := s.Schedule(time.Hour, time.Hour, "tick", target)
	require.NoError(t, err)

	f := Fire{Handle: h, Payload: "tick", Target: target}
	require.True(t, h.Cancel())
	delivered, err := f.Deliver(context.Background())
	require.NoError(t, err)
	require.False(t, delivered)
	require.False(t, called)
}

func TestScheduleCron_FirstFireIsNextActivation(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	before := time.Now()
	h, err := s.ScheduleCron("@hourly", "tick", nopTarget)
	require.NoError(t, err)
	require.True(t, h.Periodic())

	due, ok := h.NextDue()
	require.True(t, ok)
	require.True(t, due.After(before))
	require.LessOrEqual(t, due.Sub(before), time.Hour)
	require.Equal(t, 0, due.Minute())
	require.Equal(t, 0, due.Second())

	// A cron cadence through ScheduleCadence stays on the cron grid too.
	hourly, err := ParseCadence("@hourly")
	require.NoError(t, err)
	h, err = s.ScheduleCadence(0, hourly, "tick", nopTarget)
	require.NoError(t, err)
	due, ok = h.NextDue()
	require.True(t, ok)
	require.Equal(t, 0, due.Minute())
	require.Equal(t, 0, due.Second())
}

func TestStop_RejectsNewTimers(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	s.Start(context.Background())
	h, err := s.ScheduleOnce(time.Hour, nil, nopTarget)
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	require.Equal(t, 0, s.Pending())
	_, ok := h.NextDue()
	require.False(t, ok)

	_, err = s.ScheduleOnce(0, nil, nopTarget)
	require.ErrorIs(t, err, ErrStopped)
	_, err = s.Schedule(0, time.Second, nil, nopTarget)
	require.ErrorIs(t, err, ErrStopped)

	snap := s.Snapshot()
	require.True(t, snap.Stopped)
	require.False(t, snap.Running)
}

func TestLateness_IsReported(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	rec := newRecorder()
	s := New(Config{LateWarn: time.Millisecond}, logx.Nop(), bus, WithDispatcher(rec))
	// Due well in the past, so the fire is late by construction.
	_, err := s.add(time.Now().Add(-100*time.Millisecond), nil, "tick", nopTarget, "once")
	require.NoError(t, err)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	f := <-rec.ch
	require.GreaterOrEqual(t, f.Lateness(), 100*time.Millisecond)

	ev := <-events
	require.Equal(t, eventbus.TimerLate, ev.Type)
	snap := s.Snapshot()
	require.Equal(t, uint64(1), snap.Late)
	require.GreaterOrEqual(t, snap.MaxLateness, 100*time.Millisecond)
}
