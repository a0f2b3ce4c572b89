package timer

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"tickd/internal/eventbus"
	"tickd/internal/metrics"
	rtsup "tickd/internal/runtime/supervisor"
	logx "tickd/pkg/logx"
)

// maxBatch bounds how many fires one loop pass collects, so a long catch-up
// burst cannot hold the lock indefinitely.
const maxBatch = 1024

const warnThrottleEvery = 5 * time.Second

type Option func(*Service)

// WithDispatcher hands fires to d instead of the default
// goroutine-per-fire dispatcher.
func WithDispatcher(d Dispatcher) Option { return func(s *Service) { s.disp = d } }

func WithMetrics(m metrics.SchedulerMetrics) Option {
	return func(s *Service) {
		if m != nil {
			s.met = m
		}
	}
}

// LateFire is published on the bus when a fire exceeds Config.LateWarn.
type LateFire struct {
	ID       string        `json:"id"`
	DueAt    time.Time     `json:"due_at"`
	Lateness time.Duration `json:"lateness"`
}

// DispatchFailure is published on the bus when the dispatcher refuses a fire.
type DispatchFailure struct {
	ID       string    `json:"id"`
	DueAt    time.Time `json:"due_at"`
	Periodic bool      `json:"periodic"`
	Error    string    `json:"error"`
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	met     metrics.SchedulerMetrics
	disp    Dispatcher
	q       queue
	seq     uint64
	sup     *rtsup.Supervisor
	stopped bool

	wake chan struct{}

	lateLimiter *rate.Limiter
	failLimiter *rate.Limiter

	scheduled      atomic.Uint64
	fired          atomic.Uint64
	cancelled      atomic.Uint64
	dispatchFailed atomic.Uint64
	late           atomic.Uint64
	maxLate        atomic.Int64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	s := &Service{
		cfg:         cfg.withDefaults(),
		log:         log,
		bus:         bus,
		met:         metrics.Nop(),
		wake:        make(chan struct{}, 1),
		lateLimiter: rate.NewLimiter(rate.Every(warnThrottleEvery), 1),
		failLimiter: rate.NewLimiter(rate.Every(warnThrottleEvery), 1),
	}
	for _, o := range opts {
		o(s)
	}
	if s.disp == nil {
		s.disp = DispatcherFunc(s.goDispatch)
	}
	return s
}

func (s *Service) Config() Config { return s.cfg }

// ScheduleOnce fires payload at target once, delay from now.
func (s *Service) ScheduleOnce(delay time.Duration, payload any, target Target) (*Handle, error) {
	if delay < 0 {
		return nil, ErrInvalidDelay
	}
	return s.add(time.Now().Add(delay), nil, payload, target, "once")
}

// Schedule fires payload at target after initialDelay and then every
// interval at a fixed rate. Intervals below Config.MinInterval, including
// zero, are raised to it.
func (s *Service) Schedule(initialDelay, interval time.Duration, payload any, target Target) (*Handle, error) {
	if initialDelay < 0 {
		return nil, ErrInvalidDelay
	}
	if interval < 0 {
		return nil, ErrInvalidInterval
	}
	return s.add(time.Now().Add(initialDelay), Every(max(interval, s.cfg.MinInterval)), payload, target, "periodic")
}

// ScheduleCadence is Schedule with an arbitrary cadence. An Every cadence
// first fires after initialDelay; any other cadence first fires at its
// first activation after initialDelay, so cron timers stay on their grid.
func (s *Service) ScheduleCadence(initialDelay time.Duration, cadence Cadence, payload any, target Target) (*Handle, error) {
	if initialDelay < 0 {
		return nil, ErrInvalidDelay
	}
	if cadence == nil {
		return nil, fmt.Errorf("%w: nil cadence", ErrInvalidCadence)
	}
	start := time.Now().Add(initialDelay)
	if e, ok := cadence.(Every); ok {
		if e < 0 {
			return nil, ErrInvalidInterval
		}
		return s.add(start, Every(max(time.Duration(e), s.cfg.MinInterval)), payload, target, "periodic")
	}
	first := cadence.Next(start)
	if !first.After(start) {
		return nil, fmt.Errorf("%w: cadence never fires", ErrInvalidCadence)
	}
	return s.add(first, cadence, payload, target, "periodic")
}

// ScheduleCron fires on every activation of a cron expression, starting with
// the first one after now.
func (s *Service) ScheduleCron(spec string, payload any, target Target) (*Handle, error) {
	sched, err := ParseCron(spec)
	if err != nil {
		return nil, err
	}
	first := sched.Next(time.Now())
	if first.IsZero() {
		return nil, fmt.Errorf("%w: %q never fires", ErrInvalidCadence, spec)
	}
	return s.add(first, sched, payload, target, "periodic")
}

func (s *Service) add(dueAt time.Time, cadence Cadence, payload any, target Target, kind string) (*Handle, error) {
	if target == nil {
		return nil, ErrNilTarget
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	s.seq++
	h := &Handle{
		id:      uuid.NewString(),
		seq:     s.seq,
		cadence: cadence,
		payload: payload,
		target:  target,
		svc:     s,
	}
	h.e = &entry{h: h, dueAt: dueAt, seq: h.seq}
	s.q.push(h.e)
	first := s.q.peek() == h.e
	n := s.q.Len()
	s.mu.Unlock()

	s.scheduled.Add(1)
	s.met.TimerScheduled(kind)
	s.met.TimersPending(n)
	if first {
		s.poke()
	}
	return h, nil
}

// Cancel stops all future fires of h. It reports whether this call cancelled
// the handle; cancelling twice, or after a one-shot has fired, returns false.
// A fire already being delivered is not interrupted.
func (s *Service) Cancel(h *Handle) bool {
	if h == nil || h.svc != s {
		return false
	}
	if !h.state.CompareAndSwap(statePending, stateCancelled) {
		return false
	}

	s.mu.Lock()
	if h.e != nil {
		s.q.remove(h.e)
		h.e = nil
	}
	n := s.q.Len()
	s.mu.Unlock()

	s.cancelled.Add(1)
	s.met.TimerCancelled()
	s.met.TimersPending(n)
	s.poke()
	return true
}

func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.Len()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Running: s.sup != nil && !s.stopped,
		Stopped: s.stopped,
		Pending: s.q.Len(),
	}
	if e := s.q.peek(); e != nil {
		snap.NextDue = e.dueAt
	}
	s.mu.Unlock()

	snap.Scheduled = s.scheduled.Load()
	snap.Fired = s.fired.Load()
	snap.Cancelled = s.cancelled.Load()
	snap.DispatchFailed = s.dispatchFailed.Load()
	snap.Late = s.late.Load()
	snap.MaxLateness = time.Duration(s.maxLate.Load())
	snap.LateWarn = s.cfg.LateWarn
	snap.MinInterval = s.cfg.MinInterval
	return snap
}

// Start runs the loop under a supervisor that restarts it after a panic.
// Timers scheduled before Start fire once the loop is up.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil || s.stopped {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup := s.sup
	pending := s.q.Len()
	s.mu.Unlock()

	sup.GoRestart("timer.loop", s.loop,
		rtsup.WithRestartBackoff(10*time.Millisecond, time.Second),
		rtsup.WithPublishFirstError(true),
	)
	s.log.Info("timer service started", logx.Int("pending", pending), logx.Duration("late_warn", s.cfg.LateWarn))
}

// Stop ends the loop and drops every pending timer. Scheduling afterwards
// fails with ErrStopped.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	dropped := s.q.Len()
	for _, e := range s.q {
		e.h.e = nil
	}
	s.q = nil
	sup := s.sup
	s.mu.Unlock()

	s.met.TimersPending(0)
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	s.log.Info("timer service stopped", logx.Int("dropped", dropped))
	return err
}

func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) loop(ctx context.Context) error {
	t := time.NewTimer(time.Hour)
	defer t.Stop()

	for {
		fires, next := s.collect(time.Now())
		for _, f := range fires {
			s.dispatch(ctx, f)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(fires) == maxBatch {
			continue
		}

		var due <-chan time.Time
		if !next.IsZero() {
			t.Reset(time.Until(next))
			due = t.C
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-due:
		}
	}
}

// collect pops every entry due at now in (dueAt, seq) order and re-arms the
// periodic ones. It returns the fires and the next pending due time.
func (s *Service) collect(now time.Time) ([]Fire, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Fire
	for len(out) < maxBatch {
		e := s.q.peek()
		if e == nil || e.dueAt.After(now) {
			break
		}
		h := e.h
		if h.Cancelled() {
			s.q.pop()
			h.e = nil
			continue
		}
		f := Fire{Handle: h, Payload: h.payload, Target: h.target, DueAt: e.dueAt, Seq: h.seq}

		if h.cadence != nil {
			if next := h.cadence.Next(e.dueAt); next.After(e.dueAt) {
				s.q.rearm(e, next)
			} else {
				s.q.pop()
				h.e = nil
				h.state.CompareAndSwap(statePending, stateDone)
			}
		} else {
			s.q.pop()
			h.e = nil
			if !h.state.CompareAndSwap(statePending, stateDone) {
				continue
			}
		}
		out = append(out, f)
	}

	var next time.Time
	if e := s.q.peek(); e != nil {
		next = e.dueAt
	}
	if len(out) > 0 {
		s.met.TimersPending(s.q.Len())
	}
	return out, next
}

func (s *Service) dispatch(ctx context.Context, f Fire) {
	if f.Handle.Cancelled() {
		return
	}
	f.FiredAt = time.Now()
	f.Handle.fires.Add(1)
	s.fired.Add(1)

	late := f.Lateness()
	s.met.TimerFired(late)
	if late > s.cfg.LateWarn {
		s.noteLate(f, late)
	}

	err := s.disp.Dispatch(ctx, f)
	if err == nil {
		return
	}
	s.dispatchFailed.Add(1)
	s.met.TimerDispatchFailed()
	eventbus.Emit(s.bus, eventbus.TimerDispatchFailed, DispatchFailure{
		ID:       f.Handle.ID(),
		DueAt:    f.DueAt,
		Periodic: f.Handle.Periodic(),
		Error:    err.Error(),
	})
	if ctx.Err() == nil && s.failLimiter.Allow() {
		s.log.Warn("timer.dispatch_failed",
			logx.String("id", f.Handle.ID()),
			logx.Bool("periodic", f.Handle.Periodic()),
			logx.Err(err),
			logx.Uint64("dispatch_failed", s.dispatchFailed.Load()),
		)
	}
}

func (s *Service) noteLate(f Fire, late time.Duration) {
	s.late.Add(1)
	for {
		cur := s.maxLate.Load()
		if int64(late) <= cur || s.maxLate.CompareAndSwap(cur, int64(late)) {
			break
		}
	}
	eventbus.Emit(s.bus, eventbus.TimerLate, LateFire{ID: f.Handle.ID(), DueAt: f.DueAt, Lateness: late})
	if s.lateLimiter.Allow() {
		s.log.Warn("timer.late",
			logx.String("id", f.Handle.ID()),
			logx.Duration("lateness", late),
			logx.Duration("late_warn", s.cfg.LateWarn),
			logx.Uint64("late_total", s.late.Load()),
		)
	}
}

// goDispatch is the dispatcher used when no runner is wired: one goroutine
// per fire.
func (s *Service) goDispatch(ctx context.Context, f Fire) error {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("timer.target_panic", logx.String("id", f.Handle.ID()), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		if _, err := f.Deliver(ctx); err != nil {
			s.log.Warn("timer.deliver_failed", logx.String("id", f.Handle.ID()), logx.Err(err))
		}
	}()
	return nil
}
