package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "tickd/pkg/logx"
)

// Supervisor runs named goroutines bound to a shared context.
// Panics are recovered, the first error is kept, and Stop waits with a deadline.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	started atomic.Uint64
	active  atomic.Int64

	log         logx.Logger
	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Value // error
	doneOnce    sync.Once
	doneCh      chan struct{}
	wg          sync.WaitGroup

	mu    sync.Mutex
	stats map[string]*GoroutineStats
}

type Option func(*Supervisor)

// GoroutineStats aggregates runs that share a name.
type GoroutineStats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Started     uint64    `json:"started"`
	Panics      uint64    `json:"panics"`
	Restarts    uint64    `json:"restarts"`
	LastStartAt time.Time `json:"last_start_at"`
	LastErr     string    `json:"last_err,omitempty"`
	LastPanic   string    `json:"last_panic,omitempty"`
}

type Snapshot struct {
	Active     int64            `json:"active"`
	Started    uint64           `json:"started"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first goroutine error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		stats:  map[string]*GoroutineStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Active: s.active.Load(), Started: s.started.Load()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}

	s.mu.Lock()
	gs := make([]GoroutineStats, 0, len(s.stats))
	for _, st := range s.stats {
		gs = append(gs, *st)
	}
	s.mu.Unlock()

	sort.Slice(gs, func(i, j int) bool { return gs[i].Name < gs[j].Name })
	snap.Goroutines = gs
	return snap
}

func (s *Supervisor) note(name string, fn func(st *GoroutineStats)) {
	s.mu.Lock()
	st := s.stats[name]
	if st == nil {
		st = &GoroutineStats{Name: name}
		s.stats[name] = st
	}
	fn(st)
	s.mu.Unlock()
}

func (s *Supervisor) noteStart(name string, restart bool) time.Time {
	now := time.Now()
	s.note(name, func(st *GoroutineStats) {
		st.Started++
		st.Active++
		st.LastStartAt = now
		if restart {
			st.Restarts++
		}
	})
	return now
}

func (s *Supervisor) noteStop(name string, err error) {
	s.note(name, func(st *GoroutineStats) {
		if st.Active > 0 {
			st.Active--
		}
		if err != nil {
			st.LastErr = err.Error()
		}
	})
}

func (s *Supervisor) notePanic(name string, p any) {
	s.note(name, func(st *GoroutineStats) {
		st.Panics++
		st.LastPanic = fmt.Sprint(p)
	})
}

// Go runs fn once. A panic or a non-cancellation error is recorded as the
// supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)

		s.noteStart(name, false)
		defer func() {
			if r := recover(); r != nil {
				s.notePanic(name, r)
				err := fmt.Errorf("panic in %s: %v", name, r)
				s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				s.noteStop(name, err)
				s.fail(err)
			}
		}()

		s.log.Debug("goroutine started", logx.String("name", name))
		err := fn(s.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, err)
			s.fail(err)
		} else {
			s.noteStop(name, nil)
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	maxRestarts     int // <=0 means unlimited
	stopOnCleanExit bool
	publishFirstErr bool
}

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. The first run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithPublishFirstError records the first failure as the supervisor error
// while still restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirstErr = enabled }
}

// WithStopOnCleanExit controls whether a nil return ends the loop. Default true.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(c *restartCfg) { c.stopOnCleanExit = enabled }
}

// GoRestart runs fn and restarts it on error or panic with jittered
// exponential backoff until the context is cancelled.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{
		minBackoff:      250 * time.Millisecond,
		maxBackoff:      30 * time.Second,
		stopOnCleanExit: true,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.Go0(name+".restart", func(ctx context.Context) {
		backoff := cfg.minBackoff
		restarts := 0
		for ctx.Err() == nil {
			startedAt := s.noteStart(name, restarts > 0)

			err, pan, stack := runGuarded(ctx, fn)
			if pan != nil {
				s.notePanic(name, pan)
				s.log.Error("goroutine panicked (restart)", logx.String("name", name), logx.Any("panic", pan), logx.Stack(stack))
				err = fmt.Errorf("panic: %v", pan)
			}

			// Shutdown wins over whatever fn returned.
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.noteStop(name, nil)
				return
			}
			if err == nil {
				if cfg.stopOnCleanExit {
					s.noteStop(name, nil)
					return
				}
				err = errors.New("exited")
			}

			wrapped := fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, wrapped)
			if cfg.publishFirstErr {
				s.setErr(wrapped)
			}

			restarts++
			if time.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			if cfg.maxRestarts > 0 && restarts > cfg.maxRestarts {
				s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(wrapped)
				return
			}

			wait := min(max(backoff, cfg.minBackoff), cfg.maxBackoff)
			if j := wait / 5; j > 0 {
				wait += time.Duration(time.Now().UnixNano() % int64(j+1))
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, cfg.maxBackoff)
		}
	})
}

func runGuarded(ctx context.Context, fn func(ctx context.Context) error) (err error, pan any, stack string) {
	defer func() {
		if r := recover(); r != nil {
			pan = r
			stack = string(debug.Stack())
		}
	}()
	err = fn(ctx)
	return
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	s.setErr(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}
