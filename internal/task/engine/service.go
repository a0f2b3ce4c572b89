package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tickd/internal/eventbus"
	"tickd/internal/metrics"
	rtsup "tickd/internal/runtime/supervisor"
	"tickd/internal/timer"
	logx "tickd/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	met metrics.RunnerMetrics

	// Per-key mailboxes. A mailbox is in ready, or held by a worker, exactly
	// when its scheduled flag is set.
	boxes  map[string]*mailbox
	ready  []*mailbox
	queued int
	wake   chan struct{}

	workers   []chan struct{} // quit channel per live worker
	workerSeq int

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	hmu     sync.Mutex
	history []HistoryItem

	idSeq    atomic.Uint64
	inFlight atomic.Int32

	completed atomic.Uint64
	failed    atomic.Uint64
	panics    atomic.Uint64
	skipped   atomic.Uint64
	dropped   atomic.Uint64
	coalesced atomic.Uint64

	failLimiter *rate.Limiter
	fullLimiter *rate.Limiter
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	// fire is set for timer fires; they do not count against QueueSize.
	fire *timer.Handle
}

type mailbox struct {
	key       string
	tasks     []queuedTask
	msgs      int
	fires     map[*timer.Handle]struct{}
	scheduled bool
	// space is closed when a task leaves the mailbox; blocked submitters
	// wait on it.
	space chan struct{}
}

type Option func(*Service)

func WithMetrics(m metrics.RunnerMetrics) Option {
	return func(s *Service) {
		if m != nil {
			s.met = m
		}
	}
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	s := &Service{
		cfg:         cfg.withDefaults(),
		log:         log,
		bus:         bus,
		met:         metrics.Nop(),
		boxes:       map[string]*mailbox{},
		wake:        make(chan struct{}, 1),
		failLimiter: rate.NewLimiter(rate.Every(warnThrottleEvery), 3),
		fullLimiter: rate.NewLimiter(rate.Every(warnThrottleEvery), 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Supervisor returns the worker supervisor, or nil when not running.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Apply swaps the config in place. Queued work is kept: a Workers change
// starts or retires workers, and QueueSize only affects admission. Enabled
// cannot change while the engine runs.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopCh == nil || s.stopDone != nil {
		s.cfg = cfg
		return
	}
	cfg.Enabled = s.cfg.Enabled
	prev := s.cfg
	s.cfg = cfg

	for len(s.workers) < cfg.Workers {
		s.startWorkerLocked()
	}
	for len(s.workers) > cfg.Workers {
		last := len(s.workers) - 1
		close(s.workers[last])
		s.workers = s.workers[:last]
	}
	// Blocked submitters re-check against the new QueueSize.
	for _, b := range s.boxes {
		b.release()
	}
	if prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize {
		s.log.Info("task engine resized", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize), logx.Int("queued", s.queued))
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}

	// Start is idempotent; a Stop in progress is waited for first.
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.boxes = map[string]*mailbox{}
	s.ready = nil
	s.queued = 0
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// A failing worker must not take the process down.
		rtsup.WithCancelOnError(false),
	)
	for len(s.workers) < cfg.Workers {
		s.startWorkerLocked()
	}
	s.mu.Unlock()

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

func (s *Service) startWorkerLocked() {
	quit := make(chan struct{})
	s.workers = append(s.workers, quit)
	idx := s.workerSeq
	s.workerSeq++
	stopCh := s.stopCh

	s.sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
		s.worker(c, stopCh, quit, idx)
		select {
		case <-stopCh:
			return context.Canceled
		case <-quit:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("worker exited unexpectedly")
	},
		rtsup.WithPublishFirstError(true),
	)
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	sup.Cancel()

	go func() {
		// Wait unbounded in the background; the caller may still time out.
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		if s.queued > 0 {
			s.dropped.Add(uint64(s.queued))
		}
		s.boxes = map[string]*mailbox{}
		s.ready = nil
		s.queued = 0
		s.workers = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		s.met.QueueDepth(0)
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Dispatch queues a timer fire on the mailbox of the fire's key. It never
// waits on handler execution: while a fire of the same handle is still
// queued, later fires of that handle are merged into it.
func (s *Service) Dispatch(ctx context.Context, f timer.Fire) error {
	t := Task{
		Name: fireName(f),
		Key:  f.Key(),
		Run: func(ctx context.Context) error {
			_, err := f.Deliver(ctx)
			return err
		},
	}
	if f.Handle == nil {
		return s.enqueue(ctx, t, nil, false)
	}
	t.ID = f.Handle.ID()
	t.Skip = f.Handle.Cancelled
	return s.enqueue(ctx, t, f.Handle, false)
}

// Post submits fn to the mailbox of key, blocking while it is full.
func (s *Service) Post(ctx context.Context, key, name string, fn func(ctx context.Context) error) error {
	return s.Submit(ctx, Task{Key: key, Name: name, Run: fn})
}

// Enqueue adds a task without blocking. A full mailbox drops it with ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, nil, false)
}

// Submit adds a task, blocking until its mailbox has room, ctx is done, or
// the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, nil, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, fire *timer.Handle, block bool) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("task Name is required")
	}
	if strings.TrimSpace(t.Key) == "" {
		t.Key = t.Name
	}

	now := time.Now()
	if t.ID == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	for {
		s.mu.Lock()
		cfg := s.cfg
		if !cfg.Enabled {
			s.mu.Unlock()
			return ErrDisabled
		}
		if s.stopCh == nil {
			s.mu.Unlock()
			return ErrStopped
		}
		if s.stopDone != nil {
			s.mu.Unlock()
			return ErrStopping
		}

		b := s.boxes[t.Key]
		if b == nil {
			b = &mailbox{key: t.Key}
			s.boxes[t.Key] = b
		}

		switch {
		case fire != nil:
			if _, queued := b.fires[fire]; queued {
				s.mu.Unlock()
				s.onCoalesced(t)
				return nil
			}
			if b.fires == nil {
				b.fires = map[*timer.Handle]struct{}{}
			}
			b.fires[fire] = struct{}{}
		case b.msgs >= cfg.QueueSize:
			if !block {
				s.mu.Unlock()
				s.onQueueFull(t, cfg.QueueSize)
				return ErrQueueFull
			}
			if b.space == nil {
				b.space = make(chan struct{})
			}
			space, stopCh := b.space, s.stopCh
			s.mu.Unlock()
			select {
			case <-space:
				continue
			case <-ctx.Done():
				return ctx.Err()
			case <-stopCh:
				return ErrStopping
			}
		default:
			b.msgs++
		}

		timeout := t.Timeout
		if timeout <= 0 {
			timeout = cfg.DefaultTimeout
		}
		b.tasks = append(b.tasks, queuedTask{task: t, enqueuedAt: now, timeout: timeout, fire: fire})
		s.queued++
		depth := s.queued
		if !b.scheduled {
			b.scheduled = true
			s.ready = append(s.ready, b)
			s.signal()
		}
		s.mu.Unlock()

		s.met.QueueDepth(depth)
		return nil
	}
}

// next takes the head task of the first ready mailbox. The mailbox stays
// scheduled until finish, so its key runs on one worker at a time.
func (s *Service) next() (*mailbox, queuedTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ready) == 0 {
		return nil, queuedTask{}, false
	}
	b := s.ready[0]
	s.ready[0] = nil
	s.ready = s.ready[1:]
	if len(s.ready) > 0 {
		s.signal()
	}

	qt := b.tasks[0]
	b.tasks[0] = queuedTask{}
	b.tasks = b.tasks[1:]
	if qt.fire != nil {
		delete(b.fires, qt.fire)
	} else {
		b.msgs--
	}
	b.release()
	s.queued--
	s.met.QueueDepth(s.queued)
	return b, qt, true
}

// finish puts b back at the tail of the ready list, or forgets it when empty.
func (s *Service) finish(b *mailbox) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(b.tasks) > 0 {
		s.ready = append(s.ready, b)
		s.signal()
		return
	}
	b.scheduled = false
	if s.boxes[b.key] == b {
		delete(s.boxes, b.key)
	}
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (b *mailbox) release() {
	if b.space != nil {
		close(b.space)
		b.space = nil
	}
}

func (s *Service) onQueueFull(t Task, capacity int) {
	s.dropped.Add(1)
	eventbus.Emit(s.bus, eventbus.TaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Key: t.Key, Started: time.Now(), Error: "queue_full"})
	if s.fullLimiter.Allow() {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.String("key", t.Key),
			logx.Int("queue_cap", capacity),
			logx.Uint64("dropped", s.dropped.Load()),
		)
	}
}

func (s *Service) onCoalesced(t Task) {
	n := s.coalesced.Add(1)
	eventbus.Emit(s.bus, eventbus.TaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Key: t.Key, Started: time.Now(), Error: "coalesced"})
	s.log.Trace("fire merged into queued fire", logx.String("task", t.Name), logx.String("id", t.ID), logx.Uint64("coalesced", n))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	snap := Snapshot{
		Enabled:        cfg.Enabled,
		Running:        s.stopCh != nil && s.stopDone == nil,
		Workers:        len(s.workers),
		QueueSize:      cfg.QueueSize,
		QueueLen:       s.queued,
		Mailboxes:      len(s.boxes),
		DefaultTimeout: cfg.DefaultTimeout,
	}
	s.mu.Unlock()

	snap.InFlight = int(s.inFlight.Load())
	snap.Completed = s.completed.Load()
	snap.Failed = s.failed.Load()
	snap.Panics = s.panics.Load()
	snap.Skipped = s.skipped.Load()
	snap.Dropped = s.dropped.Load()
	snap.Coalesced = s.coalesced.Load()

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func fireName(f timer.Fire) string {
	if n, ok := f.Target.(interface{ Name() string }); ok {
		if name := strings.TrimSpace(n.Name()); name != "" {
			return name
		}
	}
	return "timer"
}
