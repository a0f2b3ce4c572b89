package lifecycle

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"tickd/internal/eventbus"
	"tickd/internal/metrics"
	logx "tickd/pkg/logx"
)

// System is the registry of cells, keyed by task name.
type System struct {
	sched Scheduler
	mbox  Mailbox
	log   logx.Logger
	bus   eventbus.Bus
	met   metrics.LifecycleMetrics

	mu    sync.RWMutex
	cells map[string]*Cell
}

type Option func(*System)

func WithMetrics(m metrics.LifecycleMetrics) Option {
	return func(s *System) {
		if m != nil {
			s.met = m
		}
	}
}

func NewSystem(sched Scheduler, mbox Mailbox, log logx.Logger, bus eventbus.Bus, opts ...Option) *System {
	s := &System{
		sched: sched,
		mbox:  mbox,
		log:   log,
		bus:   bus,
		met:   metrics.Nop(),
		cells: map[string]*Cell{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Spawn constructs and starts a cell. A stopped cell with the same name is
// replaced; a live one is an ErrExists.
func (s *System) Spawn(props Props) (*Cell, error) {
	props.Name = strings.TrimSpace(props.Name)
	if props.Name == "" {
		return nil, ErrNoName
	}
	if props.New == nil {
		return nil, ErrNoFactory
	}

	id := uuid.NewString()
	c := &Cell{
		id:    id,
		name:  props.Name,
		props: props,
		sched: s.sched,
		mbox:  s.mbox,
		log:   s.log.With(logx.String("cell", props.Name), logx.String("cell_id", id)),
		bus:   s.bus,
		met:   s.met,
	}
	c.ctx = &Context{cell: c}
	c.onStopped = func(*Cell) { s.met.CellsRunning(s.running()) }

	s.mu.Lock()
	if old, ok := s.cells[props.Name]; ok && old.State() != Stopped {
		s.mu.Unlock()
		return nil, ErrExists
	}
	s.cells[props.Name] = c
	s.mu.Unlock()

	if err := c.start(); err != nil {
		s.mu.Lock()
		if s.cells[props.Name] == c {
			delete(s.cells, props.Name)
		}
		s.mu.Unlock()
		return nil, err
	}
	s.met.CellsRunning(s.running())
	return c, nil
}

func (s *System) Get(name string) (*Cell, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cells[name]
	return c, ok
}

// Stop stops the named cell and removes it from the registry.
func (s *System) Stop(ctx context.Context, name string) error {
	s.mu.Lock()
	c, ok := s.cells[name]
	if ok {
		delete(s.cells, name)
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	err := c.Stop(ctx)
	s.met.CellsRunning(s.running())
	return err
}

// StopAll stops every cell and empties the registry.
func (s *System) StopAll(ctx context.Context) error {
	s.mu.Lock()
	cells := s.cells
	s.cells = map[string]*Cell{}
	s.mu.Unlock()

	var errs []error
	for _, c := range cells {
		if err := c.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.met.CellsRunning(0)
	return errors.Join(errs...)
}

func (s *System) Names() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.cells))
	for n := range s.cells {
		names = append(names, n)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (s *System) Snapshot() []CellSnapshot {
	s.mu.RLock()
	cells := make([]*Cell, 0, len(s.cells))
	for _, c := range s.cells {
		cells = append(cells, c)
	}
	s.mu.RUnlock()

	out := make([]CellSnapshot, 0, len(cells))
	for _, c := range cells {
		out = append(out, c.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *System) running() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.cells {
		if c.State() != Stopped {
			n++
		}
	}
	return n
}
