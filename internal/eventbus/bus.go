package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by tickd components.
const (
	TimerDispatchFailed = "timer.dispatch_failed"
	TimerLate           = "timer.late"

	TaskStarted  = "task.started"
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"
	TaskSkipped  = "task.skipped"
	TaskDropped  = "task.dropped"

	LifecycleStarted    = "lifecycle.started"
	LifecycleRestarted  = "lifecycle.restarted"
	LifecycleStopped    = "lifecycle.stopped"
	LifecycleFailed     = "lifecycle.failed"
	LifecycleDeadLetter = "lifecycle.dead_letter"

	ConfigReloaded = "config.reloaded"
)

// Event is a small in-memory signal.
//
// Publish never blocks; subscribers that fall behind lose events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fan-out bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Emit publishes on b when b is non-nil.
func Emit(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			// Removal and close happen under the write lock, so no
			// Publish can be mid-send on ch.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}
