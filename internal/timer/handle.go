package timer

import (
	"sync/atomic"
	"time"
)

const (
	statePending int32 = iota
	stateCancelled
	stateDone
)

// Handle is the cancellable token returned by the Schedule calls.
// It is safe for concurrent use.
type Handle struct {
	id      string
	seq     uint64
	cadence Cadence // nil for one-shots
	payload any
	target  Target
	svc     *Service

	state atomic.Int32
	fires atomic.Uint64

	// e is the handle's heap entry while it is pending. Guarded by svc.mu.
	e *entry
}

func (h *Handle) ID() string       { return h.id }
func (h *Handle) Seq() uint64      { return h.seq }
func (h *Handle) Payload() any     { return h.payload }
func (h *Handle) Periodic() bool   { return h.cadence != nil }
func (h *Handle) Fires() uint64    { return h.fires.Load() }
func (h *Handle) Cadence() Cadence { return h.cadence }

// Cancelled reports whether Cancel succeeded on this handle.
func (h *Handle) Cancelled() bool { return h != nil && h.state.Load() == stateCancelled }

// Done reports whether the handle will never fire again, either because it
// was cancelled or because its last fire was handed off.
func (h *Handle) Done() bool { return h != nil && h.state.Load() != statePending }

// Cancel is shorthand for the owning service's Cancel.
func (h *Handle) Cancel() bool {
	if h == nil || h.svc == nil {
		return false
	}
	return h.svc.Cancel(h)
}

// NextDue returns the pending due time, or false once the handle is done.
func (h *Handle) NextDue() (time.Time, bool) {
	if h == nil || h.svc == nil {
		return time.Time{}, false
	}
	h.svc.mu.Lock()
	defer h.svc.mu.Unlock()
	if h.e == nil {
		return time.Time{}, false
	}
	return h.e.dueAt, true
}
