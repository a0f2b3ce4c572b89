// Package timer is tickd's scheduler core.
//
// Pending timers live in a min-heap ordered by (due time, registration
// sequence) and are serviced by a single loop goroutine. Due entries are
// popped under the lock, periodic ones are re-armed at a fixed rate, and the
// resulting Fire values are handed to a Dispatcher outside the lock. Handler
// code never runs on the loop goroutine.
//
// Cancellation is an atomic flag on the Handle. Cancel removes the entry from
// the heap eagerly; the dispatcher re-checks the flag right before delivery so
// a fire that was already popped is dropped instead of delivered.
package timer
