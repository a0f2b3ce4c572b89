// Package lifecycle binds timers to supervised tasks.
//
// A Cell is one running instance of a task. Its Props.New runs exactly once
// per instance; timers scheduled there, or later through the Context, are
// owned by the cell and cancelled when it stops. A restart keeps the
// instance and its timers: the cell calls OnRestart, never OnStart, so setup
// done in OnStart cannot create a second timer chain.
//
// Two strategies cover the usual shapes:
//   - NewPeriodic: one fixed-rate timer created at construction.
//   - SelfRescheduling: OnStart issues a one-shot; every tick of that chain
//     re-arms the next one-shot before doing the work.
//
// Ticks and Tell messages for a cell share one runner key, so they are
// handled one at a time in arrival order.
package lifecycle
