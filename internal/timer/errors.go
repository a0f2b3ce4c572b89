package timer

import "errors"

var (
	ErrInvalidDelay    = errors.New("timer: negative delay")
	ErrInvalidInterval = errors.New("timer: negative interval")
	ErrInvalidCadence  = errors.New("timer: invalid cadence")
	ErrNilTarget       = errors.New("timer: nil target")
	ErrStopped         = errors.New("timer: service stopped")
)
