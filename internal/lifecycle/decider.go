package lifecycle

import (
	"sync"
	"time"
)

func AlwaysRestart(*Context, error) Directive { return Restart }
func AlwaysStop(*Context, error) Directive    { return Stop }
func AlwaysResume(*Context, error) Directive  { return Resume }

// LimitRestarts restarts a cell until it has been restarted more than n
// times within the window, then stops it. Counts are kept per cell.
func LimitRestarts(n int, within time.Duration) Decider {
	var (
		mu      sync.Mutex
		history = map[string][]time.Time{}
	)
	return func(c *Context, _ error) Directive {
		now := time.Now()
		id := ""
		if c != nil {
			id = c.ID()
		}

		mu.Lock()
		defer mu.Unlock()
		recent := history[id][:0]
		for _, at := range history[id] {
			if within <= 0 || now.Sub(at) < within {
				recent = append(recent, at)
			}
		}
		if len(recent) >= n {
			delete(history, id)
			return Stop
		}
		history[id] = append(recent, now)
		return Restart
	}
}
