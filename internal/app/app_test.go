package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tickd/internal/config"
	"tickd/internal/eventbus"
	"tickd/internal/lifecycle"
	"tickd/internal/task/engine"
)

func TestDeciderFor(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("boom")
	require.Equal(t, lifecycle.Stop, deciderFor(config.SupervisorConfig{Directive: "stop"}, time.Minute)(nil, errBoom))
	require.Equal(t, lifecycle.Resume, deciderFor(config.SupervisorConfig{Directive: "Resume"}, time.Minute)(nil, errBoom))
	require.Equal(t, lifecycle.Restart, deciderFor(config.SupervisorConfig{}, time.Minute)(nil, errBoom))

	limited := deciderFor(config.SupervisorConfig{Directive: "restart", MaxRestarts: 1}, time.Minute)
	require.Equal(t, lifecycle.Restart, limited(nil, errBoom))
	require.Equal(t, lifecycle.Stop, limited(nil, errBoom))
}

func TestBuildProps_RejectsUnknownStrategy(t *testing.T) {
	t.Parallel()

	_, err := buildProps(config.TaskConfig{Name: "x", Strategy: "bogus", Interval: "1s"})
	require.ErrorContains(t, err, "unknown strategy")

	_, err = buildProps(config.TaskConfig{Name: "x", Schedule: "cron:bogus"})
	require.Error(t, err)

	p, err := buildProps(config.TaskConfig{Name: " spaced ", Interval: "1s"})
	require.NoError(t, err)
	require.Equal(t, "spaced", p.Name)
	require.NotNil(t, p.New)
	require.NotNil(t, p.Decider)
}

func TestAuditEntry(t *testing.T) {
	t.Parallel()

	at := time.Now()
	e, ok := auditEntry(eventbus.Event{
		Type: eventbus.LifecycleRestarted,
		Time: at,
		Data: lifecycle.Event{ID: "c1", Name: "hb", State: "running", Reason: "boom", Restarts: 2},
	})
	require.True(t, ok)
	require.Equal(t, "restarted", e.Event)
	require.Equal(t, "hb", e.Task)
	require.Equal(t, uint64(2), e.Attempts)
	require.Equal(t, at, e.At)

	_, ok = auditEntry(eventbus.Event{Type: eventbus.LifecycleDeadLetter, Data: lifecycle.Event{}})
	require.False(t, ok)

	_, ok = auditEntry(eventbus.Event{Type: eventbus.TaskFailed, Data: engine.TaskEvent{Key: "cell/abc", Name: "hb"}})
	require.False(t, ok, "cell failures come from lifecycle events")

	e, ok = auditEntry(eventbus.Event{Type: eventbus.TaskFailed, Data: engine.TaskEvent{ID: "t1", Key: "h1", Name: "timer", Error: "x"}})
	require.True(t, ok)
	require.Equal(t, "task_failed", e.Event)

	_, ok = auditEntry(eventbus.Event{Type: eventbus.TaskFinished, Data: engine.TaskEvent{}})
	require.False(t, ok)
}

const appYAML = `
logging:
  level: error
  console: true
engine:
  workers: 2
storage:
  driver: file
  path: %DIR%/tickd.db
metrics:
  enabled: true
  addr: 127.0.0.1:0
  pprof: true
tasks:
  - name: fast
    initial_delay: 10ms
    interval: 20ms
    fail_every: 2
  - name: once-an-hour
    strategy: reschedule
    initial_delay: 1h
    interval: 1h
  - name: poller
    strategy: reschedule
    initial_delay: 5ms
    interval: 5ms
`

func newTestApp(t *testing.T) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tickd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.ReplaceAll(appYAML, "%DIR%", dir)), 0o600))

	a, err := NewApp(path)
	require.NoError(t, err)
	return a, dir
}

func TestApp_RunReloadStop(t *testing.T) {
	a, dir := newTestApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	require.Equal(t, []string{"fast", "once-an-hour", "poller"}, a.Cells().Names())

	// fail_every=2 restarts the fast cell on every second tick.
	fast, ok := a.Cells().Get("fast")
	require.True(t, ok)
	require.Eventually(t, func() bool { return fast.Restarts() >= 2 }, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, lifecycle.Running, fast.State())
	require.Len(t, fast.Context().Owned(), 1)

	resp, err := http.Get("http://" + a.MetricsAddr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Contains(t, string(body), "tickd_timers_fired_total")
	require.Contains(t, string(body), "tickd_lifecycle_transitions_total")

	resp, err = http.Get("http://" + a.MetricsAddr() + "/debug/pprof/cmdline")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	poller, ok := a.Cells().Get("poller")
	require.True(t, ok)

	// Reload: drop "fast", change one task, keep "poller", add a new one,
	// and resize the engine under the running cells.
	prev := a.cfgm.Get()
	next := *prev
	next.Engine.Workers = 3
	next.Engine.QueueSize = 8
	next.Tasks = []config.TaskConfig{
		{Name: "once-an-hour", Strategy: "reschedule", InitialDelay: "2h", Interval: "1h"},
		{Name: "nightly", Schedule: "cron:0 3 * * *"},
		prev.Tasks[2],
	}
	oldCell, _ := a.Cells().Get("once-an-hour")
	a.applyConfig(ctx, prev, &next)

	require.Equal(t, []string{"nightly", "once-an-hour", "poller"}, a.Cells().Names())
	require.Equal(t, lifecycle.Stopped, fast.State())
	newCell, _ := a.Cells().Get("once-an-hour")
	require.NotEqual(t, oldCell.ID(), newCell.ID())
	require.Equal(t, lifecycle.Stopped, oldCell.State())
	require.Len(t, newCell.Context().Owned(), 1)
	nightly, _ := a.Cells().Get("nightly")
	require.Len(t, nightly.Context().Owned(), 1)

	// The unchanged poller keeps its cell and its chain across the resize.
	require.Equal(t, 3, a.Engine().Snapshot().Workers)
	same, _ := a.Cells().Get("poller")
	require.Equal(t, poller.ID(), same.ID())
	before := received(a, "poller")
	require.Eventually(t, func() bool { return received(a, "poller") >= before+5 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, lifecycle.Running, poller.State())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	require.Equal(t, 0, a.Timers().Pending())

	// The journal holds the run's transitions.
	data, err := os.ReadFile(filepath.Join(dir, "tickd.audit.jsonl"))
	require.NoError(t, err)
	journal := string(data)
	require.Contains(t, journal, `"event":"started"`)
	require.Contains(t, journal, `"event":"failed"`)
	require.Contains(t, journal, `"event":"restarted"`)
	require.Contains(t, journal, `"task":"nightly"`)
	require.Contains(t, journal, `"event":"stopped"`)
}

func TestApp_InvalidConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tickd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tasks:\n  - name: a\n    strategy: bogus\n    interval: 1s\n"), 0o600))
	_, err := NewApp(path)
	require.ErrorContains(t, err, "unknown strategy")
}

func received(a *App, name string) uint64 {
	for _, c := range a.Cells().Snapshot() {
		if c.Name == name {
			return c.Received
		}
	}
	return 0
}
