package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "tickd/pkg/logx"
)

func TestGo_PanicIsRecordedAndCancels(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithLogger(logx.Nop()), WithCancelOnError(true))
	s.Go0("boom", func(context.Context) { panic("bad") })

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context was not cancelled after panic")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "panic in boom")

	snap := s.Snapshot()
	require.Len(t, snap.Goroutines, 1)
	require.Equal(t, uint64(1), snap.Goroutines[0].Panics)
	require.Equal(t, int64(0), snap.Active)
}

func TestGo_CanceledIsClean(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestGoRestart_RestartsUntilLimit(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	s := New(context.Background(), WithLogger(logx.Nop()))
	s.GoRestart("flaky", func(context.Context) error {
		runs.Add(1)
		return errors.New("nope")
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithMaxRestarts(3))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	require.Equal(t, int32(4), runs.Load())

	var found bool
	for _, g := range s.Snapshot().Goroutines {
		if g.Name == "flaky" {
			found = true
			require.Equal(t, uint64(3), g.Restarts)
		}
	}
	require.True(t, found)
}

func TestGoRestart_RecoversPanic(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	s := New(context.Background(), WithLogger(logx.Nop()))
	s.GoRestart("panicky", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("first run")
		}
		<-ctx.Done()
		return nil
	}, WithRestartBackoff(time.Millisecond, time.Millisecond))

	require.Eventually(t, func() bool { return runs.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
