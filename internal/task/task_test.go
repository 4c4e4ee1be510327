package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arloliu/go-tio/logger"
	"github.com/stretchr/testify/require"
)

func TestManager_Start(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), logger.NewNopMockLogger())

	var runs atomic.Int32
	var cleaned atomic.Bool
	err := mgr.StartWithCleanup("counter", func() bool {
		return runs.Add(1) < 3
	}, func() { cleaned.Store(true) })
	require.NoError(err)

	require.Eventually(func() bool { return cleaned.Load() }, time.Second, 5*time.Millisecond)
	require.Equal(int32(3), runs.Load())
	mgr.Wait()
	require.Equal(0, mgr.TaskCount())
}

func TestManager_StopAndRearm(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), logger.NewNopMockLogger())

	block := func() bool {
		<-mgr.Context().Done()
		return false
	}
	require.NoError(mgr.Start("a", block))
	require.NoError(mgr.Start("b", block))
	require.Equal(2, mgr.TaskCount())

	mgr.Stop()
	mgr.Wait()
	require.Equal(0, mgr.TaskCount())

	// Wait re-arms the manager
	require.NoError(mgr.Start("c", func() bool { return false }))
	mgr.Wait()
}

func TestManager_StoppedParent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mgr := NewManager(ctx, logger.NewNopMockLogger())
	require.Error(t, mgr.Start("x", func() bool { return false }))
}

func TestManager_Panic(t *testing.T) {
	mgr := NewManager(context.Background(), logger.NewNopMockLogger())
	require.NoError(t, mgr.Start("panic", func() bool { panic("boom") }))
	mgr.Wait()
	require.Equal(t, 0, mgr.TaskCount())
}

func TestStartConsumer(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), logger.NewNopMockLogger())
	input := make(chan int)

	var sum atomic.Int32
	done := make(chan struct{})
	err := StartConsumer(mgr, "sum", input, func(v int) bool {
		sum.Add(int32(v))
		return true
	}, func() { close(done) })
	require.NoError(err)

	input <- 1
	input <- 2
	close(input)
	<-done
	require.Equal(int32(3), sum.Load())

	require.Error(StartConsumer[int](mgr, "nil", nil, nil, nil))
}

func TestManager_StartInterval(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), logger.NewNopMockLogger())

	var ticks atomic.Int32
	require.NoError(mgr.StartInterval("tick", func() bool {
		return ticks.Add(1) < 3
	}, 5*time.Millisecond))
	require.Error(mgr.StartInterval("bad", func() bool { return true }, 0))

	require.Eventually(func() bool { return ticks.Load() == 3 }, time.Second, 5*time.Millisecond)
	mgr.Stop()
	mgr.Wait()
}
