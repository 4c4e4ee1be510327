package link

import (
	"context"
	"testing"
	"time"

	"github.com/arloliu/go-tio/logger"
	"github.com/stretchr/testify/require"
)

func TestState_String(t *testing.T) {
	require := require.New(t)

	require.Equal("closed", StateClosed.String())
	require.Equal("connecting", StateConnecting.String())
	require.Equal("open", StateOpen.String())
	require.Equal("unknown", State(9).String())
	require.True(StateOpen.IsOpen())
	require.False(StateConnecting.IsOpen())
}

func TestStateMgr_Transitions(t *testing.T) {
	require := require.New(t)

	sm := newStateMgr(logger.NewNopMockLogger())

	var seen [][2]State
	sm.AddHandler(func(prev, next State) {
		seen = append(seen, [2]State{prev, next})
	})

	require.ErrorIs(sm.to(StateOpen), ErrInvalidTransition)
	require.NoError(sm.to(StateClosed)) // no-op
	require.NoError(sm.to(StateConnecting))
	require.NoError(sm.to(StateOpen))
	require.ErrorIs(sm.to(StateConnecting), ErrInvalidTransition)
	require.NoError(sm.to(StateClosed))
	require.NoError(sm.to(StateConnecting))
	require.NoError(sm.to(StateClosed))

	require.Equal([][2]State{
		{StateClosed, StateConnecting},
		{StateConnecting, StateOpen},
		{StateOpen, StateClosed},
		{StateClosed, StateConnecting},
		{StateConnecting, StateClosed},
	}, seen)
}

func TestStateMgr_WaitState(t *testing.T) {
	require := require.New(t)

	sm := newStateMgr(logger.NewNopMockLogger())
	require.NoError(sm.WaitState(context.Background(), StateClosed))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(sm.WaitState(ctx, StateOpen), context.DeadlineExceeded)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = sm.to(StateConnecting)
		_ = sm.to(StateOpen)
	}()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.NoError(sm.WaitState(ctx2, StateOpen))
	require.Equal(StateOpen, sm.State())
}
