package link

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-tio/logger"
)

// ErrInvalidTransition is returned when a state change is not allowed by the link state machine.
var ErrInvalidTransition = errors.New("invalid link state transition")

// State is the state of the device link.
type State uint32

// Link states. The supervisor drives Closed → Connecting → Open → Closed.
const (
	// StateClosed indicates that no transport is open.
	StateClosed State = iota
	// StateConnecting indicates that the supervisor is opening the transport.
	StateConnecting
	// StateOpen indicates that the transport is open and the reader and writer are running.
	StateOpen
)

// IsOpen returns if the link is open.
func (s State) IsOpen() bool { return s == StateOpen }

// String returns string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// StateChangeHandler is invoked on every link state change.
//
// Note: handlers are invoked synchronously by the supervisor, in registration order. Take care with
// long-running implementations; the next transition waits for them.
type StateChangeHandler func(prevState State, newState State)

// stateMgr holds the link state and notifies handlers and waiters of changes.
type stateMgr struct {
	mu       sync.Mutex
	cond     *sync.Cond
	state    atomic.Uint32
	logger   logger.Logger
	handlers []StateChangeHandler
}

func newStateMgr(l logger.Logger) *stateMgr {
	sm := &stateMgr{logger: l}
	sm.cond = sync.NewCond(&sm.mu)
	sm.state.Store(uint32(StateClosed))

	return sm
}

// State returns the current link state.
func (sm *stateMgr) State() State {
	return State(sm.state.Load())
}

// AddHandler adds handlers invoked on state changes.
func (sm *stateMgr) AddHandler(handlers ...StateChangeHandler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.handlers = append(sm.handlers, handlers...)
}

// WaitState waits until the link reaches state or ctx is done.
func (sm *stateMgr) WaitState(ctx context.Context, state State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.State() == state {
		return nil
	}

	stop := context.AfterFunc(ctx, func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		sm.cond.Broadcast()
	})
	defer stop()

	for sm.State() != state {
		if err := ctx.Err(); err != nil {
			return err
		}
		sm.cond.Wait()
	}

	return nil
}

// to moves the link to state. A transition to the current state is a no-op.
func (sm *stateMgr) to(state State) error {
	sm.mu.Lock()

	prev := sm.State()
	if prev == state {
		sm.mu.Unlock()
		return nil
	}
	if !validTransition(prev, state) {
		sm.mu.Unlock()
		return ErrInvalidTransition
	}

	sm.state.Store(uint32(state))
	sm.cond.Broadcast()
	handlers := make([]StateChangeHandler, len(sm.handlers))
	copy(handlers, sm.handlers)
	sm.mu.Unlock()

	sm.logger.Debug("link state changed", "prev", prev, "state", state)
	for _, h := range handlers {
		h(prev, state)
	}

	return nil
}

func validTransition(from, to State) bool {
	switch from {
	case StateClosed:
		return to == StateConnecting
	case StateConnecting:
		return to == StateOpen || to == StateClosed
	case StateOpen:
		return to == StateClosed
	default:
		return false
	}
}
