// Package task manages the goroutines of link and client sessions.
package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-tio/logger"
)

// Func is one iteration of a task. It returns true to run again, false to stop the goroutine.
type Func func() bool

// CleanupFunc is called when a goroutine exits or is canceled.
type CleanupFunc func()

// Manager manages the lifecycle of goroutines (tasks).
// It provides a structured way to start, stop, and wait for goroutines, ensuring proper
// cancellation and resource cleanup.
//
// The Manager derives a context from its parent. Stop cancels it and every task loop exits at the
// next iteration; Wait blocks until all goroutines returned and re-arms the manager.
//
// Example Usage:
//
//	mgr := task.NewManager(ctx, logger)
//	_ = mgr.Start("reader", func() bool {
//	    // ... task logic ...
//	    return true // run again
//	})
//	mgr.Stop()
//	mgr.Wait()
type Manager struct {
	pctx    context.Context
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  logger.Logger
	count   atomic.Int32
	tickers sync.Map     // map[string]*time.Ticker
	mu      sync.RWMutex // protect ctx and cancel
	taskMu  sync.RWMutex // protect task creation during Wait()
}

// NewManager creates a new Manager with the given context as the parent context and logger.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	mgr := &Manager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Context returns the context canceled by Stop.
func (mgr *Manager) Context() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// Start starts a goroutine running taskFunc until it returns false or the manager stops.
func (mgr *Manager) Start(name string, taskFunc Func) error {
	return mgr.StartWithCleanup(name, taskFunc, nil)
}

// StartWithCleanup is like Start and calls cleanup when the goroutine exits.
func (mgr *Manager) StartWithCleanup(name string, taskFunc Func, cleanup CleanupFunc) error {
	mgr.logger.Debug("start task", "name", name)

	starter, err := mgr.newTaskStarter(name)
	if err != nil {
		return err
	}

	starter.startTask(func() {
		if cleanup != nil {
			defer cleanup()
		}
		mgr.runTaskLoop(name, taskFunc)
	})

	return starter.waitForStart()
}

// StartConsumer starts a goroutine calling handler for each item received from input.
// The goroutine exits when input is closed, handler returns false or the manager stops.
func StartConsumer[T any](mgr *Manager, name string, input <-chan T, handler func(T) bool, cleanup CleanupFunc) error {
	mgr.logger.Debug("start consumer task", "name", name)

	if input == nil {
		return fmt.Errorf("input channel is nil")
	}

	starter, err := mgr.newTaskStarter(name)
	if err != nil {
		return err
	}

	starter.startTask(func() {
		if cleanup != nil {
			defer cleanup()
		}

		ctx := mgr.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case item, ok := <-input:
				if !ok {
					mgr.logger.Debug("input channel closed", "name", name)
					return
				}
				if !mgr.callWithRecover(name, func() bool { return handler(item) }) {
					return
				}
			}
		}
	})

	return starter.waitForStart()
}

// StartInterval starts a goroutine that executes taskFunc at the given interval.
func (mgr *Manager) StartInterval(name string, taskFunc Func, interval time.Duration) error {
	mgr.logger.Debug("start interval task", "name", name, "interval", interval)

	if interval <= 0 {
		return fmt.Errorf("invalid interval: %v", interval)
	}

	ticker := time.NewTicker(interval)
	if _, loaded := mgr.tickers.LoadOrStore(name, ticker); loaded {
		ticker.Stop()
		return fmt.Errorf("interval task %s already exists", name)
	}

	cleanup := func() {
		ticker.Stop()
		mgr.tickers.Delete(name)
	}

	starter, err := mgr.newTaskStarter(name)
	if err != nil {
		cleanup()
		return err
	}

	starter.startTask(func() {
		defer cleanup()

		ctx := mgr.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !mgr.callWithRecover(name, taskFunc) {
					return
				}
			}
		}
	})

	if err := starter.waitForStart(); err != nil {
		cleanup()
		return err
	}

	return nil
}

// callWithRecover calls a function that returns bool with panic protection.
func (mgr *Manager) callWithRecover(name string, fn func() bool) bool {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
		}
	}()

	return fn()
}

// Stop signals all running goroutines.
func (mgr *Manager) Stop() {
	mgr.tickers.Range(func(_, value any) bool {
		if ticker, ok := value.(*time.Ticker); ok {
			ticker.Stop()
		}

		return true
	})

	mgr.mu.Lock()
	if mgr.cancel != nil {
		mgr.cancel()
	}
	mgr.mu.Unlock()
}

// Wait waits for all goroutines to terminate, then re-arms the manager for new tasks.
func (mgr *Manager) Wait() {
	mgr.taskMu.Lock()
	defer mgr.taskMu.Unlock()

	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// TaskCount returns the number of currently running goroutines.
func (mgr *Manager) TaskCount() int {
	return int(mgr.count.Load())
}

// taskStarter encapsulates common startup logic
type taskStarter struct {
	mgr     *Manager
	name    string
	started chan struct{}
}

func (mgr *Manager) newTaskStarter(name string) (*taskStarter, error) {
	select {
	case <-mgr.Context().Done():
		return nil, fmt.Errorf("task manager already stopped")
	default:
	}

	return &taskStarter{
		mgr:     mgr,
		name:    name,
		started: make(chan struct{}),
	}, nil
}

func (s *taskStarter) startTask(taskBody func()) {
	s.mgr.taskMu.RLock()
	defer s.mgr.taskMu.RUnlock()

	s.mgr.wg.Add(1)
	s.mgr.count.Add(1)

	go func() {
		defer s.mgr.wg.Done()
		defer func() {
			s.mgr.count.Add(-1)
			s.mgr.logger.Debug("task terminated", "name", s.name, "task_count", s.mgr.TaskCount())
		}()

		close(s.started)
		taskBody()
	}()
}

// waitForStart waits for the goroutine to be scheduled.
func (s *taskStarter) waitForStart() error {
	select {
	case <-s.started:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for %s to start", s.name)
	}
}

// runTaskLoop runs a task function in a loop with context cancellation.
func (mgr *Manager) runTaskLoop(name string, taskFunc Func) {
	ctx := mgr.Context()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			if !mgr.callWithRecover(name, taskFunc) {
				return
			}
		}
	}
}
