// Package pool holds the sync.Pool backed allocations shared by the link, the proxy and the
// tools: timers for bounded waits and frame sized encode buffers.
package pool

import (
	"sync"
	"time"
)

var timerPool = sync.Pool{
	New: func() any {
		t := time.NewTimer(time.Hour)
		t.Stop()

		return t
	},
}

// GetTimer returns a stopped timer from the pool, reset to fire after d.
//
// The module requires go 1.23 or later, so Reset and Stop never leave a stale tick in t.C.
func GetTimer(d time.Duration) *time.Timer {
	t, _ := timerPool.Get().(*time.Timer)
	t.Reset(d)

	return t
}

// PutTimer stops t and returns it to the pool. t must not be used afterwards.
func PutTimer(t *time.Timer) {
	t.Stop()
	timerPool.Put(t)
}
