// internal/sched/tickclock.go

package sched

import (
	"sync"
	"sync/atomic"
	"time"
)

// TickClock turns wall-clock time into a stream of tick signals for a
// driving loop. The core itself never reads wall time; it only counts the
// Tick calls the consumer makes.
type TickClock struct {
	C        chan struct{}
	interval time.Duration
	count    atomic.Int64
	stop     chan struct{}
	stopOnce sync.Once
}

// NewTickClock creates a stopped clock with the given period.
func NewTickClock(interval time.Duration, buffer int) *TickClock {
	if buffer < 1 {
		buffer = 1
	}
	return &TickClock{
		C:        make(chan struct{}, buffer),
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start begins emitting ticks. Ticks the consumer does not drain in time
// are dropped rather than queued, so a slow consumer cannot wedge the
// clock goroutine.
func (c *TickClock) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.count.Add(1)
				select {
				case c.C <- struct{}{}:
				default:
				}
			case <-c.stop:
				close(c.C)
				return
			}
		}
	}()
}

// Stop halts the clock and closes C. Safe to call more than once.
func (c *TickClock) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Count returns how many ticks have been emitted so far.
func (c *TickClock) Count() int64 {
	return c.count.Load()
}
