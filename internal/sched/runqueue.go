package sched

import (
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/lists/doublylinkedlist"
)

// Runqueue holds the runnable entities of one processor in FIFO order.
// The list stores EntityIDs; entity records live in the scheduler arena.
//
// mu guards the list, current and the remaining field of every entity
// linked here. count and totalWeight are atomics so the balancer can
// snapshot load without taking the lock; they are only written while
// mu is held, so a reader that does hold mu sees exact values.
type Runqueue struct {
	cpu int

	mu      sync.Mutex
	queue   *doublylinkedlist.List
	current EntityID

	count       atomic.Int64
	totalWeight atomic.Int64
	online      atomic.Bool
	nextBalance atomic.Int64
}

func newRunqueue(cpu int) *Runqueue {
	rq := &Runqueue{
		cpu:   cpu,
		queue: doublylinkedlist.New(),
	}
	rq.online.Store(true)
	return rq
}

// RunnableCount returns the number of queued entities. Safe without the lock.
func (rq *Runqueue) RunnableCount() int64 { return rq.count.Load() }

// TotalWeight returns the sum of queued entity weights. Safe without the lock.
func (rq *Runqueue) TotalWeight() int64 { return rq.totalWeight.Load() }

// Online reports whether the processor participates in balancing.
func (rq *Runqueue) Online() bool { return rq.online.Load() }

// linkTail appends the entity and updates the aggregate counters.
// Caller holds rq.mu.
func (rq *Runqueue) linkTail(e *Entity) {
	rq.queue.Append(e.id)
	rq.attach(e)
}

// linkHead prepends the entity and updates the aggregate counters.
// Caller holds rq.mu.
func (rq *Runqueue) linkHead(e *Entity) {
	rq.queue.Prepend(e.id)
	rq.attach(e)
}

// unlink removes the entity from the list and updates the counters.
// Caller holds rq.mu.
func (rq *Runqueue) unlink(e *Entity) {
	if idx := rq.queue.IndexOf(e.id); idx >= 0 {
		rq.queue.Remove(idx)
	}
	rq.detach(e)
}

// moveToTail repositions an already-linked entity to the back of the
// queue without touching the counters. Caller holds rq.mu.
func (rq *Runqueue) moveToTail(e *Entity) {
	if idx := rq.queue.IndexOf(e.id); idx >= 0 {
		rq.queue.Remove(idx)
		rq.queue.Append(e.id)
	}
}

// head returns the front entity id without removing it. Caller holds rq.mu.
func (rq *Runqueue) head() (EntityID, bool) {
	v, ok := rq.queue.Get(0)
	if !ok {
		return None, false
	}
	return v.(EntityID), true
}

func (rq *Runqueue) attach(e *Entity) {
	e.queued.Store(true)
	e.cpu.Store(int32(rq.cpu))
	rq.count.Add(1)
	rq.totalWeight.Add(e.Weight())
}

func (rq *Runqueue) detach(e *Entity) {
	e.queued.Store(false)
	rq.count.Add(-1)
	rq.totalWeight.Add(-e.Weight())
}
