package sim

import (
	"sync"

	"wrrq/internal/sched"
)

// Totals accumulates per-entity consumed ticks through the scheduler's
// accounting hook.
type Totals struct {
	mu  sync.Mutex
	ran map[sched.EntityID]int64
}

// NewTotals creates an empty accountant.
func NewTotals() *Totals {
	return &Totals{ran: make(map[sched.EntityID]int64)}
}

// ChargeTick implements sched.Accountant.
func (t *Totals) ChargeTick(id sched.EntityID, cpu int) {
	t.mu.Lock()
	t.ran[id]++
	t.mu.Unlock()
}

// RanTicks returns the ticks charged to one entity so far.
func (t *Totals) RanTicks(id sched.EntityID) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ran[id]
}

// Snapshot copies the accumulated totals.
func (t *Totals) Snapshot() map[sched.EntityID]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[sched.EntityID]int64, len(t.ran))
	for id, n := range t.ran {
		out[id] = n
	}
	return out
}
