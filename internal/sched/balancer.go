// internal/sched/balancer.go

package sched

import (
	"context"
	"sync"
	"time"
)

// ShouldBalance reports whether cpu's balance watermark has passed.
// Safe without locks.
func (s *Scheduler) ShouldBalance(cpu int) bool {
	if !s.validCPU(cpu) {
		return false
	}
	return s.now.Load() >= s.rqs[cpu].nextBalance.Load()
}

// TryBalance runs one balancing pass if any online runqueue's watermark
// has passed, and reports whether an entity was migrated. All watermarks
// are restamped at the start of the pass so concurrent callers back off.
func (s *Scheduler) TryBalance() bool {
	now := s.now.Load()
	due := false
	for _, rq := range s.rqs {
		if rq.Online() && now >= rq.nextBalance.Load() {
			due = true
			break
		}
	}
	if !due {
		return false
	}
	for _, rq := range s.rqs {
		rq.nextBalance.Store(now + s.cfg.BalancePeriod)
	}
	return s.balanceOnce()
}

// balanceOnce moves at most one entity from the most loaded online
// runqueue to the least loaded one.
func (s *Scheduler) balanceOnce() bool {
	// 1) snapshot total weights without taking any lock (the counters are
	//    atomics) and pick the busiest and idlest online queues, lowest
	//    index winning ties; bail lock-free when there is nothing to pair
	var maxRq, minRq *Runqueue
	var maxW, minW int64
	for _, rq := range s.rqs {
		if !rq.Online() {
			continue
		}
		w := rq.TotalWeight()
		if maxRq == nil || w > maxW {
			maxRq, maxW = rq, w
		}
		if minRq == nil || w < minW {
			minRq, minW = rq, w
		}
	}
	if maxRq == nil || maxRq == minRq {
		return false
	}

	// 2) lock the pair in ascending index order, arena first, and
	//    re-verify; the snapshot may be stale by now
	s.mu.RLock()
	s.lockPair(minRq, maxRq)
	maxW = maxRq.totalWeight.Load()
	minW = minRq.totalWeight.Load()
	if minW >= maxW {
		s.unlockPair(minRq, maxRq)
		s.mu.RUnlock()
		return false
	}

	// 3) scan the busiest queue front to back for the heaviest migratable
	//    entity: not the one running there, allowed on the target, and
	//    light enough that moving it cannot invert the imbalance. Ties
	//    keep the earliest in queue order.
	var victim *Entity
	it := maxRq.queue.Iterator()
	for it.Next() {
		id := it.Value().(EntityID)
		if id == maxRq.current {
			continue
		}
		e := s.entities[id]
		if e == nil {
			continue
		}
		w := e.Weight()
		if minW+w >= maxW-w {
			continue
		}
		if !e.AllowedOn(minRq.cpu) {
			continue
		}
		if victim == nil || w > victim.Weight() {
			victim = e
		}
	}
	if victim == nil {
		s.unlockPair(minRq, maxRq)
		s.mu.RUnlock()
		return false
	}

	// 4) migrate: unlink from the busiest queue, append to the idlest
	maxRq.unlink(victim)
	minRq.linkTail(victim)
	s.unlockPair(minRq, maxRq)
	s.mu.RUnlock()

	s.migrations.Add(1)
	s.dispatch.RunnableCountChanged(maxRq.cpu, -1)
	s.dispatch.RunnableCountChanged(minRq.cpu, +1)
	s.emit(EventMigrate, victim.ID(), maxRq.cpu, minRq.cpu)
	s.log.Debug("balancer migrated entity",
		"entity", victim.ID(), "weight", victim.Weight(),
		"from", maxRq.cpu, "to", minRq.cpu)
	return true
}

// lockPair acquires two distinct runqueue locks in ascending processor
// order so concurrent pair-lockers cannot deadlock.
func (s *Scheduler) lockPair(a, b *Runqueue) {
	if a.cpu < b.cpu {
		a.mu.Lock()
		b.mu.Lock()
	} else {
		b.mu.Lock()
		a.mu.Lock()
	}
}

func (s *Scheduler) unlockPair(a, b *Runqueue) {
	a.mu.Unlock()
	b.mu.Unlock()
}

// Balancer runs periodic balancing passes against a scheduler. It is
// optional; a dispatcher may instead call TryBalance from its own loop.
type Balancer struct {
	sched      *Scheduler
	interval   time.Duration
	shutdownCh chan struct{}
	stopOnce   sync.Once
}

// NewBalancer creates a balancer worker using the scheduler's configured
// wall-clock interval.
func NewBalancer(s *Scheduler) *Balancer {
	return &Balancer{
		sched:      s,
		interval:   time.Duration(s.cfg.BalanceIntervalMS) * time.Millisecond,
		shutdownCh: make(chan struct{}),
	}
}

// Start runs the balancing loop until the context is canceled or Shutdown
// is called.
func (b *Balancer) Start(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.shutdownCh:
			return nil
		case <-ticker.C:
			b.sched.TryBalance()
		}
	}
}

// Shutdown stops the balancing loop. Safe to call more than once.
func (b *Balancer) Shutdown() {
	b.stopOnce.Do(func() { close(b.shutdownCh) })
}
