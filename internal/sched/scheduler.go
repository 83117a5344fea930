// internal/sched/scheduler.go

package sched

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Dispatcher is the execution layer driving the scheduler. The core never
// runs anything itself; it signals the dispatcher and the dispatcher calls
// back into PickNext when it honors the request.
//
// The dispatcher must serialize operations on a single entity (an entity is
// not enqueued concurrently with its own dequeue, and so on). Operations on
// different entities and different processors may run concurrently.
type Dispatcher interface {
	// RequestReschedule tells the dispatcher the entity running on cpu
	// should be preempted at the next opportunity.
	RequestReschedule(cpu int)

	// RunnableCountChanged reports that cpu gained (+1) or lost (-1) a
	// runnable entity. Useful for idle/wake bookkeeping.
	RunnableCountChanged(cpu int, delta int)
}

// Accountant is an optional hook charging consumed ticks to entities,
// e.g. for runtime statistics. It is invoked before slice accounting on
// every non-idle tick.
type Accountant interface {
	ChargeTick(id EntityID, cpu int)
}

// Scheduler is a weighted round-robin decision core over a fixed set of
// per-processor runqueues. Entities receive weight * BaseQuantum ticks per
// turn and rotate to the tail of their queue when the slice expires.
//
// Lock order: the arena lock (mu) is always acquired before any runqueue
// lock, and runqueue locks among themselves in ascending processor index.
// Callbacks and event emission happen after all locks are released.
type Scheduler struct {
	cfg      Config
	log      *slog.Logger
	dispatch Dispatcher
	account  Accountant

	mu       sync.RWMutex // arena lock; protects the entities map
	entities map[EntityID]*Entity

	rqs []*Runqueue

	now        atomic.Int64 // tick events observed so far
	migrations atomic.Int64
	dropped    atomic.Int64
	events     chan Event
}

// Option configures optional scheduler collaborators.
type Option func(*Scheduler)

// WithLogger replaces the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithAccountant attaches a per-tick accounting hook.
func WithAccountant(a Accountant) Option {
	return func(s *Scheduler) { s.account = a }
}

// WithEvents attaches a buffered event stream. Events that would overflow
// the buffer are counted in DroppedEvents instead of blocking.
func WithEvents(buffer int) Option {
	return func(s *Scheduler) {
		if buffer < 1 {
			buffer = 1
		}
		s.events = make(chan Event, buffer)
	}
}

// New creates a scheduler with one runqueue per processor.
func New(cfg Config, processors int, d Dispatcher, opts ...Option) (*Scheduler, error) {
	if processors < 1 {
		return nil, fmt.Errorf("need at least one processor, got %d", processors)
	}
	if d == nil {
		return nil, fmt.Errorf("dispatcher must not be nil")
	}
	if cfg.BaseQuantum <= 0 {
		cfg.BaseQuantum = defaultConfig().BaseQuantum
	}
	if cfg.BalancePeriod <= 0 {
		cfg.BalancePeriod = defaultConfig().BalancePeriod
	}

	s := &Scheduler{
		cfg:      cfg,
		log:      slog.Default(),
		dispatch: d,
		entities: make(map[EntityID]*Entity),
		rqs:      make([]*Runqueue, processors),
	}
	for i := range s.rqs {
		s.rqs[i] = newRunqueue(i)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Events exposes the read-only event stream attached via WithEvents.
// It is nil when no stream was attached.
func (s *Scheduler) Events() <-chan Event { return s.events }

// Processors returns the number of runqueues.
func (s *Scheduler) Processors() int { return len(s.rqs) }

// Now returns the number of tick events the scheduler has seen.
func (s *Scheduler) Now() int64 { return s.now.Load() }

// Migrations returns the number of entities moved by the balancer.
func (s *Scheduler) Migrations() int64 { return s.migrations.Load() }

// DroppedEvents returns how many events were discarded on a full buffer.
func (s *Scheduler) DroppedEvents() int64 { return s.dropped.Load() }

// Register adds an entity to the arena without queueing it. The entity
// starts with a full time slice of weight * BaseQuantum ticks. When allowed
// is non-empty it restricts which processors may host the entity; empty
// means all of them.
func (s *Scheduler) Register(id EntityID, weight int64, allowed ...int) error {
	if id == None {
		return fmt.Errorf("entity id 0 is reserved")
	}
	if weight <= 0 {
		return fmt.Errorf("weight must be positive, got %d", weight)
	}
	for _, cpu := range allowed {
		if !s.validCPU(cpu) {
			return fmt.Errorf("no such processor %d", cpu)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.entities[id]; dup {
		return fmt.Errorf("entity %d already registered", id)
	}
	e := newEntity(id, weight, allowed)
	e.remaining = weight * s.cfg.BaseQuantum
	if len(allowed) > 0 {
		e.cpu.Store(int32(allowed[0]))
	}
	s.entities[id] = e
	return nil
}

// Unregister removes an entity from the arena. A still-queued entity is
// force-dequeued first; that indicates a dispatcher bug, so it is logged.
func (s *Scheduler) Unregister(id EntityID) error {
	s.mu.Lock()
	e := s.entities[id]
	if e == nil {
		s.mu.Unlock()
		return fmt.Errorf("no such entity %d", id)
	}

	rq := s.owningRq(e)
	wasQueued := e.queued.Load()
	cpu := rq.cpu
	if wasQueued {
		rq.unlink(e)
		if rq.current == id {
			rq.current = None
		}
	}
	rq.mu.Unlock()
	delete(s.entities, id)
	s.mu.Unlock()

	if wasQueued {
		s.log.Warn("unregistered entity was still queued", "entity", id, "cpu", cpu)
		s.dispatch.RunnableCountChanged(cpu, -1)
		s.emit(EventDequeue, id, cpu, -1)
	}
	return nil
}

// Enqueue links the entity into cpu's runqueue, at the head when atHead is
// set (wakeup preemption) and at the tail otherwise. Enqueueing an entity
// that is already queued, or an unknown one, is a contract violation and
// degrades to a logged no-op.
func (s *Scheduler) Enqueue(cpu int, id EntityID, atHead bool) {
	if !s.validCPU(cpu) {
		s.log.Warn("enqueue ignored: no such processor", "cpu", cpu, "entity", id)
		return
	}

	s.mu.RLock()
	e := s.entities[id]
	if e == nil {
		s.mu.RUnlock()
		s.log.Warn("enqueue ignored: unknown entity", "cpu", cpu, "entity", id)
		return
	}

	rq := s.rqs[cpu]
	rq.mu.Lock()
	if e.queued.Load() {
		rq.mu.Unlock()
		s.mu.RUnlock()
		s.log.Warn("enqueue ignored: entity already queued", "cpu", cpu, "entity", id)
		return
	}
	if atHead {
		rq.linkHead(e)
	} else {
		rq.linkTail(e)
	}
	rq.mu.Unlock()
	s.mu.RUnlock() // NOTE: release locks before the callback and event send

	s.dispatch.RunnableCountChanged(cpu, +1)
	s.emit(EventEnqueue, id, cpu, -1)
}

// Dequeue unlinks the entity from cpu's runqueue, e.g. because it blocked
// or exited. The entity stays registered and keeps its remaining slice.
func (s *Scheduler) Dequeue(cpu int, id EntityID) {
	if !s.validCPU(cpu) {
		s.log.Warn("dequeue ignored: no such processor", "cpu", cpu, "entity", id)
		return
	}

	s.mu.RLock()
	e := s.entities[id]
	if e == nil {
		s.mu.RUnlock()
		s.log.Warn("dequeue ignored: unknown entity", "cpu", cpu, "entity", id)
		return
	}

	rq := s.rqs[cpu]
	rq.mu.Lock()
	if !e.queued.Load() || e.cpu.Load() != int32(cpu) {
		rq.mu.Unlock()
		s.mu.RUnlock()
		s.log.Warn("dequeue ignored: entity not queued here", "cpu", cpu, "entity", id)
		return
	}
	rq.unlink(e)
	if rq.current == id {
		rq.current = None
	}
	rq.mu.Unlock()
	s.mu.RUnlock()

	s.dispatch.RunnableCountChanged(cpu, -1)
	s.emit(EventDequeue, id, cpu, -1)
}

// RequeueToTail moves a queued entity to the back of its processor's queue
// without changing any counters.
func (s *Scheduler) RequeueToTail(cpu int, id EntityID) {
	if !s.validCPU(cpu) {
		s.log.Warn("requeue ignored: no such processor", "cpu", cpu, "entity", id)
		return
	}

	s.mu.RLock()
	e := s.entities[id]
	if e == nil {
		s.mu.RUnlock()
		s.log.Warn("requeue ignored: unknown entity", "cpu", cpu, "entity", id)
		return
	}

	rq := s.rqs[cpu]
	rq.mu.Lock()
	if !e.queued.Load() || e.cpu.Load() != int32(cpu) {
		rq.mu.Unlock()
		s.mu.RUnlock()
		s.log.Warn("requeue ignored: entity not queued here", "cpu", cpu, "entity", id)
		return
	}
	rq.moveToTail(e)
	rq.mu.Unlock()
	s.mu.RUnlock()
}

// YieldCurrent rotates the running entity to the tail of cpu's queue. The
// entity keeps its remaining slice and resumes with it next time it is
// picked. Without a current entity this is a no-op.
func (s *Scheduler) YieldCurrent(cpu int) {
	if !s.validCPU(cpu) {
		s.log.Warn("yield ignored: no such processor", "cpu", cpu)
		return
	}

	s.mu.RLock()
	rq := s.rqs[cpu]
	rq.mu.Lock()
	id := rq.current
	if id == None {
		rq.mu.Unlock()
		s.mu.RUnlock()
		return
	}
	e := s.entities[id]
	if e == nil {
		// stale current from an unregistered entity
		rq.current = None
		rq.mu.Unlock()
		s.mu.RUnlock()
		return
	}
	rq.moveToTail(e)
	rq.mu.Unlock()
	s.mu.RUnlock()

	s.emit(EventYield, id, cpu, -1)
}

// PickNext returns the entity at the head of cpu's queue without removing
// it, and records it as the queue's current entity. The second return is
// false when the queue is empty.
func (s *Scheduler) PickNext(cpu int) (EntityID, bool) {
	if !s.validCPU(cpu) {
		return None, false
	}

	rq := s.rqs[cpu]
	rq.mu.Lock()
	id, ok := rq.head()
	if !ok {
		rq.current = None
		rq.mu.Unlock()
		return None, false
	}
	rq.current = id
	rq.mu.Unlock()
	return id, true
}

// Tick advances the scheduler by one tick event and charges it to the
// entity the dispatcher reports as running on cpu (None for an idle tick).
// When the entity's slice is exhausted it is refilled to the full quantum;
// if other entities are waiting the entity also rotates to the tail and a
// reschedule is requested.
func (s *Scheduler) Tick(cpu int, id EntityID) {
	s.now.Add(1)

	if !s.validCPU(cpu) {
		s.log.Warn("tick ignored: no such processor", "cpu", cpu, "entity", id)
		return
	}
	if s.account != nil && id != None {
		s.account.ChargeTick(id, cpu)
	}
	if id == None {
		return
	}

	s.mu.RLock()
	e := s.entities[id]
	if e == nil {
		s.mu.RUnlock()
		return
	}

	rq := s.rqs[cpu]
	rq.mu.Lock()
	if rq.current != id || !e.queued.Load() {
		// the entity was dequeued or preempted between the dispatcher's
		// claim and this tick; nothing to account
		rq.mu.Unlock()
		s.mu.RUnlock()
		return
	}

	e.remaining--
	if e.remaining > 0 {
		rq.mu.Unlock()
		s.mu.RUnlock()
		return
	}

	e.remaining = e.Weight() * s.cfg.BaseQuantum
	resched := rq.count.Load() > 1
	if resched {
		rq.moveToTail(e)
	}
	rq.mu.Unlock()
	s.mu.RUnlock()

	if resched {
		s.dispatch.RequestReschedule(cpu)
		s.emit(EventExpire, id, cpu, -1)
	}
}

// TimeSlice returns the full quantum the entity receives per turn, in
// ticks, or 0 for an unknown entity.
func (s *Scheduler) TimeSlice(id EntityID) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.entities[id]
	if e == nil {
		return 0
	}
	return e.Weight() * s.cfg.BaseQuantum
}

// RemainingSlice returns how many ticks of the current quantum are left.
func (s *Scheduler) RemainingSlice(id EntityID) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.entities[id]
	if e == nil {
		return 0
	}
	rq := s.owningRq(e)
	rem := e.remaining
	rq.mu.Unlock()
	return rem
}

// SetWeight changes an entity's weight. A queued entity's runqueue total
// is adjusted immediately; the slice in progress keeps its old length and
// the new weight takes effect at the next refill.
func (s *Scheduler) SetWeight(id EntityID, weight int64) error {
	if weight <= 0 {
		return fmt.Errorf("weight must be positive, got %d", weight)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.entities[id]
	if e == nil {
		return fmt.Errorf("no such entity %d", id)
	}
	rq := s.owningRq(e)
	old := e.weight.Swap(weight)
	if e.queued.Load() {
		rq.totalWeight.Add(weight - old)
	}
	rq.mu.Unlock()
	return nil
}

// SelectProcessor suggests a host for the entity: the online allowed
// processor with the lowest total weight, lowest index winning ties. When
// nothing qualifies it falls back to the entity's last processor. The
// second return is false only for unknown entities.
func (s *Scheduler) SelectProcessor(id EntityID) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.entities[id]
	if e == nil {
		return 0, false
	}

	best := -1
	var bestWeight int64
	for _, rq := range s.rqs {
		if !rq.Online() || !e.AllowedOn(rq.cpu) {
			continue
		}
		if w := rq.TotalWeight(); best < 0 || w < bestWeight {
			best = rq.cpu
			bestWeight = w
		}
	}
	if best < 0 {
		return int(e.cpu.Load()), true
	}
	return best, true
}

// SetOnline marks a processor as participating in load balancing or not.
// Offline processors still accept queue operations.
func (s *Scheduler) SetOnline(cpu int, online bool) {
	if !s.validCPU(cpu) {
		s.log.Warn("set online ignored: no such processor", "cpu", cpu)
		return
	}
	s.rqs[cpu].online.Store(online)
	s.log.Info("processor availability changed", "cpu", cpu, "online", online)
}

// CurrentOn returns the entity PickNext last selected for cpu, or None.
func (s *Scheduler) CurrentOn(cpu int) EntityID {
	if !s.validCPU(cpu) {
		return None
	}
	rq := s.rqs[cpu]
	rq.mu.Lock()
	id := rq.current
	rq.mu.Unlock()
	return id
}

func (s *Scheduler) validCPU(cpu int) bool {
	return cpu >= 0 && cpu < len(s.rqs)
}

// owningRq locks and returns the runqueue the entity last belonged to.
// The entity may migrate between reading e.cpu and taking the lock, so the
// read is repeated under the lock until it is stable.
func (s *Scheduler) owningRq(e *Entity) *Runqueue {
	for {
		cpu := e.cpu.Load()
		rq := s.rqs[cpu]
		rq.mu.Lock()
		if e.cpu.Load() == cpu {
			return rq
		}
		rq.mu.Unlock()
	}
}
