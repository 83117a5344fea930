package sched

// EventKind represents the type of scheduler event
type EventKind int

const (
	EventEnqueue EventKind = iota
	EventDequeue
	EventExpire
	EventYield
	EventMigrate
)

// Event is emitted on queue mutations when an event channel is attached
// via WithEvents. Emission is non-blocking: when the buffer is full the
// event is dropped rather than stalling a queue operation.
type Event struct {
	Tick   int64
	Kind   EventKind
	Entity EntityID
	CPU    int
	// Target is the destination processor; meaningful for EventMigrate only.
	Target int
}

func (k EventKind) String() string {
	switch k {
	case EventEnqueue:
		return "Enqueue"
	case EventDequeue:
		return "Dequeue"
	case EventExpire:
		return "Expire"
	case EventYield:
		return "Yield"
	case EventMigrate:
		return "Migrate"
	default:
		return "Unknown"
	}
}

func (s *Scheduler) emit(kind EventKind, id EntityID, cpu, target int) {
	if s.events == nil {
		return
	}
	ev := Event{
		Tick:   s.now.Load(),
		Kind:   kind,
		Entity: id,
		CPU:    cpu,
		Target: target,
	}
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
}
