package sim

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"wrrq/internal/sched"
)

// Driver imitates an execution layer on top of the scheduler: one loop per
// processor picks entities, charges ticks, honors reschedule requests, and
// occasionally makes the running entity yield or block so the queues keep
// moving. It implements sched.Dispatcher.
type Driver struct {
	log      *slog.Logger
	tickMS   int
	yieldPct int // chance in percent that the running entity yields on a tick
	blockPct int // chance in percent that the running entity blocks on a tick
	sleepMS  int // how long a blocked entity stays off the queues

	resched  []atomic.Bool
	runnable []atomic.Int64

	wg sync.WaitGroup
}

// NewDriver creates a driver for the given number of processors.
func NewDriver(processors, tickMS int, log *slog.Logger) *Driver {
	if log == nil {
		log = slog.Default()
	}
	if tickMS < 1 {
		tickMS = 1
	}
	return &Driver{
		log:      log,
		tickMS:   tickMS,
		yieldPct: 2,
		blockPct: 1,
		sleepMS:  25,
		resched:  make([]atomic.Bool, processors),
		runnable: make([]atomic.Int64, processors),
	}
}

// RequestReschedule implements sched.Dispatcher. The flag is coalesced and
// consumed by the processor's drive loop on its next tick.
func (d *Driver) RequestReschedule(cpu int) {
	d.resched[cpu].Store(true)
}

// RunnableCountChanged implements sched.Dispatcher.
func (d *Driver) RunnableCountChanged(cpu int, delta int) {
	d.runnable[cpu].Add(int64(delta))
}

// Runnable returns the dispatcher-side runnable count for cpu.
func (d *Driver) Runnable(cpu int) int64 {
	return d.runnable[cpu].Load()
}

// Run drives every processor until the context is canceled and blocks
// until all drive loops have stopped.
func (d *Driver) Run(ctx context.Context, s *sched.Scheduler, seed int64) {
	for cpu := 0; cpu < s.Processors(); cpu++ {
		d.wg.Add(1)
		go d.drive(ctx, s, cpu, rand.New(rand.NewSource(seed+int64(cpu))))
	}
	d.wg.Wait()
}

func (d *Driver) drive(ctx context.Context, s *sched.Scheduler, cpu int, rng *rand.Rand) {
	defer d.wg.Done()

	clock := sched.NewTickClock(time.Duration(d.tickMS)*time.Millisecond, 64)
	clock.Start()
	defer clock.Stop()

	current := sched.None
	for {
		select {
		case <-ctx.Done():
			return
		case <-clock.C:
		}

		if current == sched.None || d.resched[cpu].Swap(false) {
			current, _ = s.PickNext(cpu)
		}

		s.Tick(cpu, current)

		if current == sched.None {
			continue
		}

		switch {
		case rng.Intn(100) < d.blockPct:
			// the entity "blocks": leave the queues and wake later on
			// whichever processor looks least loaded then
			id := current
			s.Dequeue(cpu, id)
			current = sched.None
			d.log.Debug("entity blocked", "entity", id, "cpu", cpu)
			time.AfterFunc(time.Duration(d.sleepMS)*time.Millisecond, func() {
				target, ok := s.SelectProcessor(id)
				if !ok {
					return
				}
				s.Enqueue(target, id, false)
			})
		case rng.Intn(100) < d.yieldPct:
			s.YieldCurrent(cpu)
			current, _ = s.PickNext(cpu)
		}
	}
}
