package sim

import (
	"math/rand"

	"wrrq/internal/sched"
)

// EntitySpec describes one synthetic entity.
type EntitySpec struct {
	ID      sched.EntityID
	Weight  int64
	Allowed []int // empty means any processor
}

// GenerateWorkload builds n entity specs with weights in [1, maxWeight].
// Roughly one in five entities is pinned to a single processor so the
// balancer has affinity constraints to respect.
func GenerateWorkload(n, processors int, maxWeight int64, rng *rand.Rand) []EntitySpec {
	if maxWeight < 1 {
		maxWeight = 1
	}
	specs := make([]EntitySpec, 0, n)
	for i := 1; i <= n; i++ {
		spec := EntitySpec{
			ID:     sched.EntityID(i),
			Weight: 1 + rng.Int63n(maxWeight),
		}
		if processors > 1 && rng.Intn(5) == 0 {
			spec.Allowed = []int{rng.Intn(processors)}
		}
		specs = append(specs, spec)
	}
	return specs
}

// Place registers every spec and enqueues it on the processor the
// scheduler suggests for it.
func Place(s *sched.Scheduler, specs []EntitySpec) error {
	for _, spec := range specs {
		if err := s.Register(spec.ID, spec.Weight, spec.Allowed...); err != nil {
			return err
		}
		cpu, ok := s.SelectProcessor(spec.ID)
		if !ok {
			continue
		}
		s.Enqueue(cpu, spec.ID, false)
	}
	return nil
}
