package sched

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ProcessorLoad is a point-in-time view of one runqueue.
type ProcessorLoad struct {
	CPU         int
	Online      bool
	Runnable    int64
	TotalWeight int64
}

// Snapshot returns the load of every runqueue. Counters are read
// atomically, so the view is consistent per queue but not globally.
func (s *Scheduler) Snapshot() []ProcessorLoad {
	loads := make([]ProcessorLoad, len(s.rqs))
	for i, rq := range s.rqs {
		loads[i] = ProcessorLoad{
			CPU:         rq.cpu,
			Online:      rq.Online(),
			Runnable:    rq.RunnableCount(),
			TotalWeight: rq.TotalWeight(),
		}
	}
	return loads
}

// LoadStats summarizes how evenly weight is spread across the online
// processors.
type LoadStats struct {
	Mean   float64
	StdDev float64
	Spread int64 // max total weight minus min total weight
}

// Stats computes load distribution statistics over the online runqueues.
func (s *Scheduler) Stats() LoadStats {
	weights := make([]float64, 0, len(s.rqs))
	for _, rq := range s.rqs {
		if rq.Online() {
			weights = append(weights, float64(rq.TotalWeight()))
		}
	}
	if len(weights) == 0 {
		return LoadStats{}
	}

	st := LoadStats{
		Mean:   stat.Mean(weights, nil),
		Spread: int64(floats.Max(weights) - floats.Min(weights)),
	}
	if len(weights) > 1 {
		st.StdDev = stat.StdDev(weights, nil)
	}
	return st
}
