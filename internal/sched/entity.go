package sched

import (
	"sync/atomic"

	"github.com/emirpasic/gods/sets/hashset"
)

// EntityID uniquely identifies a runnable entity in the arena. Zero is
// reserved and never refers to an entity.
type EntityID uint64

// None is the zero EntityID, returned by PickNext when a runqueue is empty.
const None EntityID = 0

// Entity is the per-entity scheduling record. The record is created by
// Register and owned by the arena; runqueues refer to it by id only.
//
// Field discipline: remaining is touched only while holding the owning
// runqueue's lock. weight, queued and cpu are atomics: they are written
// under the owning runqueue's lock but read from paths that may hold a
// different runqueue's lock (violation checks, balancer snapshot, TimeSlice),
// so the reads must be well-defined on their own. cpu records the last
// owning processor so management paths can locate the guardian lock.
type Entity struct {
	id        EntityID
	weight    atomic.Int64
	remaining int64
	queued    atomic.Bool
	cpu       atomic.Int32
	affinity  *hashset.Set // nil means every processor is allowed
}

func newEntity(id EntityID, weight int64, allowed []int) *Entity {
	e := &Entity{id: id}
	e.weight.Store(weight)
	if len(allowed) > 0 {
		set := hashset.New()
		for _, cpu := range allowed {
			set.Add(cpu)
		}
		e.affinity = set
	}
	return e
}

// ID returns the entity's stable identifier.
func (e *Entity) ID() EntityID { return e.id }

// Weight returns the entity's current weight.
func (e *Entity) Weight() int64 { return e.weight.Load() }

// AllowedOn reports whether the entity's processor affinity permits cpu.
func (e *Entity) AllowedOn(cpu int) bool {
	return e.affinity == nil || e.affinity.Contains(cpu)
}
