package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loadPair builds the canonical imbalance: entities of the given weights
// queued on cpu 0 against one entity of otherWeight on cpu 1.
func loadPair(t *testing.T, s *Scheduler, weights []int64, otherWeight int64) {
	t.Helper()
	id := EntityID(1)
	for _, w := range weights {
		require.NoError(t, s.Register(id, w))
		s.Enqueue(0, id, false)
		id++
	}
	require.NoError(t, s.Register(id, otherWeight))
	s.Enqueue(1, id, false)
}

func TestBalanceMovesHeaviestMigratable(t *testing.T) {
	s, d := newTestScheduler(t, 2, WithEvents(16))
	loadPair(t, s, []int64{40, 30, 30}, 10)

	assert.True(t, s.TryBalance())

	// 40 is the heaviest entity that still satisfies 10+w < 100-w
	loads := s.Snapshot()
	assert.Equal(t, int64(60), loads[0].TotalWeight)
	assert.Equal(t, int64(50), loads[1].TotalWeight)
	assert.Equal(t, int64(1), s.Migrations())
	assert.Equal(t, 2, d.runnableOn(0))
	assert.Equal(t, 2, d.runnableOn(1))

	var mig *Event
	for len(s.Events()) > 0 {
		ev := <-s.Events()
		if ev.Kind == EventMigrate {
			mig = &ev
			break
		}
	}
	require.NotNil(t, mig)
	assert.Equal(t, EntityID(1), mig.Entity)
	assert.Equal(t, 0, mig.CPU)
	assert.Equal(t, 1, mig.Target)
}

func TestBalanceSkipsWhenMoveWouldInvert(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	// 65+30 >= 100-30 and 65+40 >= 100-40: nothing qualifies
	loadPair(t, s, []int64{40, 30, 30}, 65)

	assert.False(t, s.TryBalance())

	loads := s.Snapshot()
	assert.Equal(t, int64(100), loads[0].TotalWeight)
	assert.Equal(t, int64(65), loads[1].TotalWeight)
	assert.Equal(t, int64(0), s.Migrations())
}

func TestBalanceRespectsAffinity(t *testing.T) {
	s, _ := newTestScheduler(t, 2, WithEvents(16))
	require.NoError(t, s.Register(1, 40, 0)) // pinned to its own cpu
	require.NoError(t, s.Register(2, 30))
	require.NoError(t, s.Register(3, 30))
	require.NoError(t, s.Register(4, 10))
	s.Enqueue(0, 1, false)
	s.Enqueue(0, 2, false)
	s.Enqueue(0, 3, false)
	s.Enqueue(1, 4, false)

	assert.True(t, s.TryBalance())

	// the pinned 40 stays; the first 30 in queue order goes instead
	loads := s.Snapshot()
	assert.Equal(t, int64(70), loads[0].TotalWeight)
	assert.Equal(t, int64(40), loads[1].TotalWeight)

	for len(s.Events()) > 0 {
		ev := <-s.Events()
		if ev.Kind == EventMigrate {
			assert.Equal(t, EntityID(2), ev.Entity)
		}
	}
}

func TestBalanceNeverTouchesRunningEntity(t *testing.T) {
	s, _ := newTestScheduler(t, 2, WithEvents(16))
	loadPair(t, s, []int64{50, 20, 20}, 10)

	id, _ := s.PickNext(0)
	require.Equal(t, EntityID(1), id)

	assert.True(t, s.TryBalance())

	// the running 50 is immune; the first 20 migrates
	assert.Equal(t, EntityID(1), s.CurrentOn(0))
	loads := s.Snapshot()
	assert.Equal(t, int64(70), loads[0].TotalWeight)
	assert.Equal(t, int64(30), loads[1].TotalWeight)

	for len(s.Events()) > 0 {
		ev := <-s.Events()
		if ev.Kind == EventMigrate {
			assert.Equal(t, EntityID(2), ev.Entity, "equal weights keep queue order")
		}
	}
}

func TestBalanceNoopWhenAlreadyEven(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	require.NoError(t, s.Register(1, 10))
	require.NoError(t, s.Register(2, 10))
	s.Enqueue(0, 1, false)
	s.Enqueue(1, 2, false)

	assert.False(t, s.TryBalance())
	assert.Equal(t, int64(0), s.Migrations())
}

func TestBalanceSingleProcessor(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	require.NoError(t, s.Register(1, 10))
	s.Enqueue(0, 1, false)

	assert.False(t, s.TryBalance(), "nowhere to migrate to")
}

func TestBalanceSkipsOfflineProcessors(t *testing.T) {
	s, _ := newTestScheduler(t, 3)
	loadPair(t, s, []int64{40, 30, 30}, 10)
	require.NoError(t, s.Register(9, 500))
	s.Enqueue(2, 9, false)
	s.SetOnline(2, false)

	assert.True(t, s.TryBalance())

	// the offline heavyweight is invisible; balancing happens between 0 and 1
	loads := s.Snapshot()
	assert.Equal(t, int64(60), loads[0].TotalWeight)
	assert.Equal(t, int64(50), loads[1].TotalWeight)
	assert.Equal(t, int64(500), loads[2].TotalWeight)
}

func TestBalanceWatermarkGatesPasses(t *testing.T) {
	cfg := defaultConfig()
	cfg.BalancePeriod = 5
	d := newStubDispatcher()
	s, err := New(cfg, 2, d, WithLogger(testLogger()))
	require.NoError(t, err)
	loadPair(t, s, []int64{40, 30, 30}, 10)

	require.True(t, s.ShouldBalance(0), "fresh runqueues are due immediately")
	assert.True(t, s.TryBalance())

	// all watermarks were restamped at the pass
	assert.False(t, s.ShouldBalance(0))
	assert.False(t, s.ShouldBalance(1))
	assert.False(t, s.TryBalance(), "not due again yet")

	// five tick events later the next pass is due, even if it then finds
	// nothing worth moving
	for i := 0; i < 5; i++ {
		s.Tick(0, None)
	}
	require.True(t, s.ShouldBalance(0))
	assert.False(t, s.TryBalance())
	assert.False(t, s.ShouldBalance(0), "restamped regardless of outcome")
}

func TestBalancerWorker(t *testing.T) {
	cfg := defaultConfig()
	cfg.BalanceIntervalMS = 10
	d := newStubDispatcher()
	s, err := New(cfg, 2, d, WithLogger(testLogger()))
	require.NoError(t, err)
	loadPair(t, s, []int64{40, 30, 30}, 10)

	b := NewBalancer(s)
	errCh := make(chan error, 1)
	go func() { errCh <- b.Start(context.Background()) }()

	assert.Eventually(t, func() bool {
		return s.Migrations() == 1
	}, 2*time.Second, 5*time.Millisecond)

	b.Shutdown()
	b.Shutdown() // idempotent

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("balancer did not stop")
	}
}

func TestBalancerWorkerStopsOnContext(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	b := NewBalancer(s)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- b.Start(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("balancer did not stop")
	}
}

func TestConcurrentOperationsKeepCountersConsistent(t *testing.T) {
	cfg := defaultConfig()
	cfg.BalancePeriod = 1
	d := newStubDispatcher()
	s, err := New(cfg, 4, d, WithLogger(testLogger()))
	require.NoError(t, err)

	const entities = 40
	for id := EntityID(1); id <= entities; id++ {
		require.NoError(t, s.Register(id, int64(1+id%7)))
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup

	// one goroutine per entity flaps it on and off the queues; entity
	// operations stay serialized per entity, as the contract requires
	for id := EntityID(1); id <= entities; id++ {
		wg.Add(1)
		go func(id EntityID) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				cpu, ok := s.SelectProcessor(id)
				if !ok {
					return
				}
				s.Enqueue(cpu, id, i%2 == 0)
				s.mu.RLock()
				at := int(s.entities[id].cpu.Load())
				s.mu.RUnlock()
				s.Dequeue(at, id)
			}
			cpu, _ := s.SelectProcessor(id)
			s.Enqueue(cpu, id, false)
		}(id)
	}

	// drive loops and a balancer run alongside
	for cpu := 0; cpu < 4; cpu++ {
		wg.Add(1)
		go func(cpu int) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				id, _ := s.PickNext(cpu)
				s.Tick(cpu, id)
				s.TryBalance()
			}
		}(cpu)
	}

	done := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(stop)
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("workers wedged, likely a lock ordering bug")
	}

	var queued, weight int64
	for _, load := range s.Snapshot() {
		queued += load.Runnable
		weight += load.TotalWeight
	}
	var want int64
	for id := EntityID(1); id <= entities; id++ {
		want += int64(1 + id%7)
	}
	assert.Equal(t, int64(entities), queued)
	assert.Equal(t, want, weight)

	total := 0
	for cpu := 0; cpu < 4; cpu++ {
		total += d.runnableOn(cpu)
	}
	assert.Equal(t, entities, total)
}
