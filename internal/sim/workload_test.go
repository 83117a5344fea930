package sim

import (
	"io"
	"log/slog"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wrrq/internal/sched"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGenerateWorkloadDeterministic(t *testing.T) {
	a := GenerateWorkload(10, 4, 8, rand.New(rand.NewSource(7)))
	b := GenerateWorkload(10, 4, 8, rand.New(rand.NewSource(7)))
	assert.Equal(t, a, b)

	require.Len(t, a, 10)
	for _, spec := range a {
		assert.GreaterOrEqual(t, spec.Weight, int64(1))
		assert.LessOrEqual(t, spec.Weight, int64(8))
		for _, cpu := range spec.Allowed {
			assert.GreaterOrEqual(t, cpu, 0)
			assert.Less(t, cpu, 4)
		}
	}
}

func TestPlaceSpreadsEqualWeights(t *testing.T) {
	log := quietLogger()
	d := NewDriver(2, 1, log)
	s, err := sched.New(sched.Load(""), 2, d, sched.WithLogger(log))
	require.NoError(t, err)

	specs := []EntitySpec{
		{ID: 1, Weight: 4},
		{ID: 2, Weight: 4},
		{ID: 3, Weight: 4},
		{ID: 4, Weight: 4},
	}
	require.NoError(t, Place(s, specs))

	// least-loaded placement alternates processors for equal weights
	loads := s.Snapshot()
	assert.Equal(t, int64(2), loads[0].Runnable)
	assert.Equal(t, int64(2), loads[1].Runnable)
	assert.Equal(t, int64(8), loads[0].TotalWeight)
	assert.Equal(t, int64(8), loads[1].TotalWeight)
}

func TestPlaceReportsRegistrationErrors(t *testing.T) {
	log := quietLogger()
	d := NewDriver(1, 1, log)
	s, err := sched.New(sched.Load(""), 1, d, sched.WithLogger(log))
	require.NoError(t, err)

	specs := []EntitySpec{
		{ID: 1, Weight: 2},
		{ID: 1, Weight: 3}, // duplicate id
	}
	assert.Error(t, Place(s, specs))
}
