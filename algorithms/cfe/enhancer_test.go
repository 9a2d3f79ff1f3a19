package cfe

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RyanBlaney/fixelcfe/algorithms/connectivity"
)

func TestNewEnhancerValidation(t *testing.T) {
	conn := connectivity.Identity(3)

	_, err := NewEnhancer(nil, 0.1, 2, 3)
	assert.Error(t, err)

	_, err = NewEnhancer(conn, 0, 2, 3)
	assert.Error(t, err)

	_, err = NewEnhancer(conn, 0.1, 2, 3)
	assert.NoError(t, err)
}

func TestEnhanceZeroStatistic(t *testing.T) {
	e, err := NewEnhancer(connectivity.Identity(4), 0.1, 2, 3)
	require.NoError(t, err)

	enhanced, err := e.Enhance([]float64{0, 0, 0, 0}, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0, 0}, enhanced)
}

func TestEnhanceNegativeAndNonFiniteExcluded(t *testing.T) {
	e, err := NewEnhancer(connectivity.Identity(3), 0.1, 2, 3)
	require.NoError(t, err)

	enhanced, err := e.Enhance([]float64{-2.0, math.NaN(), 1.0}, 1.0)
	require.NoError(t, err)
	assert.Zero(t, enhanced[0])
	assert.Zero(t, enhanced[1])
	assert.Greater(t, enhanced[2], 0.0)
}

// With identity connectivity, E = 1 and H = 0, the enhancement of a fixel
// with statistic s reduces to a Riemann sum of its own indicator:
// dh * floor(min(s, maxStat) / dh) contributions of extent 1
func TestEnhanceIdentityClosedForm(t *testing.T) {
	dh := 0.1
	e, err := NewEnhancer(connectivity.Identity(2), dh, 1, 0)
	require.NoError(t, err)

	stats := []float64{2.0, 0.55}
	enhanced, err := e.Enhance(stats, 2.0)
	require.NoError(t, err)

	// Fixel 0: steps h = 0.1 .. 2.0 where 2.0 > h, i.e. 19 steps
	assert.InDelta(t, 1.9, enhanced[0], 1e-9)
	// Fixel 1: steps h = 0.1 .. 0.5
	assert.InDelta(t, 0.5, enhanced[1], 1e-9)
}

func TestEnhanceMonotonicInStatistic(t *testing.T) {
	// Fully connected 3-fixel matrix with moderate weights
	rows := []connectivity.Row{
		{Targets: []uint32{0, 1, 2}, Values: []float64{1, 0.5, 0.5}},
		{Targets: []uint32{0, 1, 2}, Values: []float64{0.5, 1, 0.5}},
		{Targets: []uint32{0, 1, 2}, Values: []float64{0.5, 0.5, 1}},
	}
	conn := connectivity.NewMatrix(rows)
	e, err := NewEnhancer(conn, 0.1, 2, 3)
	require.NoError(t, err)

	low, err := e.Enhance([]float64{1.0, 1.0, 1.0}, 1.0)
	require.NoError(t, err)
	high, err := e.Enhance([]float64{2.0, 2.0, 2.0}, 2.0)
	require.NoError(t, err)

	for i := range low {
		assert.Greater(t, high[i], low[i])
	}
}

func TestEnhanceUsesNeighbourExtent(t *testing.T) {
	// Fixel 0 is connected to fixel 1; fixel 2 is isolated
	rows := []connectivity.Row{
		{Targets: []uint32{0, 1}, Values: []float64{1, 1}},
		{Targets: []uint32{0, 1}, Values: []float64{1, 1}},
		{Targets: []uint32{2}, Values: []float64{1}},
	}
	conn := connectivity.NewMatrix(rows)
	e, err := NewEnhancer(conn, 0.1, 2, 3)
	require.NoError(t, err)

	enhanced, err := e.Enhance([]float64{1.0, 1.0, 1.0}, 1.0)
	require.NoError(t, err)

	// Same statistic, but fixels 0 and 1 gain from their shared extent
	assert.Greater(t, enhanced[0], enhanced[2])
	assert.InDelta(t, enhanced[0], enhanced[1], 1e-12)
}

func TestEnhanceLengthMismatch(t *testing.T) {
	e, err := NewEnhancer(connectivity.Identity(3), 0.1, 2, 3)
	require.NoError(t, err)

	_, err = e.Enhance([]float64{1, 2}, 1.0)
	assert.Error(t, err)
}
