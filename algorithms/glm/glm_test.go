package glm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestPinvRecoversInverse(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{4, 0, 0, 2})
	pinv, err := Pinv(a)
	require.NoError(t, err)

	assert.InDelta(t, 0.25, pinv.At(0, 0), 1e-12)
	assert.InDelta(t, 0.5, pinv.At(1, 1), 1e-12)
	assert.InDelta(t, 0.0, pinv.At(0, 1), 1e-12)
}

func TestPinvTallMatrix(t *testing.T) {
	// Overdetermined system: pinv(A) * A should be the identity
	a := mat.NewDense(4, 2, []float64{
		1, 0,
		1, 1,
		1, 2,
		1, 3,
	})
	pinv, err := Pinv(a)
	require.NoError(t, err)

	var prod mat.Dense
	prod.Mul(pinv, a)
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			assert.InDelta(t, want, prod.At(i, j), 1e-10)
		}
	}
}

func TestRank(t *testing.T) {
	full := mat.NewDense(3, 2, []float64{1, 0, 1, 1, 1, 2})
	r, err := Rank(full)
	require.NoError(t, err)
	assert.Equal(t, 2, r)

	// Second column is a multiple of the first
	deficient := mat.NewDense(3, 2, []float64{1, 2, 1, 2, 1, 2})
	r, err = Rank(deficient)
	require.NoError(t, err)
	assert.Equal(t, 1, r)
}

func TestScaleContrastsDegenerateRow(t *testing.T) {
	design := mat.NewDense(4, 2, []float64{1, 0, 1, 1, 1, 2, 1, 3})
	contrast := mat.NewDense(2, 2, []float64{
		0, 1,
		0, 0, // zero contrast has a zero quadratic form
	})
	scaled, err := ScaleContrasts(contrast, design, 2)
	require.NoError(t, err)

	assert.NotZero(t, scaled.At(0, 1))
	assert.Zero(t, scaled.At(1, 0))
	assert.Zero(t, scaled.At(1, 1))
}

// twoGroupData builds a simple two-group dataset with a clear mean offset in
// the first element and none in the second
func twoGroupData() (data, design, contrast *mat.Dense) {
	// Subjects 0-3 group A, 4-7 group B
	data = mat.NewDense(2, 8, []float64{
		1.0, 1.1, 0.9, 1.0, 3.0, 3.1, 2.9, 3.0,
		2.0, 2.1, 1.9, 2.0, 2.0, 2.1, 1.9, 2.0,
	})
	design = mat.NewDense(8, 2, []float64{
		1, 0,
		1, 0,
		1, 0,
		1, 0,
		1, 1,
		1, 1,
		1, 1,
		1, 1,
	})
	contrast = mat.NewDense(1, 2, []float64{0, 1})
	return data, design, contrast
}

func TestAllStats(t *testing.T) {
	data, design, contrast := twoGroupData()
	betas, absEffect, stdEffect, stdev, err := AllStats(data, design, contrast)
	require.NoError(t, err)

	// Element 0: group A mean 1, group offset +2
	assert.InDelta(t, 1.0, betas.At(0, 0), 1e-9)
	assert.InDelta(t, 2.0, betas.At(1, 0), 1e-9)
	assert.InDelta(t, 2.0, absEffect.At(0, 0), 1e-9)

	// Element 1: no group effect
	assert.InDelta(t, 0.0, absEffect.At(0, 1), 1e-9)

	assert.Greater(t, stdev.At(0, 0), 0.0)
	assert.InDelta(t, absEffect.At(0, 0)/stdev.At(0, 0), stdEffect.At(0, 0), 1e-9)
}

func TestAllStatsNoDOF(t *testing.T) {
	data := mat.NewDense(1, 2, []float64{1, 2})
	design := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	contrast := mat.NewDense(1, 2, []float64{1, 0})
	_, _, _, _, err := AllStats(data, design, contrast)
	assert.Error(t, err)
}

func TestFixedTestIdentityPermutation(t *testing.T) {
	data, design, contrast := twoGroupData()
	test, err := NewFixedTest(data, design, contrast)
	require.NoError(t, err)

	assert.Equal(t, 8, test.NumSubjects())
	assert.Equal(t, 2, test.NumElements())
	assert.Equal(t, 1, test.NumContrasts())

	stats, maxStat, minStat, err := test.ComputeStatistic(identityPermutation(8))
	require.NoError(t, err)

	// The strong group effect yields a large positive t in element 0
	assert.Greater(t, stats.At(0, 0), 5.0)
	assert.InDelta(t, 0.0, stats.At(0, 1), 1e-9)
	assert.Equal(t, stats.At(0, 0), maxStat[0])
	assert.Equal(t, stats.At(0, 1), minStat[0])
}

func TestFixedTestPermutationChangesStatistic(t *testing.T) {
	data, design, contrast := twoGroupData()
	test, err := NewFixedTest(data, design, contrast)
	require.NoError(t, err)

	defaults, _, _, err := test.ComputeStatistic(identityPermutation(8))
	require.NoError(t, err)

	// Interleave the groups: the apparent group effect should shrink
	permuted, _, _, err := test.ComputeStatistic([]int{0, 4, 1, 5, 2, 6, 3, 7})
	require.NoError(t, err)

	assert.Less(t, math.Abs(permuted.At(0, 0)), math.Abs(defaults.At(0, 0)))
}

func TestFixedTestRejectsBadPermutation(t *testing.T) {
	data, design, contrast := twoGroupData()
	test, err := NewFixedTest(data, design, contrast)
	require.NoError(t, err)

	_, _, _, err = test.ComputeStatistic([]int{0, 1})
	assert.Error(t, err)

	_, _, _, err = test.ComputeStatistic([]int{0, 1, 2, 3, 4, 5, 6, 99})
	assert.Error(t, err)
}

func TestVariableTestMatchesFixedOnCompleteData(t *testing.T) {
	data, design, contrast := twoGroupData()

	fixed, err := NewFixedTest(data, design, contrast)
	require.NoError(t, err)
	variable, err := NewVariableTest(data, design, contrast, nil)
	require.NoError(t, err)

	perm := identityPermutation(8)
	fixedStats, _, _, err := fixed.ComputeStatistic(perm)
	require.NoError(t, err)
	variableStats, _, _, err := variable.ComputeStatistic(perm)
	require.NoError(t, err)

	for e := 0; e < 2; e++ {
		assert.InDelta(t, fixedStats.At(0, e), variableStats.At(0, e), 1e-9)
	}
}

func TestVariableTestExcludesMissingValues(t *testing.T) {
	data, design, contrast := twoGroupData()
	data.Set(0, 3, math.NaN())

	variable, err := NewVariableTest(data, design, contrast, nil)
	require.NoError(t, err)

	stats, _, _, err := variable.ComputeStatistic(identityPermutation(8))
	require.NoError(t, err)

	// Element 0 still shows the group effect from the remaining subjects
	assert.Greater(t, stats.At(0, 0), 5.0)
	// Element 1 is untouched by the missing value
	assert.InDelta(t, 0.0, stats.At(0, 1), 1e-9)
}

func TestVariableTestContrastWidthValidation(t *testing.T) {
	data, design, _ := twoGroupData()
	wide := mat.NewDense(1, 3, []float64{0, 1, 0})

	_, err := NewVariableTest(data, design, wide, nil)
	assert.Error(t, err)

	extra := mat.NewDense(2, 8, nil)
	_, err = NewVariableTest(data, design, wide, []*mat.Dense{extra})
	assert.NoError(t, err)
}

func TestVariableTestDefaultStats(t *testing.T) {
	data, design, contrast := twoGroupData()
	variable, err := NewVariableTest(data, design, contrast, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, variable.NumDesignColumns())

	beta, absEffect, stdEffect, stdev := variable.DefaultStats(0)
	assert.InDelta(t, 1.0, beta[0], 1e-9)
	assert.InDelta(t, 2.0, beta[1], 1e-9)
	assert.InDelta(t, 2.0, absEffect[0], 1e-9)
	assert.Greater(t, stdev[0], 0.0)
	assert.InDelta(t, absEffect[0]/stdev[0], stdEffect[0], 1e-9)
}
