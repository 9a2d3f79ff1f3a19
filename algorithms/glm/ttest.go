package glm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/RyanBlaney/fixelcfe/algorithms/common"
)

// Test computes a per-element signed t-statistic under a row permutation of
// the design matrix, along with the run's max/min finite statistic per
// contrast. Implementations are safe for concurrent use: all state is
// immutable after construction.
type Test interface {
	ComputeStatistic(perm []int) (stats *mat.Dense, maxStat, minStat []float64, err error)
	NumSubjects() int
	NumElements() int
	NumContrasts() int
}

// FixedTest is the shared-design variant: the design pseudo-inverse is
// computed once, and a permutation reorders design rows and pseudo-inverse
// columns consistently. Used when no element varies its design and the data
// contain no missing values.
type FixedTest struct {
	data    *mat.Dense // elements x subjects
	design  *mat.Dense // subjects x columns
	pinv    *mat.Dense // columns x subjects
	scaled  *mat.Dense // contrasts x columns, pre-scaled for t-statistics
	numCont int
}

// NewFixedTest validates dimensions and precomputes the design pseudo-inverse
// and scaled contrasts
func NewFixedTest(data, design, contrast *mat.Dense) (*FixedTest, error) {
	_, numSubjects := data.Dims()
	designRows, _ := design.Dims()
	if numSubjects != designRows {
		return nil, fmt.Errorf("data has %d subjects but design has %d rows", numSubjects, designRows)
	}

	rank, err := Rank(design)
	if err != nil {
		return nil, err
	}
	dof := designRows - rank
	if dof <= 0 {
		return nil, fmt.Errorf("design matrix has no residual degrees of freedom (%d rows, rank %d)", designRows, rank)
	}

	scaled, err := ScaleContrasts(contrast, design, dof)
	if err != nil {
		return nil, err
	}
	pinv, err := Pinv(design)
	if err != nil {
		return nil, err
	}

	numCont, _ := contrast.Dims()
	return &FixedTest{
		data:    data,
		design:  design,
		pinv:    pinv,
		scaled:  scaled,
		numCont: numCont,
	}, nil
}

func (t *FixedTest) NumSubjects() int {
	_, n := t.data.Dims()
	return n
}

func (t *FixedTest) NumElements() int {
	n, _ := t.data.Dims()
	return n
}

func (t *FixedTest) NumContrasts() int {
	return t.numCont
}

// ComputeStatistic evaluates the t-statistic for every element under the
// given row permutation. Non-finite statistics are clamped to 0 and excluded
// from max/min tracking.
func (t *FixedTest) ComputeStatistic(perm []int) (*mat.Dense, []float64, []float64, error) {
	numElements, numSubjects := t.data.Dims()
	_, numCols := t.design.Dims()
	if len(perm) != numSubjects {
		return nil, nil, nil, fmt.Errorf("permutation length %d does not match subject count %d", len(perm), numSubjects)
	}

	// Permute design rows and pseudo-inverse columns consistently
	permDesign := mat.NewDense(numSubjects, numCols, nil)
	permPinv := mat.NewDense(numCols, numSubjects, nil)
	for i, src := range perm {
		if src < 0 || src >= numSubjects {
			return nil, nil, nil, fmt.Errorf("permutation entry %d outside [0, %d)", src, numSubjects)
		}
		permDesign.SetRow(i, t.design.RawRowView(src))
		for r := 0; r < numCols; r++ {
			permPinv.Set(r, i, t.pinv.At(r, src))
		}
	}

	var betas mat.Dense // elements x columns
	betas.Mul(t.data, permPinv.T())
	var fitted mat.Dense // elements x subjects
	fitted.Mul(&betas, permDesign.T())
	var resid mat.Dense
	resid.Sub(t.data, &fitted)

	stats := mat.NewDense(t.numCont, numElements, nil)
	maxStat := make([]float64, t.numCont)
	minStat := make([]float64, t.numCont)
	for c := 0; c < t.numCont; c++ {
		maxStat[c] = math.Inf(-1)
		minStat[c] = math.Inf(1)
	}

	for e := 0; e < numElements; e++ {
		residNorm := common.Norm(resid.RawRowView(e))
		betaRow := betas.RawRowView(e)
		for c := 0; c < t.numCont; c++ {
			value := common.Dot(t.scaled.RawRowView(c), betaRow) / residNorm
			if common.IsFinite(value) {
				if value > maxStat[c] {
					maxStat[c] = value
				}
				if value < minStat[c] {
					minStat[c] = value
				}
			} else {
				value = 0
			}
			stats.Set(c, e, value)
		}
	}

	return stats, maxStat, minStat, nil
}

// VariableTest is the per-element-design variant, used when extra per-element
// covariate columns exist or the measurements contain non-finite entries.
// For each element, subject rows with a non-finite measurement or appended
// covariate value are excluded and the pseudo-inverse is recomputed on the
// reduced design.
type VariableTest struct {
	data     *mat.Dense   // elements x subjects, may contain NaN
	design   *mat.Dense   // subjects x base columns
	contrast *mat.Dense   // contrasts x (base + extra columns), unscaled
	extras   []*mat.Dense // per extra column: elements x subjects
	numCont  int
}

// NewVariableTest validates that the contrast column count equals the base
// design columns plus one per extra covariate
func NewVariableTest(data, design, contrast *mat.Dense, extras []*mat.Dense) (*VariableTest, error) {
	numElements, numSubjects := data.Dims()
	designRows, designCols := design.Dims()
	if numSubjects != designRows {
		return nil, fmt.Errorf("data has %d subjects but design has %d rows", numSubjects, designRows)
	}
	numCont, contrastCols := contrast.Dims()
	if contrastCols != designCols+len(extras) {
		return nil, fmt.Errorf("contrast has %d columns but design has %d plus %d element-wise columns",
			contrastCols, designCols, len(extras))
	}
	for i, extra := range extras {
		r, c := extra.Dims()
		if r != numElements || c != numSubjects {
			return nil, fmt.Errorf("element-wise column %d is %dx%d, expected %dx%d", i, r, c, numElements, numSubjects)
		}
	}

	return &VariableTest{
		data:     data,
		design:   design,
		contrast: contrast,
		extras:   extras,
		numCont:  numCont,
	}, nil
}

func (t *VariableTest) NumSubjects() int {
	_, n := t.data.Dims()
	return n
}

func (t *VariableTest) NumElements() int {
	n, _ := t.data.Dims()
	return n
}

func (t *VariableTest) NumContrasts() int {
	return t.numCont
}

// elementDesign builds the reduced, permuted design matrix and matching
// measurement vector for one element. A permutation relabels which design row
// (including appended covariate values) is paired with each subject
// measurement; a pairing is excluded when either side is non-finite.
func (t *VariableTest) elementDesign(element int, perm []int) (*mat.Dense, []float64) {
	numSubjects := t.NumSubjects()
	_, baseCols := t.design.Dims()
	totalCols := baseCols + len(t.extras)

	rows := make([][]float64, 0, numSubjects)
	values := make([]float64, 0, numSubjects)

	for subject := 0; subject < numSubjects; subject++ {
		src := perm[subject]
		y := t.data.At(element, subject)
		if !common.IsFinite(y) {
			continue
		}
		row := make([]float64, totalCols)
		copy(row, t.design.RawRowView(src))
		finite := true
		for k, extra := range t.extras {
			v := extra.At(element, src)
			if !common.IsFinite(v) {
				finite = false
				break
			}
			row[baseCols+k] = v
		}
		if !finite {
			continue
		}
		rows = append(rows, row)
		values = append(values, y)
	}

	if len(rows) == 0 {
		return nil, nil
	}
	design := mat.NewDense(len(rows), totalCols, nil)
	for i, row := range rows {
		design.SetRow(i, row)
	}
	return design, values
}

// DefaultDesign returns the unpermuted, element-specific reduced design and
// its matching measurement vector, used once to compute reportable betas and
// effect sizes outside the permutation loop.
func (t *VariableTest) DefaultDesign(element int) (*mat.Dense, []float64) {
	return t.elementDesign(element, identityPermutation(t.NumSubjects()))
}

// NumDesignColumns returns the base design columns plus one per element-wise
// column
func (t *VariableTest) NumDesignColumns() int {
	_, baseCols := t.design.Dims()
	return baseCols + len(t.extras)
}

// DefaultStats computes the reportable quantities for one element on its
// unpermuted reduced design: beta coefficients, absolute effect per contrast,
// pooled standard deviation and standardized effect. A reduced design with no
// residual degrees of freedom yields NaN throughout.
func (t *VariableTest) DefaultStats(element int) (beta, absEffect, stdEffect, stdev []float64) {
	totalCols := t.NumDesignColumns()
	beta = nanSlice(totalCols)
	absEffect = nanSlice(t.numCont)
	stdEffect = nanSlice(t.numCont)
	stdev = nanSlice(t.numCont)

	design, y := t.DefaultDesign(element)
	if design == nil {
		return
	}
	rows, _ := design.Dims()

	rank, err := Rank(design)
	if err != nil {
		return
	}
	dof := rows - rank
	if dof <= 0 {
		return
	}
	pinv, err := Pinv(design)
	if err != nil {
		return
	}

	yVec := mat.NewVecDense(rows, y)
	var b mat.VecDense
	b.MulVec(pinv, yVec)

	var fitted mat.VecDense
	fitted.MulVec(design, &b)
	var resid mat.VecDense
	resid.SubVec(yVec, &fitted)
	sumSq := 0.0
	for i := 0; i < rows; i++ {
		r := resid.AtVec(i)
		sumSq += r * r
	}
	sd := math.Sqrt(sumSq / float64(dof))

	for col := 0; col < totalCols; col++ {
		beta[col] = b.AtVec(col)
	}
	for c := 0; c < t.numCont; c++ {
		row := mat.NewVecDense(totalCols, t.contrast.RawRowView(c))
		effect := mat.Dot(row, &b)
		absEffect[c] = effect
		stdev[c] = sd
		stdEffect[c] = effect / sd
	}
	return
}

func nanSlice(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}

// ComputeStatistic evaluates the t-statistic for every element, recomputing
// the pseudo-inverse on each element's reduced design
func (t *VariableTest) ComputeStatistic(perm []int) (*mat.Dense, []float64, []float64, error) {
	numSubjects := t.NumSubjects()
	if len(perm) != numSubjects {
		return nil, nil, nil, fmt.Errorf("permutation length %d does not match subject count %d", len(perm), numSubjects)
	}
	for _, src := range perm {
		if src < 0 || src >= numSubjects {
			return nil, nil, nil, fmt.Errorf("permutation entry %d outside [0, %d)", src, numSubjects)
		}
	}

	numElements := t.NumElements()
	stats := mat.NewDense(t.numCont, numElements, nil)
	maxStat := make([]float64, t.numCont)
	minStat := make([]float64, t.numCont)
	for c := 0; c < t.numCont; c++ {
		maxStat[c] = math.Inf(-1)
		minStat[c] = math.Inf(1)
	}

	for e := 0; e < numElements; e++ {
		values := t.statisticForElement(e, perm)
		for c := 0; c < t.numCont; c++ {
			value := values[c]
			if common.IsFinite(value) {
				if value > maxStat[c] {
					maxStat[c] = value
				}
				if value < minStat[c] {
					minStat[c] = value
				}
			} else {
				value = 0
			}
			stats.Set(c, e, value)
		}
	}

	return stats, maxStat, minStat, nil
}

func (t *VariableTest) statisticForElement(element int, perm []int) []float64 {
	values := make([]float64, t.numCont)

	design, y := t.elementDesign(element, perm)
	if design == nil {
		return values
	}
	rows, _ := design.Dims()

	rank, err := Rank(design)
	if err != nil {
		return values
	}
	dof := rows - rank
	if dof <= 0 {
		return values
	}

	scaled, err := ScaleContrasts(t.contrast, design, dof)
	if err != nil {
		return values
	}
	pinv, err := Pinv(design)
	if err != nil {
		return values
	}

	yVec := mat.NewVecDense(rows, y)
	var betas mat.VecDense
	betas.MulVec(pinv, yVec)

	var fitted mat.VecDense
	fitted.MulVec(design, &betas)
	var resid mat.VecDense
	resid.SubVec(yVec, &fitted)
	residNorm := mat.Norm(&resid, 2)

	for c := 0; c < t.numCont; c++ {
		scaledRow := mat.NewVecDense(scaled.RawMatrix().Cols, scaled.RawRowView(c))
		values[c] = mat.Dot(scaledRow, &betas) / residNorm
	}
	return values
}

func identityPermutation(n int) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	return perm
}
