package glm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// svdTolerance is the singular-value floor below which a dimension is treated
// as rank-deficient
const svdTolerance = 1e-10

// Pinv computes the Moore-Penrose pseudo-inverse of a via thin SVD.
// Singular values below the tolerance are zeroed rather than inverted.
func Pinv(a mat.Matrix) (*mat.Dense, error) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, fmt.Errorf("SVD factorization failed")
	}
	values := svd.Values(nil)

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	k := len(values)
	inv := mat.NewDense(k, k, nil)
	for i, sv := range values {
		if sv > svdTolerance {
			inv.Set(i, i, 1.0/sv)
		}
	}

	var scaled mat.Dense
	scaled.Mul(&v, inv)
	var pinv mat.Dense
	pinv.Mul(&scaled, u.T())
	return &pinv, nil
}

// Rank returns the numerical rank of a (singular values above the tolerance)
func Rank(a mat.Matrix) (int, error) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return 0, fmt.Errorf("SVD factorization failed")
	}
	rank := 0
	for _, sv := range svd.Values(nil) {
		if sv > svdTolerance {
			rank++
		}
	}
	return rank, nil
}

// ScaleContrasts rescales each contrast row by
// sqrt(dof / (c * pinv(X'X) * c')) so that the statistic computed from the
// scaled contrast is a proper t-value. Each row is treated as an independent
// univariate contrast. A degenerate row (non-positive quadratic form) scales
// to zero, which clamps its statistic to zero downstream.
func ScaleContrasts(contrast, design *mat.Dense, dof int) (*mat.Dense, error) {
	numContrasts, cols := contrast.Dims()
	_, designCols := design.Dims()
	if cols != designCols {
		return nil, fmt.Errorf("contrast has %d columns but design has %d", cols, designCols)
	}

	var xtx mat.Dense
	xtx.Mul(design.T(), design)
	pinvXtX, err := Pinv(&xtx)
	if err != nil {
		return nil, err
	}

	scaled := mat.NewDense(numContrasts, cols, nil)
	for n := 0; n < numContrasts; n++ {
		row := contrast.RawRowView(n)
		c := mat.NewVecDense(cols, row)

		var tmp mat.VecDense
		tmp.MulVec(pinvXtX, c)
		quad := mat.Dot(c, &tmp)

		scale := 0.0
		if quad > 0 && dof > 0 {
			scale = math.Sqrt(float64(dof) / quad)
		}
		for j := 0; j < cols; j++ {
			scaled.Set(n, j, row[j]*scale)
		}
	}
	return scaled, nil
}

// AllStats computes the reportable per-element GLM quantities for the
// unpermuted design: beta coefficients (one row per design column), absolute
// effect size (contrast * betas), pooled standard deviation
// sqrt(mean squared residual / dof) and standardized effect size
// (absolute effect / stdev). Measurements are elements x subjects; the
// returned matrices are columns-per-element.
func AllStats(measurements, design, contrast *mat.Dense) (betas, absEffect, stdEffect, stdev *mat.Dense, err error) {
	numElements, numSubjects := measurements.Dims()
	designRows, _ := design.Dims()
	if numSubjects != designRows {
		return nil, nil, nil, nil, fmt.Errorf("measurements have %d subjects but design has %d rows", numSubjects, designRows)
	}

	pinvX, err := Pinv(design)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	rank, err := Rank(design)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	dof := designRows - rank
	if dof <= 0 {
		return nil, nil, nil, nil, fmt.Errorf("design matrix has no residual degrees of freedom (%d rows, rank %d)", designRows, rank)
	}

	var b mat.Dense
	b.Mul(pinvX, measurements.T())
	betas = &b

	var abs mat.Dense
	abs.Mul(contrast, betas)
	absEffect = &abs

	var fitted mat.Dense
	fitted.Mul(design, betas)
	var resid mat.Dense
	resid.Sub(measurements.T(), &fitted)

	numContrasts, _ := contrast.Dims()
	stdev = mat.NewDense(numContrasts, numElements, nil)
	for e := 0; e < numElements; e++ {
		sumSq := 0.0
		for s := 0; s < designRows; s++ {
			r := resid.At(s, e)
			sumSq += r * r
		}
		sd := math.Sqrt(sumSq / float64(dof))
		for c := 0; c < numContrasts; c++ {
			stdev.Set(c, e, sd)
		}
	}

	stdEffect = mat.NewDense(numContrasts, numElements, nil)
	for c := 0; c < numContrasts; c++ {
		for e := 0; e < numElements; e++ {
			stdEffect.Set(c, e, absEffect.At(c, e)/stdev.At(c, e))
		}
	}

	return betas, absEffect, stdEffect, stdev, nil
}
