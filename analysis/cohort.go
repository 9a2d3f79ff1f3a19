package analysis

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/RyanBlaney/fixelcfe/algorithms/common"
	"github.com/RyanBlaney/fixelcfe/algorithms/connectivity"
	"github.com/RyanBlaney/fixelcfe/fixel"
	"github.com/RyanBlaney/fixelcfe/logging"
)

// LoadCohort reads one scalar fixel map per subject, each validated against
// the template layout, into a fixels x subjects matrix
func LoadCohort(paths []string, template *fixel.Template) (*mat.Dense, error) {
	numFixels := template.NumFixels()
	data := mat.NewDense(numFixels, len(paths), nil)
	for s, path := range paths {
		values, err := fixel.ReadScalarMap(path, template)
		if err != nil {
			return nil, fmt.Errorf("subject %d: %w", s, err)
		}
		data.SetCol(s, values)
	}
	return data, nil
}

// Smooth applies the connectivity-derived smoothing weights to each subject
// column. A fixel's smoothed value is the weighted average over the finite
// values of its smoothing row; when nothing finite contributes the result is
// NaN. Returns the smoothed matrix and whether any non-finite value remains,
// which forces the per-element-design statistic path downstream.
func Smooth(data *mat.Dense, weights *connectivity.Matrix) (*mat.Dense, bool) {
	numFixels, numSubjects := data.Dims()
	smoothed := mat.NewDense(numFixels, numSubjects, nil)
	nonFinite := false

	for i := 0; i < numFixels; i++ {
		row := weights.Row(i)
		for s := 0; s < numSubjects; s++ {
			sum := 0.0
			weightSum := 0.0
			for k, j := range row.Targets {
				v := data.At(int(j), s)
				if !common.IsFinite(v) {
					continue
				}
				sum += row.Values[k] * v
				weightSum += row.Values[k]
			}
			if weightSum > 0 {
				smoothed.Set(i, s, sum/weightSum)
			} else {
				smoothed.Set(i, s, math.NaN())
				nonFinite = true
			}
		}
	}

	if nonFinite {
		logging.Warn("smoothed cohort data contain non-finite values; using per-fixel design matrices")
	}
	return smoothed, nonFinite
}
