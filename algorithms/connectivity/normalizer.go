package connectivity

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/RyanBlaney/fixelcfe/fixel"
)

// FWHMDivisor converts a Gaussian kernel full-width-half-max to its
// standard deviation: sigma = FWHM / 2.3548
const FWHMDivisor = 2.3548

// smoothingWeightFloor drops negligible Gaussian weights so smoothing rows
// stay sparse
const smoothingWeightFloor = 0.01

// NormalizeConfig holds the three scalar parameters of connectivity
// normalization
type NormalizeConfig struct {
	// ConnectivityThreshold drops normalized connectivity values below this
	// fraction of shared streamlines
	ConnectivityThreshold float64 `json:"connectivity_threshold"`

	// SmoothFWHM is the Gaussian smoothing kernel full-width-half-max in mm;
	// 0 disables smoothing
	SmoothFWHM float64 `json:"smoothing_fwhm"`

	// ConnectivityExponent (C) is applied to each retained connectivity value
	// for later use by the enhancement operator
	ConnectivityExponent float64 `json:"cfe_c"`
}

// Normalize converts raw streamline pair counts into (a) the thresholded,
// exponentiated connectivity matrix used by enhancement and (b) the spatial
// Gaussian smoothing-weight matrix, whose rows each sum to exactly 1.
//
// Per fixel row, independently: each raw count is divided by the fixel's
// track-density total; entries below the connectivity threshold are dropped;
// surviving entries gain a Gaussian smoothing weight from the spatial
// distance between fixel positions; the connectivity value is then raised to
// the exponent C. Self-entries (connectivity 1, smoothing weight equal to the
// Gaussian peak) are inserted unconditionally. This is a pure function of its
// inputs; rows are processed in parallel.
func Normalize(ctx context.Context, template *fixel.Template, raw []map[uint32]float64,
	trackDensity []uint32, cfg NormalizeConfig, workers int) (conn, smooth *Matrix, err error) {

	numFixels := template.NumFixels()
	if len(raw) != numFixels || len(trackDensity) != numFixels {
		return nil, nil, fmt.Errorf("raw connectivity size %d does not match template fixel count %d", len(raw), numFixels)
	}
	if workers < 1 {
		workers = runtime.NumCPU()
	}

	doSmoothing := cfg.SmoothFWHM > 0
	sigma := cfg.SmoothFWHM / FWHMDivisor
	gaussianPeak := 1.0
	gaussianDenom := 0.0
	if doSmoothing {
		gaussianPeak = 1.0 / (sigma * math.Sqrt(2.0*math.Pi))
		gaussianDenom = 2.0 * sigma * sigma
	}

	connRows := make([]Row, numFixels)
	smoothRows := make([]Row, numFixels)

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < numFixels; i++ {
		i := i
		g.Go(func() error {
			connEntries := make(map[uint32]float64)
			smoothEntries := make(map[uint32]float64)

			density := float64(trackDensity[i])
			for j, count := range raw[i] {
				value := count / density
				if value < cfg.ConnectivityThreshold {
					continue
				}
				if doSmoothing {
					distance := template.Position(i).Distance(template.Position(int(j)))
					weight := value * gaussianPeak * math.Exp(-distance*distance/gaussianDenom)
					if weight > smoothingWeightFloor {
						smoothEntries[j] = weight
					}
				}
				connEntries[j] = math.Pow(value, cfg.ConnectivityExponent)
			}

			// The fixel is always fully connected to itself
			connEntries[uint32(i)] = 1.0
			smoothEntries[uint32(i)] = gaussianPeak

			sum := 0.0
			for _, w := range smoothEntries {
				sum += w
			}
			for j, w := range smoothEntries {
				smoothEntries[j] = w / sum
			}

			connRows[i] = rowFromMap(connEntries)
			smoothRows[i] = rowFromMap(smoothEntries)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	return NewMatrix(connRows), NewMatrix(smoothRows), nil
}
