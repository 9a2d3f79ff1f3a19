package permtest

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	montstats "github.com/montanaflynn/stats"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/RyanBlaney/fixelcfe/algorithms/cfe"
	"github.com/RyanBlaney/fixelcfe/algorithms/common"
	"github.com/RyanBlaney/fixelcfe/algorithms/glm"
	"github.com/RyanBlaney/fixelcfe/logging"
)

// Engine drives the permutation test: for every permutation in a stack it
// computes the per-fixel statistic, enhances it, and accumulates both the
// per-contrast null distribution of maxima and per-fixel uncorrected
// exceedance counts. The statistic test and enhancer are immutable, so
// permutations are evaluated concurrently.
type Engine struct {
	test      glm.Test
	enhancer  *cfe.Enhancer
	empirical [][]float64 // per contrast, per fixel; nil disables adjustment
	workers   int
	logger    logging.Logger
}

// NewEngine builds an engine over a statistic test and an enhancement
// operator
func NewEngine(test glm.Test, enhancer *cfe.Enhancer) *Engine {
	return &Engine{
		test:     test,
		enhancer: enhancer,
		workers:  runtime.NumCPU(),
		logger:   logging.WithFields(logging.Fields{"component": "permtest"}),
	}
}

// SetWorkers bounds the permutation worker pool
func (e *Engine) SetWorkers(n int) {
	if n > 0 {
		e.workers = n
	}
}

// SetEmpirical installs the per-contrast empirical enhancement expectation;
// every subsequent enhanced statistic is divided by it element-wise
func (e *Engine) SetEmpirical(empirical [][]float64) {
	e.empirical = empirical
}

// DefaultResult holds the unpermuted run: the raw statistic matrix and the
// enhanced (and, if configured, empirically adjusted) statistic per contrast.
type DefaultResult struct {
	Stats    *mat.Dense
	Enhanced [][]float64
}

// PrecomputeDefault evaluates the identity ordering once. Its enhanced
// values are the observed statistics that the null distribution is compared
// against.
func (e *Engine) PrecomputeDefault() (*DefaultResult, error) {
	perm := Identity(e.test.NumSubjects())
	stats, maxStat, _, err := e.test.ComputeStatistic(perm)
	if err != nil {
		return nil, fmt.Errorf("computing default statistic: %w", err)
	}

	numContrasts := e.test.NumContrasts()
	enhanced := make([][]float64, numContrasts)
	for c := 0; c < numContrasts; c++ {
		enh, err := e.enhancer.Enhance(stats.RawRowView(c), maxStat[c])
		if err != nil {
			return nil, fmt.Errorf("enhancing default statistic: %w", err)
		}
		if e.empirical != nil {
			for i := range enh {
				enh[i] /= e.empirical[c][i]
			}
		}
		enhanced[c] = enh
	}
	return &DefaultResult{Stats: stats, Enhanced: enhanced}, nil
}

// PrecomputeEmpirical estimates the per-fixel expected enhanced statistic
// under the null by averaging enhanced values over a dedicated permutation
// stack. Fixels whose expectation is zero are set to 1 so the later division
// leaves their statistic untouched.
func (e *Engine) PrecomputeEmpirical(ctx context.Context, stack *Stack) ([][]float64, error) {
	numContrasts := e.test.NumContrasts()
	numFixels := e.test.NumElements()

	sums := make([][]float64, numContrasts)
	for c := range sums {
		sums[c] = make([]float64, numFixels)
	}

	e.logger.Info("estimating empirical enhancement expectation", logging.Fields{
		"permutations": stack.Size(),
	})

	type partial struct {
		sums [][]float64
	}
	results := make([]*partial, e.workers)

	indices := make(chan int)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(indices)
		for p := 0; p < stack.Size(); p++ {
			select {
			case indices <- p:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for w := 0; w < e.workers; w++ {
		w := w
		g.Go(func() error {
			local := &partial{sums: make([][]float64, numContrasts)}
			for c := range local.sums {
				local.sums[c] = make([]float64, numFixels)
			}
			results[w] = local
			for p := range indices {
				stats, maxStat, _, err := e.test.ComputeStatistic(stack.Permutation(p))
				if err != nil {
					return fmt.Errorf("permutation %d: %w", p, err)
				}
				for c := 0; c < numContrasts; c++ {
					enh, err := e.enhancer.Enhance(stats.RawRowView(c), maxStat[c])
					if err != nil {
						return fmt.Errorf("permutation %d: %w", p, err)
					}
					for i, v := range enh {
						local.sums[c][i] += v
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	n := float64(stack.Size())
	empirical := make([][]float64, numContrasts)
	for c := 0; c < numContrasts; c++ {
		empirical[c] = make([]float64, numFixels)
		for _, local := range results {
			if local == nil {
				continue
			}
			for i, v := range local.sums[c] {
				empirical[c][i] += v
			}
		}
		for i := range empirical[c] {
			mean := empirical[c][i] / n
			if mean <= 0 || !common.IsFinite(mean) {
				mean = 1.0
			}
			empirical[c][i] = mean
		}
	}
	return empirical, nil
}

// NullSummary describes one contrast's null distribution of enhanced maxima
type NullSummary struct {
	Median       float64 `json:"median"`
	Percentile95 float64 `json:"percentile_95"`
	Max          float64 `json:"max"`
}

// Result holds the complete permutation test output per contrast
type Result struct {
	// NullDistribution is the per-permutation maximum enhanced statistic,
	// sorted ascending
	NullDistribution [][]float64

	// FWEPValues is the family-wise-error corrected p-value per fixel
	FWEPValues [][]float64

	// UncorrectedPValues is the per-fixel fraction of permutations whose
	// enhanced statistic at that fixel reached the observed value
	UncorrectedPValues [][]float64

	Summaries []NullSummary
}

// Run evaluates every permutation in the stack against the default enhanced
// statistics and derives the null distribution and both p-value families.
// FWE p-values are clipped to [1/N, 1] for a stack of N permutations: an
// observed statistic exceeding every null sample receives 1/N, and one
// exceeding none receives 1.
func (e *Engine) Run(ctx context.Context, stack *Stack, defaultEnhanced [][]float64) (*Result, error) {
	numContrasts := e.test.NumContrasts()
	numFixels := e.test.NumElements()
	if len(defaultEnhanced) != numContrasts {
		return nil, fmt.Errorf("default enhancement has %d contrasts, test has %d", len(defaultEnhanced), numContrasts)
	}

	numPerms := stack.Size()
	nullDist := make([][]float64, numContrasts)
	for c := range nullDist {
		nullDist[c] = make([]float64, numPerms)
	}

	e.logger.Info("running permutation test", logging.Fields{
		"permutations": numPerms,
		"workers":      e.workers,
	})

	type partial struct {
		exceed [][]uint32
	}
	results := make([]*partial, e.workers)

	indices := make(chan int)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(indices)
		for p := 0; p < numPerms; p++ {
			select {
			case indices <- p:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for w := 0; w < e.workers; w++ {
		w := w
		g.Go(func() error {
			local := &partial{exceed: make([][]uint32, numContrasts)}
			for c := range local.exceed {
				local.exceed[c] = make([]uint32, numFixels)
			}
			results[w] = local
			for p := range indices {
				stats, maxStat, _, err := e.test.ComputeStatistic(stack.Permutation(p))
				if err != nil {
					return fmt.Errorf("permutation %d: %w", p, err)
				}
				for c := 0; c < numContrasts; c++ {
					enh, err := e.enhancer.Enhance(stats.RawRowView(c), maxStat[c])
					if err != nil {
						return fmt.Errorf("permutation %d: %w", p, err)
					}
					if e.empirical != nil {
						for i := range enh {
							enh[i] /= e.empirical[c][i]
						}
					}
					permMax := 0.0
					for i, v := range enh {
						if v > permMax {
							permMax = v
						}
						if v >= defaultEnhanced[c][i] {
							local.exceed[c][i]++
						}
					}
					// Each permutation owns its slot; no lock needed
					nullDist[c][p] = permMax
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	exceed := make([][]uint32, numContrasts)
	for c := 0; c < numContrasts; c++ {
		exceed[c] = make([]uint32, numFixels)
		for _, local := range results {
			if local == nil {
				continue
			}
			for i, v := range local.exceed[c] {
				exceed[c][i] += v
			}
		}
	}

	return e.finalize(stack, nullDist, exceed, defaultEnhanced)
}

func (e *Engine) finalize(stack *Stack, nullDist [][]float64, exceed [][]uint32, defaultEnhanced [][]float64) (*Result, error) {
	numContrasts := e.test.NumContrasts()
	numFixels := e.test.NumElements()
	n := float64(stack.Size())
	minP := 1.0 / n

	result := &Result{
		NullDistribution:   nullDist,
		FWEPValues:         make([][]float64, numContrasts),
		UncorrectedPValues: make([][]float64, numContrasts),
		Summaries:          make([]NullSummary, numContrasts),
	}

	for c := 0; c < numContrasts; c++ {
		sort.Float64s(nullDist[c])

		fwe := make([]float64, numFixels)
		uncorrected := make([]float64, numFixels)
		for i := 0; i < numFixels; i++ {
			observed := defaultEnhanced[c][i]
			// Count of null maxima >= observed
			idx := sort.SearchFloat64s(nullDist[c], observed)
			count := float64(len(nullDist[c]) - idx)
			fwe[i] = common.Clamp(count/n, minP, 1.0)
			uncorrected[i] = float64(exceed[c][i]) / n
		}
		result.FWEPValues[c] = fwe
		result.UncorrectedPValues[c] = uncorrected

		median, err := montstats.Median(nullDist[c])
		if err != nil {
			return nil, fmt.Errorf("summarizing null distribution: %w", err)
		}
		p95, err := montstats.Percentile(nullDist[c], 95)
		if err != nil {
			return nil, fmt.Errorf("summarizing null distribution: %w", err)
		}
		result.Summaries[c] = NullSummary{
			Median:       median,
			Percentile95: p95,
			Max:          nullDist[c][len(nullDist[c])-1],
		}
		e.logger.Info("null distribution computed", logging.Fields{
			"contrast":      c,
			"median":        median,
			"percentile_95": p95,
			"max":           nullDist[c][len(nullDist[c])-1],
		})
	}

	return result, nil
}
