package analysis

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/RyanBlaney/fixelcfe/algorithms/cfe"
	"github.com/RyanBlaney/fixelcfe/algorithms/connectivity"
	"github.com/RyanBlaney/fixelcfe/algorithms/glm"
	"github.com/RyanBlaney/fixelcfe/algorithms/permtest"
	"github.com/RyanBlaney/fixelcfe/fixel"
	"github.com/RyanBlaney/fixelcfe/logging"
	"github.com/RyanBlaney/fixelcfe/tracks"
)

// Inputs names the six positional inputs of an analysis run
type Inputs struct {
	FixelDir     string
	SubjectsFile string
	DesignFile   string
	ContrastFile string
	TracksFile   string
	OutputDir    string
}

// Run executes the full pipeline: input validation, connectivity
// construction and normalization, cohort assembly and smoothing, default GLM
// outputs, enhancement, and (unless skipped) the permutation test. All cheap
// validation happens before the connectivity pass, so malformed designs,
// contrasts or permutation files fail fast.
func Run(ctx context.Context, cfg *Config, in Inputs) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}

	template, err := fixel.LoadTemplate(in.FixelDir)
	if err != nil {
		return err
	}
	logging.Info("fixel template loaded", logging.Fields{
		"directory": in.FixelDir,
		"fixels":    template.NumFixels(),
	})

	design, err := LoadMatrix(in.DesignFile)
	if err != nil {
		return err
	}
	contrast, err := LoadMatrix(in.ContrastFile)
	if err != nil {
		return err
	}
	numSubjects, designCols := design.Dims()
	numContrasts, contrastCols := contrast.Dims()
	if contrastCols != designCols+len(cfg.ExtraColumnFiles) {
		return fmt.Errorf("contrast has %d columns but design has %d plus %d element-wise columns",
			contrastCols, designCols, len(cfg.ExtraColumnFiles))
	}

	subjectPaths, err := LoadFileList(in.SubjectsFile)
	if err != nil {
		return err
	}
	if len(subjectPaths) != numSubjects {
		return fmt.Errorf("subjects file names %d inputs but design has %d rows", len(subjectPaths), numSubjects)
	}

	// Permutation inputs are validated before the expensive connectivity
	// pass
	var mainStack, nonstatStack *permtest.Stack
	if cfg.PermutationsFile != "" {
		mainStack, err = permtest.LoadStack(cfg.PermutationsFile, numSubjects)
		if err != nil {
			return err
		}
	}
	if cfg.PermutationsNonstationaryFile != "" {
		if cfg.Nonstationary {
			nonstatStack, err = permtest.LoadStack(cfg.PermutationsNonstationaryFile, numSubjects)
			if err != nil {
				return err
			}
		} else {
			logging.Warn("nonstationarity permutations file ignored: nonstationary adjustment is disabled", logging.Fields{
				"file": cfg.PermutationsNonstationaryFile,
			})
		}
	}

	extras := make([]*mat.Dense, 0, len(cfg.ExtraColumnFiles))
	for _, columnFile := range cfg.ExtraColumnFiles {
		paths, err := LoadFileList(columnFile)
		if err != nil {
			return err
		}
		if len(paths) != numSubjects {
			return fmt.Errorf("element-wise column file %q names %d inputs but design has %d rows",
				columnFile, len(paths), numSubjects)
		}
		column, err := LoadCohort(paths, template)
		if err != nil {
			return fmt.Errorf("element-wise column file %q: %w", columnFile, err)
		}
		extras = append(extras, column)
	}

	if err := os.MkdirAll(in.OutputDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	conn, smoothWeights, err := buildConnectivity(ctx, cfg, template, in.TracksFile, workers)
	if err != nil {
		return err
	}

	raw, err := LoadCohort(subjectPaths, template)
	if err != nil {
		return err
	}
	data, hasNonFinite := Smooth(raw, smoothWeights)

	meta := &fixel.Metadata{
		NumPermutations:       cfg.NumPermutations,
		DH:                    cfg.DH,
		ExtentExponent:        cfg.ExtentExponent,
		HeightExponent:        cfg.HeightExponent,
		ConnectivityExponent:  cfg.ConnectivityExponent,
		AngleThreshold:        cfg.AngleThreshold,
		ConnectivityThreshold: cfg.ConnectivityThreshold,
		SmoothFWHM:            cfg.SmoothFWHM,
		Nonstationary:         cfg.Nonstationary,
	}
	out := &writer{dir: in.OutputDir, meta: meta, numContrasts: numContrasts}

	// Per-fixel design matrices are needed whenever element-wise columns
	// exist or the smoothed data contain missing values
	var test glm.Test
	if len(extras) > 0 || hasNonFinite {
		variable, err := glm.NewVariableTest(data, design, contrast, extras)
		if err != nil {
			return err
		}
		test = variable
		if err := writeVariableDefaults(out, variable, workers); err != nil {
			return err
		}
	} else {
		fixed, err := glm.NewFixedTest(data, design, contrast)
		if err != nil {
			return err
		}
		test = fixed
		if err := writeFixedDefaults(out, data, design, contrast); err != nil {
			return err
		}
	}

	enhancer, err := cfe.NewEnhancer(conn, cfg.DH, cfg.ExtentExponent, cfg.HeightExponent)
	if err != nil {
		return err
	}
	engine := permtest.NewEngine(test, enhancer)
	engine.SetWorkers(workers)

	rng := rand.New(rand.NewSource(cfg.Seed))
	if cfg.Nonstationary {
		if nonstatStack == nil {
			nonstatStack, err = permtest.GenerateStack(cfg.NumPermutationsNonstationary, numSubjects, rng)
			if err != nil {
				return err
			}
		}
		empirical, err := engine.PrecomputeEmpirical(ctx, nonstatStack)
		if err != nil {
			return err
		}
		engine.SetEmpirical(empirical)
		for c := 0; c < numContrasts; c++ {
			if err := out.writeMap("cfe_empirical", c, empirical[c]); err != nil {
				return err
			}
		}
	}

	defaults, err := engine.PrecomputeDefault()
	if err != nil {
		return err
	}
	for c := 0; c < numContrasts; c++ {
		if err := out.writeMap("tvalue", c, rowSlice(defaults.Stats, c)); err != nil {
			return err
		}
		if err := out.writeMap("cfe", c, defaults.Enhanced[c]); err != nil {
			return err
		}
	}

	if cfg.SkipTest {
		logging.Info("permutation test skipped")
		return nil
	}

	if mainStack == nil {
		mainStack, err = permtest.GenerateStack(cfg.NumPermutations, numSubjects, rng)
		if err != nil {
			return err
		}
	}
	result, err := engine.Run(ctx, mainStack, defaults.Enhanced)
	if err != nil {
		return err
	}
	for c := 0; c < numContrasts; c++ {
		if err := out.writeVector("perm_dist", c, result.NullDistribution[c]); err != nil {
			return err
		}
		if err := out.writeMap("fwe_pvalue", c, result.FWEPValues[c]); err != nil {
			return err
		}
		if err := out.writeMap("uncorrected_pvalue", c, result.UncorrectedPValues[c]); err != nil {
			return err
		}
	}

	logging.Info("analysis complete", logging.Fields{"output": in.OutputDir})
	return nil
}

// buildConnectivity maps the streamlines onto the template and produces the
// normalized connectivity and smoothing matrices
func buildConnectivity(ctx context.Context, cfg *Config, template *fixel.Template,
	tracksFile string, workers int) (conn, smooth *connectivity.Matrix, err error) {

	reader, err := tracks.NewReader(tracksFile)
	if err != nil {
		return nil, nil, err
	}
	defer reader.Close()

	builder, err := connectivity.NewBuilder(template, cfg.AngleThreshold)
	if err != nil {
		return nil, nil, err
	}
	// Sample at roughly a third of the voxel size so short in-voxel
	// traversals are not skipped
	mapper := tracks.NewMapper(template, tracks.DetermineUpsampleRatio(template.VoxelSize(), 0, 0.333))
	if err := builder.ProcessAll(ctx, reader, mapper, workers); err != nil {
		return nil, nil, err
	}

	numTracks := builder.NumTracks()
	if numTracks == 0 {
		return nil, nil, fmt.Errorf("no streamlines read from %q", tracksFile)
	}
	if numTracks < tracks.RobustTrackCount {
		logging.Warn("streamline count is below the recommended minimum for robust statistical inference", logging.Fields{
			"tracks":      numTracks,
			"recommended": tracks.RobustTrackCount,
		})
	}
	logging.Info("connectivity matrix built", logging.Fields{"tracks": numTracks})

	return connectivity.Normalize(ctx, template, builder.RawCounts(), builder.TrackDensity(),
		connectivity.NormalizeConfig{
			ConnectivityThreshold: cfg.ConnectivityThreshold,
			SmoothFWHM:            cfg.SmoothFWHM,
			ConnectivityExponent:  cfg.ConnectivityExponent,
		}, workers)
}

// writeFixedDefaults writes the shared-design reportable GLM quantities:
// one beta map per design column, then per-contrast effect sizes
func writeFixedDefaults(out *writer, data, design, contrast *mat.Dense) error {
	betas, absEffect, stdEffect, stdev, err := glm.AllStats(data, design, contrast)
	if err != nil {
		return err
	}
	numCols, _ := betas.Dims()
	for col := 0; col < numCols; col++ {
		if err := out.writeBeta(col, rowSlice(betas, col)); err != nil {
			return err
		}
	}
	numContrasts, _ := contrast.Dims()
	for c := 0; c < numContrasts; c++ {
		if err := out.writeMap("abs_effect", c, rowSlice(absEffect, c)); err != nil {
			return err
		}
		if err := out.writeMap("std_effect", c, rowSlice(stdEffect, c)); err != nil {
			return err
		}
		if err := out.writeMap("std_dev", c, rowSlice(stdev, c)); err != nil {
			return err
		}
	}
	return nil
}

// writeVariableDefaults computes the same reportable quantities per fixel on
// each fixel's reduced design. Fixels whose reduced design loses all residual
// degrees of freedom report NaN.
func writeVariableDefaults(out *writer, test *glm.VariableTest, workers int) error {
	numFixels := test.NumElements()
	numContrasts := test.NumContrasts()
	numCols := test.NumDesignColumns()

	betas := mat.NewDense(numCols, numFixels, nil)
	absEffect := mat.NewDense(numContrasts, numFixels, nil)
	stdEffect := mat.NewDense(numContrasts, numFixels, nil)
	stdev := mat.NewDense(numContrasts, numFixels, nil)

	g := new(errgroup.Group)
	g.SetLimit(workers)
	for i := 0; i < numFixels; i++ {
		i := i
		g.Go(func() error {
			beta, abs, std, sd := test.DefaultStats(i)
			for col := 0; col < numCols; col++ {
				betas.Set(col, i, beta[col])
			}
			for c := 0; c < numContrasts; c++ {
				absEffect.Set(c, i, abs[c])
				stdEffect.Set(c, i, std[c])
				stdev.Set(c, i, sd[c])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for col := 0; col < numCols; col++ {
		if err := out.writeBeta(col, rowSlice(betas, col)); err != nil {
			return err
		}
	}
	for c := 0; c < numContrasts; c++ {
		if err := out.writeMap("abs_effect", c, rowSlice(absEffect, c)); err != nil {
			return err
		}
		if err := out.writeMap("std_effect", c, rowSlice(stdEffect, c)); err != nil {
			return err
		}
		if err := out.writeMap("std_dev", c, rowSlice(stdev, c)); err != nil {
			return err
		}
	}
	return nil
}

// writer names and writes the output maps, adding a per-contrast postfix only
// when more than one contrast is tested
type writer struct {
	dir          string
	meta         *fixel.Metadata
	numContrasts int
}

func (w *writer) path(name string, contrast int) string {
	postfix := ""
	if w.numContrasts > 1 {
		postfix = "_" + strconv.Itoa(contrast)
	}
	return filepath.Join(w.dir, name+postfix+".txt")
}

func (w *writer) writeMap(name string, contrast int, data []float64) error {
	return fixel.WriteScalarMap(w.path(name, contrast), data, w.meta)
}

func (w *writer) writeVector(name string, contrast int, data []float64) error {
	return fixel.WriteVector(w.path(name, contrast), data)
}

func (w *writer) writeBeta(column int, data []float64) error {
	return fixel.WriteScalarMap(filepath.Join(w.dir, "beta"+strconv.Itoa(column)+".txt"), data, w.meta)
}

func rowSlice(m *mat.Dense, row int) []float64 {
	return m.RawRowView(row)
}
