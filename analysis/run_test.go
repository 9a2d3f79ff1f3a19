package analysis

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/RyanBlaney/fixelcfe/algorithms/connectivity"
	"github.com/RyanBlaney/fixelcfe/fixel"
)

// threeFixelTemplate is three single-fixel voxels in a row along x
func threeFixelTemplate(t *testing.T) *fixel.Template {
	t.Helper()
	directions := []fixel.Point{{1, 0, 0}, {1, 0, 0}, {1, 0, 0}}
	voxels := map[fixel.Voxel]fixel.Range{
		{0, 0, 0}: {Offset: 0, Count: 1},
		{1, 0, 0}: {Offset: 1, Count: 1},
		{2, 0, 0}: {Offset: 2, Count: 1},
	}
	tmpl, err := fixel.NewTemplate(directions, voxels, fixel.Point{1, 1, 1}, fixel.Point{0, 0, 0})
	require.NoError(t, err)
	return tmpl
}

// writeFixture lays out a complete miniature study on disk: a three-fixel
// template (three single-fixel voxels in a row along x), eight subjects with
// a strong group effect in the first fixel, design and contrast matrices and
// a handful of streamlines traversing all three voxels.
func writeFixture(t *testing.T) (Inputs, *fixel.Template) {
	t.Helper()
	root := t.TempDir()

	fixelDir := filepath.Join(root, "template")
	require.NoError(t, os.Mkdir(fixelDir, 0o755))
	index := `# voxel_size: 1 1 1
# origin: 0 0 0
0 0 0 0 1
1 0 0 1 1
2 0 0 2 1
`
	directions := "1 0 0\n1 0 0\n1 0 0\n"
	require.NoError(t, os.WriteFile(filepath.Join(fixelDir, "index.txt"), []byte(index), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(fixelDir, "directions.txt"), []byte(directions), 0o644))

	tmpl, err := fixel.LoadTemplate(fixelDir)
	require.NoError(t, err)

	// Group A subjects 0-3, group B subjects 4-7; the offset lives in the
	// first fixel only
	subjectValues := [][]float64{
		{1.0, 2.0, 0.5},
		{1.1, 2.1, 0.4},
		{0.9, 1.9, 0.6},
		{1.0, 2.0, 0.5},
		{3.0, 2.0, 0.5},
		{3.1, 2.1, 0.4},
		{2.9, 1.9, 0.6},
		{3.0, 2.0, 0.5},
	}
	var subjectList strings.Builder
	for s, values := range subjectValues {
		name := fmt.Sprintf("subject%d.txt", s)
		require.NoError(t, fixel.WriteScalarMap(filepath.Join(root, name), values, nil))
		subjectList.WriteString(name + "\n")
	}
	subjectsFile := filepath.Join(root, "subjects.txt")
	require.NoError(t, os.WriteFile(subjectsFile, []byte(subjectList.String()), 0o644))

	designFile := filepath.Join(root, "design.txt")
	design := "1 0\n1 0\n1 0\n1 0\n1 1\n1 1\n1 1\n1 1\n"
	require.NoError(t, os.WriteFile(designFile, []byte(design), 0o644))

	contrastFile := filepath.Join(root, "contrast.txt")
	require.NoError(t, os.WriteFile(contrastFile, []byte("0 1\n"), 0o644))

	tracksFile := filepath.Join(root, "tracks.txt")
	tracksContent := `# count: 3
0.5 0.5 0.5 1.5 0.5 0.5 2.5 0.5 0.5
0.5 0.5 0.5 1.5 0.5 0.5 2.5 0.5 0.5
0.5 0.5 0.5 1.5 0.5 0.5 2.5 0.5 0.5
`
	require.NoError(t, os.WriteFile(tracksFile, []byte(tracksContent), 0o644))

	return Inputs{
		FixelDir:     fixelDir,
		SubjectsFile: subjectsFile,
		DesignFile:   designFile,
		ContrastFile: contrastFile,
		TracksFile:   tracksFile,
		OutputDir:    filepath.Join(root, "out"),
	}, tmpl
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.NumPermutations = 50
	cfg.SmoothFWHM = 0
	cfg.Workers = 2
	cfg.Seed = 11
	return cfg
}

func TestRunEndToEnd(t *testing.T) {
	in, tmpl := writeFixture(t)
	cfg := testConfig()

	require.NoError(t, Run(context.Background(), cfg, in))

	for _, name := range []string{
		"beta0.txt", "beta1.txt",
		"abs_effect.txt", "std_effect.txt", "std_dev.txt",
		"tvalue.txt", "cfe.txt",
		"perm_dist.txt", "fwe_pvalue.txt", "uncorrected_pvalue.txt",
	} {
		_, err := os.Stat(filepath.Join(in.OutputDir, name))
		assert.NoError(t, err, "expected output %s", name)
	}

	tvalue, err := fixel.ReadScalarMap(filepath.Join(in.OutputDir, "tvalue.txt"), tmpl)
	require.NoError(t, err)
	assert.Greater(t, tvalue[0], 5.0)
	assert.InDelta(t, 0.0, tvalue[1], 1e-6)

	enhanced, err := fixel.ReadScalarMap(filepath.Join(in.OutputDir, "cfe.txt"), tmpl)
	require.NoError(t, err)
	assert.Greater(t, enhanced[0], 0.0)

	fwe, err := fixel.ReadScalarMap(filepath.Join(in.OutputDir, "fwe_pvalue.txt"), tmpl)
	require.NoError(t, err)
	for _, p := range fwe {
		assert.GreaterOrEqual(t, p, 1.0/50)
		assert.LessOrEqual(t, p, 1.0)
	}
	assert.Less(t, fwe[0], fwe[1])

	meta, err := fixel.ReadMapMetadata(filepath.Join(in.OutputDir, "cfe.txt"))
	require.NoError(t, err)
	assert.Equal(t, 50, meta.NumPermutations)
	assert.Equal(t, 0.1, meta.DH)

	abs, err := fixel.ReadScalarMap(filepath.Join(in.OutputDir, "abs_effect.txt"), tmpl)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, abs[0], 1e-9)
}

func TestRunSkipTest(t *testing.T) {
	in, _ := writeFixture(t)
	cfg := testConfig()
	cfg.SkipTest = true

	require.NoError(t, Run(context.Background(), cfg, in))

	_, err := os.Stat(filepath.Join(in.OutputDir, "cfe.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(in.OutputDir, "perm_dist.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(in.OutputDir, "fwe_pvalue.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunNonstationaryAdjustment(t *testing.T) {
	in, tmpl := writeFixture(t)
	cfg := testConfig()
	cfg.Nonstationary = true
	cfg.NumPermutationsNonstationary = 30

	require.NoError(t, Run(context.Background(), cfg, in))

	empirical, err := fixel.ReadScalarMap(filepath.Join(in.OutputDir, "cfe_empirical.txt"), tmpl)
	require.NoError(t, err)
	for _, v := range empirical {
		assert.Greater(t, v, 0.0)
	}
}

func TestRunValidatesBeforeConnectivity(t *testing.T) {
	in, _ := writeFixture(t)
	cfg := testConfig()

	// Break the track file so any attempt to read it would fail; validation
	// of the malformed permutation file must come first
	require.NoError(t, os.Remove(in.TracksFile))

	permFile := filepath.Join(filepath.Dir(in.SubjectsFile), "perms.txt")
	require.NoError(t, os.WriteFile(permFile, []byte("0 1 2\n"), 0o644))
	cfg.PermutationsFile = permFile

	err := Run(context.Background(), cfg, in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permutations file")
}

func TestRunRejectsSubjectCountMismatch(t *testing.T) {
	in, _ := writeFixture(t)
	cfg := testConfig()

	// Drop one subject from the list
	content, err := os.ReadFile(in.SubjectsFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.NoError(t, os.WriteFile(in.SubjectsFile, []byte(strings.Join(lines[:7], "\n")+"\n"), 0o644))

	err = Run(context.Background(), cfg, in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "design has 8 rows")
}

func TestRunFailsOnEmptyTrackFile(t *testing.T) {
	in, _ := writeFixture(t)
	cfg := testConfig()
	require.NoError(t, os.WriteFile(in.TracksFile, []byte("# count: 0\n"), 0o644))

	err := Run(context.Background(), cfg, in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no streamlines")
}

func TestSmoothIdentityWeightsPreserveData(t *testing.T) {
	tmpl := threeFixelTemplate(t)

	paths := make([]string, 0, 2)
	dir := t.TempDir()
	for s, values := range [][]float64{{1, 2, 3}, {4, 5, 6}} {
		path := filepath.Join(dir, fmt.Sprintf("s%d.txt", s))
		require.NoError(t, fixel.WriteScalarMap(path, values, nil))
		paths = append(paths, path)
	}
	data, err := LoadCohort(paths, tmpl)
	require.NoError(t, err)

	smoothed, hasNonFinite := Smooth(data, connectivity.Identity(3))
	assert.False(t, hasNonFinite)
	assert.Equal(t, 1.0, smoothed.At(0, 0))
	assert.Equal(t, 6.0, smoothed.At(2, 1))
}

func TestSmoothMissingValues(t *testing.T) {
	data := mat.NewDense(3, 1, []float64{math.NaN(), 2.0, 4.0})

	// Fixel 0 averages over fixels 1 and 2; its own NaN contributes nothing
	rows := []connectivity.Row{
		{Targets: []uint32{0, 1, 2}, Values: []float64{0.5, 0.25, 0.25}},
		{Targets: []uint32{1}, Values: []float64{1}},
		{Targets: []uint32{2}, Values: []float64{1}},
	}
	smoothed, hasNonFinite := Smooth(data, connectivity.NewMatrix(rows))
	assert.False(t, hasNonFinite)
	assert.InDelta(t, 3.0, smoothed.At(0, 0), 1e-12)

	// A fixel with no finite contributions stays missing
	isolated := []connectivity.Row{
		{Targets: []uint32{0}, Values: []float64{1}},
		{Targets: []uint32{1}, Values: []float64{1}},
		{Targets: []uint32{2}, Values: []float64{1}},
	}
	smoothed, hasNonFinite = Smooth(data, connectivity.NewMatrix(isolated))
	assert.True(t, hasNonFinite)
	assert.True(t, math.IsNaN(smoothed.At(0, 0)))
}
