package analysis

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable parameter of a whole-brain fixel analysis run
type Config struct {
	// DH is the height increment of the enhancement integration
	DH float64 `json:"dh" yaml:"dh"`

	// ExtentExponent (E) weights the connected extent in enhancement
	ExtentExponent float64 `json:"cfe_e" yaml:"cfe_e"`

	// HeightExponent (H) weights the statistic height in enhancement
	HeightExponent float64 `json:"cfe_h" yaml:"cfe_h"`

	// ConnectivityExponent (C) is applied to each connectivity value during
	// normalization
	ConnectivityExponent float64 `json:"cfe_c" yaml:"cfe_c"`

	// NumPermutations sizes the null distribution
	NumPermutations int `json:"num_permutations" yaml:"num_permutations"`

	// Nonstationary enables empirical enhancement-expectation adjustment
	Nonstationary bool `json:"nonstationary_adjustment" yaml:"nonstationary_adjustment"`

	// NumPermutationsNonstationary sizes the empirical estimation pass
	NumPermutationsNonstationary int `json:"num_permutations_nonstationary" yaml:"num_permutations_nonstationary"`

	// SmoothFWHM is the data smoothing kernel full-width-half-max in mm;
	// 0 disables smoothing
	SmoothFWHM float64 `json:"smoothing_fwhm" yaml:"smoothing_fwhm"`

	// ConnectivityThreshold drops weak normalized connections
	ConnectivityThreshold float64 `json:"connectivity_threshold" yaml:"connectivity_threshold"`

	// AngleThreshold is the maximum streamline-to-fixel angle in degrees
	AngleThreshold float64 `json:"angular_threshold" yaml:"angular_threshold"`

	// SkipTest computes only the default statistics and enhancement, skipping
	// the permutation test
	SkipTest bool `json:"skip_test" yaml:"skip_test"`

	// PermutationsFile, when set, supplies the main permutation stack instead
	// of random generation
	PermutationsFile string `json:"permutations_file,omitempty" yaml:"permutations_file,omitempty"`

	// PermutationsNonstationaryFile supplies the empirical estimation stack
	PermutationsNonstationaryFile string `json:"permutations_nonstationary_file,omitempty" yaml:"permutations_nonstationary_file,omitempty"`

	// ExtraColumnFiles each name a text file listing one fixel data file per
	// subject, appended to the design as an element-wise column
	ExtraColumnFiles []string `json:"extra_column_files,omitempty" yaml:"extra_column_files,omitempty"`

	// Workers bounds worker pools; 0 means one per CPU
	Workers int `json:"workers" yaml:"workers"`

	// Seed makes random permutation generation reproducible
	Seed int64 `json:"seed" yaml:"seed"`
}

// DefaultConfig returns the canonical parameter set
func DefaultConfig() *Config {
	return &Config{
		DH:                           0.1,
		ExtentExponent:               2.0,
		HeightExponent:               3.0,
		ConnectivityExponent:         0.5,
		NumPermutations:              5000,
		NumPermutationsNonstationary: 5000,
		SmoothFWHM:                   10.0,
		ConnectivityThreshold:        0.01,
		AngleThreshold:               45.0,
	}
}

// Validate rejects parameter combinations before any heavy computation
func (c *Config) Validate() error {
	if c.DH <= 0 {
		return fmt.Errorf("dh must be positive, got %g", c.DH)
	}
	if c.AngleThreshold <= 0 || c.AngleThreshold > 90 {
		return fmt.Errorf("angular threshold must be in (0, 90] degrees, got %g", c.AngleThreshold)
	}
	if c.ConnectivityThreshold < 0 || c.ConnectivityThreshold > 1 {
		return fmt.Errorf("connectivity threshold must be in [0, 1], got %g", c.ConnectivityThreshold)
	}
	if c.SmoothFWHM < 0 {
		return fmt.Errorf("smoothing FWHM must be non-negative, got %g", c.SmoothFWHM)
	}
	if !c.SkipTest && c.PermutationsFile == "" && c.NumPermutations < 1 {
		return fmt.Errorf("permutation count must be at least 1, got %d", c.NumPermutations)
	}
	if c.Nonstationary && c.PermutationsNonstationaryFile == "" && c.NumPermutationsNonstationary < 1 {
		return fmt.Errorf("nonstationary permutation count must be at least 1, got %d", c.NumPermutationsNonstationary)
	}
	return nil
}

// LoadConfig reads a YAML config file over the defaults
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %q: %w", path, err)
	}
	return cfg, nil
}

// LoadMatrix reads a whitespace-delimited numeric text matrix. Blank lines
// and '#' comments are skipped; every row must have the same column count.
func LoadMatrix(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening matrix file: %w", err)
	}
	defer f.Close()

	var rows [][]float64
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		row := make([]float64, len(fields))
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("matrix file %q line %d: %w", path, line, err)
			}
			row[i] = v
		}
		if len(rows) > 0 && len(row) != len(rows[0]) {
			return nil, fmt.Errorf("matrix file %q line %d has %d columns, expected %d", path, line, len(row), len(rows[0]))
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading matrix file %q: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("matrix file %q is empty", path)
	}

	m := mat.NewDense(len(rows), len(rows[0]), nil)
	for i, row := range rows {
		m.SetRow(i, row)
	}
	return m, nil
}

// LoadFileList reads a text file naming one path per line. Relative entries
// are resolved against the list file's own directory.
func LoadFileList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file list: %w", err)
	}
	defer f.Close()

	base := filepath.Dir(path)
	var paths []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if !filepath.IsAbs(text) {
			text = filepath.Join(base, text)
		}
		paths = append(paths, text)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading file list %q: %w", path, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("file list %q names no files", path)
	}
	return paths, nil
}
