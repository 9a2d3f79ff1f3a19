package fixel

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Metadata describes the run parameters carried by every output scalar map
type Metadata struct {
	NumPermutations       int     `json:"num_permutations"`
	DH                    float64 `json:"dh"`
	ExtentExponent        float64 `json:"cfe_e"`
	HeightExponent        float64 `json:"cfe_h"`
	ConnectivityExponent  float64 `json:"cfe_c"`
	AngleThreshold        float64 `json:"angular_threshold"`
	ConnectivityThreshold float64 `json:"connectivity_threshold"`
	SmoothFWHM            float64 `json:"smoothing_fwhm"`
	Nonstationary         bool    `json:"nonstationary_adjustment"`
}

const metadataPrefix = "# metadata: "

// ReadScalarMap reads a per-fixel scalar map (one value per line, '#' lines
// ignored) and validates it against the template layout. "nan" entries mark
// missing values.
func ReadScalarMap(path string, template *Template) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening fixel data file: %w", err)
	}
	defer f.Close()

	var data []float64
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("fixel data file %q line %d: %w", path, line, err)
		}
		data = append(data, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading fixel data file %q: %w", path, err)
	}

	if err := template.Matches(len(data)); err != nil {
		return nil, fmt.Errorf("fixel data file %q does not match template fixel layout: %w", path, err)
	}

	return data, nil
}

// WriteScalarMap writes a per-fixel scalar map with its run metadata header
func WriteScalarMap(path string, data []float64, meta *Metadata) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating output map: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if meta != nil {
		encoded, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("encoding output metadata: %w", err)
		}
		fmt.Fprintf(w, "%s%s\n", metadataPrefix, encoded)
	}
	for _, v := range data {
		fmt.Fprintln(w, strconv.FormatFloat(v, 'g', -1, 64))
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("writing output map: %w", err)
	}
	return nil
}

// ReadMapMetadata extracts the metadata header from a written scalar map
func ReadMapMetadata(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening output map: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if encoded, ok := strings.CutPrefix(text, metadataPrefix); ok {
			var meta Metadata
			if err := json.Unmarshal([]byte(encoded), &meta); err != nil {
				return nil, fmt.Errorf("decoding output metadata: %w", err)
			}
			return &meta, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("no metadata header in %q", path)
}

// WriteVector writes a plain numeric list, one value per line, with no header.
// Used for null-distribution output.
func WriteVector(path string, data []float64) error {
	return WriteScalarMap(path, data, nil)
}
