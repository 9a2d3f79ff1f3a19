package fixel

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Point is a position or direction in scanner space (mm)
type Point [3]float64

// Sub returns p - q
func (p Point) Sub(q Point) Point {
	return Point{p[0] - q[0], p[1] - q[1], p[2] - q[2]}
}

// Add returns p + q
func (p Point) Add(q Point) Point {
	return Point{p[0] + q[0], p[1] + q[1], p[2] + q[2]}
}

// Scale returns p scaled by s
func (p Point) Scale(s float64) Point {
	return Point{p[0] * s, p[1] * s, p[2] * s}
}

// Dot returns the dot product of p and q
func (p Point) Dot(q Point) float64 {
	return p[0]*q[0] + p[1]*q[1] + p[2]*q[2]
}

// Norm returns the Euclidean length of p
func (p Point) Norm() float64 {
	return math.Sqrt(p.Dot(p))
}

// Distance returns the Euclidean distance between p and q
func (p Point) Distance(q Point) float64 {
	return p.Sub(q).Norm()
}

// Normalized returns p scaled to unit length. The zero vector is returned unchanged.
func (p Point) Normalized() Point {
	n := p.Norm()
	if n == 0 {
		return p
	}
	return p.Scale(1.0 / n)
}

// Voxel is an integer voxel grid coordinate
type Voxel [3]int

// Range identifies the fixels belonging to one voxel: ids [Offset, Offset+Count)
type Range struct {
	Offset uint32
	Count  uint32
}

// Template is the immutable whole-brain fixel layout shared by every stage of
// an analysis: one position and one unit direction per fixel, plus the
// voxel -> fixel-range index used when mapping streamlines. It is constructed
// once and never mutated afterwards.
type Template struct {
	positions  []Point
	directions []Point
	voxels     map[Voxel]Range
	voxelSize  Point
	origin     Point
}

// NewTemplate constructs a template from per-fixel directions and a
// voxel -> fixel-range index. Fixel positions are the scanner-space centers of
// their containing voxels. Directions are normalized on construction.
func NewTemplate(directions []Point, voxels map[Voxel]Range, voxelSize, origin Point) (*Template, error) {
	numFixels := len(directions)
	if numFixels == 0 {
		return nil, fmt.Errorf("template contains no fixels")
	}
	for i := 0; i < 3; i++ {
		if voxelSize[i] <= 0 {
			return nil, fmt.Errorf("invalid voxel size %v", voxelSize)
		}
	}

	t := &Template{
		positions:  make([]Point, numFixels),
		directions: make([]Point, numFixels),
		voxels:     make(map[Voxel]Range, len(voxels)),
		voxelSize:  voxelSize,
		origin:     origin,
	}

	for i, d := range directions {
		if d.Norm() == 0 {
			return nil, fmt.Errorf("fixel %d has a zero direction vector", i)
		}
		t.directions[i] = d.Normalized()
	}

	covered := make([]bool, numFixels)
	for v, r := range voxels {
		if int(r.Offset)+int(r.Count) > numFixels {
			return nil, fmt.Errorf("voxel %v fixel range [%d,%d) exceeds fixel count %d",
				v, r.Offset, r.Offset+r.Count, numFixels)
		}
		center := t.VoxelCenter(v)
		for f := r.Offset; f < r.Offset+r.Count; f++ {
			if covered[f] {
				return nil, fmt.Errorf("fixel %d assigned to more than one voxel", f)
			}
			covered[f] = true
			t.positions[f] = center
		}
		t.voxels[v] = r
	}
	for i, ok := range covered {
		if !ok {
			return nil, fmt.Errorf("fixel %d is not covered by the voxel index", i)
		}
	}

	return t, nil
}

// NumFixels returns the number of fixels in the template
func (t *Template) NumFixels() int {
	return len(t.directions)
}

// Position returns the scanner-space position of fixel i
func (t *Template) Position(i int) Point {
	return t.positions[i]
}

// Direction returns the unit direction of fixel i
func (t *Template) Direction(i int) Point {
	return t.directions[i]
}

// VoxelSize returns the voxel dimensions in mm
func (t *Template) VoxelSize() Point {
	return t.voxelSize
}

// VoxelCenter returns the scanner-space center of voxel v
func (t *Template) VoxelCenter(v Voxel) Point {
	return Point{
		t.origin[0] + (float64(v[0])+0.5)*t.voxelSize[0],
		t.origin[1] + (float64(v[1])+0.5)*t.voxelSize[1],
		t.origin[2] + (float64(v[2])+0.5)*t.voxelSize[2],
	}
}

// VoxelAt returns the voxel containing the scanner-space point p
func (t *Template) VoxelAt(p Point) Voxel {
	return Voxel{
		int(math.Floor((p[0] - t.origin[0]) / t.voxelSize[0])),
		int(math.Floor((p[1] - t.origin[1]) / t.voxelSize[1])),
		int(math.Floor((p[2] - t.origin[2]) / t.voxelSize[2])),
	}
}

// FixelsInVoxel returns the fixel range for voxel v, if any
func (t *Template) FixelsInVoxel(v Voxel) (Range, bool) {
	r, ok := t.voxels[v]
	return r, ok
}

// Matches reports whether a per-fixel data vector of length n is structurally
// compatible with this template. A mismatch is fatal for the whole run.
func (t *Template) Matches(n int) error {
	if n != t.NumFixels() {
		return fmt.Errorf("fixel count %d does not match template fixel count %d", n, t.NumFixels())
	}
	return nil
}

// LoadTemplate reads a template fixel layout from a directory containing
// index.txt (one "i j k offset count" row per voxel, with optional
// "# voxel_size: x y z" and "# origin: x y z" header comments) and
// directions.txt (one "dx dy dz" row per fixel).
func LoadTemplate(dir string) (*Template, error) {
	voxels, voxelSize, origin, err := readIndexFile(filepath.Join(dir, "index.txt"))
	if err != nil {
		return nil, err
	}

	directions, err := readDirectionsFile(filepath.Join(dir, "directions.txt"))
	if err != nil {
		return nil, err
	}

	return NewTemplate(directions, voxels, voxelSize, origin)
}

func readIndexFile(path string) (map[Voxel]Range, Point, Point, error) {
	voxelSize := Point{1, 1, 1}
	origin := Point{}

	f, err := os.Open(path)
	if err != nil {
		return nil, voxelSize, origin, fmt.Errorf("opening fixel index: %w", err)
	}
	defer f.Close()

	voxels := make(map[Voxel]Range)
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "#") {
			if p, ok := parseHeaderPoint(text, "voxel_size"); ok {
				voxelSize = p
			}
			if p, ok := parseHeaderPoint(text, "origin"); ok {
				origin = p
			}
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 5 {
			return nil, voxelSize, origin, fmt.Errorf("fixel index line %d: expected 5 fields, got %d", line, len(fields))
		}
		vals := make([]int, 5)
		for i, field := range fields {
			v, err := strconv.Atoi(field)
			if err != nil {
				return nil, voxelSize, origin, fmt.Errorf("fixel index line %d: %w", line, err)
			}
			vals[i] = v
		}
		if vals[3] < 0 || vals[4] < 0 {
			return nil, voxelSize, origin, fmt.Errorf("fixel index line %d: negative fixel range", line)
		}
		voxels[Voxel{vals[0], vals[1], vals[2]}] = Range{Offset: uint32(vals[3]), Count: uint32(vals[4])}
	}
	if err := scanner.Err(); err != nil {
		return nil, voxelSize, origin, fmt.Errorf("reading fixel index: %w", err)
	}

	return voxels, voxelSize, origin, nil
}

func parseHeaderPoint(line, key string) (Point, bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(strings.TrimPrefix(line, "#")), key+":")
	if !found {
		return Point{}, false
	}
	fields := strings.Fields(rest)
	if len(fields) != 3 {
		return Point{}, false
	}
	var p Point
	for i, field := range fields {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return Point{}, false
		}
		p[i] = v
	}
	return p, true
}

func readDirectionsFile(path string) ([]Point, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening fixel directions: %w", err)
	}
	defer f.Close()

	var directions []Point
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 3 {
			return nil, fmt.Errorf("fixel directions line %d: expected 3 fields, got %d", line, len(fields))
		}
		var d Point
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("fixel directions line %d: %w", line, err)
			}
			d[i] = v
		}
		directions = append(directions, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading fixel directions: %w", err)
	}

	return directions, nil
}
