package tracks

import (
	"math"

	"github.com/RyanBlaney/fixelcfe/fixel"
)

// VoxelDir is one streamline sample: the voxel it falls in and the local
// unit tangent direction of the streamline at that point
type VoxelDir struct {
	Voxel fixel.Voxel
	Dir   fixel.Point
}

// Mapper reduces streamlines to ordered (voxel, tangent) samples against a
// shared immutable template. Each segment is subdivided so that samples are
// spaced at sub-voxel granularity, which keeps short in-voxel traversals from
// being missed.
type Mapper struct {
	template *fixel.Template
	upsample int
}

// NewMapper creates a mapper with the given upsample ratio (minimum 1)
func NewMapper(template *fixel.Template, upsample int) *Mapper {
	if upsample < 1 {
		upsample = 1
	}
	return &Mapper{template: template, upsample: upsample}
}

// DetermineUpsampleRatio computes the segment subdivision factor needed so
// that consecutive samples are no further apart than ratio * the smallest
// voxel dimension. A streamline step size of 0 falls back to the voxel size.
func DetermineUpsampleRatio(voxelSize fixel.Point, stepSize, ratio float64) int {
	minVoxel := math.Min(voxelSize[0], math.Min(voxelSize[1], voxelSize[2]))
	if stepSize <= 0 {
		stepSize = minVoxel
	}
	if minVoxel <= 0 || ratio <= 0 {
		return 1
	}
	up := int(math.Ceil(stepSize / (minVoxel * ratio)))
	if up < 1 {
		up = 1
	}
	return up
}

// Map reduces one streamline to its ordered voxel/direction samples.
// Consecutive samples landing in the same voxel are merged, keeping the
// tangent of the first entry. Pure: no state is mutated.
func (m *Mapper) Map(s Streamline) []VoxelDir {
	if len(s) < 2 {
		return nil
	}

	samples := make([]VoxelDir, 0, (len(s)-1)*m.upsample)
	var last fixel.Voxel
	haveLast := false

	for i := 0; i+1 < len(s); i++ {
		seg := s[i+1].Sub(s[i])
		dir := seg.Normalized()
		if dir.Norm() == 0 {
			continue
		}
		for step := 0; step < m.upsample; step++ {
			t := float64(step) / float64(m.upsample)
			p := s[i].Add(seg.Scale(t))
			v := m.template.VoxelAt(p)
			if haveLast && v == last {
				continue
			}
			samples = append(samples, VoxelDir{Voxel: v, Dir: dir})
			last = v
			haveLast = true
		}
	}

	// Endpoint sample, so the final voxel is always represented
	endDir := s[len(s)-1].Sub(s[len(s)-2]).Normalized()
	if endDir.Norm() > 0 {
		v := m.template.VoxelAt(s[len(s)-1])
		if !haveLast || v != last {
			samples = append(samples, VoxelDir{Voxel: v, Dir: endDir})
		}
	}

	return samples
}
