package connectivity

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RyanBlaney/fixelcfe/fixel"
	"github.com/RyanBlaney/fixelcfe/tracks"
)

// sliceSource replays a fixed set of streamlines
type sliceSource struct {
	streamlines []tracks.Streamline
	next        int
}

func (s *sliceSource) Next() (tracks.Streamline, error) {
	if s.next >= len(s.streamlines) {
		return nil, io.EOF
	}
	out := s.streamlines[s.next]
	s.next++
	return out, nil
}

func (s *sliceSource) Count() int {
	return len(s.streamlines)
}

// lineTemplate is three single-fixel voxels in a row along x, unit voxels,
// all fixel directions along x
func lineTemplate(t *testing.T) *fixel.Template {
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

func TestBuilderAccumulatesPairCounts(t *testing.T) {
	tmpl := lineTemplate(t)
	b, err := NewBuilder(tmpl, 45)
	require.NoError(t, err)

	// Two tracks through all three voxels, one through the first two
	src := &sliceSource{streamlines: []tracks.Streamline{
		{{0.5, 0.5, 0.5}, {2.5, 0.5, 0.5}},
		{{0.5, 0.5, 0.5}, {2.5, 0.5, 0.5}},
		{{0.5, 0.5, 0.5}, {1.5, 0.5, 0.5}},
	}}
	mapper := tracks.NewMapper(tmpl, 4)
	require.NoError(t, b.ProcessAll(context.Background(), src, mapper, 2))

	assert.Equal(t, 3, b.NumTracks())
	assert.Equal(t, []uint32{3, 3, 2}, b.TrackDensity())

	counts := b.RawCounts()
	assert.Equal(t, 3.0, counts[0][1])
	assert.Equal(t, 3.0, counts[1][0])
	assert.Equal(t, 2.0, counts[0][2])
	assert.Equal(t, 2.0, counts[2][0])
	assert.Zero(t, counts[0][0])
}

func TestBuilderAngularThreshold(t *testing.T) {
	tmpl := lineTemplate(t)
	b, err := NewBuilder(tmpl, 45)
	require.NoError(t, err)

	// Tangent along y is 90 degrees from every fixel direction, so no fixel
	// is assigned
	src := &sliceSource{streamlines: []tracks.Streamline{
		{{0.5, 0.2, 0.5}, {0.5, 0.8, 0.5}},
	}}
	mapper := tracks.NewMapper(tmpl, 1)
	require.NoError(t, b.ProcessAll(context.Background(), src, mapper, 1))

	assert.Equal(t, 1, b.NumTracks())
	assert.Equal(t, []uint32{0, 0, 0}, b.TrackDensity())
}

func TestBuilderBestFixelWins(t *testing.T) {
	// One voxel, two fixels: along x and along y
	directions := []fixel.Point{{1, 0, 0}, {0, 1, 0}}
	voxels := map[fixel.Voxel]fixel.Range{{0, 0, 0}: {Offset: 0, Count: 2}}
	tmpl, err := fixel.NewTemplate(directions, voxels, fixel.Point{1, 1, 1}, fixel.Point{0, 0, 0})
	require.NoError(t, err)

	b, err := NewBuilder(tmpl, 45)
	require.NoError(t, err)

	src := &sliceSource{streamlines: []tracks.Streamline{
		{{0.1, 0.5, 0.5}, {0.9, 0.5, 0.5}},
	}}
	require.NoError(t, b.ProcessAll(context.Background(), src, tracks.NewMapper(tmpl, 1), 1))

	assert.Equal(t, []uint32{1, 0}, b.TrackDensity())
}

func TestNewBuilderRejectsBadAngle(t *testing.T) {
	tmpl := lineTemplate(t)
	_, err := NewBuilder(tmpl, 0)
	assert.Error(t, err)
	_, err = NewBuilder(tmpl, 91)
	assert.Error(t, err)
}
