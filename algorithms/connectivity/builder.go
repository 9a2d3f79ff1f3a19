package connectivity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/RyanBlaney/fixelcfe/fixel"
	"github.com/RyanBlaney/fixelcfe/tracks"
)

// Builder accumulates raw fixel-fixel connectivity from streamlines. For each
// voxel sample of a streamline, the best-matching fixel (smallest angle
// between the local tangent and the fixel direction) within the angular
// threshold is assigned; samples with no fixel within threshold are
// discarded. Every ordered pair of distinct fixels touched by one streamline
// increments that pair's raw count, and every touched fixel's track-density
// total is incremented once per streamline.
type Builder struct {
	template     *fixel.Template
	angleCosine  float64
	counts       []map[uint32]float64
	trackDensity []uint32
	numTracks    int
}

// NewBuilder creates a connectivity builder for the template. The angular
// threshold is in degrees.
func NewBuilder(template *fixel.Template, angleThresholdDeg float64) (*Builder, error) {
	if angleThresholdDeg <= 0 || angleThresholdDeg > 90 {
		return nil, fmt.Errorf("angular threshold %.2f outside (0, 90] degrees", angleThresholdDeg)
	}
	return &Builder{
		template:     template,
		angleCosine:  math.Cos(angleThresholdDeg * math.Pi / 180.0),
		counts:       make([]map[uint32]float64, template.NumFixels()),
		trackDensity: make([]uint32, template.NumFixels()),
	}, nil
}

// partial is one worker's private accumulation, merged at the barrier
type partial struct {
	counts       []map[uint32]float64
	trackDensity []uint32
	numTracks    int
}

func newPartial(numFixels int) *partial {
	return &partial{
		counts:       make([]map[uint32]float64, numFixels),
		trackDensity: make([]uint32, numFixels),
	}
}

// ProcessAll drains the streamline source through the mapper using the given
// number of concurrent workers. Workers accumulate into private sparse rows;
// the final reduction merges them, so no per-row locking is needed.
func (b *Builder) ProcessAll(ctx context.Context, src tracks.Source, mapper *tracks.Mapper, workers int) error {
	if workers < 1 {
		workers = runtime.NumCPU()
	}

	streamlines := make(chan tracks.Streamline, workers*4)
	partials := make([]*partial, workers)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(streamlines)
		for {
			s, err := src.Next()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			select {
			case streamlines <- s:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	for w := 0; w < workers; w++ {
		p := newPartial(b.template.NumFixels())
		partials[w] = p
		g.Go(func() error {
			for s := range streamlines {
				b.processStreamline(p, mapper.Map(s))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("computing fixel-fixel connectivity: %w", err)
	}

	for _, p := range partials {
		b.merge(p)
	}
	return nil
}

// processStreamline assigns fixels to the streamline's voxel samples and
// accumulates pair counts into the worker-private partial
func (b *Builder) processStreamline(p *partial, samples []tracks.VoxelDir) {
	if len(samples) == 0 {
		return
	}
	p.numTracks++

	touched := make(map[uint32]struct{}, len(samples))
	for _, sample := range samples {
		if f, ok := b.assignFixel(sample); ok {
			touched[f] = struct{}{}
		}
	}
	if len(touched) == 0 {
		return
	}

	fixels := make([]uint32, 0, len(touched))
	for f := range touched {
		fixels = append(fixels, f)
	}
	sort.Slice(fixels, func(i, j int) bool { return fixels[i] < fixels[j] })

	for _, f := range fixels {
		p.trackDensity[f]++
		row := p.counts[f]
		if row == nil {
			row = make(map[uint32]float64)
			p.counts[f] = row
		}
		for _, g := range fixels {
			if g != f {
				row[g]++
			}
		}
	}
}

// assignFixel picks the template fixel in the sample's voxel whose direction
// is closest to the streamline tangent, provided the angle is within the
// threshold. Fixel directions are sign-insensitive axes, so the absolute dot
// product is compared.
func (b *Builder) assignFixel(sample tracks.VoxelDir) (uint32, bool) {
	r, ok := b.template.FixelsInVoxel(sample.Voxel)
	if !ok {
		return 0, false
	}

	best := uint32(0)
	bestDot := b.angleCosine
	found := false
	for f := r.Offset; f < r.Offset+r.Count; f++ {
		dot := math.Abs(sample.Dir.Dot(b.template.Direction(int(f))))
		if dot >= bestDot {
			best = f
			bestDot = dot
			found = true
		}
	}
	return best, found
}

func (b *Builder) merge(p *partial) {
	b.numTracks += p.numTracks
	for f, row := range p.counts {
		if row == nil {
			continue
		}
		dst := b.counts[f]
		if dst == nil {
			dst = make(map[uint32]float64, len(row))
			b.counts[f] = dst
		}
		for g, c := range row {
			dst[g] += c
		}
	}
	for f, d := range p.trackDensity {
		b.trackDensity[f] += d
	}
}

// NumTracks returns the number of streamlines actually processed
func (b *Builder) NumTracks() int {
	return b.numTracks
}

// RawCounts exposes the accumulated raw pair counts for normalization
func (b *Builder) RawCounts() []map[uint32]float64 {
	return b.counts
}

// TrackDensity exposes the per-fixel streamline-density totals
func (b *Builder) TrackDensity() []uint32 {
	return b.trackDensity
}
