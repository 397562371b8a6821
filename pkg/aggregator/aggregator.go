// Package aggregator reconstructs a full-volume output from per-patch
// model outputs produced over a grid sampler's locations, blending
// overlapping regions.
//
// The aggregator owns two accumulators over the padded volume index space:
// a weighted sum of patch outputs and the weight received per voxel. Adding
// batches is expected from the single consumer thread of the inference
// loop; concurrent callers must serialize externally.
package aggregator

import (
	"errors"
	"fmt"
	"math"

	"volpatch/internal/voxel"
	"volpatch/pkg/sampler"
	"volpatch/pkg/volume"
)

// ErrFinalized is returned when AddBatch is called after Output.
var ErrFinalized = errors.New("aggregator: output already taken")

// Mode selects how overlapping patch outputs are blended.
type Mode string

const (
	// ModeAverage weights every voxel of every patch equally, so overlaps
	// become plain means.
	ModeAverage Mode = "average"

	// ModeHann weights voxels by a separable Hann window over the patch,
	// de-emphasizing patch borders to reduce seam artifacts. The window
	// only smooths locally; weights are not normalized globally.
	ModeHann Mode = "hann"

	// ModeHardmax keeps, per voxel, the output of the most confident
	// patch seen so far (confidence = maximum channel value), with ties
	// broken by first write. Suited to categorical outputs.
	ModeHardmax Mode = "hardmax"
)

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAverage, ModeHann, ModeHardmax:
		return Mode(s), nil
	}
	return "", fmt.Errorf("aggregator: unknown mode %q", s)
}

// GridAggregator accumulates patch outputs into one volume. It moves
// through three states: empty, accumulating (AddBatch) and finalized
// (Output); adding after finalization is a sequencing error.
type GridAggregator struct {
	grid     *sampler.GridSampler
	channels int
	mode     Mode

	shape  voxel.Shape // padded spatial shape of the accumulators
	sum    []float64   // channels x spatial; stored values for hardmax
	weight []float64   // spatial; confidence for hardmax
	kernel []float64   // patch-shaped blend kernel, nil for average/hardmax

	finalized bool
}

// New creates an aggregator matching the grid sampler that produced the
// locations it will receive, for outputs with the given channel count.
func New(grid *sampler.GridSampler, channels int, mode Mode) (*GridAggregator, error) {
	if grid == nil {
		return nil, fmt.Errorf("aggregator: grid sampler is required")
	}
	if channels < 1 {
		return nil, fmt.Errorf("aggregator: channels must be positive, got %d", channels)
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}

	shape := grid.PaddedShape()
	a := &GridAggregator{
		grid:     grid,
		channels: channels,
		mode:     mode,
		shape:    shape,
		sum:      make([]float64, channels*shape.NumVoxels()),
		weight:   make([]float64, shape.NumVoxels()),
	}
	switch mode {
	case ModeHann:
		a.kernel = hannKernel(grid.PatchSize())
	case ModeHardmax:
		// The weight accumulator tracks best confidence; start below any
		// real value so the first write always lands.
		for i := range a.weight {
			a.weight[i] = math.Inf(-1)
		}
	}
	return a, nil
}

// spatialIndex returns the flat spatial index of (x, y, z) in the padded
// accumulator space.
func (a *GridAggregator) spatialIndex(x, y, z int) int {
	return (x*a.shape[1]+y)*a.shape[2] + z
}

// AddBatch accumulates a batch of (patch output, location) pairs. Outputs
// must have the aggregator's channel count and their location's spatial
// shape; locations must come from the matching grid sampler's index space.
func (a *GridAggregator) AddBatch(outputs []*volume.Volume, locs []sampler.Location) error {
	if a.finalized {
		return ErrFinalized
	}
	if len(outputs) != len(locs) {
		return fmt.Errorf("aggregator: %d outputs for %d locations", len(outputs), len(locs))
	}
	for i := range outputs {
		if err := a.add(outputs[i], locs[i]); err != nil {
			return err
		}
	}
	return nil
}

// Add accumulates a single (patch output, location) pair.
func (a *GridAggregator) Add(output *volume.Volume, loc sampler.Location) error {
	if a.finalized {
		return ErrFinalized
	}
	return a.add(output, loc)
}

func (a *GridAggregator) add(output *volume.Volume, loc sampler.Location) error {
	if output.Channels != a.channels {
		return fmt.Errorf("aggregator: output has %d channels, expected %d", output.Channels, a.channels)
	}
	if output.SpatialShape() != loc.Shape() {
		return fmt.Errorf("aggregator: output shape %v does not match location %v", output.SpatialShape(), loc)
	}
	if !loc.In(a.shape) {
		return fmt.Errorf("aggregator: location %v outside padded shape %v", loc, a.shape)
	}

	if a.mode == ModeHardmax {
		a.addHardmax(output, loc)
		return nil
	}

	spatial := a.shape.NumVoxels()
	for px := 0; px < output.Width; px++ {
		for py := 0; py < output.Height; py++ {
			for pz := 0; pz < output.Depth; pz++ {
				si := a.spatialIndex(loc.X0+px, loc.Y0+py, loc.Z0+pz)
				w := 1.0
				if a.kernel != nil {
					w = a.kernel[(px*output.Height+py)*output.Depth+pz]
				}
				a.weight[si] += w
				for c := 0; c < a.channels; c++ {
					a.sum[c*spatial+si] += w * output.At(c, px, py, pz)
				}
			}
		}
	}
	return nil
}

// addHardmax keeps the most confident write per voxel. Equal confidence
// keeps the earlier write.
func (a *GridAggregator) addHardmax(output *volume.Volume, loc sampler.Location) {
	spatial := a.shape.NumVoxels()
	for px := 0; px < output.Width; px++ {
		for py := 0; py < output.Height; py++ {
			for pz := 0; pz < output.Depth; pz++ {
				conf := math.Inf(-1)
				for c := 0; c < a.channels; c++ {
					if v := output.At(c, px, py, pz); v > conf {
						conf = v
					}
				}
				si := a.spatialIndex(loc.X0+px, loc.Y0+py, loc.Z0+pz)
				if conf <= a.weight[si] {
					continue
				}
				a.weight[si] = conf
				for c := 0; c < a.channels; c++ {
					a.sum[c*spatial+si] = output.At(c, px, py, pz)
				}
			}
		}
	}
}

// Output finalizes the aggregator and returns the reconstructed volume,
// cropped back to the grid's original unpadded shape. Voxels that never
// received a patch stay zero. Calling AddBatch afterwards fails.
func (a *GridAggregator) Output() (*volume.Volume, error) {
	if a.finalized {
		return nil, ErrFinalized
	}
	a.finalized = true

	out, err := volume.FromData(a.sum, a.channels, a.shape[0], a.shape[1], a.shape[2])
	if err != nil {
		return nil, err
	}
	if a.mode != ModeHardmax {
		spatial := a.shape.NumVoxels()
		for si, w := range a.weight {
			if w <= 0 {
				continue
			}
			for c := 0; c < a.channels; c++ {
				out.Data[c*spatial+si] /= w
			}
		}
	}
	if a.grid.Padded() {
		return out.Crop(a.grid.PadLow(), a.grid.PadHigh())
	}
	return out, nil
}
