package sampler

import (
	"fmt"

	"volpatch/internal/voxel"
	"volpatch/pkg/volume"
)

// GridSampler produces the deterministic, finite list of patch locations
// that exactly covers a volume of a known spatial shape. The location list
// is materialized at construction, is immutable, and is identical across
// runs with the same parameters, so inference can be restarted and the
// aggregator can pre-compute its accumulators from the same sampler.
//
// When the patch exceeds the volume on some axis the sampler plans a
// symmetric pre-pad (low side gets the smaller half); locations are then
// expressed in padded coordinates and PadVolume applies the corresponding
// pad to input volumes. Callers needing original coordinates subtract
// PadLow themselves.
type GridSampler struct {
	patch    voxel.Shape
	overlap  voxel.Shape
	padMode  volume.PadMode
	original voxel.Shape
	padLow   voxel.Shape
	padHigh  voxel.Shape
	padded   voxel.Shape

	locations []Location
}

// NewGridSampler plans grid locations for a volume of the given spatial
// shape. overlap must satisfy 0 <= overlap < patch on every axis. padMode
// is only consulted when the patch exceeds the shape on some axis; without
// one that situation is a configuration error.
func NewGridSampler(shape, patch, overlap voxel.Shape, padMode volume.PadMode) (*GridSampler, error) {
	if !shape.Positive() {
		return nil, fmt.Errorf("sampler: volume shape %v must be positive", shape)
	}
	if err := validatePatchSize(patch); err != nil {
		return nil, err
	}
	for axis := 0; axis < 3; axis++ {
		if overlap[axis] < 0 || overlap[axis] >= patch[axis] {
			return nil, fmt.Errorf("sampler: overlap %v must be in [0, patch size %v) per axis", overlap, patch)
		}
	}

	g := &GridSampler{
		patch:    patch,
		overlap:  overlap,
		padMode:  padMode,
		original: shape,
	}
	for axis := 0; axis < 3; axis++ {
		if diff := patch[axis] - shape[axis]; diff > 0 {
			if padMode == volume.PadNone {
				return nil, fmt.Errorf("sampler: patch size %v exceeds volume shape %v and no padding mode is set",
					patch, shape)
			}
			g.padLow[axis] = diff / 2
			g.padHigh[axis] = diff - diff/2
		}
	}
	g.padded = shape.Add(g.padLow).Add(g.padHigh)

	starts := [3][]int{}
	for axis := 0; axis < 3; axis++ {
		starts[axis] = gridStarts(g.padded[axis], patch[axis], overlap[axis])
	}
	for _, x := range starts[0] {
		for _, y := range starts[1] {
			for _, z := range starts[2] {
				g.locations = append(g.locations, locationAt(voxel.Shape{x, y, z}, patch))
			}
		}
	}
	return g, nil
}

// gridStarts computes the start offsets along one axis: multiples of
// (patch - overlap) with the last offset shifted inward so the final patch
// ends exactly at the axis extent. Patches are never truncated.
func gridStarts(size, patch, overlap int) []int {
	step := patch - overlap
	n := voxel.CeilDiv(size-overlap, step)
	if n < 1 {
		n = 1
	}
	starts := make([]int, n)
	for i := range starts {
		s := i * step
		if s+patch > size {
			s = size - patch
		}
		starts[i] = s
	}
	return starts
}

// Len returns the number of grid locations.
func (g *GridSampler) Len() int {
	return len(g.locations)
}

// At returns the i-th grid location.
func (g *GridSampler) At(i int) Location {
	return g.locations[i]
}

// Locations returns a copy of the full location list, in iteration order.
func (g *GridSampler) Locations() []Location {
	out := make([]Location, len(g.locations))
	copy(out, g.locations)
	return out
}

// PatchSize returns the per-axis patch extents.
func (g *GridSampler) PatchSize() voxel.Shape { return g.patch }

// Overlap returns the per-axis overlap between adjacent grid patches.
func (g *GridSampler) Overlap() voxel.Shape { return g.overlap }

// OriginalShape returns the unpadded volume shape the grid was planned for.
func (g *GridSampler) OriginalShape() voxel.Shape { return g.original }

// PaddedShape returns the shape locations are expressed in.
func (g *GridSampler) PaddedShape() voxel.Shape { return g.padded }

// PadLow returns the low-side pad amounts separating padded from original
// coordinates.
func (g *GridSampler) PadLow() voxel.Shape { return g.padLow }

// PadHigh returns the high-side pad amounts.
func (g *GridSampler) PadHigh() voxel.Shape { return g.padHigh }

// Padded reports whether the plan includes any pre-padding.
func (g *GridSampler) Padded() bool {
	return !g.padLow.IsZero() || !g.padHigh.IsZero()
}

// PadVolume applies the planned pre-pad to an input volume, validating that
// it matches the planned shape. Without padding the volume is returned
// unchanged.
func (g *GridSampler) PadVolume(v *volume.Volume) (*volume.Volume, error) {
	if v.SpatialShape() != g.original {
		return nil, fmt.Errorf("sampler: volume shape %v does not match grid shape %v",
			v.SpatialShape(), g.original)
	}
	if !g.Padded() {
		return v, nil
	}
	return v.Pad(g.padLow, g.padHigh, g.padMode)
}

// GridPatch pairs an extracted patch volume with its grid location.
type GridPatch struct {
	Volume   *volume.Volume
	Location Location
}

// Patches pads the volume as planned and extracts every grid patch in
// iteration order.
func (g *GridSampler) Patches(v *volume.Volume) ([]GridPatch, error) {
	padded, err := g.PadVolume(v)
	if err != nil {
		return nil, err
	}
	out := make([]GridPatch, 0, len(g.locations))
	for _, loc := range g.locations {
		patch, err := padded.Region(loc.X0, loc.Y0, loc.Z0, loc.X1, loc.Y1, loc.Z1)
		if err != nil {
			return nil, err
		}
		out = append(out, GridPatch{Volume: patch, Location: loc})
	}
	return out, nil
}
