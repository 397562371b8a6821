package volume

import (
	"fmt"

	"volpatch/internal/voxel"
)

// PadMode selects how values outside the original bounds are filled when a
// volume is padded.
type PadMode string

const (
	// PadNone disables padding; samplers requiring a pad fail instead.
	PadNone PadMode = ""

	// PadConstant fills padded voxels with zero.
	PadConstant PadMode = "constant"

	// PadEdge repeats the nearest border voxel.
	PadEdge PadMode = "edge"

	// PadReflect mirrors the volume about its border voxels.
	PadReflect PadMode = "reflect"
)

// ParsePadMode converts a configuration string into a PadMode.
func ParsePadMode(s string) (PadMode, error) {
	switch PadMode(s) {
	case PadNone, PadConstant, PadEdge, PadReflect:
		return PadMode(s), nil
	case "none":
		return PadNone, nil
	}
	return PadNone, fmt.Errorf("volume: unknown padding mode %q", s)
}

// Pad grows the volume by low voxels before and high voxels after each
// spatial axis, filling new voxels according to mode. The affine origin is
// shifted so padded voxels keep consistent world coordinates. Channels are
// padded identically.
func (v *Volume) Pad(low, high voxel.Shape, mode PadMode) (*Volume, error) {
	if !low.NonNegative() || !high.NonNegative() {
		return nil, fmt.Errorf("volume: negative padding %v / %v", low, high)
	}
	if mode == PadNone {
		if low.IsZero() && high.IsZero() {
			return v.Clone(), nil
		}
		return nil, fmt.Errorf("volume: padding %v / %v requested without a padding mode", low, high)
	}

	shape := v.SpatialShape()
	padded := shape.Add(low).Add(high)
	out, err := New(v.Channels, padded[0], padded[1], padded[2])
	if err != nil {
		return nil, err
	}

	for c := 0; c < v.Channels; c++ {
		for x := 0; x < padded[0]; x++ {
			sx, okx := mapPadIndex(x-low[0], shape[0], mode)
			for y := 0; y < padded[1]; y++ {
				sy, oky := mapPadIndex(y-low[1], shape[1], mode)
				for z := 0; z < padded[2]; z++ {
					sz, okz := mapPadIndex(z-low[2], shape[2], mode)
					if okx && oky && okz {
						out.Set(c, x, y, z, v.At(c, sx, sy, sz))
					}
					// PadConstant leaves the zero fill in place.
				}
			}
		}
	}
	out.Affine = translateAffine(v.Affine, low, -1)
	return out, nil
}

// Crop removes low voxels from the start and high voxels from the end of
// each spatial axis. It is the inverse of Pad for matching amounts.
func (v *Volume) Crop(low, high voxel.Shape) (*Volume, error) {
	if !low.NonNegative() || !high.NonNegative() {
		return nil, fmt.Errorf("volume: negative crop %v / %v", low, high)
	}
	return v.Region(low[0], low[1], low[2],
		v.Width-high[0], v.Height-high[1], v.Depth-high[2])
}

// mapPadIndex maps a possibly out-of-range coordinate onto a source
// coordinate in [0, size). The boolean is false when the coordinate falls
// outside and the mode keeps the constant fill.
func mapPadIndex(q, size int, mode PadMode) (int, bool) {
	if q >= 0 && q < size {
		return q, true
	}
	switch mode {
	case PadEdge:
		return voxel.Clamp(q, 0, size-1), true
	case PadReflect:
		if size == 1 {
			return 0, true
		}
		// Mirror about the border voxels until the index lands inside.
		for q < 0 || q >= size {
			if q < 0 {
				q = -q
			}
			if q >= size {
				q = 2*size - 2 - q
			}
		}
		return q, true
	}
	return 0, false
}
