// Package volume provides the multi-channel 3D volume type that the
// sampling, queueing and aggregation packages operate on.
//
// A Volume stores voxel intensities for a (C, W, H, D) array as a flat
// float64 slice in row-major order with the depth axis fastest, together
// with a 4x4 affine matrix mapping voxel indices to world coordinates.
// Volumes are treated as immutable once loaded; every operation that
// derives a new volume (Region, Pad, Crop, Clone) copies the data.
package volume

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"volpatch/internal/voxel"
)

// Volume is a multi-channel 3D array over a (C, W, H, D) index space.
type Volume struct {
	// Data holds the voxel values as a flat array indexed by
	// ((c*W+x)*H+y)*D+z.
	Data []float64

	// Channels is the number of channels (C).
	Channels int

	// Width, Height and Depth are the spatial extents (W, H, D).
	Width, Height, Depth int

	// Affine is the 4x4 matrix mapping voxel index space to world
	// coordinates. It is carried along but never used for index
	// arithmetic by this package.
	Affine *mat.Dense
}

// EyeAffine returns a 4x4 identity affine.
func EyeAffine() *mat.Dense {
	a := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		a.Set(i, i, 1)
	}
	return a
}

// New allocates a zero-filled volume with the given shape and an identity
// affine.
func New(channels, width, height, depth int) (*Volume, error) {
	if channels < 1 {
		return nil, fmt.Errorf("volume: channels must be positive, got %d", channels)
	}
	shape := voxel.Shape{width, height, depth}
	if !shape.Positive() {
		return nil, fmt.Errorf("volume: spatial shape %v must be positive", shape)
	}
	return &Volume{
		Data:     make([]float64, channels*width*height*depth),
		Channels: channels,
		Width:    width,
		Height:   height,
		Depth:    depth,
		Affine:   EyeAffine(),
	}, nil
}

// FromData wraps an existing flat array as a volume. The data length must
// match channels*width*height*depth exactly; the slice is not copied.
func FromData(data []float64, channels, width, height, depth int) (*Volume, error) {
	v, err := New(channels, width, height, depth)
	if err != nil {
		return nil, err
	}
	if len(data) != len(v.Data) {
		return nil, fmt.Errorf("volume: data length %d does not match shape (%d, %d, %d, %d)",
			len(data), channels, width, height, depth)
	}
	v.Data = data
	return v, nil
}

// SpatialShape returns the (W, H, D) extents.
func (v *Volume) SpatialShape() voxel.Shape {
	return voxel.Shape{v.Width, v.Height, v.Depth}
}

// NumVoxels returns the number of spatial voxels per channel.
func (v *Volume) NumVoxels() int {
	return v.Width * v.Height * v.Depth
}

// Index returns the flat index of voxel (c, x, y, z).
func (v *Volume) Index(c, x, y, z int) int {
	return ((c*v.Width+x)*v.Height+y)*v.Depth + z
}

// At returns the value at voxel (c, x, y, z).
func (v *Volume) At(c, x, y, z int) float64 {
	return v.Data[v.Index(c, x, y, z)]
}

// Set writes the value at voxel (c, x, y, z).
func (v *Volume) Set(c, x, y, z int, value float64) {
	v.Data[v.Index(c, x, y, z)] = value
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	data := make([]float64, len(v.Data))
	copy(data, v.Data)
	out, _ := FromData(data, v.Channels, v.Width, v.Height, v.Depth)
	out.Affine = mat.DenseCopyOf(v.Affine)
	return out
}

// Region copies the half-open sub-box [x0,x1)x[y0,y1)x[z0,z1) across all
// channels into a new volume. The affine of the result is the source affine
// translated by the region origin.
func (v *Volume) Region(x0, y0, z0, x1, y1, z1 int) (*Volume, error) {
	if x0 < 0 || y0 < 0 || z0 < 0 ||
		x1 > v.Width || y1 > v.Height || z1 > v.Depth ||
		x0 >= x1 || y0 >= y1 || z0 >= z1 {
		return nil, fmt.Errorf("volume: region [%d,%d)x[%d,%d)x[%d,%d) outside volume %v",
			x0, x1, y0, y1, z0, z1, v.SpatialShape())
	}

	out, err := New(v.Channels, x1-x0, y1-y0, z1-z0)
	if err != nil {
		return nil, err
	}
	for c := 0; c < v.Channels; c++ {
		for x := x0; x < x1; x++ {
			for y := y0; y < y1; y++ {
				// Depth is the fastest axis, so each z-run is contiguous.
				src := v.Index(c, x, y, z0)
				dst := out.Index(c, x-x0, y-y0, 0)
				copy(out.Data[dst:dst+z1-z0], v.Data[src:src+z1-z0])
			}
		}
	}
	out.Affine = translateAffine(v.Affine, voxel.Shape{x0, y0, z0}, 1)
	return out, nil
}

// translateAffine shifts the affine origin by sign*offset voxels, keeping
// the rotation/scaling block untouched.
func translateAffine(affine *mat.Dense, offset voxel.Shape, sign float64) *mat.Dense {
	out := mat.DenseCopyOf(affine)
	for r := 0; r < 3; r++ {
		t := out.At(r, 3)
		for c := 0; c < 3; c++ {
			t += sign * out.At(r, c) * float64(offset[c])
		}
		out.Set(r, 3, t)
	}
	return out
}
