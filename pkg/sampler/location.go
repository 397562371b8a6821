// Package sampler produces patch locations for volumetric subjects: random
// samplers (uniform, weighted, label-driven) feed training queues with an
// endless stream of windows, while the deterministic grid sampler covers a
// volume exactly once for inference and pairs with the aggregator package.
package sampler

import (
	"fmt"

	"volpatch/internal/voxel"
	"volpatch/pkg/subject"
	"volpatch/pkg/volume"
)

// Location describes an axis-aligned sub-box of a volume's index space,
// half-open on every axis.
type Location struct {
	X0, Y0, Z0 int
	X1, Y1, Z1 int
}

// Shape returns the per-axis extent of the location.
func (l Location) Shape() voxel.Shape {
	return voxel.Shape{l.X1 - l.X0, l.Y1 - l.Y0, l.Z1 - l.Z0}
}

// In reports whether the location lies fully inside a volume of the given
// spatial shape.
func (l Location) In(shape voxel.Shape) bool {
	return l.X0 >= 0 && l.Y0 >= 0 && l.Z0 >= 0 &&
		l.X0 < l.X1 && l.Y0 < l.Y1 && l.Z0 < l.Z1 &&
		l.X1 <= shape[0] && l.Y1 <= shape[1] && l.Z1 <= shape[2]
}

func (l Location) String() string {
	return fmt.Sprintf("[%d,%d)x[%d,%d)x[%d,%d)", l.X0, l.X1, l.Y0, l.Y1, l.Z0, l.Z1)
}

// locationAt builds the patch-sized location starting at the given offsets.
func locationAt(start, patch voxel.Shape) Location {
	return Location{
		X0: start[0], Y0: start[1], Z0: start[2],
		X1: start[0] + patch[0], Y1: start[1] + patch[1], Z1: start[2] + patch[2],
	}
}

// Sampler draws patch locations from a subject. Random samplers are
// infinite and each call draws n fresh locations; implementations report
// configuration problems (such as a patch larger than the subject) as
// errors.
type Sampler interface {
	Sample(s *subject.Subject, n int) ([]Location, error)
}

// ExtractPatch crops every image of the subject to the location, returning
// a patch subject that shares the original's ID and metadata.
func ExtractPatch(s *subject.Subject, loc Location) (*subject.Subject, error) {
	images := make(map[string]*subject.Image)
	for _, key := range s.Keys() {
		v, err := s.Volume(key)
		if err != nil {
			return nil, err
		}
		region, err := v.Region(loc.X0, loc.Y0, loc.Z0, loc.X1, loc.Y1, loc.Z1)
		if err != nil {
			return nil, fmt.Errorf("sampler: patch %v of image %q: %w", loc, key, err)
		}
		images[key] = subject.NewImage(region)
	}
	return s.WithImages(images), nil
}

// validatePatchSize checks the construction-time patch size invariants.
func validatePatchSize(patch voxel.Shape) error {
	if !patch.Positive() {
		return fmt.Errorf("sampler: patch size %v must be positive", patch)
	}
	return nil
}

// validatePatchFits checks that a patch fits inside a subject's shape.
func validatePatchFits(patch, shape voxel.Shape) error {
	if !patch.Fits(shape) {
		return fmt.Errorf("sampler: patch size %v exceeds volume shape %v", patch, shape)
	}
	return nil
}

// singleChannel returns the flat voxel data of a one-channel map volume.
func singleChannel(v *volume.Volume, what string) ([]float64, error) {
	if v.Channels != 1 {
		return nil, fmt.Errorf("sampler: %s must have one channel, got %d", what, v.Channels)
	}
	return v.Data, nil
}
