package subject

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"volpatch/pkg/volume"
)

// Transform converts one subject into another, typically by adjusting image
// intensities or geometry. Transforms may be non-deterministic and
// non-invertible; the sampling pipeline never inspects them and must not
// rely on either property. Implementations must leave the input subject
// untouched.
type Transform interface {
	Apply(*Subject) (*Subject, error)
}

// TransformFunc adapts a plain function to the Transform interface.
type TransformFunc func(*Subject) (*Subject, error)

// Apply implements Transform.
func (f TransformFunc) Apply(s *Subject) (*Subject, error) {
	return f(s)
}

// Compose chains transforms left to right.
type Compose []Transform

// Apply implements Transform.
func (c Compose) Apply(s *Subject) (*Subject, error) {
	out := s
	for i, t := range c {
		var err error
		out, err = t.Apply(out)
		if err != nil {
			return nil, fmt.Errorf("compose[%d]: %w", i, err)
		}
	}
	return out, nil
}

// mapImages applies fn to every image volume of s, or only the listed keys
// when keys is non-empty, and returns the rewritten subject.
func mapImages(s *Subject, keys []string, fn func(*volume.Volume) (*volume.Volume, error)) (*Subject, error) {
	selected := make(map[string]bool, len(keys))
	for _, k := range keys {
		selected[k] = true
	}

	images := make(map[string]*Image)
	for _, key := range s.Keys() {
		im, _ := s.Image(key)
		if len(keys) > 0 && !selected[key] {
			images[key] = im
			continue
		}
		v, err := im.Volume()
		if err != nil {
			return nil, err
		}
		out, err := fn(v)
		if err != nil {
			return nil, fmt.Errorf("image %q: %w", key, err)
		}
		images[key] = NewImage(out)
	}
	return s.WithImages(images), nil
}

// RescaleIntensity linearly maps each image's intensity range onto
// [OutMin, OutMax]. Constant images map to OutMin.
type RescaleIntensity struct {
	OutMin, OutMax float64

	// Keys limits the transform to the listed images; empty means all.
	Keys []string
}

// Apply implements Transform.
func (r RescaleIntensity) Apply(s *Subject) (*Subject, error) {
	if r.OutMax < r.OutMin {
		return nil, fmt.Errorf("rescale: invalid output range [%g, %g]", r.OutMin, r.OutMax)
	}
	return mapImages(s, r.Keys, func(v *volume.Volume) (*volume.Volume, error) {
		out := v.Clone()
		lo := floats.Min(out.Data)
		hi := floats.Max(out.Data)
		span := hi - lo
		for i, val := range out.Data {
			if span == 0 {
				out.Data[i] = r.OutMin
				continue
			}
			out.Data[i] = r.OutMin + (val-lo)/span*(r.OutMax-r.OutMin)
		}
		return out, nil
	})
}

// ZNormalization shifts and scales each image to zero mean and unit
// standard deviation. Constant images fail, matching the usual contract
// that normalization needs signal.
type ZNormalization struct {
	Keys []string
}

// Apply implements Transform.
func (z ZNormalization) Apply(s *Subject) (*Subject, error) {
	return mapImages(s, z.Keys, func(v *volume.Volume) (*volume.Volume, error) {
		out := v.Clone()
		mean := stat.Mean(out.Data, nil)
		std := stat.StdDev(out.Data, nil)
		if std == 0 {
			return nil, fmt.Errorf("z-normalization: constant image")
		}
		floats.AddConst(-mean, out.Data)
		floats.Scale(1/std, out.Data)
		return out, nil
	})
}
