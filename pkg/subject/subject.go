// Package subject models the unit of sampling: a named collection of
// volumetric images plus metadata, loaded lazily and served to the sampling
// pipeline through the Source interface.
package subject

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"volpatch/internal/voxel"
	"volpatch/pkg/volume"
)

// Image is a cache cell around a volume: it starts Unloaded and transitions
// to Loaded exactly once on first access. The loaded payload is owned by the
// Image instance; there is no global cache.
type Image struct {
	mu   sync.Mutex
	load func() (*volume.Volume, error)
	vol  *volume.Volume
}

// NewImage wraps an already-loaded volume.
func NewImage(v *volume.Volume) *Image {
	return &Image{vol: v}
}

// NewLazyImage defers loading to the given function, called at most once.
func NewLazyImage(load func() (*volume.Volume, error)) *Image {
	return &Image{load: load}
}

// Volume returns the image data, loading it on first access. Subsequent
// calls return the cached volume.
func (im *Image) Volume() (*volume.Volume, error) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.vol != nil {
		return im.vol, nil
	}
	if im.load == nil {
		return nil, fmt.Errorf("subject: image has no data and no loader")
	}
	v, err := im.load()
	if err != nil {
		return nil, fmt.Errorf("subject: loading image: %w", err)
	}
	if v == nil {
		return nil, fmt.Errorf("subject: image loader returned no volume")
	}
	im.vol = v
	return im.vol, nil
}

// Loaded reports whether the image data is resident.
func (im *Image) Loaded() bool {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.vol != nil
}

// Subject is a named mapping from string keys to images, with scalar string
// metadata. All images of a subject are expected to share a spatial shape
// when used by spatial samplers; SpatialShape checks this explicitly.
type Subject struct {
	// ID identifies the subject. A random UUID is assigned when empty.
	ID string

	// Metadata holds scalar per-subject fields (diagnosis, site, ...).
	Metadata map[string]string

	images map[string]*Image
}

// New creates a subject from a key-to-image mapping. Passing an empty id
// assigns a fresh UUID.
func New(id string, images map[string]*Image) *Subject {
	if id == "" {
		id = uuid.NewString()
	}
	imgs := make(map[string]*Image, len(images))
	for k, im := range images {
		imgs[k] = im
	}
	return &Subject{
		ID:       id,
		Metadata: make(map[string]string),
		images:   imgs,
	}
}

// Image returns the image stored under key.
func (s *Subject) Image(key string) (*Image, bool) {
	im, ok := s.images[key]
	return im, ok
}

// Keys returns the image keys in sorted order.
func (s *Subject) Keys() []string {
	keys := make([]string, 0, len(s.images))
	for k := range s.images {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Volume loads and returns the volume stored under key.
func (s *Subject) Volume(key string) (*volume.Volume, error) {
	im, ok := s.images[key]
	if !ok {
		return nil, fmt.Errorf("subject %s: no image %q", s.ID, key)
	}
	return im.Volume()
}

// SpatialShape loads all images and returns their common spatial shape. It
// fails when the subject has no images or the shapes disagree; mismatched
// shapes are reported, never silently corrected.
func (s *Subject) SpatialShape() (voxel.Shape, error) {
	keys := s.Keys()
	if len(keys) == 0 {
		return voxel.Shape{}, fmt.Errorf("subject %s: no images", s.ID)
	}
	var shape voxel.Shape
	for i, key := range keys {
		v, err := s.Volume(key)
		if err != nil {
			return voxel.Shape{}, err
		}
		if i == 0 {
			shape = v.SpatialShape()
			continue
		}
		if v.SpatialShape() != shape {
			return voxel.Shape{}, fmt.Errorf("subject %s: image %q shape %v differs from %q shape %v",
				s.ID, key, v.SpatialShape(), keys[0], shape)
		}
	}
	return shape, nil
}

// WithImages returns a subject sharing this subject's ID and metadata but
// holding the given images. Used when deriving patches or transformed
// copies.
func (s *Subject) WithImages(images map[string]*Image) *Subject {
	out := New(s.ID, images)
	for k, v := range s.Metadata {
		out.Metadata[k] = v
	}
	return out
}
