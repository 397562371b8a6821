package sampler

import (
	"fmt"
	"math"
	"time"

	"golang.org/x/exp/rand"

	"volpatch/internal/voxel"
	"volpatch/pkg/subject"
	"volpatch/pkg/volume"
)

// newRNG builds a clock-seeded generator over a LockedSource, so one sampler
// can serve the queue's worker goroutines concurrently.
func newRNG() *rand.Rand {
	return newSeededRNG(uint64(time.Now().UnixNano()))
}

func newSeededRNG(seed uint64) *rand.Rand {
	src := &rand.LockedSource{}
	src.Seed(seed)
	return rand.New(src)
}

// UniformSampler draws patch locations whose start offsets are uniformly
// distributed over every valid position. Draws are independent; the sampler
// carries no state beyond its RNG stream.
type UniformSampler struct {
	patch voxel.Shape
	rng   *rand.Rand
}

// NewUniformSampler creates a uniform sampler for the given patch size.
func NewUniformSampler(patch voxel.Shape) (*UniformSampler, error) {
	if err := validatePatchSize(patch); err != nil {
		return nil, err
	}
	return &UniformSampler{patch: patch, rng: newRNG()}, nil
}

// Reseed makes the sampler's draw sequence reproducible. Call it before
// sampling begins; it is not synchronized with concurrent Sample calls.
func (u *UniformSampler) Reseed(seed uint64) {
	u.rng = newSeededRNG(seed)
}

// Sample implements Sampler.
func (u *UniformSampler) Sample(s *subject.Subject, n int) ([]Location, error) {
	shape, err := s.SpatialShape()
	if err != nil {
		return nil, err
	}
	if err := validatePatchFits(u.patch, shape); err != nil {
		return nil, err
	}
	locs := make([]Location, n)
	for i := range locs {
		var start voxel.Shape
		for axis := 0; axis < 3; axis++ {
			start[axis] = u.rng.Intn(shape[axis] - u.patch[axis] + 1)
		}
		locs[i] = locationAt(start, u.patch)
	}
	return locs, nil
}

// WeightedSampler draws patch centers proportionally to a per-voxel
// probability map stored as a one-channel image of the subject. The
// cumulative index is memoized per map volume and rebuilt only when the
// subject presents a different one; zero-probability voxels are never
// selected as centers. Patch bounds are clamped so every patch stays inside
// the volume.
type WeightedSampler struct {
	patch voxel.Shape
	key   string
	rng   *rand.Rand
	cache cdfCache
}

// NewWeightedSampler creates a weighted sampler reading its probability map
// from the subject image stored under probabilityKey.
func NewWeightedSampler(patch voxel.Shape, probabilityKey string) (*WeightedSampler, error) {
	if err := validatePatchSize(patch); err != nil {
		return nil, err
	}
	if probabilityKey == "" {
		return nil, fmt.Errorf("sampler: probability map key must not be empty")
	}
	return &WeightedSampler{patch: patch, key: probabilityKey, rng: newRNG()}, nil
}

// Reseed makes the sampler's draw sequence reproducible. Call it before
// sampling begins; it is not synchronized with concurrent Sample calls.
func (w *WeightedSampler) Reseed(seed uint64) {
	w.rng = newSeededRNG(seed)
}

// Sample implements Sampler.
func (w *WeightedSampler) Sample(s *subject.Subject, n int) ([]Location, error) {
	shape, err := s.SpatialShape()
	if err != nil {
		return nil, err
	}
	if err := validatePatchFits(w.patch, shape); err != nil {
		return nil, err
	}
	mapVol, err := s.Volume(w.key)
	if err != nil {
		return nil, err
	}
	index, err := w.cache.lookup(mapVol, func() (*cdf, error) {
		weights, err := singleChannel(mapVol, "probability map")
		if err != nil {
			return nil, err
		}
		return newCDF(weights, mapVol.SpatialShape())
	})
	if err != nil {
		return nil, err
	}

	locs := make([]Location, n)
	for i := range locs {
		center := index.draw(w.rng)
		locs[i] = locationAt(centeredStart(center, w.patch, shape), w.patch)
	}
	return locs, nil
}

// LabelSampler draws patch centers from a discrete label volume. Each
// listed label's probability is split evenly across that label's voxels,
// unlisted labels get probability zero, and the resulting map is normalized
// to sum to one over the volume before the weighted draw.
type LabelSampler struct {
	patch voxel.Shape
	key   string
	probs map[int]float64
	rng   *rand.Rand
	cache cdfCache
}

// NewLabelSampler creates a label-driven sampler reading its label volume
// from the subject image stored under labelKey. labelProbabilities maps
// label values to their selection probability mass.
func NewLabelSampler(patch voxel.Shape, labelKey string, labelProbabilities map[int]float64) (*LabelSampler, error) {
	if err := validatePatchSize(patch); err != nil {
		return nil, err
	}
	if labelKey == "" {
		return nil, fmt.Errorf("sampler: label map key must not be empty")
	}
	if len(labelProbabilities) == 0 {
		return nil, fmt.Errorf("sampler: no label probabilities given")
	}
	probs := make(map[int]float64, len(labelProbabilities))
	for label, p := range labelProbabilities {
		if p < 0 {
			return nil, fmt.Errorf("sampler: negative probability %g for label %d", p, label)
		}
		probs[label] = p
	}
	return &LabelSampler{patch: patch, key: labelKey, probs: probs, rng: newRNG()}, nil
}

// Reseed makes the sampler's draw sequence reproducible. Call it before
// sampling begins; it is not synchronized with concurrent Sample calls.
func (l *LabelSampler) Reseed(seed uint64) {
	l.rng = newSeededRNG(seed)
}

// Sample implements Sampler.
func (l *LabelSampler) Sample(s *subject.Subject, n int) ([]Location, error) {
	shape, err := s.SpatialShape()
	if err != nil {
		return nil, err
	}
	if err := validatePatchFits(l.patch, shape); err != nil {
		return nil, err
	}
	labelVol, err := s.Volume(l.key)
	if err != nil {
		return nil, err
	}
	index, err := l.cache.lookup(labelVol, func() (*cdf, error) {
		return l.buildIndex(labelVol)
	})
	if err != nil {
		return nil, err
	}

	locs := make([]Location, n)
	for i := range locs {
		center := index.draw(l.rng)
		locs[i] = locationAt(centeredStart(center, l.patch, shape), l.patch)
	}
	return locs, nil
}

// buildIndex derives the per-voxel probability map from a label volume.
// Each listed label's probability is split evenly across that label's
// voxels; unlisted labels get zero; the map is then normalized.
func (l *LabelSampler) buildIndex(labelVol *volume.Volume) (*cdf, error) {
	values, err := singleChannel(labelVol, "label map")
	if err != nil {
		return nil, err
	}
	counts := make(map[int]int)
	for _, v := range values {
		label := int(math.Round(v))
		if _, ok := l.probs[label]; ok {
			counts[label]++
		}
	}
	weights := make([]float64, len(values))
	total := 0.0
	for i, v := range values {
		label := int(math.Round(v))
		p, ok := l.probs[label]
		if !ok || counts[label] == 0 {
			continue
		}
		weights[i] = p / float64(counts[label])
		total += weights[i]
	}
	if total > 0 {
		for i := range weights {
			weights[i] /= total
		}
	}
	return newCDF(weights, labelVol.SpatialShape())
}
