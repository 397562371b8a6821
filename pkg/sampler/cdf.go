package sampler

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"

	"volpatch/internal/voxel"
	"volpatch/pkg/volume"
)

// ErrZeroProbability is returned when a probability map admits no voxel,
// either because it sums to zero or because no listed label occurs.
var ErrZeroProbability = errors.New("sampler: probability map sums to zero")

// cdf is a precomputed inverse-CDF index over per-voxel weights: a prefix
// sum array queried by binary search. It is built once per probability map
// and reused for every draw against it.
type cdf struct {
	cum   []float64
	total float64
	shape voxel.Shape
}

// newCDF builds the prefix-sum index for a weight-per-voxel array laid out
// like volume data (depth fastest).
func newCDF(weights []float64, shape voxel.Shape) (*cdf, error) {
	if len(weights) != shape.NumVoxels() {
		return nil, fmt.Errorf("sampler: %d weights for shape %v", len(weights), shape)
	}
	for i, w := range weights {
		if w < 0 {
			return nil, fmt.Errorf("sampler: negative probability %g at voxel %d", w, i)
		}
	}
	cum := make([]float64, len(weights))
	floats.CumSum(cum, weights)
	total := cum[len(cum)-1]
	if total <= 0 {
		return nil, ErrZeroProbability
	}
	return &cdf{cum: cum, total: total, shape: shape}, nil
}

// draw samples one voxel index proportional to its weight. Voxels with zero
// weight occupy an empty slice of the cumulative range and are never
// selected.
func (c *cdf) draw(rng *rand.Rand) voxel.Shape {
	u := rng.Float64() * c.total
	idx := sort.Search(len(c.cum), func(i int) bool { return c.cum[i] > u })
	if idx == len(c.cum) {
		idx = len(c.cum) - 1
	}
	// Invert ((x*H)+y)*D+z.
	z := idx % c.shape[2]
	rest := idx / c.shape[2]
	y := rest % c.shape[1]
	x := rest / c.shape[1]
	return voxel.Shape{x, y, z}
}

// cdfCache memoizes the index built for one map volume. Volumes are
// immutable once loaded, so pointer identity is enough to detect a changed
// map; sampling the same subject repeatedly reuses the index. Safe for
// concurrent Sample calls.
type cdfCache struct {
	mu    sync.Mutex
	vol   *volume.Volume
	index *cdf
}

// lookup returns the cached index for v, building it with build on a miss.
func (c *cdfCache) lookup(v *volume.Volume, build func() (*cdf, error)) (*cdf, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vol == v && c.index != nil {
		return c.index, nil
	}
	index, err := build()
	if err != nil {
		return nil, err
	}
	c.vol, c.index = v, index
	return index, nil
}

// centeredStart places a patch around a center voxel, shifted inward where
// the centered window would cross the volume bounds.
func centeredStart(center, patch, shape voxel.Shape) voxel.Shape {
	var start voxel.Shape
	for axis := 0; axis < 3; axis++ {
		start[axis] = voxel.Clamp(center[axis]-patch[axis]/2, 0, shape[axis]-patch[axis])
	}
	return start
}
