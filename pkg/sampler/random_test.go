package sampler

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"volpatch/internal/voxel"
	"volpatch/pkg/subject"
	"volpatch/pkg/volume"
)

func newTestSubject(t *testing.T, images map[string]*volume.Volume) *subject.Subject {
	t.Helper()
	wrapped := make(map[string]*subject.Image, len(images))
	for k, v := range images {
		wrapped[k] = subject.NewImage(v)
	}
	return subject.New("test", wrapped)
}

func zeroVolume(t *testing.T, w, h, d int) *volume.Volume {
	t.Helper()
	v, err := volume.New(1, w, h, d)
	if err != nil {
		t.Fatalf("New volume failed: %v", err)
	}
	return v
}

func TestUniformSamplerBounds(t *testing.T) {
	shape := voxel.Shape{10, 8, 6}
	patch := voxel.Shape{4, 4, 4}
	s := newTestSubject(t, map[string]*volume.Volume{"t1": zeroVolume(t, 10, 8, 6)})

	u, err := NewUniformSampler(patch)
	if err != nil {
		t.Fatalf("NewUniformSampler failed: %v", err)
	}
	u.Reseed(1)

	locs, err := u.Sample(s, 200)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if len(locs) != 200 {
		t.Fatalf("Got %d locations, want 200", len(locs))
	}
	for _, loc := range locs {
		if !loc.In(shape) {
			t.Fatalf("Location %v exceeds volume shape %v", loc, shape)
		}
		if loc.Shape() != patch {
			t.Fatalf("Location %v has shape %v, want %v", loc, loc.Shape(), patch)
		}
	}
}

func TestUniformSamplerReseedReproducible(t *testing.T) {
	s := newTestSubject(t, map[string]*volume.Volume{"t1": zeroVolume(t, 10, 10, 10)})
	u, err := NewUniformSampler(voxel.Uniform(4))
	if err != nil {
		t.Fatalf("NewUniformSampler failed: %v", err)
	}

	u.Reseed(42)
	first, err := u.Sample(s, 50)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	u.Reseed(42)
	second, err := u.Sample(s, 50)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("Same seed produced different draws (-first +second):\n%s", diff)
	}
}

func TestUniformSamplerPatchTooLarge(t *testing.T) {
	s := newTestSubject(t, map[string]*volume.Volume{"t1": zeroVolume(t, 4, 4, 4)})
	u, err := NewUniformSampler(voxel.Uniform(8))
	if err != nil {
		t.Fatalf("NewUniformSampler failed: %v", err)
	}
	if _, err := u.Sample(s, 1); err == nil {
		t.Error("Expected error for patch larger than the volume")
	}
}

func TestWeightedSamplerSingleVoxel(t *testing.T) {
	// All probability mass on voxel (3,3,3): every patch must be the window
	// centered there, shifted inward to stay in bounds.
	prob := zeroVolume(t, 4, 4, 4)
	prob.Set(0, 3, 3, 3, 1)
	s := newTestSubject(t, map[string]*volume.Volume{
		"t1":   zeroVolume(t, 4, 4, 4),
		"prob": prob,
	})

	w, err := NewWeightedSampler(voxel.Uniform(2), "prob")
	if err != nil {
		t.Fatalf("NewWeightedSampler failed: %v", err)
	}
	w.Reseed(7)

	locs, err := w.Sample(s, 20)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	want := Location{X0: 2, Y0: 2, Z0: 2, X1: 4, Y1: 4, Z1: 4}
	for _, loc := range locs {
		if loc != want {
			t.Fatalf("Location %v, want %v", loc, want)
		}
	}
}

func TestWeightedSamplerZeroVoxelsNeverCentered(t *testing.T) {
	// Mass only in the x >= 4 half: no patch may be centered in the zero half.
	prob := zeroVolume(t, 8, 8, 8)
	for x := 4; x < 8; x++ {
		for y := 0; y < 8; y++ {
			for z := 0; z < 8; z++ {
				prob.Set(0, x, y, z, 1)
			}
		}
	}
	s := newTestSubject(t, map[string]*volume.Volume{
		"t1":   zeroVolume(t, 8, 8, 8),
		"prob": prob,
	})

	w, err := NewWeightedSampler(voxel.Uniform(2), "prob")
	if err != nil {
		t.Fatalf("NewWeightedSampler failed: %v", err)
	}
	w.Reseed(11)

	locs, err := w.Sample(s, 300)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	for _, loc := range locs {
		// Center x = X0 + patch/2 must land in the weighted half.
		if center := loc.X0 + 1; center < 4 {
			t.Fatalf("Location %v centered on a zero-probability voxel", loc)
		}
	}
}

func TestWeightedSamplerZeroMap(t *testing.T) {
	s := newTestSubject(t, map[string]*volume.Volume{
		"t1":   zeroVolume(t, 4, 4, 4),
		"prob": zeroVolume(t, 4, 4, 4),
	})
	w, err := NewWeightedSampler(voxel.Uniform(2), "prob")
	if err != nil {
		t.Fatalf("NewWeightedSampler failed: %v", err)
	}
	if _, err := w.Sample(s, 1); !errors.Is(err, ErrZeroProbability) {
		t.Errorf("Expected ErrZeroProbability, got %v", err)
	}
}

func TestWeightedSamplerNegativeWeight(t *testing.T) {
	prob := zeroVolume(t, 4, 4, 4)
	prob.Set(0, 0, 0, 0, -1)
	s := newTestSubject(t, map[string]*volume.Volume{
		"t1":   zeroVolume(t, 4, 4, 4),
		"prob": prob,
	})
	w, err := NewWeightedSampler(voxel.Uniform(2), "prob")
	if err != nil {
		t.Fatalf("NewWeightedSampler failed: %v", err)
	}
	if _, err := w.Sample(s, 1); err == nil {
		t.Error("Expected error for negative probability")
	}
}

func TestWeightedSamplerMissingMap(t *testing.T) {
	s := newTestSubject(t, map[string]*volume.Volume{"t1": zeroVolume(t, 4, 4, 4)})
	w, err := NewWeightedSampler(voxel.Uniform(2), "prob")
	if err != nil {
		t.Fatalf("NewWeightedSampler failed: %v", err)
	}
	if _, err := w.Sample(s, 1); err == nil {
		t.Error("Expected error for missing probability map")
	}
}

func TestLabelSamplerCentersOnListedLabels(t *testing.T) {
	// Background 0 everywhere, label 1 in the z >= 4 half. Only label 1 is
	// listed, so every center must land in that half.
	labels := zeroVolume(t, 8, 8, 8)
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			for z := 4; z < 8; z++ {
				labels.Set(0, x, y, z, 1)
			}
		}
	}
	s := newTestSubject(t, map[string]*volume.Volume{
		"t1":    zeroVolume(t, 8, 8, 8),
		"label": labels,
	})

	l, err := NewLabelSampler(voxel.Uniform(2), "label", map[int]float64{1: 1})
	if err != nil {
		t.Fatalf("NewLabelSampler failed: %v", err)
	}
	l.Reseed(3)

	locs, err := l.Sample(s, 300)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	for _, loc := range locs {
		if center := loc.Z0 + 1; center < 4 {
			t.Fatalf("Location %v centered on an unlisted label", loc)
		}
	}
}

func TestLabelSamplerNoListedLabelPresent(t *testing.T) {
	s := newTestSubject(t, map[string]*volume.Volume{
		"t1":    zeroVolume(t, 4, 4, 4),
		"label": zeroVolume(t, 4, 4, 4),
	})
	l, err := NewLabelSampler(voxel.Uniform(2), "label", map[int]float64{7: 1})
	if err != nil {
		t.Fatalf("NewLabelSampler failed: %v", err)
	}
	if _, err := l.Sample(s, 1); !errors.Is(err, ErrZeroProbability) {
		t.Errorf("Expected ErrZeroProbability, got %v", err)
	}
}

func TestLabelSamplerValidation(t *testing.T) {
	if _, err := NewLabelSampler(voxel.Uniform(2), "", map[int]float64{1: 1}); err == nil {
		t.Error("Expected error for empty label key")
	}
	if _, err := NewLabelSampler(voxel.Uniform(2), "label", nil); err == nil {
		t.Error("Expected error for empty probability table")
	}
	if _, err := NewLabelSampler(voxel.Uniform(2), "label", map[int]float64{1: -0.5}); err == nil {
		t.Error("Expected error for negative label probability")
	}
}

func TestSamplersSharedAcrossGoroutines(t *testing.T) {
	// The queue hands one sampler to its whole worker pool, so concurrent
	// Sample calls on a shared instance must be safe.
	prob := zeroVolume(t, 8, 8, 8)
	for i := range prob.Data {
		prob.Data[i] = 1
	}
	s := newTestSubject(t, map[string]*volume.Volume{
		"t1":   zeroVolume(t, 8, 8, 8),
		"prob": prob,
	})

	u, err := NewUniformSampler(voxel.Uniform(4))
	if err != nil {
		t.Fatalf("NewUniformSampler failed: %v", err)
	}
	w, err := NewWeightedSampler(voxel.Uniform(4), "prob")
	if err != nil {
		t.Fatalf("NewWeightedSampler failed: %v", err)
	}

	shape := voxel.Uniform(8)
	for _, smp := range []Sampler{u, w} {
		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for iter := 0; iter < 50; iter++ {
					locs, err := smp.Sample(s, 4)
					if err != nil {
						errs <- err
						return
					}
					for _, loc := range locs {
						if !loc.In(shape) {
							errs <- errors.New("location out of bounds: " + loc.String())
							return
						}
					}
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("Concurrent Sample failed: %v", err)
		}
	}
}

func TestCDFCacheReusedPerMapVolume(t *testing.T) {
	cache := &cdfCache{}
	v := zeroVolume(t, 2, 2, 2)
	v.Data[0] = 1

	builds := 0
	build := func() (*cdf, error) {
		builds++
		return newCDF(v.Data, v.SpatialShape())
	}
	first, err := cache.lookup(v, build)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	second, err := cache.lookup(v, build)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if builds != 1 {
		t.Errorf("Index built %d times for one volume, want 1", builds)
	}
	if first != second {
		t.Error("Cache returned a different index for the same volume")
	}

	// A different map volume invalidates the cached index.
	other := zeroVolume(t, 2, 2, 2)
	other.Data[7] = 1
	if _, err := cache.lookup(other, func() (*cdf, error) {
		builds++
		return newCDF(other.Data, other.SpatialShape())
	}); err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if builds != 2 {
		t.Errorf("Index built %d times for two volumes, want 2", builds)
	}
}

func TestWeightedSamplerTracksReplacedMap(t *testing.T) {
	// The memoized index must not leak across subjects carrying different
	// probability maps.
	probA := zeroVolume(t, 4, 4, 4)
	probA.Set(0, 0, 0, 0, 1)
	probB := zeroVolume(t, 4, 4, 4)
	probB.Set(0, 3, 3, 3, 1)

	w, err := NewWeightedSampler(voxel.Uniform(2), "prob")
	if err != nil {
		t.Fatalf("NewWeightedSampler failed: %v", err)
	}
	w.Reseed(5)

	a := newTestSubject(t, map[string]*volume.Volume{
		"t1": zeroVolume(t, 4, 4, 4), "prob": probA,
	})
	locs, err := w.Sample(a, 5)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	wantA := Location{X0: 0, Y0: 0, Z0: 0, X1: 2, Y1: 2, Z1: 2}
	for _, loc := range locs {
		if loc != wantA {
			t.Fatalf("Location %v, want %v", loc, wantA)
		}
	}

	b := newTestSubject(t, map[string]*volume.Volume{
		"t1": zeroVolume(t, 4, 4, 4), "prob": probB,
	})
	locs, err = w.Sample(b, 5)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	wantB := Location{X0: 2, Y0: 2, Z0: 2, X1: 4, Y1: 4, Z1: 4}
	for _, loc := range locs {
		if loc != wantB {
			t.Fatalf("Location %v, want %v", loc, wantB)
		}
	}
}

func TestExtractPatch(t *testing.T) {
	v := zeroVolume(t, 6, 6, 6)
	for i := range v.Data {
		v.Data[i] = float64(i)
	}
	s := newTestSubject(t, map[string]*volume.Volume{"t1": v})

	loc := Location{X0: 1, Y0: 2, Z0: 3, X1: 4, Y1: 5, Z1: 6}
	patch, err := ExtractPatch(s, loc)
	if err != nil {
		t.Fatalf("ExtractPatch failed: %v", err)
	}
	if patch.ID != s.ID {
		t.Errorf("Patch subject ID %q, want %q", patch.ID, s.ID)
	}
	pv, err := patch.Volume("t1")
	if err != nil {
		t.Fatalf("Volume failed: %v", err)
	}
	if pv.SpatialShape() != loc.Shape() {
		t.Errorf("Patch shape %v, want %v", pv.SpatialShape(), loc.Shape())
	}
	if got, want := pv.At(0, 0, 0, 0), v.At(0, 1, 2, 3); got != want {
		t.Errorf("Patch origin voxel = %v, want %v", got, want)
	}
}
