package aggregator

import (
	"gonum.org/v1/gonum/dsp/window"

	"volpatch/internal/voxel"
)

// kernelFloor keeps border voxels at a small positive weight. A pure Hann
// window is zero at the patch borders, which would leave volume-edge voxels
// with zero total weight even though the grid covers them.
const kernelFloor = 1e-6

// hannKernel builds the separable 3D blend kernel for a patch shape: the
// outer product of per-axis Hann windows. Axes of extent one keep weight
// one.
func hannKernel(patch voxel.Shape) []float64 {
	axes := make([][]float64, 3)
	for axis := 0; axis < 3; axis++ {
		w := make([]float64, patch[axis])
		for i := range w {
			w[i] = 1
		}
		if patch[axis] > 1 {
			window.Hann(w)
		}
		for i := range w {
			if w[i] < kernelFloor {
				w[i] = kernelFloor
			}
		}
		axes[axis] = w
	}

	kernel := make([]float64, patch.NumVoxels())
	for x := 0; x < patch[0]; x++ {
		for y := 0; y < patch[1]; y++ {
			for z := 0; z < patch[2]; z++ {
				kernel[(x*patch[1]+y)*patch[2]+z] = axes[0][x] * axes[1][y] * axes[2][z]
			}
		}
	}
	return kernel
}
