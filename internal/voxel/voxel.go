// Package voxel holds the small shared types for 3-axis voxel index
// arithmetic used by the volume, sampler and aggregator packages.
package voxel

import (
	"fmt"
)

// Shape describes an extent along the three spatial axes (W, H, D).
// It is also used for patch sizes, overlaps and padding amounts.
type Shape [3]int

// Uniform returns a shape with the same extent on every axis.
func Uniform(n int) Shape {
	return Shape{n, n, n}
}

// FromSlice expands a 1- or 3-element slice into a Shape. A single value
// applies to all three axes, mirroring the scalar patch-size shorthand.
func FromSlice(values []int) (Shape, error) {
	switch len(values) {
	case 1:
		return Uniform(values[0]), nil
	case 3:
		return Shape{values[0], values[1], values[2]}, nil
	default:
		return Shape{}, fmt.Errorf("expected 1 or 3 values, got %d", len(values))
	}
}

// NumVoxels returns the number of voxels covered by the shape.
func (s Shape) NumVoxels() int {
	return s[0] * s[1] * s[2]
}

// Positive reports whether every axis extent is at least 1.
func (s Shape) Positive() bool {
	return s[0] > 0 && s[1] > 0 && s[2] > 0
}

// NonNegative reports whether every axis extent is at least 0.
func (s Shape) NonNegative() bool {
	return s[0] >= 0 && s[1] >= 0 && s[2] >= 0
}

// Fits reports whether s fits inside other on every axis.
func (s Shape) Fits(other Shape) bool {
	return s[0] <= other[0] && s[1] <= other[1] && s[2] <= other[2]
}

// Add returns the per-axis sum of two shapes.
func (s Shape) Add(other Shape) Shape {
	return Shape{s[0] + other[0], s[1] + other[1], s[2] + other[2]}
}

// IsZero reports whether all axis extents are zero.
func (s Shape) IsZero() bool {
	return s == Shape{}
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d)", s[0], s[1], s[2])
}

// CeilDiv returns ceil(a/b) for positive b.
func CeilDiv(a, b int) int {
	return (a + b - 1) / b
}

// Clamp limits v to the inclusive range [lo, hi].
func Clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
