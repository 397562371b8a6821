// Package visualization exports axis-aligned slices of a volume as JPEG
// images, mainly for inspecting aggregated inference outputs.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"volpatch/pkg/volume"
)

// Viewer extracts 2D slices from one channel of a volume. Intensities are
// assumed to lie in [0, 1] and are clamped into the 16-bit grayscale range
// on export.
type Viewer struct {
	vol     *volume.Volume
	channel int
}

// NewViewer creates a viewer over the given channel of a volume.
func NewViewer(vol *volume.Volume, channel int) (*Viewer, error) {
	if vol == nil {
		return nil, fmt.Errorf("visualization: volume is required")
	}
	if channel < 0 || channel >= vol.Channels {
		return nil, fmt.Errorf("visualization: channel %d out of range [0, %d)", channel, vol.Channels)
	}
	return &Viewer{vol: vol, channel: channel}, nil
}

func (v *Viewer) gray(x, y, z int) color.Gray16 {
	value := uint16(math.Max(0, math.Min(65535, v.vol.At(v.channel, x, y, z)*65535)))
	return color.Gray16{Y: value}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var img *image.Gray16

	switch axis {
	case "x", "X":
		// Extract slice along the YZ plane.
		if position >= v.vol.Width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.vol.Width)
		}

		img = image.NewGray16(image.Rect(0, 0, v.vol.Depth, v.vol.Height))
		for y := 0; y < v.vol.Height; y++ {
			for z := 0; z < v.vol.Depth; z++ {
				img.SetGray16(z, y, v.gray(position, y, z))
			}
		}

	case "y", "Y":
		// Extract slice along the XZ plane.
		if position >= v.vol.Height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.vol.Height)
		}

		img = image.NewGray16(image.Rect(0, 0, v.vol.Width, v.vol.Depth))
		for z := 0; z < v.vol.Depth; z++ {
			for x := 0; x < v.vol.Width; x++ {
				img.SetGray16(x, z, v.gray(x, position, z))
			}
		}

	case "z", "Z":
		// Extract slice along the XY plane.
		if position >= v.vol.Depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.vol.Depth)
		}

		img = image.NewGray16(image.Rect(0, 0, v.vol.Width, v.vol.Height))
		for y := 0; y < v.vol.Height; y++ {
			for x := 0; x < v.vol.Width; x++ {
				img.SetGray16(x, y, v.gray(x, y, position))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves a sequence of slices along the
// specified axis.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.vol.Width
	case "y", "Y":
		maxPos = v.vol.Height
	case "z", "Z":
		maxPos = v.vol.Depth
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
