package subject

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"volpatch/pkg/volume"
)

// NewImageFromDir returns a lazy image backed by a directory of JPEG slice
// files. Slices are stacked along the depth axis in the order of the numeric
// part of their filenames, which preserves the anatomical ordering of
// sequentially numbered exports. The result is a single-channel volume with
// intensities scaled to [0, 1].
func NewImageFromDir(dir string) *Image {
	return NewLazyImage(func() (*volume.Volume, error) {
		return loadSliceDir(dir)
	})
}

func loadSliceDir(dir string) (*volume.Volume, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".jpg" || ext == ".jpeg" {
			files = append(files, entry.Name())
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no JPG images found in %s", dir)
	}

	// Sort by the numeric part of the filename so slice order matches the
	// acquisition sequence regardless of zero padding.
	sort.Slice(files, func(i, j int) bool {
		return extractNumber(files[i]) < extractNumber(files[j])
	})

	var vol *volume.Volume
	for z, name := range files {
		img, err := loadJPEG(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("loading slice %s: %w", name, err)
		}
		bounds := img.Bounds()
		if vol == nil {
			vol, err = volume.New(1, bounds.Dx(), bounds.Dy(), len(files))
			if err != nil {
				return nil, err
			}
		}
		if bounds.Dx() != vol.Width || bounds.Dy() != vol.Height {
			return nil, fmt.Errorf("slice %s is %dx%d, expected %dx%d",
				name, bounds.Dx(), bounds.Dy(), vol.Width, vol.Height)
		}
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				r, _, _, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				vol.Set(0, x, y, z, float64(r)/65535.0)
			}
		}
	}
	return vol, nil
}

// extractNumber extracts the numeric part from a filename.
func extractNumber(filename string) int {
	numStr := ""
	for _, c := range filepath.Base(filename) {
		if c >= '0' && c <= '9' {
			numStr += string(c)
		}
	}
	if numStr != "" {
		if num, err := strconv.Atoi(numStr); err == nil {
			return num
		}
	}
	return 0
}

func loadJPEG(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return jpeg.Decode(file)
}
