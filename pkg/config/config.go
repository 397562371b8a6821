// Package config provides configuration loading and management for the
// patch sampling pipeline. It handles loading configuration from YAML files
// and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"volpatch/internal/voxel"
)

// Config represents the pipeline configuration loaded from YAML.
type Config struct {
	// Patch window parameters shared by samplers and the aggregator.
	Patch struct {
		// Size is the patch extent, one value for cubic patches or
		// three per-axis values.
		Size []int `yaml:"size"`

		// Overlap is the grid patch overlap, one or three values.
		Overlap []int `yaml:"overlap"`

		// Padding selects how volumes smaller than the patch are
		// padded: "", "constant", "edge" or "reflect".
		Padding string `yaml:"padding"`
	} `yaml:"patch"`

	// Queue parameters for the training prefetch buffer.
	Queue struct {
		// Length bounds the number of buffered patches.
		Length int `yaml:"length"`

		// SamplesPerVolume is the number of patches drawn per subject.
		SamplesPerVolume int `yaml:"samplesPerVolume"`

		// NumWorkers is the parallel loader count; 0 loads inline.
		NumWorkers int `yaml:"numWorkers"`

		// ShuffleSubjects reshuffles the subject order every epoch.
		ShuffleSubjects bool `yaml:"shuffleSubjects"`

		// ShufflePatches randomizes pops within the buffer window.
		ShufflePatches bool `yaml:"shufflePatches"`

		// Seed fixes the shuffle RNG; 0 seeds from the clock.
		Seed uint64 `yaml:"seed"`
	} `yaml:"queue"`

	// Aggregation parameters for reassembling patch outputs.
	Aggregation struct {
		// Mode is "average", "hann" or "hardmax".
		Mode string `yaml:"mode"`
	} `yaml:"aggregation"`

	// Output parameters.
	Output struct {
		// Verbose controls the level of logging output.
		Verbose bool `yaml:"verbose"`

		// SaveSlices exports the aggregated volume as JPEG slices.
		SaveSlices bool `yaml:"saveSlices"`

		// SlicesDir is the directory slice sequences are written to.
		SlicesDir string `yaml:"slicesDir"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Patch.Size = []int{64}
	cfg.Patch.Overlap = []int{0}
	cfg.Patch.Padding = "edge"

	cfg.Queue.Length = 64
	cfg.Queue.SamplesPerVolume = 8
	cfg.Queue.NumWorkers = runtime.NumCPU()
	cfg.Queue.ShuffleSubjects = true
	cfg.Queue.ShufflePatches = true

	cfg.Aggregation.Mode = "average"

	cfg.Output.Verbose = true
	cfg.Output.SaveSlices = false
	cfg.Output.SlicesDir = "aggregated_slices"

	return cfg
}

// PatchSize expands the configured patch size into per-axis extents.
func (c *Config) PatchSize() (voxel.Shape, error) {
	size, err := voxel.FromSlice(c.Patch.Size)
	if err != nil {
		return voxel.Shape{}, fmt.Errorf("patch size: %w", err)
	}
	if !size.Positive() {
		return voxel.Shape{}, fmt.Errorf("patch size %v must be positive", size)
	}
	return size, nil
}

// PatchOverlap expands the configured overlap into per-axis extents.
func (c *Config) PatchOverlap() (voxel.Shape, error) {
	overlap, err := voxel.FromSlice(c.Patch.Overlap)
	if err != nil {
		return voxel.Shape{}, fmt.Errorf("patch overlap: %w", err)
	}
	if !overlap.NonNegative() {
		return voxel.Shape{}, fmt.Errorf("patch overlap %v must not be negative", overlap)
	}
	return overlap, nil
}

// Validate checks the cross-field invariants that the constructors of the
// sampler, queue and aggregator packages would reject later.
func (c *Config) Validate() error {
	size, err := c.PatchSize()
	if err != nil {
		return err
	}
	overlap, err := c.PatchOverlap()
	if err != nil {
		return err
	}
	for axis := 0; axis < 3; axis++ {
		if overlap[axis] >= size[axis] {
			return fmt.Errorf("patch overlap %v must be smaller than patch size %v", overlap, size)
		}
	}
	if c.Queue.SamplesPerVolume < 1 {
		return fmt.Errorf("queue samplesPerVolume must be at least 1, got %d", c.Queue.SamplesPerVolume)
	}
	if c.Queue.Length < c.Queue.SamplesPerVolume {
		return fmt.Errorf("queue length %d is smaller than samplesPerVolume %d",
			c.Queue.Length, c.Queue.SamplesPerVolume)
	}
	if c.Queue.NumWorkers < 0 {
		return fmt.Errorf("queue numWorkers must not be negative, got %d", c.Queue.NumWorkers)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the
// specified path.
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
