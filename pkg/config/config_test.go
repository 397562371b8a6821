package config

import (
	"os"
	"path/filepath"
	"testing"

	"volpatch/internal/voxel"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config must validate: %v", err)
	}
	size, err := cfg.PatchSize()
	if err != nil {
		t.Fatalf("PatchSize failed: %v", err)
	}
	if size != voxel.Uniform(64) {
		t.Errorf("Default patch size = %v, want {64 64 64}", size)
	}
	if cfg.Aggregation.Mode != "average" {
		t.Errorf("Default aggregation mode = %q, want average", cfg.Aggregation.Mode)
	}
	if cfg.Queue.Length < cfg.Queue.SamplesPerVolume {
		t.Error("Default queue length must hold one full sample batch")
	}
}

func TestPatchSizeExpansion(t *testing.T) {
	cfg := DefaultConfig()

	cfg.Patch.Size = []int{32}
	size, err := cfg.PatchSize()
	if err != nil {
		t.Fatalf("PatchSize failed: %v", err)
	}
	if size != voxel.Uniform(32) {
		t.Errorf("Scalar size expanded to %v, want {32 32 32}", size)
	}

	cfg.Patch.Size = []int{16, 32, 8}
	size, err = cfg.PatchSize()
	if err != nil {
		t.Fatalf("PatchSize failed: %v", err)
	}
	if size != (voxel.Shape{16, 32, 8}) {
		t.Errorf("Triple size = %v, want {16 32 8}", size)
	}

	cfg.Patch.Size = []int{16, 32}
	if _, err := cfg.PatchSize(); err == nil {
		t.Error("Expected error for two-element size")
	}
	cfg.Patch.Size = []int{0}
	if _, err := cfg.PatchSize(); err == nil {
		t.Error("Expected error for zero size")
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"overlap equals size", func(c *Config) { c.Patch.Overlap = []int{64} }},
		{"negative overlap", func(c *Config) { c.Patch.Overlap = []int{-1} }},
		{"zero samples per volume", func(c *Config) { c.Queue.SamplesPerVolume = 0 }},
		{"queue shorter than batch", func(c *Config) { c.Queue.Length = 4; c.Queue.SamplesPerVolume = 8 }},
		{"negative workers", func(c *Config) { c.Queue.NumWorkers = -2 }},
	}
	for _, tc := range testCases {
		cfg := DefaultConfig()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Queue.Length != DefaultConfig().Queue.Length {
		t.Error("Missing file must yield the default configuration")
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "volpatch.yaml")

	cfg := DefaultConfig()
	cfg.Patch.Size = []int{16, 32, 8}
	cfg.Patch.Padding = "reflect"
	cfg.Queue.SamplesPerVolume = 3
	cfg.Queue.Seed = 99
	cfg.Aggregation.Mode = "hann"

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	size, err := loaded.PatchSize()
	if err != nil {
		t.Fatalf("PatchSize failed: %v", err)
	}
	if size != (voxel.Shape{16, 32, 8}) {
		t.Errorf("Loaded patch size = %v, want {16 32 8}", size)
	}
	if loaded.Patch.Padding != "reflect" {
		t.Errorf("Loaded padding = %q, want reflect", loaded.Patch.Padding)
	}
	if loaded.Queue.SamplesPerVolume != 3 {
		t.Errorf("Loaded samplesPerVolume = %d, want 3", loaded.Queue.SamplesPerVolume)
	}
	if loaded.Queue.Seed != 99 {
		t.Errorf("Loaded seed = %d, want 99", loaded.Queue.Seed)
	}
	if loaded.Aggregation.Mode != "hann" {
		t.Errorf("Loaded mode = %q, want hann", loaded.Aggregation.Mode)
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("patch: ["), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected error for malformed YAML")
	}
}

func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volpatch.yaml")
	if err := CreateDefaultConfigFile(path); err != nil {
		t.Fatalf("CreateDefaultConfigFile failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Config file was not written: %v", err)
	}
}
