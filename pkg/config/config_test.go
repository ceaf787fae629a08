package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestDefaultConfigIsValid verifies the defaults pass validation
func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config is invalid: %v", err)
	}

	if cfg.Pyramid.ChunkSize != [3]int{256, 256, 1} {
		t.Errorf("Expected chunk size [256 256 1], got %v", cfg.Pyramid.ChunkSize)
	}
	if cfg.Orchestrator.Workers < 1 {
		t.Errorf("Expected at least one worker, got %d", cfg.Orchestrator.Workers)
	}
}

// TestLoadMissingFile returns defaults when there is no file
func TestLoadMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Masking.MinConfidence != DefaultConfig().Masking.MinConfidence {
		t.Errorf("Expected default minConfidence, got %f", cfg.Masking.MinConfidence)
	}
}

// TestSaveAndLoad round-trips a modified configuration through YAML
func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Masking.MinConfidence = 0.8
	cfg.Alignment.SkipStride = 4
	cfg.Orchestrator.InitialBackoff = 50 * time.Millisecond
	cfg.Pyramid.Compression = "none"

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if loaded.Masking.MinConfidence != 0.8 {
		t.Errorf("Expected minConfidence 0.8, got %f", loaded.Masking.MinConfidence)
	}
	if loaded.Alignment.SkipStride != 4 {
		t.Errorf("Expected skipStride 4, got %d", loaded.Alignment.SkipStride)
	}
	if loaded.Orchestrator.InitialBackoff != 50*time.Millisecond {
		t.Errorf("Expected initialBackoff 50ms, got %v", loaded.Orchestrator.InitialBackoff)
	}
	if loaded.Pyramid.Compression != "none" {
		t.Errorf("Expected compression none, got %q", loaded.Pyramid.Compression)
	}
}

// TestLoadPartialFile keeps defaults for keys the file does not set
func TestLoadPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	content := "solver:\n  driftTolerance: 7.5\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Solver.DriftTolerance != 7.5 {
		t.Errorf("Expected driftTolerance 7.5, got %f", cfg.Solver.DriftTolerance)
	}
	if cfg.Solver.MaxIterations != DefaultConfig().Solver.MaxIterations {
		t.Errorf("Expected default solver.maxIterations, got %d", cfg.Solver.MaxIterations)
	}
}

// TestValidateRejects checks a few invalid settings
func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"downsample", func(c *Config) { c.Masking.Downsample = 0 }, "masking.downsample"},
		{"skip stride one", func(c *Config) { c.Alignment.SkipStride = 1 }, "alignment.skipStride"},
		{"chunk depth", func(c *Config) { c.Pyramid.ChunkSize = [3]int{64, 64, 4} }, "pyramid.chunkSize"},
		{"compression", func(c *Config) { c.Pyramid.Compression = "zstd" }, "pyramid.compression"},
		{"drift", func(c *Config) { c.Solver.DriftTolerance = 0 }, "solver.driftTolerance"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("Expected error about %s, got %v", tt.field, err)
			}
		})
	}
}
