// Package config provides configuration loading and management for histostack.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Masking parameters
	Masking struct {
		// Downsample is the integer factor between raw pixels and the mask grid
		Downsample int `yaml:"downsample"`

		// Threshold forces a fixed intensity threshold in (0,1); 0 selects Otsu
		Threshold float64 `yaml:"threshold"`

		// Invert treats bright pixels as tissue (fluorescence)
		Invert bool `yaml:"invert"`

		// CloseRadius is the half-width of the square closing element
		CloseRadius int `yaml:"closeRadius"`

		// CloseIterations repeats the closing
		CloseIterations int `yaml:"closeIterations"`

		// MinObjectArea removes foreground components smaller than this (mask pixels)
		MinObjectArea int `yaml:"minObjectArea"`

		// MinConfidence is the primary/total foreground ratio below which a section fails
		MinConfidence float64 `yaml:"minConfidence"`
	} `yaml:"masking"`

	// Pairwise alignment parameters
	Alignment struct {
		// MaxIterations bounds the refinement loop
		MaxIterations int `yaml:"maxIterations"`

		// Tolerance is the cost change treated as convergence
		Tolerance float64 `yaml:"tolerance"`

		// MinOverlap is the smallest acceptable mask IoU after alignment
		MinOverlap float64 `yaml:"minOverlap"`

		// TieTolerance is the cost difference below which candidates are equivalent
		TieTolerance float64 `yaml:"tieTolerance"`

		// SmoothSigma softens masks before computing the correlation cost
		SmoothSigma float64 `yaml:"smoothSigma"`

		// SkipStride adds a redundant pair between sections N apart; 0 disables it
		SkipStride int `yaml:"skipStride"`
	} `yaml:"alignment"`

	// Global solver parameters
	Solver struct {
		// MaxIterations bounds the robust re-weighting passes
		MaxIterations int `yaml:"maxIterations"`

		// Tolerance is the parameter change treated as convergence
		Tolerance float64 `yaml:"tolerance"`

		// HuberThreshold is the residual (pixels) above which a pair is down-weighted
		HuberThreshold float64 `yaml:"huberThreshold"`

		// DriftTolerance is the largest accepted pair residual (pixels)
		DriftTolerance float64 `yaml:"driftTolerance"`

		// LowConfidenceWeight replaces the weight of failed pairs
		LowConfidenceWeight float64 `yaml:"lowConfidenceWeight"`
	} `yaml:"solver"`

	// Resampling parameters
	Resample struct {
		// ApplyMask zeroes background before warping
		ApplyMask bool `yaml:"applyMask"`

		// Padding enlarges the canvas beyond the largest section (fraction)
		Padding float64 `yaml:"padding"`

		// PreviewDownsample is the factor of the linear preview image
		PreviewDownsample int `yaml:"previewDownsample"`
	} `yaml:"resample"`

	// Pyramid parameters
	Pyramid struct {
		// ChunkSize is the chunk extent in voxels (x, y, z)
		ChunkSize [3]int `yaml:"chunkSize"`

		// Factor is the xy downsample factor between consecutive levels
		Factor int `yaml:"factor"`

		// Levels is the number of levels; 0 adds levels until one chunk covers a section
		Levels int `yaml:"levels"`

		// Compression is "gzip" or "none"
		Compression string `yaml:"compression"`
	} `yaml:"pyramid"`

	// Volume parameters
	Volume struct {
		// SectionThicknessNM is the physical distance between consecutive sections
		SectionThicknessNM float64 `yaml:"sectionThicknessNM"`
	} `yaml:"volume"`

	// Orchestrator parameters
	Orchestrator struct {
		// Workers controls how many sections are processed concurrently
		Workers int `yaml:"workers"`

		// MaxRetries bounds retries of transient failures
		MaxRetries int `yaml:"maxRetries"`

		// InitialBackoff is the first retry delay
		InitialBackoff time.Duration `yaml:"initialBackoff"`

		// MaxBackoff caps the retry delay
		MaxBackoff time.Duration `yaml:"maxBackoff"`

		// MaskCacheSize bounds the number of decoded masks kept in memory
		MaskCacheSize int `yaml:"maskCacheSize"`
	} `yaml:"orchestrator"`

	// Storage parameters
	Storage struct {
		// CheckpointDB is the SQLite file holding section checkpoints
		CheckpointDB string `yaml:"checkpointDB"`

		// ArtifactDir holds masks and aligned images
		ArtifactDir string `yaml:"artifactDir"`

		// OutputDir holds the precomputed pyramids, one directory per volume
		OutputDir string `yaml:"outputDir"`

		// SaveIntermediaryResults keeps preview and mask images for QC
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`
	} `yaml:"storage"`

	// Log parameters
	Log struct {
		// Format is "json" or "text"
		Format string `yaml:"format"`

		// Level is none, debug, info, warn or error
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default masking parameters
	cfg.Masking.Downsample = 8
	cfg.Masking.Threshold = 0
	cfg.Masking.Invert = false
	cfg.Masking.CloseRadius = 2
	cfg.Masking.CloseIterations = 2
	cfg.Masking.MinObjectArea = 16
	cfg.Masking.MinConfidence = 0.6

	// Set default alignment parameters
	cfg.Alignment.MaxIterations = 200
	cfg.Alignment.Tolerance = 1e-6
	cfg.Alignment.MinOverlap = 0.5
	cfg.Alignment.TieTolerance = 1e-3
	cfg.Alignment.SmoothSigma = 1.5
	cfg.Alignment.SkipStride = 0

	// Set default solver parameters
	cfg.Solver.MaxIterations = 10
	cfg.Solver.Tolerance = 1e-6
	cfg.Solver.HuberThreshold = 4
	cfg.Solver.DriftTolerance = 25
	cfg.Solver.LowConfidenceWeight = 0.01

	// Set default resampling parameters
	cfg.Resample.ApplyMask = true
	cfg.Resample.Padding = 0.1
	cfg.Resample.PreviewDownsample = 8

	// Set default pyramid parameters (chunk layout of the precomputed export)
	cfg.Pyramid.ChunkSize = [3]int{256, 256, 1}
	cfg.Pyramid.Factor = 2
	cfg.Pyramid.Levels = 0
	cfg.Pyramid.Compression = "gzip"

	cfg.Volume.SectionThicknessNM = 20000

	// Set default orchestrator parameters
	cfg.Orchestrator.Workers = runtime.NumCPU() // Use all available cores by default
	cfg.Orchestrator.MaxRetries = 5
	cfg.Orchestrator.InitialBackoff = 200 * time.Millisecond
	cfg.Orchestrator.MaxBackoff = 10 * time.Second
	cfg.Orchestrator.MaskCacheSize = 64

	// Set default storage parameters
	cfg.Storage.CheckpointDB = "histostack.db"
	cfg.Storage.ArtifactDir = "artifacts"
	cfg.Storage.OutputDir = "precomputed"
	cfg.Storage.SaveIntermediaryResults = false

	cfg.Log.Format = "text"
	cfg.Log.Level = "info"

	return cfg
}

// Validate returns an error naming the first invalid setting
func (c *Config) Validate() error {
	switch {
	case c.Masking.Downsample < 1:
		return fmt.Errorf("masking.downsample must be >= 1, got %d", c.Masking.Downsample)
	case c.Masking.Threshold < 0 || c.Masking.Threshold >= 1:
		return fmt.Errorf("masking.threshold must be in [0,1), got %g", c.Masking.Threshold)
	case c.Masking.CloseRadius < 0 || c.Masking.CloseIterations < 0:
		return fmt.Errorf("masking closing parameters must be non-negative")
	case c.Masking.MinConfidence < 0 || c.Masking.MinConfidence > 1:
		return fmt.Errorf("masking.minConfidence must be in [0,1], got %g", c.Masking.MinConfidence)
	case c.Alignment.MaxIterations < 1:
		return fmt.Errorf("alignment.maxIterations must be >= 1, got %d", c.Alignment.MaxIterations)
	case c.Alignment.MinOverlap < 0 || c.Alignment.MinOverlap > 1:
		return fmt.Errorf("alignment.minOverlap must be in [0,1], got %g", c.Alignment.MinOverlap)
	case c.Alignment.SkipStride == 1 || c.Alignment.SkipStride < 0:
		return fmt.Errorf("alignment.skipStride must be 0 or >= 2, got %d", c.Alignment.SkipStride)
	case c.Solver.MaxIterations < 1:
		return fmt.Errorf("solver.maxIterations must be >= 1, got %d", c.Solver.MaxIterations)
	case c.Solver.DriftTolerance <= 0:
		return fmt.Errorf("solver.driftTolerance must be positive, got %g", c.Solver.DriftTolerance)
	case c.Solver.LowConfidenceWeight <= 0:
		return fmt.Errorf("solver.lowConfidenceWeight must be positive, got %g", c.Solver.LowConfidenceWeight)
	case c.Resample.PreviewDownsample < 1:
		return fmt.Errorf("resample.previewDownsample must be >= 1, got %d", c.Resample.PreviewDownsample)
	case c.Pyramid.ChunkSize[0] < 1 || c.Pyramid.ChunkSize[1] < 1 || c.Pyramid.ChunkSize[2] != 1:
		return fmt.Errorf("pyramid.chunkSize must be positive in x,y and 1 in z, got %v", c.Pyramid.ChunkSize)
	case c.Pyramid.Factor < 2:
		return fmt.Errorf("pyramid.factor must be >= 2, got %d", c.Pyramid.Factor)
	case c.Pyramid.Levels < 0:
		return fmt.Errorf("pyramid.levels must be >= 0, got %d", c.Pyramid.Levels)
	case c.Pyramid.Compression != "gzip" && c.Pyramid.Compression != "none":
		return fmt.Errorf("pyramid.compression must be gzip or none, got %q", c.Pyramid.Compression)
	case c.Orchestrator.Workers < 1:
		return fmt.Errorf("orchestrator.workers must be >= 1, got %d", c.Orchestrator.Workers)
	case c.Orchestrator.MaxRetries < 0:
		return fmt.Errorf("orchestrator.maxRetries must be >= 0, got %d", c.Orchestrator.MaxRetries)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
