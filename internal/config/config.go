package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lookevink/srs-preprocessing/internal/stab"
)

const (
	defaultConfigPath = "~/.config/srs-preprocessing/config.json"
	defaultParallel   = 4
)

// Config holds user-editable settings for the preprocessing service.
type Config struct {
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Server     Server     `json:"server"`
	Watch      Watch      `json:"watch"`
	Stabilize  Stabilize  `json:"stabilize"`
	Convert    Convert    `json:"convert"`
	Preview    Preview    `json:"preview"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"`
	TempDir      string `json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput  string `json:"default_input"`
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// Server configures the HTTP API.
type Server struct {
	Addr            string `json:"addr"`
	MaxUploadMB     int    `json:"max_upload_mb"`
	ShutdownTimeout int    `json:"shutdown_timeout_seconds"`
}

// Watch configures the inbox watcher.
type Watch struct {
	Enabled   bool   `json:"enabled"`
	InboxDir  string `json:"inbox_dir"`
	OutputDir string `json:"output_dir"`
	Method    string `json:"method"`
	SettleMS  int    `json:"settle_ms"` // Quiet time before a new stack directory is enqueued
}

// Stabilize sets defaults for motion estimation and resampling.
type Stabilize struct {
	Method       string  `json:"method"` // optical_flow, ransac
	AlignChannel int     `json:"align_channel"`
	MaxShift     float64 `json:"max_shift_px"`
	Fill         string  `json:"fill"` // black, edge
	Seed         int64   `json:"seed"`
	Flow         Flow    `json:"optical_flow"`
	RANSAC       RANSAC  `json:"ransac"`
}

// Flow tunes the block-matching optical flow estimator.
type Flow struct {
	BlockSize        int     `json:"block_size"`
	BlockStep        int     `json:"block_step"`
	TextureThreshold float64 `json:"texture_threshold"`
	MinBlocks        int     `json:"min_blocks"`
}

// RANSAC tunes the feature-based homography estimator.
type RANSAC struct {
	MaxFeatures     int     `json:"max_features"`
	MinFeatureDist  int     `json:"min_feature_dist"`
	MatchRatio      float64 `json:"match_ratio"`
	MaxIterations   int     `json:"max_iterations"`
	ReprojThreshold float64 `json:"reproj_threshold"`
	Confidence      float64 `json:"confidence"`
	MinInliers      int     `json:"min_inliers"`
	MinInlierRatio  float64 `json:"min_inlier_ratio"`
}

// Convert configures the Bio-Formats conversion step.
type Convert struct {
	BfconvertPath string   `json:"bfconvert_path"`
	OutputFormat  string   `json:"output_format"` // ome.tiff
	ExtraArgs     []string `json:"extra_args"`
	TimeoutSec    int      `json:"timeout_seconds"`
}

// Preview configures thumbnail generation.
type Preview struct {
	Enabled bool `json:"enabled"`
	Width   int  `json:"width"`
	Quality int  `json:"quality"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := Default()

	configPath := os.Getenv("SRS_PREPROCESSING_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}

	return cfg, nil
}

// Save writes the configuration as indented JSON, creating parent
// directories as needed. An empty path targets the default location.
func Save(cfg *Config, path string) (string, error) {
	if path == "" {
		path = defaultConfigPath
	}
	expanded, err := expandUser(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(expanded, append(data, '\n'), 0o644); err != nil {
		return "", err
	}
	return expanded, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	sd := stab.DefaultConfig()
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "srs-preprocessing.db"),
		},
		Server: Server{
			Addr:            ":8000",
			MaxUploadMB:     512,
			ShutdownTimeout: 15,
		},
		Watch: Watch{
			Enabled:   false,
			InboxDir:  "./inbox",
			OutputDir: "./output",
			Method:    string(stab.MethodOpticalFlow),
			SettleMS:  2000,
		},
		Stabilize: Stabilize{
			Method:       string(stab.MethodOpticalFlow),
			AlignChannel: sd.AlignChannel,
			MaxShift:     sd.MaxShift,
			Fill:         string(stab.FillBlack),
			Seed:         sd.Seed,
			Flow: Flow{
				BlockSize:        sd.Flow.BlockSize,
				BlockStep:        sd.Flow.BlockStep,
				TextureThreshold: sd.Flow.TextureThreshold,
				MinBlocks:        sd.Flow.MinBlocks,
			},
			RANSAC: RANSAC{
				MaxFeatures:     sd.RANSAC.MaxFeatures,
				MinFeatureDist:  sd.RANSAC.MinFeatureDist,
				MatchRatio:      sd.RANSAC.MatchRatio,
				MaxIterations:   sd.RANSAC.MaxIterations,
				ReprojThreshold: sd.RANSAC.ReprojThreshold,
				Confidence:      sd.RANSAC.Confidence,
				MinInliers:      sd.RANSAC.MinInliers,
				MinInlierRatio:  sd.RANSAC.MinInlierRatio,
			},
		},
		Convert: Convert{
			BfconvertPath: "bfconvert",
			OutputFormat:  "ome.tiff",
			TimeoutSec:    600,
		},
		Preview: Preview{
			Enabled: true,
			Width:   512,
			Quality: 80,
		},
	}
}

// StabConfig maps the Stabilize section onto an engine configuration.
func (c *Config) StabConfig() stab.Config {
	s := c.Stabilize
	return stab.Config{
		Workers:      c.Processing.ParallelJobs,
		AlignChannel: s.AlignChannel,
		MaxShift:     s.MaxShift,
		Seed:         s.Seed,
		Fill:         stab.FillMode(s.Fill),
		Flow: stab.FlowConfig{
			BlockSize:        s.Flow.BlockSize,
			BlockStep:        s.Flow.BlockStep,
			TextureThreshold: s.Flow.TextureThreshold,
			MinBlocks:        s.Flow.MinBlocks,
		},
		RANSAC: stab.RANSACConfig{
			MaxFeatures:     s.RANSAC.MaxFeatures,
			MinFeatureDist:  s.RANSAC.MinFeatureDist,
			MatchRatio:      s.RANSAC.MatchRatio,
			MaxIterations:   s.RANSAC.MaxIterations,
			ReprojThreshold: s.RANSAC.ReprojThreshold,
			Confidence:      s.RANSAC.Confidence,
			MinInliers:      s.RANSAC.MinInliers,
			MinInlierRatio:  s.RANSAC.MinInlierRatio,
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
