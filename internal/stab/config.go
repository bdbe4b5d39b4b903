package stab

import (
	"errors"
	"fmt"
	"runtime"
)

// Method selects the motion estimation strategy.
type Method string

const (
	// MethodOpticalFlow estimates a dense block displacement field and
	// reduces it to a robust global translation.
	MethodOpticalFlow Method = "optical_flow"
	// MethodRANSAC matches sparse features and fits a homography with
	// RANSAC outlier rejection.
	MethodRANSAC Method = "ransac"
)

// ErrUnknownMethod is returned for method values outside the supported set.
var ErrUnknownMethod = errors.New("unknown stabilization method")

// ParseMethod maps a caller-supplied method string onto a Method. The empty
// string defaults to optical flow, matching the API contract.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case "":
		return MethodOpticalFlow, nil
	case MethodOpticalFlow, MethodRANSAC:
		return Method(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
	}
}

// FillMode controls what out-of-bounds samples resolve to after warping.
// The choice shows up in intensity statistics at stack borders, so it is an
// explicit part of the engine configuration rather than a hidden default.
type FillMode string

const (
	// FillBlack fills uncovered pixels with zero. Default.
	FillBlack FillMode = "black"
	// FillEdge replicates the nearest edge pixel.
	FillEdge FillMode = "edge"
)

// FlowConfig tunes the optical-flow estimator.
type FlowConfig struct {
	// BlockSize is the side of the square patches matched between frames.
	BlockSize int `json:"block_size"`
	// BlockStep is the grid spacing between patch centers.
	BlockStep int `json:"block_step"`
	// TextureThreshold is the minimum intensity variance a reference patch
	// needs before its displacement is trusted. Flat patches carry no
	// motion information.
	TextureThreshold float64 `json:"texture_threshold"`
	// MinBlocks is the minimum number of textured patches required; below
	// it the estimator falls back to identity.
	MinBlocks int `json:"min_blocks"`
}

// RANSACConfig tunes the feature-based estimator. Reprojection threshold,
// iteration cap and confidence default to the acquisition pipeline's
// historical values (3 px, 2000, 0.99).
type RANSACConfig struct {
	MaxFeatures     int     `json:"max_features"`
	MinFeatureDist  int     `json:"min_feature_distance"`
	MatchRatio      float64 `json:"match_ratio"`
	MaxIterations   int     `json:"max_iterations"`
	ReprojThreshold float64 `json:"reproj_threshold"`
	Confidence      float64 `json:"confidence"`
	MinInliers      int     `json:"min_inliers"`
	MinInlierRatio  float64 `json:"min_inlier_ratio"`
}

// Config carries every knob for one stabilization run. It is passed
// explicitly into the engine so runs are reproducible and independently
// configurable; there is no package-level mutable state.
type Config struct {
	// Workers bounds the per-frame worker pool. Zero means NumCPU.
	Workers int `json:"workers"`
	// AlignChannel designates the channel motion is estimated on. All
	// other channels of a frame receive the same transform.
	AlignChannel int `json:"align_channel"`
	// MaxShift clamps recovered translations, in pixels.
	MaxShift float64 `json:"max_shift"`
	// Seed makes RANSAC sampling reproducible across runs.
	Seed int64 `json:"seed"`
	// Fill is the out-of-bounds fill policy applied by the resampler.
	Fill   FillMode     `json:"fill"`
	Flow   FlowConfig   `json:"optical_flow"`
	RANSAC RANSACConfig `json:"ransac"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Workers:      0,
		AlignChannel: 0,
		MaxShift:     20,
		Seed:         1,
		Fill:         FillBlack,
		Flow: FlowConfig{
			BlockSize:        16,
			BlockStep:        12,
			TextureThreshold: 12.0,
			MinBlocks:        8,
		},
		RANSAC: RANSACConfig{
			MaxFeatures:     500,
			MinFeatureDist:  8,
			MatchRatio:      0.8,
			MaxIterations:   2000,
			ReprojThreshold: 3.0,
			Confidence:      0.99,
			MinInliers:      8,
			MinInlierRatio:  0.25,
		},
	}
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}

// withDefaults fills zero values so a partially populated config (say, from
// a sparse JSON file) still runs with sane parameters.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxShift <= 0 {
		c.MaxShift = d.MaxShift
	}
	if c.Fill == "" {
		c.Fill = d.Fill
	}
	if c.Flow.BlockSize <= 0 {
		c.Flow.BlockSize = d.Flow.BlockSize
	}
	if c.Flow.BlockStep <= 0 {
		c.Flow.BlockStep = d.Flow.BlockStep
	}
	if c.Flow.TextureThreshold <= 0 {
		c.Flow.TextureThreshold = d.Flow.TextureThreshold
	}
	if c.Flow.MinBlocks <= 0 {
		c.Flow.MinBlocks = d.Flow.MinBlocks
	}
	if c.RANSAC.MaxFeatures <= 0 {
		c.RANSAC.MaxFeatures = d.RANSAC.MaxFeatures
	}
	if c.RANSAC.MinFeatureDist <= 0 {
		c.RANSAC.MinFeatureDist = d.RANSAC.MinFeatureDist
	}
	if c.RANSAC.MatchRatio <= 0 {
		c.RANSAC.MatchRatio = d.RANSAC.MatchRatio
	}
	if c.RANSAC.MaxIterations <= 0 {
		c.RANSAC.MaxIterations = d.RANSAC.MaxIterations
	}
	if c.RANSAC.ReprojThreshold <= 0 {
		c.RANSAC.ReprojThreshold = d.RANSAC.ReprojThreshold
	}
	if c.RANSAC.Confidence <= 0 || c.RANSAC.Confidence >= 1 {
		c.RANSAC.Confidence = d.RANSAC.Confidence
	}
	if c.RANSAC.MinInliers <= 0 {
		c.RANSAC.MinInliers = d.RANSAC.MinInliers
	}
	if c.RANSAC.MinInlierRatio <= 0 {
		c.RANSAC.MinInlierRatio = d.RANSAC.MinInlierRatio
	}
	return c
}
