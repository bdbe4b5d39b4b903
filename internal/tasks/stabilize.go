package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lookevink/srs-preprocessing/internal/fsutil"
	"github.com/lookevink/srs-preprocessing/internal/stab"
	"github.com/lookevink/srs-preprocessing/internal/stack"
)

// StabilizeRequest defines inputs for stack stabilization.
type StabilizeRequest struct {
	// InputDir holds ordered frame files; used when Frames is empty.
	InputDir string
	// Frames is an explicit ordered list of frame files.
	Frames []string
	// OutputDir receives the stabilized frames and the alignment report.
	OutputDir string
	Method    string
	Config    stab.Config
	// Zip, when set, additionally packages the outputs into this archive path.
	Zip string
	// Preview, when set, renders a thumbnail of the stabilized reference
	// frame into OutputDir.
	Preview *PreviewRequest
}

// StabilizeResult captures stabilization outcomes.
type StabilizeResult struct {
	FrameCount     int              `json:"frame_count"`
	Width          int              `json:"width"`
	Height         int              `json:"height"`
	Channels       int              `json:"channels"`
	Method         string           `json:"method"`
	Alignments     []stab.Alignment `json:"alignments"`
	FallbackFrames int              `json:"fallback_frames"`
	MeanConfidence float64          `json:"mean_confidence"`
	OutputFiles    []string         `json:"output_files"`
	ReportFile     string           `json:"report_file"`
	ZipFile        string           `json:"zip_file,omitempty"`
	PreviewFile    string           `json:"preview_file,omitempty"`
}

// StabilizeStack loads a frame sequence, runs motion estimation against the
// first frame, and writes the resampled frames plus a JSON alignment report.
func StabilizeStack(ctx context.Context, req StabilizeRequest, logger *slog.Logger) (StabilizeResult, error) {
	if logger == nil {
		logger = slog.Default()
	}

	paths := req.Frames
	if len(paths) == 0 {
		var err error
		paths, err = fsutil.ListFrames(req.InputDir)
		if err != nil {
			return StabilizeResult{}, fmt.Errorf("list frames: %w", err)
		}
	}
	if len(paths) == 0 {
		return StabilizeResult{}, fmt.Errorf("no frame files under %s", req.InputDir)
	}

	in, err := stack.LoadFrames(paths)
	if err != nil {
		return StabilizeResult{}, err
	}

	method, err := stab.ParseMethod(req.Method)
	if err != nil {
		return StabilizeResult{}, err
	}

	engine := stab.NewEngine(req.Config, logger)
	out, aligns, err := engine.Stabilize(ctx, in, method)
	if err != nil {
		return StabilizeResult{}, err
	}

	files, err := stack.WriteFrames(req.OutputDir, "stabilized", out)
	if err != nil {
		return StabilizeResult{}, fmt.Errorf("write frames: %w", err)
	}

	res := StabilizeResult{
		FrameCount:  out.Len(),
		Width:       out.Width(),
		Height:      out.Height(),
		Channels:    out.Channels(),
		Method:      string(method),
		Alignments:  aligns,
		OutputFiles: files,
	}
	var confSum float64
	for _, a := range aligns {
		if a.Fallback {
			res.FallbackFrames++
		}
		confSum += a.Confidence
	}
	if len(aligns) > 0 {
		res.MeanConfidence = confSum / float64(len(aligns))
	}

	if req.Preview != nil {
		preview, err := WritePreview(req.OutputDir, out, *req.Preview)
		if err != nil {
			logger.Warn("preview generation failed", "error", err)
		} else {
			res.PreviewFile = preview
		}
	}

	res.ReportFile = filepath.Join(req.OutputDir, "alignment.json")
	if err := writeReport(res.ReportFile, &res); err != nil {
		return StabilizeResult{}, err
	}

	if req.Zip != "" {
		bundle := append(append([]string{}, files...), res.ReportFile)
		if err := fsutil.ZipFiles(req.Zip, bundle); err != nil {
			return StabilizeResult{}, fmt.Errorf("package archive: %w", err)
		}
		res.ZipFile = req.Zip
	}

	logger.Info("stack stabilized",
		"frames", res.FrameCount,
		"method", res.Method,
		"fallbacks", res.FallbackFrames,
	)
	return res, nil
}

func writeReport(path string, res *StabilizeResult) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
