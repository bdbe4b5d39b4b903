package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/lookevink/srs-preprocessing/internal/fsutil"
)

// ConvertRequest defines inputs for vendor-format conversion.
type ConvertRequest struct {
	InputPath string
	OutputDir string
	// Tool is the bfconvert binary to invoke; empty means "bfconvert" on PATH.
	Tool      string
	ExtraArgs []string
	Timeout   time.Duration
	// Split writes one OME-TIFF per timepoint instead of a single multi-page
	// file, so the outputs can feed stabilization directly.
	Split bool
}

// ConvertResult captures conversion metadata.
type ConvertResult struct {
	InputFile    string   `json:"input_file"`
	OutputFile   string   `json:"output_file"`
	OutputFiles  []string `json:"output_files,omitempty"`
	SidecarFile  string   `json:"sidecar_file"`
	OriginalSize int64    `json:"original_size"`
	OutputSize   int64    `json:"output_size"`
	Tool         string   `json:"tool"`
}

// ConvertToOMETIFF converts a vendor microscope file (OIR, ND2, CZI, ...)
// into OME-TIFF via Bio-Formats bfconvert, writing a JSON sidecar with the
// conversion provenance next to the output.
func ConvertToOMETIFF(ctx context.Context, req ConvertRequest) (ConvertResult, error) {
	if !fsutil.IsRawStackFile(req.InputPath) {
		return ConvertResult{}, fmt.Errorf("not a vendor stack file: %s", req.InputPath)
	}

	tool := req.Tool
	if tool == "" {
		tool = "bfconvert"
	}
	if !commandExists(tool) {
		return ConvertResult{}, fmt.Errorf("%s not found on PATH; install Bio-Formats command line tools", tool)
	}

	stat, err := os.Stat(req.InputPath)
	if err != nil {
		return ConvertResult{}, err
	}

	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return ConvertResult{}, err
	}
	baseName := strings.TrimSuffix(filepath.Base(req.InputPath), filepath.Ext(req.InputPath))
	outputFile := filepath.Join(req.OutputDir, baseName+".ome.tiff")
	if req.Split {
		// bfconvert expands %t to the timepoint index, one file per frame.
		outputFile = filepath.Join(req.OutputDir, baseName+"_t%t.ome.tiff")
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := append([]string{"-overwrite"}, req.ExtraArgs...)
	args = append(args, req.InputPath, outputFile)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return ConvertResult{}, fmt.Errorf("bfconvert failed: %v: %s", err, strings.TrimSpace(stderr.String()))
	}

	res := ConvertResult{
		InputFile:    req.InputPath,
		OutputFile:   outputFile,
		OriginalSize: stat.Size(),
		Tool:         tool,
	}

	if req.Split {
		outputs, err := filepath.Glob(filepath.Join(req.OutputDir, baseName+"_t*.ome.tiff"))
		if err != nil || len(outputs) == 0 {
			return ConvertResult{}, fmt.Errorf("bfconvert produced no output under %s", req.OutputDir)
		}
		fsutil.SortNatural(outputs)
		res.OutputFiles = outputs
		res.OutputFile = outputs[0]
		for _, out := range outputs {
			if fi, err := os.Stat(out); err == nil {
				res.OutputSize += fi.Size()
			}
		}
	} else {
		outStat, err := os.Stat(outputFile)
		if err != nil {
			return ConvertResult{}, fmt.Errorf("bfconvert produced no output: %w", err)
		}
		res.OutputSize = outStat.Size()
	}
	res.SidecarFile = filepath.Join(req.OutputDir, baseName+".convert.json")
	sidecar, _ := json.MarshalIndent(res, "", "  ")
	if err := os.WriteFile(res.SidecarFile, append(sidecar, '\n'), 0o644); err != nil {
		return ConvertResult{}, fmt.Errorf("write sidecar: %w", err)
	}
	return res, nil
}

// BfconvertVersion reports the installed bfconvert version, if any.
func BfconvertVersion(ctx context.Context, tool string) (string, error) {
	if tool == "" {
		tool = "bfconvert"
	}
	out, err := exec.CommandContext(ctx, tool, "-version").CombinedOutput()
	if err != nil {
		return "", err
	}
	line := strings.SplitN(strings.TrimSpace(string(out)), "\n", 2)[0]
	return strings.TrimSpace(line), nil
}

func commandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
