package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lookevink/srs-preprocessing/internal/config"
	"github.com/lookevink/srs-preprocessing/internal/fsutil"
	"github.com/lookevink/srs-preprocessing/internal/stab"
	"github.com/lookevink/srs-preprocessing/internal/stack"
	"github.com/lookevink/srs-preprocessing/internal/storage"
	"github.com/lookevink/srs-preprocessing/internal/tasks"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log   *slog.Logger
	store *storage.Store
	cfg   *config.Config

	stabilizeFn func(ctx context.Context, req tasks.StabilizeRequest, logger *slog.Logger) (tasks.StabilizeResult, error)
	convertFn   func(ctx context.Context, req tasks.ConvertRequest) (tasks.ConvertResult, error)
	previewFn   func(dir string, s *stack.Stack, req tasks.PreviewRequest) (string, error)
}

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config) Processor {
	if cfg == nil {
		cfg = config.Default()
	}
	return &router{
		log:         logger,
		store:       store,
		cfg:         cfg,
		stabilizeFn: tasks.StabilizeStack,
		convertFn:   tasks.ConvertToOMETIFF,
		previewFn:   tasks.WritePreview,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobStabilize:
		return r.handleStabilize(ctx, job)
	case JobConvert:
		return r.handleConvert(ctx, job)
	case JobPreview:
		return r.handlePreview(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleStabilize(ctx context.Context, job Job) Result {
	method, _ := job.Options["method"].(string)
	if method == "" {
		method = r.cfg.Stabilize.Method
	}

	sc := r.cfg.StabConfig()
	if v, ok := job.Options["workers"].(int); ok && v > 0 {
		sc.Workers = v
	}
	if v, ok := job.Options["seed"].(int64); ok {
		sc.Seed = v
	}
	if v, ok := job.Options["fill"].(string); ok && v != "" {
		sc.Fill = stab.FillMode(v)
	}
	if v, ok := job.Options["alignChannel"].(int); ok {
		sc.AlignChannel = v
	}

	req := tasks.StabilizeRequest{
		InputDir:  job.InputPath,
		OutputDir: job.Output,
		Method:    method,
		Config:    sc,
	}
	if frames, ok := job.Options["frames"].([]string); ok {
		req.Frames = frames
	}
	if zipPath, ok := job.Options["zip"].(string); ok {
		req.Zip = zipPath
	}
	if r.cfg.Preview.Enabled {
		req.Preview = &tasks.PreviewRequest{
			Width:   r.cfg.Preview.Width,
			Quality: r.cfg.Preview.Quality,
		}
	}

	res, err := r.stabilizeFn(ctx, req, r.log)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	if r.store != nil {
		_ = r.store.RecordStack(storage.StackRecord{
			JobID:          job.ID,
			FrameCount:     res.FrameCount,
			Width:          res.Width,
			Height:         res.Height,
			Channels:       res.Channels,
			Method:         res.Method,
			FallbackFrames: res.FallbackFrames,
			MeanConfidence: res.MeanConfidence,
		})
	}

	meta := map[string]any{
		"frames":          res.FrameCount,
		"method":          res.Method,
		"fallback_frames": res.FallbackFrames,
		"mean_confidence": res.MeanConfidence,
		"report":          res.ReportFile,
		"outputs":         len(res.OutputFiles),
	}
	if res.ZipFile != "" {
		meta["zip"] = res.ZipFile
	}
	if res.PreviewFile != "" {
		meta["preview"] = res.PreviewFile
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleConvert(ctx context.Context, job Job) Result {
	req := tasks.ConvertRequest{
		InputPath: job.InputPath,
		OutputDir: job.Output,
		Tool:      r.cfg.Convert.BfconvertPath,
		ExtraArgs: r.cfg.Convert.ExtraArgs,
	}
	if v, ok := job.Options["split"].(bool); ok {
		req.Split = v
	}
	if r.cfg.Convert.TimeoutSec > 0 {
		req.Timeout = time.Duration(r.cfg.Convert.TimeoutSec) * time.Second
	}

	res, err := r.convertFn(ctx, req)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	meta := map[string]any{
		"output":  res.OutputFile,
		"sidecar": res.SidecarFile,
		"tool":    res.Tool,
		"size":    res.OutputSize,
	}
	if len(res.OutputFiles) > 0 {
		meta["outputs"] = len(res.OutputFiles)
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handlePreview(ctx context.Context, job Job) Result {
	paths, err := fsutil.ListFrames(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	s, err := stack.LoadFrames(paths)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	path, err := r.previewFn(job.Output, s, tasks.PreviewRequest{
		Width:   r.cfg.Preview.Width,
		Quality: r.cfg.Preview.Quality,
	})
	if err != nil {
		return Result{Job: job, Error: err}
	}
	return Result{Job: job, Meta: map[string]any{"preview": path}}
}
