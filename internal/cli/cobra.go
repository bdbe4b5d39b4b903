package cli

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/lookevink/srs-preprocessing/internal/config"
	"github.com/lookevink/srs-preprocessing/internal/pipeline"
	"github.com/lookevink/srs-preprocessing/internal/stab"
	"github.com/lookevink/srs-preprocessing/internal/storage"
	"github.com/lookevink/srs-preprocessing/internal/tasks"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	root := NewRoot(pipe, cfg, log, store)

	rootCmd := &cobra.Command{
		Use:   "srs-preprocessing",
		Short: "Preprocessing pipeline for SRS microscopy image stacks",
		Long: `srs-preprocessing stabilizes time-series SRS image stacks against lateral
drift, converts vendor microscope files to OME-TIFF, and serves the pipeline
over HTTP for batch and watch-folder workflows.`,
	}

	rootCmd.AddCommand(newStabilizeCmd(root))
	rootCmd.AddCommand(newConvertCmd(root))
	rootCmd.AddCommand(newPreviewCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newStabilizeCmd(root *Root) *cobra.Command {
	var (
		method   string
		fill     string
		output   string
		zipPath  string
		workers  int
		seed     int64
		channel  int
		maxShift float64
	)

	cmd := &cobra.Command{
		Use:   "stabilize <input_directory> [output_directory]",
		Short: "Stabilize a stack of frame images against lateral drift",
		Long: `Estimate per-frame motion relative to the first frame and resample every
frame into the reference coordinate system. Frames are discovered in natural
order (frame_2 before frame_10) from the input directory.

Examples:
  # Default optical flow estimation
  srs-preprocessing stabilize /data/stacks/scan-01/ aligned/

  # Feature-based homography with a fixed seed
  srs-preprocessing stabilize /data/stacks/scan-01/ --method ransac --seed 7`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			if len(args) > 1 {
				output = args[1]
			}
			if output == "" {
				output = filepath.Join(root.cfg.Paths.DefaultOutput, filepath.Base(filepath.Clean(input)))
			}

			if _, err := stab.ParseMethod(method); err != nil {
				return err
			}
			if maxShift > 0 {
				root.cfg.Stabilize.MaxShift = maxShift
			}

			job := pipeline.Job{
				ID:        newID("stab"),
				Type:      pipeline.JobStabilize,
				InputPath: input,
				Output:    output,
				Options: map[string]any{
					"method": method,
					"source": "cli",
				},
			}
			if fill != "" {
				job.Options["fill"] = fill
			}
			if workers > 0 {
				job.Options["workers"] = workers
			}
			if cmd.Flags().Changed("seed") {
				job.Options["seed"] = seed
			}
			if cmd.Flags().Changed("channel") {
				job.Options["alignChannel"] = channel
			}
			if zipPath != "" {
				job.Options["zip"] = zipPath
			}

			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			cmd.Printf("stabilized %v frames (%v fallback) into %s\n",
				res.Meta["frames"], res.Meta["fallback_frames"], output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&method, "method", "m", "", "motion model (optical_flow|ransac), config default if empty")
	cmd.Flags().StringVar(&fill, "fill", "", "border fill mode (black|edge)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory for stabilized frames")
	cmd.Flags().StringVar(&zipPath, "zip", "", "also write frames and report to a zip archive")
	cmd.Flags().IntVar(&workers, "workers", 0, "parallel frame workers, config default if 0")
	cmd.Flags().Int64Var(&seed, "seed", 0, "RANSAC random seed for reproducible runs")
	cmd.Flags().IntVar(&channel, "channel", 0, "channel index used for motion estimation")
	cmd.Flags().Float64Var(&maxShift, "max-shift", 0, "reject shifts larger than this many pixels")

	return cmd
}

func newConvertCmd(root *Root) *cobra.Command {
	var (
		output  string
		tool    string
		timeout int
	)

	cmd := &cobra.Command{
		Use:   "convert <input_file> [output_directory]",
		Short: "Convert a vendor microscope file to OME-TIFF",
		Long: `Convert a vendor acquisition file (.oir, .oib, .nd2, .czi, .lif) to OME-TIFF
using the Bio-Formats bfconvert tool. A JSON sidecar describing the conversion
is written next to the output.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			if len(args) > 1 {
				output = args[1]
			}
			if output == "" {
				output = root.cfg.Paths.DefaultOutput
			}
			if tool != "" {
				root.cfg.Convert.BfconvertPath = tool
			}
			if timeout > 0 {
				root.cfg.Convert.TimeoutSec = timeout
			}

			job := pipeline.Job{
				ID:        newID("conv"),
				Type:      pipeline.JobConvert,
				InputPath: input,
				Output:    output,
				Options:   map[string]any{"source": "cli"},
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			cmd.Printf("converted %s -> %v\n", input, res.Meta["output"])
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory")
	cmd.Flags().StringVar(&tool, "tool", "", "bfconvert executable, config default if empty")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "conversion timeout in seconds")

	return cmd
}

func newPreviewCmd(root *Root) *cobra.Command {
	var (
		output  string
		width   int
		quality int
	)

	cmd := &cobra.Command{
		Use:   "preview <input_directory> [output_directory]",
		Short: "Render a WEBP thumbnail of a stack's reference frame",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			if len(args) > 1 {
				output = args[1]
			}
			if output == "" {
				output = input
			}
			if width > 0 {
				root.cfg.Preview.Width = width
			}
			if quality > 0 {
				root.cfg.Preview.Quality = quality
			}

			job := pipeline.Job{
				ID:        newID("prev"),
				Type:      pipeline.JobPreview,
				InputPath: input,
				Output:    output,
				Options:   map[string]any{"source": "cli"},
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			cmd.Printf("preview written to %v\n", res.Meta["preview"])
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory, input directory if empty")
	cmd.Flags().IntVar(&width, "width", 0, "thumbnail width in pixels")
	cmd.Flags().IntVar(&quality, "quality", 0, "WEBP quality (1-100)")

	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr  string
		inbox string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start an HTTP server exposing stabilization and conversion endpoints plus
job monitoring over SSE and websocket.

Examples:
  # Basic server
  srs-preprocessing serve --addr :8000

  # Server with an acquisition inbox watcher
  srs-preprocessing serve --addr :8000 --inbox /data/incoming`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				root.cfg.Server.Addr = addr
			}
			if inbox != "" {
				root.cfg.Watch.Enabled = true
				root.cfg.Watch.InboxDir = inbox
			}

			root.log.Info("starting server",
				"addr", root.cfg.Server.Addr,
				"watch_enabled", root.cfg.Watch.Enabled,
			)
			return root.serveFn(cmd.Context(), root.cfg, root.store, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "server address (host:port), config default if empty")
	cmd.Flags().StringVar(&inbox, "inbox", "", "enable the inbox watcher on this directory")

	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		inbox  string
		output string
		method string
		settle int
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch an inbox directory and stabilize stacks as they arrive",
		Long: `Monitor an inbox directory for incoming frame stacks. A stack is processed
once its directory has been quiet for the settle interval, so acquisitions
that write frames one at a time are picked up whole.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if inbox == "" {
				inbox = root.cfg.Watch.InboxDir
			}
			if inbox == "" {
				return fmt.Errorf("no inbox directory configured")
			}
			if output == "" {
				output = root.cfg.Watch.OutputDir
			}
			if method == "" {
				method = root.cfg.Watch.Method
			}
			settleDur := time.Duration(settle) * time.Millisecond
			if settle <= 0 {
				settleDur = time.Duration(root.cfg.Watch.SettleMS) * time.Millisecond
			}

			watcher, err := tasks.NewInboxWatcher(inbox, settleDur, root.log)
			if err != nil {
				return err
			}
			if err := watcher.Start(); err != nil {
				return err
			}
			defer watcher.Stop()

			root.log.Info("watching inbox", "dir", inbox, "output", output, "method", method)

			ctx := cmd.Context()
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					job := pipeline.Job{
						ID:        newID("watch"),
						Type:      pipeline.JobStabilize,
						InputPath: ev.Dir,
						Output:    filepath.Join(output, filepath.Base(ev.Dir)),
						Options: map[string]any{
							"method": method,
							"source": "watch",
						},
					}
					if err := root.enqueue(ctx, job); err != nil {
						root.log.Error("failed to enqueue watched stack", "dir", ev.Dir, "error", err)
					}
				}
			}
		},
	}

	cmd.Flags().StringVar(&inbox, "inbox", "", "inbox directory to watch")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory for stabilized stacks")
	cmd.Flags().StringVarP(&method, "method", "m", "", "motion model for watched stacks")
	cmd.Flags().IntVar(&settle, "settle", 0, "quiet interval in milliseconds before a stack is processed")

	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show, initialize, or validate srs-preprocessing configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			cmd.Printf("Configuration:\n\n")
			cmd.Printf("Database Path:   %s\n", cfg.Paths.DatabasePath)
			cmd.Printf("Default Output:  %s\n", cfg.Paths.DefaultOutput)
			cmd.Printf("Temp Directory:  %s\n", cfg.Processing.TempDir)
			cmd.Printf("Parallel Jobs:   %d\n", cfg.Processing.ParallelJobs)
			cmd.Printf("Log Level:       %s\n", cfg.Logging.Level)
			cmd.Printf("Log Format:      %s\n", cfg.Logging.Format)
			cmd.Printf("Server Address:  %s\n", cfg.Server.Addr)
			cmd.Printf("Stabilize:       method=%s fill=%s max_shift=%.1f\n",
				cfg.Stabilize.Method, cfg.Stabilize.Fill, cfg.Stabilize.MaxShift)
			cmd.Printf("Convert:         tool=%s format=%s\n",
				cfg.Convert.BfconvertPath, cfg.Convert.OutputFormat)
			return nil
		},
	}

	var initPath string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the current configuration to disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.Save(root.cfg, initPath)
			if err != nil {
				return err
			}
			cmd.Printf("configuration written to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&initPath, "path", "", "destination file, default config location if empty")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := stab.ParseMethod(root.cfg.Stabilize.Method); err != nil {
				return fmt.Errorf("stabilize.method: %w", err)
			}
			if root.cfg.Stabilize.MaxShift < 0 {
				return fmt.Errorf("stabilize.max_shift_px must not be negative")
			}
			root.log.Info("configuration validation", "status", "valid")
			cmd.Println("configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, initCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("srs-preprocessing v1.0.0")
		},
	}
}
