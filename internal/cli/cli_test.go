package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"

	"github.com/lookevink/srs-preprocessing/internal/config"
	"github.com/lookevink/srs-preprocessing/internal/pipeline"
	"github.com/lookevink/srs-preprocessing/internal/storage"
)

func newTestRoot(t *testing.T) (*Root, *fakePipeline) {
	t.Helper()

	cfg := config.Default()
	tmp := t.TempDir()
	cfg.Paths.DefaultOutput = filepath.Join(tmp, "output")
	cfg.Paths.DatabasePath = filepath.Join(tmp, "srs.db")
	cfg.Processing.TempDir = tmp

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pipe := newFakePipeline()

	root := &Root{
		pipeline: pipe,
		cfg:      cfg,
		log:      logger,
		store:    nil,
		serveFn:  defaultServe,
	}
	return root, pipe
}

func runCmd(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestStabilizeCmdSubmitsJob(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	input := t.TempDir()
	output := t.TempDir()

	_, err := runCmd(t, newStabilizeCmd(root),
		input, output,
		"--method", "ransac",
		"--seed", "7",
		"--fill", "edge",
		"--workers", "2",
	)
	if err != nil {
		t.Fatalf("stabilize failed: %v", err)
	}
	if len(fakePipe.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(fakePipe.jobs))
	}
	job := fakePipe.jobs[0]
	if job.Type != pipeline.JobStabilize {
		t.Fatalf("expected stabilize job, got %s", job.Type)
	}
	if job.InputPath != input || job.Output != output {
		t.Fatalf("paths not forwarded: %q -> %q", job.InputPath, job.Output)
	}
	if job.Options["method"] != "ransac" {
		t.Fatalf("method not forwarded: %v", job.Options["method"])
	}
	if job.Options["seed"] != int64(7) {
		t.Fatalf("seed not forwarded: %v", job.Options["seed"])
	}
	if job.Options["fill"] != "edge" {
		t.Fatalf("fill not forwarded: %v", job.Options["fill"])
	}
	if job.Options["workers"] != 2 {
		t.Fatalf("workers not forwarded: %v", job.Options["workers"])
	}
}

func TestStabilizeCmdRejectsUnknownMethod(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	_, err := runCmd(t, newStabilizeCmd(root), t.TempDir(), "--method", "phase")
	if err == nil {
		t.Fatal("expected error for unknown method")
	}
	if len(fakePipe.jobs) != 0 {
		t.Fatalf("job submitted despite invalid method: %d", len(fakePipe.jobs))
	}
}

func TestStabilizeCmdDefaultOutput(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	input := filepath.Join(t.TempDir(), "scan-01")

	if _, err := runCmd(t, newStabilizeCmd(root), input); err != nil {
		t.Fatalf("stabilize failed: %v", err)
	}
	want := filepath.Join(root.cfg.Paths.DefaultOutput, "scan-01")
	if fakePipe.jobs[0].Output != want {
		t.Fatalf("default output = %q, want %q", fakePipe.jobs[0].Output, want)
	}
}

func TestConvertCmdAppliesToolFlag(t *testing.T) {
	root, fakePipe := newTestRoot(t)

	_, err := runCmd(t, newConvertCmd(root),
		"scan.oir", t.TempDir(),
		"--tool", "/opt/bftools/bfconvert",
		"--timeout", "120",
	)
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if len(fakePipe.jobs) != 1 || fakePipe.jobs[0].Type != pipeline.JobConvert {
		t.Fatalf("expected one convert job, got %v", fakePipe.jobs)
	}
	if root.cfg.Convert.BfconvertPath != "/opt/bftools/bfconvert" {
		t.Fatalf("tool flag not applied: %q", root.cfg.Convert.BfconvertPath)
	}
	if root.cfg.Convert.TimeoutSec != 120 {
		t.Fatalf("timeout flag not applied: %d", root.cfg.Convert.TimeoutSec)
	}
}

func TestPreviewCmdSubmitsJob(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	input := t.TempDir()

	if _, err := runCmd(t, newPreviewCmd(root), input, "--width", "256"); err != nil {
		t.Fatalf("preview failed: %v", err)
	}
	if len(fakePipe.jobs) != 1 || fakePipe.jobs[0].Type != pipeline.JobPreview {
		t.Fatalf("expected one preview job, got %v", fakePipe.jobs)
	}
	if root.cfg.Preview.Width != 256 {
		t.Fatalf("width flag not applied: %d", root.cfg.Preview.Width)
	}
	// Preview lands next to the input when no output is given.
	if fakePipe.jobs[0].Output != input {
		t.Fatalf("output = %q, want %q", fakePipe.jobs[0].Output, input)
	}
}

func TestServeCmdUsesInjectedFunction(t *testing.T) {
	root, _ := newTestRoot(t)
	var called bool
	root.serveFn = func(ctx context.Context, cfg *config.Config, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
		called = true
		if cfg.Server.Addr != ":9999" {
			t.Fatalf("unexpected addr %s", cfg.Server.Addr)
		}
		if !cfg.Watch.Enabled || cfg.Watch.InboxDir != "/data/incoming" {
			t.Fatalf("inbox flag not applied: %+v", cfg.Watch)
		}
		return nil
	}
	if _, err := runCmd(t, newServeCmd(root), "--addr", ":9999", "--inbox", "/data/incoming"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if !called {
		t.Fatal("serve function was not invoked")
	}
}

func TestConfigCommands(t *testing.T) {
	root, _ := newTestRoot(t)

	showOut, err := runCmd(t, newConfigCmd(root), "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(showOut, "Database Path") {
		t.Fatalf("expected configuration output, got %q", showOut)
	}

	path := filepath.Join(t.TempDir(), "config.json")
	initOut, err := runCmd(t, newConfigCmd(root), "init", "--path", path)
	if err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	if !strings.Contains(initOut, path) {
		t.Fatalf("expected written path in output, got %q", initOut)
	}

	if _, err := runCmd(t, newConfigCmd(root), "validate"); err != nil {
		t.Fatalf("config validate failed: %v", err)
	}

	root.cfg.Stabilize.Method = "phase"
	if _, err := runCmd(t, newConfigCmd(root), "validate"); err == nil {
		t.Fatal("expected validation error for unknown method")
	}
}

func TestVersionCommand(t *testing.T) {
	root, _ := newTestRoot(t)
	out, err := runCmd(t, newVersionCmd(root))
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "srs-preprocessing v") {
		t.Fatalf("expected version string, got %q", out)
	}
}

func TestEnqueueAndWaitPropagatesErrors(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	job := pipeline.Job{ID: "err-job", Type: pipeline.JobStabilize}
	fakePipe.jobErrors["err-job"] = context.DeadlineExceeded
	if _, err := root.enqueueAndWait(context.Background(), job); err == nil {
		t.Fatal("expected error from pipeline result")
	}
}

// Test helpers

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	subs      map[int]chan pipeline.Result
	nextSubID int
	jobErrors map[string]error
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		subs:      make(map[int]chan pipeline.Result),
		jobErrors: make(map[string]error),
	}
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	subs := make([]chan pipeline.Result, 0, len(f.subs))
	for _, ch := range f.subs {
		subs = append(subs, ch)
	}
	err := f.jobErrors[job.ID]
	f.mu.Unlock()

	go func() {
		res := pipeline.Result{Job: job, Error: err, Meta: map[string]any{"frames": 0}}
		for _, ch := range subs {
			ch <- res
		}
	}()
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Result, 2)
	f.subs[id] = ch
	unsub := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
	}
	return ch, unsub
}
