package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lookevink/srs-preprocessing/internal/stab"
)

func TestLoadReturnsDefaultsWhenFileAbsent(t *testing.T) {
	t.Setenv("SRS_PREPROCESSING_CONFIG", filepath.Join(t.TempDir(), "missing.json"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Addr != ":8000" {
		t.Fatalf("unexpected default addr %q", cfg.Server.Addr)
	}
	if cfg.Stabilize.Method != string(stab.MethodOpticalFlow) {
		t.Fatalf("unexpected default method %q", cfg.Stabilize.Method)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	t.Setenv("SRS_PREPROCESSING_CONFIG", path)

	cfg := Default()
	cfg.Server.Addr = ":9001"
	cfg.Stabilize.Method = "ransac"
	cfg.Stabilize.MaxShift = 12.5
	cfg.Convert.ExtraArgs = []string{"-bigtiff"}

	written, err := Save(cfg, path)
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if written != path {
		t.Fatalf("written to %q, want %q", written, path)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Server.Addr != ":9001" {
		t.Fatalf("addr not round-tripped: %q", loaded.Server.Addr)
	}
	if loaded.Stabilize.Method != "ransac" || loaded.Stabilize.MaxShift != 12.5 {
		t.Fatalf("stabilize section not round-tripped: %+v", loaded.Stabilize)
	}
	if len(loaded.Convert.ExtraArgs) != 1 || loaded.Convert.ExtraArgs[0] != "-bigtiff" {
		t.Fatalf("convert args not round-tripped: %v", loaded.Convert.ExtraArgs)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SRS_PREPROCESSING_CONFIG", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestStabConfigMapping(t *testing.T) {
	cfg := Default()
	cfg.Processing.ParallelJobs = 3
	cfg.Stabilize.AlignChannel = 1
	cfg.Stabilize.MaxShift = 8
	cfg.Stabilize.Fill = "edge"
	cfg.Stabilize.Seed = 99
	cfg.Stabilize.RANSAC.MaxIterations = 500

	sc := cfg.StabConfig()
	if sc.Workers != 3 {
		t.Fatalf("workers = %d", sc.Workers)
	}
	if sc.AlignChannel != 1 || sc.MaxShift != 8 || sc.Seed != 99 {
		t.Fatalf("fields not mapped: %+v", sc)
	}
	if sc.Fill != stab.FillEdge {
		t.Fatalf("fill = %q", sc.Fill)
	}
	if sc.RANSAC.MaxIterations != 500 {
		t.Fatalf("ransac iterations = %d", sc.RANSAC.MaxIterations)
	}
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	got, err := expandUser("~/x/config.json")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(home, "x", "config.json") {
		t.Fatalf("expanded to %q", got)
	}

	plain, err := expandUser("/etc/srs.json")
	if err != nil || plain != "/etc/srs.json" {
		t.Fatalf("absolute path mangled: %q %v", plain, err)
	}
}
