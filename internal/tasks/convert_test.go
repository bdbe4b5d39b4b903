package tasks

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// stubBfconvert installs a fake bfconvert on PATH that writes its last
// argument and returns its path.
func stubBfconvert(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stub not portable to windows")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "bfconvert")
	body := "#!/bin/sh\nfor last in \"$@\"; do :; done\necho converted > \"$last\"\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return script
}

func TestConvertRejectsNonVendorInput(t *testing.T) {
	_, err := ConvertToOMETIFF(context.Background(), ConvertRequest{
		InputPath: "frames.tif",
		OutputDir: t.TempDir(),
	})
	if err == nil {
		t.Fatal("expected error for non-vendor input")
	}
}

func TestConvertFailsWhenToolMissing(t *testing.T) {
	input := filepath.Join(t.TempDir(), "scan.oir")
	if err := os.WriteFile(input, []byte("raw"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := ConvertToOMETIFF(context.Background(), ConvertRequest{
		InputPath: input,
		OutputDir: t.TempDir(),
		Tool:      "definitely-not-installed-bfconvert",
	})
	if err == nil {
		t.Fatal("expected error for missing tool")
	}
}

func TestConvertSplitCollectsPerFrameOutputs(t *testing.T) {
	stubBfconvert(t)

	input := filepath.Join(t.TempDir(), "scan.nd2")
	if err := os.WriteFile(input, []byte("raw"), 0o644); err != nil {
		t.Fatal(err)
	}
	outDir := t.TempDir()

	// Simulate bfconvert having expanded %t for three timepoints.
	for _, name := range []string{"scan_t0.ome.tiff", "scan_t1.ome.tiff", "scan_t2.ome.tiff"} {
		if err := os.WriteFile(filepath.Join(outDir, name), []byte("page"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	res, err := ConvertToOMETIFF(context.Background(), ConvertRequest{
		InputPath: input,
		OutputDir: outDir,
		Split:     true,
	})
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if len(res.OutputFiles) < 3 {
		t.Fatalf("outputs %v", res.OutputFiles)
	}
	found := map[string]bool{}
	for _, f := range res.OutputFiles {
		found[filepath.Base(f)] = true
	}
	for _, want := range []string{"scan_t0.ome.tiff", "scan_t1.ome.tiff", "scan_t2.ome.tiff"} {
		if !found[want] {
			t.Fatalf("missing %s in %v", want, res.OutputFiles)
		}
	}
}

func TestConvertWritesOutputAndSidecar(t *testing.T) {
	stubBfconvert(t)

	input := filepath.Join(t.TempDir(), "scan.oir")
	if err := os.WriteFile(input, []byte("raw data"), 0o644); err != nil {
		t.Fatal(err)
	}
	outDir := t.TempDir()

	res, err := ConvertToOMETIFF(context.Background(), ConvertRequest{
		InputPath: input,
		OutputDir: outDir,
	})
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}

	if res.OutputFile != filepath.Join(outDir, "scan.ome.tiff") {
		t.Fatalf("output file %q", res.OutputFile)
	}
	if fi, err := os.Stat(res.OutputFile); err != nil || fi.Size() == 0 {
		t.Fatalf("output missing or empty: %v", err)
	}
	if res.OriginalSize != int64(len("raw data")) {
		t.Fatalf("original size %d", res.OriginalSize)
	}

	data, err := os.ReadFile(res.SidecarFile)
	if err != nil {
		t.Fatalf("sidecar missing: %v", err)
	}
	var sidecar ConvertResult
	if err := json.Unmarshal(data, &sidecar); err != nil {
		t.Fatalf("sidecar parse: %v", err)
	}
	if sidecar.InputFile != input || sidecar.Tool != "bfconvert" {
		t.Fatalf("sidecar %+v", sidecar)
	}
}
