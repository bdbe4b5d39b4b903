package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSortNatural(t *testing.T) {
	paths := []string{
		"/in/frame_10.tif",
		"/in/frame_2.tif",
		"/in/frame_1.tif",
		"/in/frame_100.tif",
	}
	SortNatural(paths)
	want := []string{
		"/in/frame_1.tif",
		"/in/frame_2.tif",
		"/in/frame_10.tif",
		"/in/frame_100.tif",
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("order[%d] = %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestSortNaturalMixedText(t *testing.T) {
	paths := []string{"b2.png", "a10.png", "a9.png", "b1.png"}
	SortNatural(paths)
	want := []string{"a9.png", "a10.png", "b1.png", "b2.png"}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("order[%d] = %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestListFrames(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"frame_10.tif", "frame_2.tif", "notes.txt", "scan.oir"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	sub := filepath.Join(dir, "ch2")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "frame_1.png"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	frames, err := ListFrames(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 3 {
		t.Fatalf("found %d frames: %v", len(frames), frames)
	}
	if filepath.Base(frames[0]) != "frame_1.png" || filepath.Base(frames[1]) != "frame_2.tif" {
		t.Fatalf("unexpected order: %v", frames)
	}
}

func TestFileClassification(t *testing.T) {
	if !IsFrameFile("a.TIF") || !IsFrameFile("b.png") || IsFrameFile("c.jpg") {
		t.Fatal("frame classification wrong")
	}
	if !IsRawStackFile("scan.oir") || !IsRawStackFile("scan.ND2") || IsRawStackFile("scan.tif") {
		t.Fatal("raw stack classification wrong")
	}
}

func TestNewSessionDir(t *testing.T) {
	base := t.TempDir()
	a, err := NewSessionDir(base)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewSessionDir(base)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatalf("session dirs collide: %q", a)
	}
	if !strings.HasPrefix(filepath.Base(a), "session-") {
		t.Fatalf("unexpected name %q", a)
	}
	if fi, err := os.Stat(a); err != nil || !fi.IsDir() {
		t.Fatalf("session dir not created: %v", err)
	}
}

func TestZipUnzipRoundTrip(t *testing.T) {
	src := t.TempDir()
	var files []string
	for _, name := range []string{"frame_2.tif", "frame_10.tif", "alignment.json"} {
		p := filepath.Join(src, name)
		if err := os.WriteFile(p, []byte("content of "+name), 0o644); err != nil {
			t.Fatal(err)
		}
		files = append(files, p)
	}

	archive := filepath.Join(t.TempDir(), "out.zip")
	if err := ZipFiles(archive, files); err != nil {
		t.Fatalf("zip failed: %v", err)
	}

	dst := t.TempDir()
	extracted, err := Unzip(archive, dst)
	if err != nil {
		t.Fatalf("unzip failed: %v", err)
	}
	if len(extracted) != 3 {
		t.Fatalf("extracted %d files: %v", len(extracted), extracted)
	}
	// Natural order puts frame_2 before frame_10.
	if filepath.Base(extracted[1]) != "frame_2.tif" || filepath.Base(extracted[2]) != "frame_10.tif" {
		t.Fatalf("unexpected order: %v", extracted)
	}
	data, err := os.ReadFile(filepath.Join(dst, "frame_2.tif"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "content of frame_2.tif" {
		t.Fatalf("content mismatch: %q", data)
	}
}

func TestFirstExisting(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "present")
	if err := os.WriteFile(real, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if got := FirstExisting(filepath.Join(dir, "missing"), real); got != real {
		t.Fatalf("got %q", got)
	}
	if got := FirstExisting(filepath.Join(dir, "missing")); got != "" {
		t.Fatalf("got %q for all-missing", got)
	}
}
