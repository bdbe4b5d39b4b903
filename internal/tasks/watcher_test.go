package tasks

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestInboxWatcherAnnouncesSettledStack(t *testing.T) {
	inbox := t.TempDir()
	iw, err := NewInboxWatcher(inbox, 100*time.Millisecond, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := iw.Start(); err != nil {
		t.Fatal(err)
	}
	defer iw.Stop()

	stackDir := filepath.Join(inbox, "scan-01")
	if err := os.Mkdir(stackDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"frame_001.tif", "frame_002.tif"} {
		if err := os.WriteFile(filepath.Join(stackDir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case ev := <-iw.Events:
		if ev.Dir != stackDir {
			t.Fatalf("announced %q, want %q", ev.Dir, stackDir)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event after settle interval")
	}

	// No further events once the directory is quiet.
	select {
	case ev := <-iw.Events:
		t.Fatalf("unexpected extra event for %q", ev.Dir)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestInboxWatcherResetsOnActivity(t *testing.T) {
	inbox := t.TempDir()
	iw, err := NewInboxWatcher(inbox, 200*time.Millisecond, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := iw.Start(); err != nil {
		t.Fatal(err)
	}
	defer iw.Stop()

	stackDir := filepath.Join(inbox, "scan-02")
	if err := os.Mkdir(stackDir, 0o755); err != nil {
		t.Fatal(err)
	}

	// Keep writing below the settle interval; the stack must stay pending.
	for i := 0; i < 4; i++ {
		name := filepath.Join(stackDir, "frame_00"+string(rune('0'+i))+".tif")
		if err := os.WriteFile(name, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		select {
		case ev := <-iw.Events:
			t.Fatalf("announced %q before writes finished", ev.Dir)
		case <-time.After(80 * time.Millisecond):
		}
	}

	select {
	case ev := <-iw.Events:
		if ev.Dir != stackDir {
			t.Fatalf("announced %q, want %q", ev.Dir, stackDir)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event after writes stopped")
	}
}

func TestStackDirForClassification(t *testing.T) {
	inbox := t.TempDir()
	iw, err := NewInboxWatcher(inbox, time.Second, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer iw.watcher.Close()

	frame := filepath.Join(inbox, "scan", "frame_001.tif")
	if got := iw.stackDirFor(frame); got != filepath.Join(inbox, "scan") {
		t.Fatalf("frame mapped to %q", got)
	}
	vendor := filepath.Join(inbox, "scan", "raw.oir")
	if got := iw.stackDirFor(vendor); got != filepath.Join(inbox, "scan") {
		t.Fatalf("vendor file mapped to %q", got)
	}
	sub := filepath.Join(inbox, "newstack")
	if got := iw.stackDirFor(sub); got != sub {
		t.Fatalf("subdir mapped to %q", got)
	}
	if got := iw.stackDirFor(filepath.Join(inbox, "deep", "nested", "notes.txt")); got != "" {
		t.Fatalf("unrelated file mapped to %q", got)
	}
}
