package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

const pattern = "eqlog_*_*.txt"

func TestMatch(t *testing.T) {
	cases := map[string]bool{
		"eqlog_Soandso_pq.proj.txt":        true,
		"/logs/eqlog_Soandso_pq.proj.txt":  true,
		"eqlog_Soandso.txt":                false,
		"dbg.txt":                          false,
		"eqlog_Soandso_pq.proj.txt.backup": false,
	}
	for name, want := range cases {
		if got := Match(pattern, name); got != want {
			t.Errorf("Match(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestGlob(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"eqlog_A_pq.txt", "eqlog_B_pq.txt", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "eqlog_dir_x.txt"), 0755); err != nil {
		t.Fatal(err)
	}

	got, err := Glob(dir, pattern)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 matches, got %v", got)
	}

	if _, err := Glob(filepath.Join(dir, "missing"), pattern); err == nil {
		t.Error("expected an error for a missing directory")
	}
}

func TestWatcherForwardsMatchingEvents(t *testing.T) {
	dir := t.TempDir()

	w, err := New(dir, pattern)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x\n"), 0644); err != nil {
		t.Fatal(err)
	}
	logPath := filepath.Join(dir, "eqlog_Soandso_pq.txt")
	if err := os.WriteFile(logPath, []byte("x\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-w.Events:
		if filepath.Base(ev.Path) != "eqlog_Soandso_pq.txt" {
			t.Errorf("expected event for the log file, got %s", ev.Path)
		}
		if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
			t.Errorf("expected create or write, got %s", ev.Op)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for watcher event")
	}
}

func TestEnsureRetriesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Logs")

	w, err := New(dir, pattern)
	if err != nil {
		t.Fatal(err)
	}
	defer w.fsw.Close()

	if w.Ensure() {
		t.Fatal("expected missing directory not to be watched")
	}
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if !w.Ensure() {
		t.Error("expected directory to be watched once it exists")
	}
}

func TestNewRejectsBadPattern(t *testing.T) {
	if _, err := New(t.TempDir(), "eqlog_[.txt"); err == nil {
		t.Error("expected an error for a malformed pattern")
	}
}
