package perception

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// collectChanges runs a watcher in the background and returns a getter
// for the changes seen so far.
func collectChanges(t *testing.T, workspace string) func() []Change {
	t.Helper()

	var mu sync.Mutex
	var changes []Change
	w, err := NewWatcher(workspace, 50*time.Millisecond, func(c Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)

	return func() []Change {
		mu.Lock()
		defer mu.Unlock()
		out := make([]Change, len(changes))
		copy(out, changes)
		return out
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestWatcherReportsFileCreation(t *testing.T) {
	workspace := t.TempDir()
	got := collectChanges(t, workspace)

	path := filepath.Join(workspace, "main.go")
	if err := os.WriteFile(path, []byte("package main"), 0o644); err != nil {
		t.Fatal(err)
	}

	ok := waitFor(t, 2*time.Second, func() bool {
		for _, c := range got() {
			if c.Path == path {
				return true
			}
		}
		return false
	})
	if !ok {
		t.Fatal("file creation never reported")
	}
}

func TestWatcherDebouncesRepeatedWrites(t *testing.T) {
	workspace := t.TempDir()
	path := filepath.Join(workspace, "log.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	got := collectChanges(t, workspace)

	// A burst of writes inside one debounce window.
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("xx"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		for _, c := range got() {
			if c.Path == path {
				return true
			}
		}
		return false
	})

	count := 0
	for _, c := range got() {
		if c.Path == path {
			count++
		}
	}
	if count == 0 {
		t.Fatal("writes never reported")
	}
	if count >= 5 {
		t.Errorf("changes = %d, want the burst coalesced", count)
	}
}

func TestWatcherIgnoresGitInternals(t *testing.T) {
	workspace := t.TempDir()
	gitDir := filepath.Join(workspace, ".git")
	if err := os.MkdirAll(gitDir, 0o755); err != nil {
		t.Fatal(err)
	}

	got := collectChanges(t, workspace)

	if err := os.WriteFile(filepath.Join(gitDir, "index.lock"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	marker := filepath.Join(workspace, "visible.txt")
	if err := os.WriteFile(marker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		for _, c := range got() {
			if c.Path == marker {
				return true
			}
		}
		return false
	})

	for _, c := range got() {
		if filepath.Dir(c.Path) == gitDir {
			t.Errorf("reported git-internal change: %s", c.Path)
		}
	}
}
