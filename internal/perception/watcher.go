// Package perception watches the workspace for filesystem changes so
// the assistant can mention relevant activity between runs.
package perception

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openclaw/termagent/internal/logging"
)

// Change is a coalesced filesystem event.
type Change struct {
	Path string
	Op   string // create, write, remove, rename, chmod
	At   time.Time
}

// ChangeHandler receives coalesced changes.
type ChangeHandler func(Change)

// ignoredDirs are never watched or reported.
var ignoredDirs = map[string]bool{
	".git": true, "node_modules": true, ".venv": true, "__pycache__": true,
	"vendor": true, ".idea": true,
}

// Watcher watches a workspace tree and debounces bursts of events on the
// same path into one change.
type Watcher struct {
	workspace string
	debounce  time.Duration
	handler   ChangeHandler
	logger    *logging.Logger

	mu      sync.Mutex
	pending map[string]Change
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher for the workspace. Extra paths may be
// added with Add before Run.
func NewWatcher(workspace string, debounce time.Duration, handler ChangeHandler, logger *logging.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = logging.New()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		workspace: workspace,
		debounce:  debounce,
		handler:   handler,
		logger:    logger.WithComponent("perception"),
		pending:   map[string]Change{},
		watcher:   fsw,
	}
	if err := w.addTree(workspace); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Add watches an extra directory tree.
func (w *Watcher) Add(path string) error {
	return w.addTree(path)
}

// addTree registers every directory under root, skipping ignored names.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtrees are skipped, not fatal
		}
		if !d.IsDir() {
			return nil
		}
		if ignoredDirs[d.Name()] && path != root {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// Run processes events until the context is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flush()
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.record(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", map[string]interface{}{"error": err.Error()})
		case <-ticker.C:
			w.flush()
		}
	}
}

// record notes an event for the next flush. New directories are added to
// the watch set immediately so nested creation is not missed.
func (w *Watcher) record(event fsnotify.Event) {
	base := filepath.Base(event.Name)
	if ignoredDirs[base] || strings.HasPrefix(base, ".#") || strings.HasSuffix(base, "~") {
		return
	}
	for dir := range ignoredDirs {
		if strings.Contains(event.Name, string(filepath.Separator)+dir+string(filepath.Separator)) {
			return
		}
	}

	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.addTree(event.Name)
		}
	}

	w.mu.Lock()
	w.pending[event.Name] = Change{
		Path: event.Name,
		Op:   opString(event.Op),
		At:   time.Now(),
	}
	w.mu.Unlock()
}

// flush delivers all pending changes.
func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = map[string]Change{}
	w.mu.Unlock()

	for _, change := range pending {
		w.logger.PerceptionEvent(change.Op, change.Path)
		if w.handler != nil {
			w.handler(change)
		}
	}
}

func opString(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	case op.Has(fsnotify.Chmod):
		return "chmod"
	default:
		return op.String()
	}
}
