package perception

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openclaw/termagent/internal/logging"
)

// GitWatcher polls the repository's HEAD and current branch ref for
// changes. Watching .git/ with fsnotify would drown in index churn, so
// this uses a ticker instead.
type GitWatcher struct {
	gitDir   string
	interval time.Duration
	handler  ChangeHandler
	logger   *logging.Logger

	head   string
	branch string
}

// NewGitWatcher creates a watcher for the repository containing the
// workspace. Returns an error if the workspace is not a git repository.
func NewGitWatcher(workspace string, interval time.Duration, handler ChangeHandler, logger *logging.Logger) (*GitWatcher, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = logging.New()
	}

	gitDir := filepath.Join(workspace, ".git")
	if _, err := os.Stat(filepath.Join(gitDir, "HEAD")); err != nil {
		return nil, err
	}

	w := &GitWatcher{
		gitDir:   gitDir,
		interval: interval,
		handler:  handler,
		logger:   logger.WithComponent("perception"),
	}
	w.head, w.branch = w.snapshot()
	return w, nil
}

// Run polls until the context is canceled.
func (w *GitWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.poll()
		}
	}
}

// poll compares the current HEAD/branch snapshot against the last one.
func (w *GitWatcher) poll() {
	head, branch := w.snapshot()
	if head == w.head && branch == w.branch {
		return
	}

	change := Change{Path: "HEAD", Op: "git", At: time.Now()}
	if head != w.head {
		change.Path = strings.TrimPrefix(head, "ref: ")
	}
	w.head, w.branch = head, branch

	w.logger.PerceptionEvent(change.Op, change.Path)
	if w.handler != nil {
		w.handler(change)
	}
}

// snapshot reads HEAD and, for a symbolic HEAD, the ref it points at.
func (w *GitWatcher) snapshot() (head, branch string) {
	data, err := os.ReadFile(filepath.Join(w.gitDir, "HEAD"))
	if err != nil {
		return "", ""
	}
	head = strings.TrimSpace(string(data))

	if ref, ok := strings.CutPrefix(head, "ref: "); ok {
		if data, err := os.ReadFile(filepath.Join(w.gitDir, filepath.FromSlash(ref))); err == nil {
			branch = strings.TrimSpace(string(data))
		}
	}
	return head, branch
}
