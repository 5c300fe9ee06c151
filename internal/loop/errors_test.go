package loop

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
	"testing"

	"github.com/openclaw/termagent/internal/tools"
)

// timeoutErr implements net.Error without wrapping an OS errno.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "request timed out" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyOSErrorsAreNotNetwork(t *testing.T) {
	// syscall.Errno satisfies net.Error; plain filesystem failures must
	// not be classified by that interface.
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{
			name: "file not found",
			err:  fmt.Errorf("read: %w", &fs.PathError{Op: "open", Path: "x.txt", Err: syscall.ENOENT}),
			want: KindExecution,
		},
		{
			name: "permission denied",
			err:  fmt.Errorf("write: %w", &fs.PathError{Op: "open", Path: "/etc/x", Err: syscall.EACCES}),
			want: KindPermission,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify("op", tc.err).Kind; got != tc.want {
				t.Errorf("Classify(%v) kind = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassifyNetworkErrors(t *testing.T) {
	if got := Classify("op", fmt.Errorf("fetch: %w", timeoutErr{})).Kind; got != KindNetwork {
		t.Errorf("net.Error kind = %v, want network", got)
	}
	if got := Classify("op", errors.New("dial tcp 10.0.0.1:443: connection refused")).Kind; got != KindNetwork {
		t.Errorf("connection-refused kind = %v, want network", got)
	}
}

func TestClassifyPassthroughAndSentinels(t *testing.T) {
	orig := NewTaskError(KindParsing, "decide", errors.New("bad json"))
	if got := Classify("op", fmt.Errorf("wrapped: %w", orig)); got != orig {
		t.Errorf("wrapped TaskError not passed through: %v", got)
	}
	if got := Classify("op", fmt.Errorf("run: %w", tools.ErrForbidden)).Kind; got != KindPermission {
		t.Errorf("forbidden kind = %v, want permission", got)
	}
	if got := Classify("op", errors.New("bash: frob: command not found")).Kind; got != KindCommandNotFound {
		t.Errorf("command-not-found kind = %v, want command_not_found", got)
	}
}

func TestTaskErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	te := NewTaskError(KindExecution, "run", fmt.Errorf("tool: %w", inner))
	if !errors.Is(te, inner) {
		t.Error("TaskError should unwrap to the inner error")
	}
}
