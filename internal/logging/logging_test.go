package logging

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)
	l.SetLevel(LevelWarn)

	l.Debug("debug message")
	l.Info("info message")
	l.Warn("warn message")
	l.Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("expected debug/info to be filtered, got:\n%s", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Errorf("expected warn/error in output, got:\n%s", out)
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)

	scoped := l.WithComponent("loop")
	scoped.Info("hello")

	if !strings.Contains(buf.String(), "[loop]") {
		t.Errorf("expected component tag in output, got %q", buf.String())
	}
}

func TestFieldsFormatting(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)

	l.Info("with fields", map[string]interface{}{"tool": "git_status"})

	if !strings.Contains(buf.String(), "tool=git_status") {
		t.Errorf("expected key=value field, got %q", buf.String())
	}
}

func TestDomainHelpers(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)
	l.SetLevel(LevelDebug)

	l.ToolCall("read_file")
	l.ToolResult("read_file", 5*time.Millisecond, nil)
	l.LoopDetected("repetition", "git_status", 3)
	l.TaskComplete("plan-1", "task_1", time.Second, nil)

	out := buf.String()
	for _, want := range []string{"tool_call", "tool_result", "loop_detected", "task_complete"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got:\n%s", want, out)
		}
	}
}
