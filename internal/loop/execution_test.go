package loop

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/openclaw/termagent/internal/tools"
)

func newExecFixture(t *testing.T, policy ExecPolicy) (*ExecutionStep, *CallTracker, *ShortTermMemory) {
	t.Helper()
	tracker := NewCallTracker(TrackerConfig{})
	tracker.SetClock(fakeClock(10 * time.Second))
	memory := NewShortTermMemory(20)
	reg := testRegistry(t)
	return NewExecutionStep(reg, tracker, memory, policy, nil), tracker, memory
}

func TestExecuteRunsToolAndRecords(t *testing.T) {
	exec, tracker, memory := newExecFixture(t, ExecPolicy{})

	d := &Decision{Kind: ActionRunTool, Tool: "list_dir", Input: map[string]interface{}{}}
	res := exec.Execute(context.Background(), d)

	if res.Err != nil {
		t.Fatalf("Execute() error = %v", res.Err)
	}
	if res.Verdict != VerdictOK {
		t.Errorf("verdict = %v", res.Verdict)
	}
	if tracker.TotalCalls() != 1 {
		t.Errorf("tracker total = %d, want 1", tracker.TotalCalls())
	}
	if memory.Len() != 1 {
		t.Errorf("memory entries = %d, want 1", memory.Len())
	}
}

func TestExecuteStatusCheckRedirect(t *testing.T) {
	exec, _, memory := newExecFixture(t, ExecPolicy{StatusCheckTool: "list_dir"})

	d := &Decision{Kind: ActionRunTool, Tool: "git_diff", Input: map[string]interface{}{}}

	// Same call until the tracker flags it; the input is then "seen", so
	// the step should redirect to the status-check tool once.
	var res *StepResult
	for i := 0; i < 5; i++ {
		res = exec.Execute(context.Background(), d)
		if res.Overridden {
			break
		}
	}
	if !res.Overridden {
		t.Fatal("expected a status-check redirect after repeated identical calls")
	}
	if res.Tool != "list_dir" {
		t.Errorf("redirect target = %q, want list_dir", res.Tool)
	}
	if memory.Len() == 0 {
		t.Error("redirected call should still be recorded")
	}
}

func TestExecuteSuggestedNextRedirect(t *testing.T) {
	exec, tracker, _ := newExecFixture(t, ExecPolicy{
		SuggestedNext: map[string]string{"git_diff": "list_dir"},
	})
	_ = tracker

	// Distinct inputs avoid the seen-input branch so the suggested-next
	// policy is what fires on the consecutive-limit flag.
	var res *StepResult
	for i := 0; i < 4; i++ {
		d := &Decision{Kind: ActionRunTool, Tool: "git_diff", Input: map[string]interface{}{"staged": i%2 == 0}}
		res = exec.Execute(context.Background(), d)
	}
	if !res.Overridden {
		t.Fatal("expected suggested-next redirect on consecutive limit")
	}
	if res.Tool != "list_dir" {
		t.Errorf("redirect target = %q, want list_dir", res.Tool)
	}
}

func TestExecuteSynthesizesFinishWhenNoRedirect(t *testing.T) {
	exec, _, _ := newExecFixture(t, ExecPolicy{})

	d := &Decision{Kind: ActionRunTool, Tool: "git_diff", Input: map[string]interface{}{}}
	var res *StepResult
	for i := 0; i < 5; i++ {
		res = exec.Execute(context.Background(), d)
		if res.Finished {
			break
		}
	}
	if !res.Finished {
		t.Fatal("expected a synthesized finish with no redirect policy")
	}
	if res.FinalAnswer == "" {
		t.Error("synthesized finish should carry a best-effort answer")
	}
	if res.Err == nil || res.Err.Kind != KindLoopDetected {
		t.Errorf("err = %v, want loop_detected", res.Err)
	}
}

func TestExecuteTotalBudgetFinish(t *testing.T) {
	exec, _, _ := newExecFixture(t, ExecPolicy{})

	tools := []string{"list_dir", "git_status", "git_diff"}
	var res *StepResult
	for i := 0; i < 16; i++ {
		d := &Decision{
			Kind:  ActionRunTool,
			Tool:  tools[i%3],
			Input: map[string]interface{}{"n": i},
		}
		res = exec.Execute(context.Background(), d)
	}
	if !res.Finished {
		t.Fatal("expected finish once the total budget is exhausted")
	}
	if res.Err == nil || res.Err.Kind != KindLoopDetected {
		t.Errorf("err = %v, want loop_detected", res.Err)
	}
}

func TestExecuteRedirectHappensOnce(t *testing.T) {
	exec, tracker, _ := newExecFixture(t, ExecPolicy{StatusCheckTool: "list_dir"})

	d := &Decision{Kind: ActionRunTool, Tool: "git_diff", Input: map[string]interface{}{}}

	redirects := 0
	for i := 0; i < 10; i++ {
		res := exec.Execute(context.Background(), d)
		if res.Overridden {
			redirects++
		}
		if res.Finished {
			break
		}
	}
	if redirects != 1 {
		t.Errorf("redirects = %d, want exactly 1 per run", redirects)
	}

	// A reset starts a fresh run and allows a new redirect.
	tracker.Reset()
	exec.Reset()
	exec.Reset() // idempotent
}

// cannedTool returns a fixed output and counts invocations.
type cannedTool struct {
	name   string
	output string
	calls  int
}

func (c *cannedTool) Name() string                       { return c.name }
func (c *cannedTool) Description() string                { return "canned " + c.name }
func (c *cannedTool) Parameters() map[string]interface{} { return nil }
func (c *cannedTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	c.calls++
	return c.output, nil
}

func newCannedFixture(t *testing.T, policy ExecPolicy, stubs ...*cannedTool) (*ExecutionStep, *ShortTermMemory) {
	t.Helper()
	tracker := NewCallTracker(TrackerConfig{})
	tracker.SetClock(fakeClock(10 * time.Second))
	memory := NewShortTermMemory(20)
	reg := tools.NewRegistry()
	for _, stub := range stubs {
		if err := reg.Register(stub); err != nil {
			t.Fatal(err)
		}
	}
	return NewExecutionStep(reg, tracker, memory, policy, nil), memory
}

// A flagged status check with a clean last result concludes the run
// without another model round-trip.
func TestStatusCheckCleanStateFinishes(t *testing.T) {
	status := &cannedTool{name: "git_status", output: "nothing to commit, working tree clean"}
	exec, _ := newCannedFixture(t, ExecPolicy{
		StatusCheckTool: "git_status",
		SuggestedNext:   map[string]string{"git_status": "git_commit"},
	}, status)

	d := &Decision{Kind: ActionRunTool, Tool: "git_status", Input: map[string]interface{}{}}
	var res *StepResult
	for i := 0; i < 5; i++ {
		res = exec.Execute(context.Background(), d)
		if res.Finished {
			break
		}
	}
	if !res.Finished || !res.Overridden {
		t.Fatal("expected a synthesized finish for a repeated clean status check")
	}
	if res.Err != nil {
		t.Errorf("clean-state finish should not carry an error, got %v", res.Err)
	}
	if !strings.Contains(res.FinalAnswer, "clean") {
		t.Errorf("answer should mention the clean state, got %q", res.FinalAnswer)
	}
}

// A flagged status check with a dirty last result moves on to the
// configured follow-up tool instead of checking again.
func TestStatusCheckDirtyStateRedirectsToCommit(t *testing.T) {
	status := &cannedTool{name: "git_status", output: "Changes not staged for commit:\n  modified: main.go"}
	commit := &cannedTool{name: "git_commit", output: "committed"}
	exec, _ := newCannedFixture(t, ExecPolicy{
		StatusCheckTool: "git_status",
		SuggestedNext:   map[string]string{"git_status": "git_commit"},
	}, status, commit)

	d := &Decision{Kind: ActionRunTool, Tool: "git_status", Input: map[string]interface{}{}}
	var res *StepResult
	for i := 0; i < 5; i++ {
		res = exec.Execute(context.Background(), d)
		if res.Overridden {
			break
		}
	}
	if !res.Overridden {
		t.Fatal("expected a redirect for a repeated dirty status check")
	}
	if res.Tool != "git_commit" || commit.calls != 1 {
		t.Errorf("redirect target = %q (commit calls %d), want git_commit once", res.Tool, commit.calls)
	}
}

func TestCanonicalInputDeterministic(t *testing.T) {
	a := CanonicalInput(map[string]interface{}{"b": 2, "a": 1})
	b := CanonicalInput(map[string]interface{}{"a": 1, "b": 2})
	if a != b {
		t.Errorf("canonical inputs differ: %q vs %q", a, b)
	}
	if CanonicalInput(nil) != "{}" {
		t.Errorf("nil args should canonicalize to {}")
	}
}

func TestExecuteToolErrorClassified(t *testing.T) {
	exec, _, memory := newExecFixture(t, ExecPolicy{})

	d := &Decision{
		Kind:  ActionRunTool,
		Tool:  "read_file",
		Input: map[string]interface{}{"path": "does-not-exist.txt"},
	}
	res := exec.Execute(context.Background(), d)
	if res.Err == nil {
		t.Fatal("expected an error reading a missing file")
	}
	if res.Err.Kind != KindExecution {
		t.Errorf("error kind = %v, want execution", res.Err.Kind)
	}
	// Failures are still remembered so the loop can notice repeats.
	if memory.Len() != 1 {
		t.Errorf("memory entries = %d, want 1", memory.Len())
	}
}
