package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/openclaw/termagent/internal/llm"
	"github.com/openclaw/termagent/internal/planner"
)

type fakeProvider struct {
	response string
	err      error
}

func (f *fakeProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Content: f.response}, nil
}

func (f *fakeProvider) Name() string { return "fake" }

// recordingRunner notes execution order and can fail tasks a set number
// of times. A fixed output overrides the default per-task one.
type recordingRunner struct {
	order  []string
	fail   map[string]int
	output string
}

func (r *recordingRunner) RunTask(ctx context.Context, task planner.SubTask) (string, error) {
	r.order = append(r.order, task.ID)
	if r.fail[task.ID] > 0 {
		r.fail[task.ID]--
		return "", errors.New("task blew up")
	}
	if r.output != "" {
		return r.output, nil
	}
	return "done: " + task.ID, nil
}

func chainPlan(ids ...string) *planner.TaskPlan {
	plan := &planner.TaskPlan{ID: "plan-1", Request: "do the things"}
	for i, id := range ids {
		task := planner.SubTask{ID: id, Type: planner.TaskChatExplain, Description: id}
		if i > 0 {
			task.Dependencies = []string{ids[i-1]}
		}
		plan.Tasks = append(plan.Tasks, task)
	}
	return plan
}

func newTestExecutor(t *testing.T, runner TaskRunner, config Config) (*WorkflowExecutor, *Store) {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if config.Workspace == "" {
		config.Workspace = t.TempDir()
	}
	return NewExecutor(nil, runner, store, config, nil), store
}

func TestExecuteRespectsDependencyOrder(t *testing.T) {
	runner := &recordingRunner{}
	exec, _ := newTestExecutor(t, runner, Config{})

	res, err := exec.Execute(context.Background(), chainPlan("a", "b", "c"))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Err != nil {
		t.Fatalf("result error = %v", res.Err)
	}

	want := []string{"a", "b", "c"}
	if len(runner.order) != len(want) {
		t.Fatalf("execution order = %v, want %v", runner.order, want)
	}
	for i := range want {
		if runner.order[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", runner.order, want)
		}
	}
	if len(res.Completed) != 3 {
		t.Errorf("completed = %v", res.Completed)
	}
}

func TestExecuteRetriesFailedTaskOnce(t *testing.T) {
	runner := &recordingRunner{fail: map[string]int{"a": 1}}
	exec, _ := newTestExecutor(t, runner, Config{})

	res, err := exec.Execute(context.Background(), chainPlan("a", "b"))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(res.Failed) != 0 {
		t.Errorf("failed = %v, want none after the retry", res.Failed)
	}
	// a ran twice: the failure and the retry.
	want := []string{"a", "a", "b"}
	if len(runner.order) != len(want) {
		t.Fatalf("execution order = %v, want %v", runner.order, want)
	}
}

func TestExecuteBlockedDependenciesFatal(t *testing.T) {
	runner := &recordingRunner{fail: map[string]int{"a": 99}}
	exec, _ := newTestExecutor(t, runner, Config{MaxReplans: 0})

	res, err := exec.Execute(context.Background(), chainPlan("a", "b"))
	if err == nil {
		t.Fatal("expected an error when dependencies can never be met")
	}
	if len(res.Failed) != 1 || res.Failed[0] != "a" {
		t.Errorf("failed = %v, want [a]", res.Failed)
	}
	// b must never run behind a failed dependency.
	for _, id := range runner.order {
		if id == "b" {
			t.Error("b ran despite its failed dependency")
		}
	}
}

func TestExecuteReplansAfterRepeatedFailure(t *testing.T) {
	runner := &recordingRunner{fail: map[string]int{"a": 99}}
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	p := planner.New(&fakeProvider{
		response: `{"tasks": [{"id": "task_1", "task_type": "chat_explain", "description": "recover"}]}`,
	}, nil)
	exec := NewExecutor(p, runner, store, Config{MaxReplans: 1, Workspace: t.TempDir()}, nil)

	res, err := exec.Execute(context.Background(), chainPlan("a", "b"))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Replans != 1 {
		t.Errorf("replans = %d, want 1", res.Replans)
	}
	if res.Err != nil {
		t.Errorf("result error = %v, want recovery via replan", res.Err)
	}
	if len(res.Completed) != 1 || res.Completed[0] != "task_1" {
		t.Errorf("completed = %v, want the replanned task", res.Completed)
	}
}

func TestExecutePersistsStateAfterEveryTask(t *testing.T) {
	runner := &recordingRunner{}
	exec, store := newTestExecutor(t, runner, Config{})

	plan := chainPlan("a", "b")
	if _, err := exec.Execute(context.Background(), plan); err != nil {
		t.Fatal(err)
	}

	state, err := store.Load(plan.ID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if state.OriginalRequest != plan.Request {
		t.Errorf("request = %q", state.OriginalRequest)
	}
	if len(state.CompletedTasks) != 2 {
		t.Errorf("completed = %v", state.CompletedTasks)
	}
	if _, ok := state.Context["plan"]; !ok {
		t.Error("state should embed the plan for later resume")
	}
}

func TestResumeSkipsCompletedTasks(t *testing.T) {
	runner := &recordingRunner{}
	exec, store := newTestExecutor(t, runner, Config{})

	plan := chainPlan("a", "b")
	if _, err := exec.Execute(context.Background(), plan); err != nil {
		t.Fatal(err)
	}

	// Rewind the persisted state so only a counts as done.
	state, err := store.Load(plan.ID)
	if err != nil {
		t.Fatal(err)
	}
	state.CompletedTasks = []string{"a"}
	if err := store.Save(state); err != nil {
		t.Fatal(err)
	}

	fresh := &recordingRunner{}
	exec2 := NewExecutor(nil, fresh, store, Config{Workspace: t.TempDir()}, nil)
	res, err := exec2.Resume(context.Background(), plan.ID)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	if len(fresh.order) != 1 || fresh.order[0] != "b" {
		t.Errorf("resume ran %v, want only [b]", fresh.order)
	}
	if len(res.Completed) != 2 {
		t.Errorf("completed after resume = %v", res.Completed)
	}
}

func TestOptimisticPostconditionPassesUnverifiable(t *testing.T) {
	runner := &recordingRunner{}
	exec, _ := newTestExecutor(t, runner, Config{})

	plan := chainPlan("a")
	plan.Tasks[0].Postconditions = []string{"the code is elegant"}

	res, err := exec.Execute(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Failed) != 0 {
		t.Errorf("optimistic policy should accept unverifiable conditions, failed = %v", res.Failed)
	}
}

func TestStrictPostconditionRejectsUnverifiable(t *testing.T) {
	runner := &recordingRunner{}
	exec, _ := newTestExecutor(t, runner, Config{Strict: true})

	plan := chainPlan("a")
	plan.Tasks[0].Postconditions = []string{"the code is elegant"}

	res, _ := exec.Execute(context.Background(), plan)
	if len(res.Failed) != 1 {
		t.Errorf("strict policy should fail unverifiable conditions, failed = %v", res.Failed)
	}
}

func TestFileExistencePostcondition(t *testing.T) {
	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, "out.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	runner := &recordingRunner{}
	exec, _ := newTestExecutor(t, runner, Config{Workspace: workspace})

	plan := chainPlan("a")
	plan.Tasks[0].Postconditions = []string{"out.txt exists"}
	res, err := exec.Execute(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Failed) != 0 {
		t.Errorf("existing file should satisfy the condition, failed = %v", res.Failed)
	}

	// A missing file is logged but forgiven under the optimistic policy.
	plan2 := chainPlan("a")
	plan2.ID = "plan-2"
	plan2.Tasks[0].Postconditions = []string{"missing.txt exists"}
	res2, err := exec.Execute(context.Background(), plan2)
	if err != nil {
		t.Fatal(err)
	}
	if len(res2.Failed) != 0 {
		t.Errorf("optimistic policy should not fail a succeeded task, failed = %v", res2.Failed)
	}

	// Strict mode fails it.
	strict, _ := newTestExecutor(t, runner, Config{Workspace: workspace, Strict: true})
	plan3 := chainPlan("a")
	plan3.ID = "plan-3"
	plan3.Tasks[0].Postconditions = []string{"missing.txt exists"}
	res3, _ := strict.Execute(context.Background(), plan3)
	if len(res3.Failed) != 1 {
		t.Errorf("strict policy should fail on a missing file, failed = %v", res3.Failed)
	}
}

// A task whose agent reported success keeps its success even when the
// output itself reads as a failed check, unless strict mode is on.
func TestOptimisticPolicyForgivesFailedCheck(t *testing.T) {
	runner := &recordingRunner{output: "3 failures"}
	exec, _ := newTestExecutor(t, runner, Config{})

	plan := chainPlan("t1")
	plan.Tasks[0].Postconditions = []string{"tests pass"}

	res, err := exec.Execute(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Completed) != 1 || len(res.Failed) != 0 {
		t.Errorf("completed = %v, failed = %v; optimistic policy must keep the task", res.Completed, res.Failed)
	}

	strict, _ := newTestExecutor(t, runner, Config{Strict: true})
	plan2 := chainPlan("t1")
	plan2.ID = "plan-strict"
	plan2.Tasks[0].Postconditions = []string{"tests pass"}
	res2, _ := strict.Execute(context.Background(), plan2)
	if len(res2.Failed) != 1 {
		t.Errorf("strict policy should fail the check, failed = %v", res2.Failed)
	}
}

func TestListActiveFiltersFinishedPlans(t *testing.T) {
	runner := &recordingRunner{}
	exec, store := newTestExecutor(t, runner, Config{})

	done := chainPlan("a")
	if _, err := exec.Execute(context.Background(), done); err != nil {
		t.Fatal(err)
	}

	// Rewind one plan so it looks interrupted.
	partial := chainPlan("a", "b")
	partial.ID = "plan-partial"
	if _, err := exec.Execute(context.Background(), partial); err != nil {
		t.Fatal(err)
	}
	state, err := store.Load(partial.ID)
	if err != nil {
		t.Fatal(err)
	}
	state.CompletedTasks = []string{"a"}
	if err := store.Save(state); err != nil {
		t.Fatal(err)
	}

	active, err := exec.ListActive()
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].PlanID != partial.ID {
		t.Errorf("active = %v, want only the interrupted plan", activeIDs(active))
	}
}

func activeIDs(states []*State) []string {
	ids := make([]string, len(states))
	for i, s := range states {
		ids[i] = s.PlanID
	}
	return ids
}

func TestStateStoreRoundtrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	in := &State{
		PlanID:          "p1",
		OriginalRequest: "fix the bug and commit",
		CompletedTasks:  []string{"task_1"},
		FailedTasks:     []string{"task_2"},
		Context:         map[string]interface{}{"task_1": "done"},
	}
	if err := store.Save(in); err != nil {
		t.Fatal(err)
	}

	out, err := store.Load("p1")
	if err != nil {
		t.Fatal(err)
	}
	if out.OriginalRequest != in.OriginalRequest {
		t.Errorf("request = %q", out.OriginalRequest)
	}
	if len(out.CompletedTasks) != 1 || len(out.FailedTasks) != 1 {
		t.Errorf("completed = %v failed = %v", out.CompletedTasks, out.FailedTasks)
	}
	if out.Timestamp.IsZero() {
		t.Error("save should stamp the state")
	}

	if err := store.Delete("p1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load("p1"); err == nil {
		t.Error("load after delete should fail")
	}
	if err := store.Delete("p1"); err != nil {
		t.Errorf("deleting a missing state should be fine, got %v", err)
	}
}
