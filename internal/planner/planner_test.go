package planner

import (
	"context"
	"testing"

	"github.com/openclaw/termagent/internal/llm"
)

type mockProvider struct {
	responses []string
	errs      []error
	callCount int
}

func (m *mockProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	i := m.callCount
	m.callCount++
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i < len(m.responses) {
		return &llm.ChatResponse{Content: m.responses[i]}, nil
	}
	return &llm.ChatResponse{Content: "no plan"}, nil
}

func (m *mockProvider) Name() string { return "mock" }

func TestIsComposite(t *testing.T) {
	composite := []string{
		"create a parser and then run the tests",
		"write the module, and commit it",
		"run the tests then commit everything",
		"set up a new python project with a src directory",
	}
	for _, req := range composite {
		if !IsComposite(req) {
			t.Errorf("IsComposite(%q) = false, want true", req)
		}
	}

	atomic := []string{
		"git status",
		"what does this function do?",
		"show me the diff",
		"",
	}
	for _, req := range atomic {
		if IsComposite(req) {
			t.Errorf("IsComposite(%q) = true, want false", req)
		}
	}
}

func TestPlanFromModelJSON(t *testing.T) {
	provider := &mockProvider{responses: []string{`{
		"tasks": [
			{"id": "task_1", "task_type": "file_create", "description": "create calc.py",
			 "postconditions": ["calc.py exists"]},
			{"id": "task_2", "task_type": "test_run", "description": "run tests",
			 "preconditions": ["calc.py exists"]},
			{"id": "task_3", "task_type": "git_commit", "description": "commit",
			 "dependencies": ["task_2"]}
		]
	}`}}
	p := New(provider, nil)

	plan, err := p.Plan(context.Background(), "create calc.py, run tests and then commit")
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if plan.Heuristic {
		t.Error("model plan should not be marked heuristic")
	}
	if len(plan.Tasks) != 3 {
		t.Fatalf("tasks = %d, want 3", len(plan.Tasks))
	}

	// task_2's precondition matches task_1's postcondition.
	task2, _ := plan.Task("task_2")
	if len(task2.Dependencies) == 0 || task2.Dependencies[0] != "task_1" {
		t.Errorf("task_2 deps = %v, want inferred [task_1]", task2.Dependencies)
	}
}

func TestPlanRetriesThenFallsBack(t *testing.T) {
	// Three junk responses exhaust the retries; the fallback must kick in.
	provider := &mockProvider{responses: []string{
		"I cannot help with that",
		"still no json",
		"{broken json",
	}}
	p := New(provider, nil)

	plan, err := p.Plan(context.Background(), "create a parser and then run the tests and commit")
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if !plan.Heuristic {
		t.Error("expected the heuristic fallback plan")
	}
	if provider.callCount != 3 {
		t.Errorf("model called %d times, want 3 (1 try + 2 retries)", provider.callCount)
	}
	if len(plan.Tasks) == 0 {
		t.Fatal("fallback plan has no tasks")
	}
}

func TestPlanRejectsUnknownTaskType(t *testing.T) {
	provider := &mockProvider{responses: []string{
		`{"tasks": [{"id": "task_1", "task_type": "summon_demon", "description": "no"}]}`,
		`{"tasks": [{"id": "task_1", "task_type": "chat_explain", "description": "ok"}]}`,
	}}
	p := New(provider, nil)

	plan, err := p.Plan(context.Background(), "explain this")
	if err != nil {
		t.Fatal(err)
	}
	// First response is rejected, the retry succeeds.
	if plan.Heuristic {
		t.Error("retry should have produced a model plan")
	}
	if plan.Tasks[0].Type != TaskChatExplain {
		t.Errorf("task type = %q", plan.Tasks[0].Type)
	}
}

func TestHeuristicPlanChain(t *testing.T) {
	p := New(&mockProvider{errs: []error{context.DeadlineExceeded}}, nil)

	plan, err := p.Plan(context.Background(), "create the module, write tests, run tests and then commit")
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Heuristic {
		t.Fatal("expected heuristic plan after provider failure")
	}

	var types []TaskType
	for _, task := range plan.Tasks {
		types = append(types, task.Type)
	}
	want := []TaskType{TaskFileCreate, TaskTestGenerate, TaskTestRun, TaskGitCommit}
	if len(types) != len(want) {
		t.Fatalf("task types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("task types = %v, want %v", types, want)
		}
	}

	// Linear dependency chain.
	for i := 1; i < len(plan.Tasks); i++ {
		deps := plan.Tasks[i].Dependencies
		if len(deps) != 1 || deps[0] != plan.Tasks[i-1].ID {
			t.Errorf("task %d deps = %v, want previous task", i+1, deps)
		}
	}
}

func TestExecutableTasks(t *testing.T) {
	plan := &TaskPlan{Tasks: []SubTask{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"b"}},
	}}

	ready := plan.ExecutableTasks(map[string]bool{}, map[string]bool{})
	if len(ready) != 1 || ready[0].ID != "a" {
		t.Fatalf("initially ready = %v, want only a", ready)
	}

	ready = plan.ExecutableTasks(map[string]bool{"a": true}, map[string]bool{})
	if len(ready) != 1 || ready[0].ID != "b" {
		t.Fatalf("after a: ready = %v, want only b", ready)
	}

	ready = plan.ExecutableTasks(map[string]bool{"a": true, "b": true}, map[string]bool{})
	if len(ready) != 1 || ready[0].ID != "c" {
		t.Fatalf("after a,b: ready = %v, want only c", ready)
	}

	// A failed dependency never becomes ready.
	ready = plan.ExecutableTasks(map[string]bool{"a": true}, map[string]bool{"b": true})
	if len(ready) != 0 {
		t.Errorf("c should not be ready with b failed, got %v", ready)
	}
}
