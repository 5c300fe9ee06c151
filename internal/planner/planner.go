// Package planner turns composite requests into dependency-ordered task plans.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/termagent/internal/llm"
	"github.com/openclaw/termagent/internal/logging"
)

// TaskType categorizes a subtask.
type TaskType string

const (
	TaskFileCreate   TaskType = "file_create"
	TaskFileEdit     TaskType = "file_edit"
	TaskFileRead     TaskType = "file_read"
	TaskTestRun      TaskType = "test_run"
	TaskTestGenerate TaskType = "test_generate"
	TaskGitCommit    TaskType = "git_commit"
	TaskGitStatus    TaskType = "git_status"
	TaskCodeAnalyze  TaskType = "code_analyze"
	TaskProjectSetup TaskType = "project_setup"
	TaskChatExplain  TaskType = "chat_explain"
	TaskTerminalCmd  TaskType = "terminal_cmd"
)

// knownTaskTypes guards against invented types in model output.
var knownTaskTypes = map[TaskType]bool{
	TaskFileCreate: true, TaskFileEdit: true, TaskFileRead: true,
	TaskTestRun: true, TaskTestGenerate: true, TaskGitCommit: true,
	TaskGitStatus: true, TaskCodeAnalyze: true, TaskProjectSetup: true,
	TaskChatExplain: true, TaskTerminalCmd: true,
}

// SubTask is one unit of work in a plan.
type SubTask struct {
	ID             string                 `json:"id"`
	Type           TaskType               `json:"task_type"`
	Description    string                 `json:"description"`
	Parameters     map[string]interface{} `json:"parameters,omitempty"`
	Dependencies   []string               `json:"dependencies,omitempty"`
	Preconditions  []string               `json:"preconditions,omitempty"`
	Postconditions []string               `json:"postconditions,omitempty"`
}

// TaskPlan is an ordered set of subtasks for one request.
type TaskPlan struct {
	ID        string    `json:"plan_id"`
	Request   string    `json:"original_request"`
	Tasks     []SubTask `json:"tasks"`
	Heuristic bool      `json:"heuristic"` // true when the fallback planner produced it
	CreatedAt time.Time `json:"created_at"`
}

// Task returns a subtask by ID.
func (p *TaskPlan) Task(id string) (*SubTask, bool) {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i], true
		}
	}
	return nil, false
}

// ExecutableTasks returns tasks whose dependencies are all in completed,
// excluding tasks already completed or failed.
func (p *TaskPlan) ExecutableTasks(completed, failed map[string]bool) []SubTask {
	var out []SubTask
	for _, task := range p.Tasks {
		if completed[task.ID] || failed[task.ID] {
			continue
		}
		ready := true
		for _, dep := range task.Dependencies {
			if !completed[dep] {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, task)
		}
	}
	return out
}

// compositeIndicators mark requests that bundle several actions.
var compositeIndicators = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(and then|then|after that|afterwards|depois)\b`),
	regexp.MustCompile(`(?i)\b(create|write|add)\b.*\b(test|commit)\b`),
	regexp.MustCompile(`(?i)\b(test|run)\b.*\b(commit|push)\b`),
	regexp.MustCompile(`(?i)\bset ?up\b.*\b(project|repo)\b`),
	regexp.MustCompile(`(?i),\s*and\s+\w+`),
}

const maxParseRetries = 2

// Planner builds task plans, preferring the model and falling back to
// keyword heuristics when it cannot produce valid JSON.
type Planner struct {
	provider llm.Provider
	logger   *logging.Logger
}

// New creates a planner.
func New(provider llm.Provider, logger *logging.Logger) *Planner {
	if logger == nil {
		logger = logging.New()
	}
	return &Planner{
		provider: provider,
		logger:   logger.WithComponent("planner"),
	}
}

// IsComposite reports whether a request bundles several actions and should
// be planned rather than answered in a single loop run.
func IsComposite(request string) bool {
	trimmed := strings.TrimSpace(request)
	if trimmed == "" {
		return false
	}
	for _, re := range compositeIndicators {
		if re.MatchString(trimmed) {
			return true
		}
	}
	// Long requests with several verbs usually hide several steps.
	return len(strings.Fields(trimmed)) > 25
}

// Plan builds a task plan for the request. The model gets up to
// maxParseRetries+1 chances to return valid JSON; after that the keyword
// fallback takes over so planning never fails outright.
func (p *Planner) Plan(ctx context.Context, request string) (*TaskPlan, error) {
	if strings.TrimSpace(request) == "" {
		return nil, fmt.Errorf("empty request")
	}

	prompt := buildPlanPrompt(request)
	for attempt := 0; attempt <= maxParseRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := p.provider.Chat(ctx, llm.ChatRequest{
			Messages: []llm.Message{
				{Role: "system", Content: planSystemPrompt},
				{Role: "user", Content: prompt},
			},
		})
		if err != nil {
			p.logger.Warn("plan model call failed", map[string]interface{}{
				"attempt": attempt + 1,
				"error":   err.Error(),
			})
			break
		}

		plan, err := p.parsePlan(request, resp.Content)
		if err == nil {
			p.logger.PlanCreated(plan.ID, len(plan.Tasks), false)
			return plan, nil
		}
		p.logger.Debug("plan parse failed", map[string]interface{}{
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
	}

	plan := p.heuristicPlan(request)
	p.logger.PlanCreated(plan.ID, len(plan.Tasks), true)
	return plan, nil
}

const planSystemPrompt = `You are a planning assistant for a terminal-based development workflow.
Break the user's request into subtasks. Respond with only a JSON object:
{"tasks": [{"id": "task_1", "task_type": "...", "description": "...",
"parameters": {}, "dependencies": [], "preconditions": [], "postconditions": []}]}
Valid task_type values: file_create, file_edit, file_read, test_run,
test_generate, git_commit, git_status, code_analyze, project_setup,
chat_explain, terminal_cmd.`

func buildPlanPrompt(request string) string {
	return "Request: " + request
}

// rawPlan is the JSON shape the model returns.
type rawPlan struct {
	Tasks []SubTask `json:"tasks"`
}

// parsePlan validates model output into a TaskPlan.
func (p *Planner) parsePlan(request, response string) (*TaskPlan, error) {
	raw := llm.ExtractJSON(response)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var parsed rawPlan
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("invalid plan JSON: %w", err)
	}
	if len(parsed.Tasks) == 0 {
		return nil, fmt.Errorf("plan has no tasks")
	}

	ids := make(map[string]bool, len(parsed.Tasks))
	for i := range parsed.Tasks {
		task := &parsed.Tasks[i]
		if task.ID == "" {
			task.ID = fmt.Sprintf("task_%d", i+1)
		}
		if ids[task.ID] {
			return nil, fmt.Errorf("duplicate task id %q", task.ID)
		}
		ids[task.ID] = true
		if !knownTaskTypes[task.Type] {
			return nil, fmt.Errorf("unknown task type %q", task.Type)
		}
	}
	// Dependencies must point at tasks in the plan.
	for _, task := range parsed.Tasks {
		for _, dep := range task.Dependencies {
			if !ids[dep] {
				return nil, fmt.Errorf("task %q depends on unknown task %q", task.ID, dep)
			}
		}
	}

	plan := &TaskPlan{
		ID:        uuid.NewString(),
		Request:   request,
		Tasks:     parsed.Tasks,
		CreatedAt: time.Now(),
	}
	InferDependencies(plan)
	return plan, nil
}

// heuristicPlan builds a keyword-driven plan when the model cannot. It
// chains setup, file work, tests, and commit linearly, which matches how
// those steps have to run anyway.
func (p *Planner) heuristicPlan(request string) *TaskPlan {
	lower := strings.ToLower(request)
	var tasks []SubTask

	add := func(tt TaskType, desc string) {
		id := fmt.Sprintf("task_%d", len(tasks)+1)
		task := SubTask{ID: id, Type: tt, Description: desc}
		if len(tasks) > 0 {
			task.Dependencies = []string{tasks[len(tasks)-1].ID}
		}
		tasks = append(tasks, task)
	}

	if containsAny(lower, "setup", "set up", "new project", "scaffold", "initialize") {
		add(TaskProjectSetup, "Set up the project structure")
	}
	if containsAny(lower, "create", "write", "add file", "implement", "new file") {
		add(TaskFileCreate, "Create the requested file(s)")
	} else if containsAny(lower, "edit", "change", "modify", "update", "fix") {
		add(TaskFileEdit, "Apply the requested changes")
	}
	if containsAny(lower, "generate test", "write test", "add test") {
		add(TaskTestGenerate, "Generate tests for the changes")
	}
	if containsAny(lower, "test", "pytest", "go test") {
		add(TaskTestRun, "Run the test suite")
	}
	if containsAny(lower, "commit", "check in") {
		add(TaskGitCommit, "Commit the changes")
	}
	if len(tasks) == 0 {
		add(TaskChatExplain, request)
	}

	return &TaskPlan{
		ID:        uuid.NewString(),
		Request:   request,
		Tasks:     tasks,
		Heuristic: true,
		CreatedAt: time.Now(),
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// InferDependencies adds dependency edges where one task's postcondition
// textually satisfies a later task's precondition. Existing edges are kept.
func InferDependencies(plan *TaskPlan) {
	for i := range plan.Tasks {
		task := &plan.Tasks[i]
		for _, pre := range task.Preconditions {
			for j := 0; j < i; j++ {
				earlier := &plan.Tasks[j]
				if !postconditionSatisfies(earlier.Postconditions, pre) {
					continue
				}
				if !containsString(task.Dependencies, earlier.ID) {
					task.Dependencies = append(task.Dependencies, earlier.ID)
				}
			}
		}
	}
}

// postconditionSatisfies matches a precondition against postconditions by
// normalized substring in either direction.
func postconditionSatisfies(posts []string, pre string) bool {
	preNorm := strings.ToLower(strings.TrimSpace(pre))
	if preNorm == "" {
		return false
	}
	for _, post := range posts {
		postNorm := strings.ToLower(strings.TrimSpace(post))
		if postNorm == "" {
			continue
		}
		if strings.Contains(postNorm, preNorm) || strings.Contains(preNorm, postNorm) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
