// Package workflow executes task plans with dependency gating, retries,
// replanning, and resumable JSON persistence.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/openclaw/termagent/internal/logging"
	"github.com/openclaw/termagent/internal/planner"
	"github.com/openclaw/termagent/internal/telemetry"
)

// TaskRunner executes a single subtask and returns its textual output.
// The CLI wires the control loop in here; tests use fakes.
type TaskRunner interface {
	RunTask(ctx context.Context, task planner.SubTask) (string, error)
}

// RunnerFunc adapts a function to the TaskRunner interface.
type RunnerFunc func(ctx context.Context, task planner.SubTask) (string, error)

func (f RunnerFunc) RunTask(ctx context.Context, task planner.SubTask) (string, error) {
	return f(ctx, task)
}

// Config controls executor behavior.
type Config struct {
	// MaxReplans bounds how many times a failing plan may be rebuilt.
	MaxReplans int
	// Strict makes failed or unverifiable postconditions fail the task.
	// The default optimistic policy only logs them.
	Strict bool
	// Workspace roots file-existence postcondition checks.
	Workspace string
}

// Result summarizes one Execute or Resume call.
type Result struct {
	PlanID    string
	Completed []string
	Failed    []string
	Outputs   map[string]string
	Replans   int
	Err       error
}

// WorkflowExecutor runs plans task by task. Tasks whose dependencies are
// unmet are skipped and retried on a later pass; a task that fails twice
// triggers a replan, and dependencies that can never be met end the run.
type WorkflowExecutor struct {
	planner *planner.Planner
	runner  TaskRunner
	store   *Store
	config  Config
	logger  *logging.Logger
}

// NewExecutor creates a workflow executor.
func NewExecutor(p *planner.Planner, runner TaskRunner, store *Store, config Config, logger *logging.Logger) *WorkflowExecutor {
	if logger == nil {
		logger = logging.New()
	}
	return &WorkflowExecutor{
		planner: p,
		runner:  runner,
		store:   store,
		config:  config,
		logger:  logger.WithComponent("workflow"),
	}
}

// Execute runs a plan from scratch.
func (e *WorkflowExecutor) Execute(ctx context.Context, plan *planner.TaskPlan) (*Result, error) {
	state := &State{
		PlanID:          plan.ID,
		OriginalRequest: plan.Request,
		Context:         map[string]interface{}{},
	}
	return e.run(ctx, plan, state, map[string]bool{}, map[string]bool{})
}

// Resume continues a previously interrupted plan. Tasks recorded as
// completed are never executed again.
func (e *WorkflowExecutor) Resume(ctx context.Context, planID string) (*Result, error) {
	state, err := e.store.Load(planID)
	if err != nil {
		return nil, err
	}
	plan, err := planFromState(state)
	if err != nil {
		return nil, err
	}

	completed := make(map[string]bool, len(state.CompletedTasks))
	for _, id := range state.CompletedTasks {
		completed[id] = true
	}
	failed := make(map[string]bool, len(state.FailedTasks))
	for _, id := range state.FailedTasks {
		failed[id] = true
	}

	e.logger.WorkflowResumed(planID, len(state.CompletedTasks), len(state.FailedTasks))
	return e.run(ctx, plan, state, completed, failed)
}

// ListActive returns persisted states whose plans still have pending tasks.
func (e *WorkflowExecutor) ListActive() ([]*State, error) {
	states, err := e.store.List()
	if err != nil {
		return nil, err
	}
	var active []*State
	for _, state := range states {
		plan, err := planFromState(state)
		if err != nil {
			continue
		}
		if len(state.CompletedTasks)+len(state.FailedTasks) < len(plan.Tasks) {
			active = append(active, state)
		}
	}
	return active, nil
}

func (e *WorkflowExecutor) run(ctx context.Context, plan *planner.TaskPlan, state *State, completed, failed map[string]bool) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "workflow.run")
	defer span.End()

	if state.Context == nil {
		state.Context = map[string]interface{}{}
	}

	result := &Result{
		PlanID:  plan.ID,
		Outputs: map[string]string{},
	}
	retried := map[string]bool{}
	replans := 0

	for {
		if err := ctx.Err(); err != nil {
			e.saveState(plan, state, completed, failed)
			result.Err = err
			return e.finish(result, completed, failed, replans), err
		}

		ready := plan.ExecutableTasks(completed, failed)
		if len(ready) == 0 {
			pending := pendingTasks(plan, completed, failed)
			if len(pending) == 0 {
				break // all tasks done
			}
			// Every pending task is blocked behind a failure. Try to
			// replan the remaining work before giving up.
			if replans < e.config.MaxReplans {
				newPlan, err := e.replan(ctx, plan, completed, failed)
				if err == nil {
					replans++
					plan, completed, failed = newPlan, map[string]bool{}, map[string]bool{}
					state = e.stateForPlan(newPlan, state)
					continue
				}
				e.logger.Warn("replan failed", map[string]interface{}{"error": err.Error()})
			}
			for _, task := range pending {
				e.logger.TaskSkipped(plan.ID, task.ID, missingDeps(task, completed))
			}
			err := fmt.Errorf("tasks %v blocked by failed dependencies", taskIDs(pending))
			result.Err = err
			e.saveState(plan, state, completed, failed)
			return e.finish(result, completed, failed, replans), err
		}

		for _, task := range ready {
			if err := ctx.Err(); err != nil {
				e.saveState(plan, state, completed, failed)
				result.Err = err
				return e.finish(result, completed, failed, replans), err
			}

			e.logger.TaskStart(plan.ID, task.ID, string(task.Type))
			started := time.Now()
			output, err := e.runTask(ctx, task)
			if err != nil && !retried[task.ID] {
				// One immediate retry before the task counts as failed.
				retried[task.ID] = true
				e.logger.Warn("task failed, retrying once", map[string]interface{}{
					"task":  task.ID,
					"error": err.Error(),
				})
				output, err = e.runTask(ctx, task)
			}

			if err != nil {
				failed[task.ID] = true
			} else {
				completed[task.ID] = true
				result.Outputs[task.ID] = output
				state.Context[task.ID] = output
			}
			e.logger.TaskComplete(plan.ID, task.ID, time.Since(started), err)
			state.CurrentTaskIndex++
			e.saveState(plan, state, completed, failed)
		}
	}

	res := e.finish(result, completed, failed, replans)
	if len(res.Failed) > 0 {
		res.Err = fmt.Errorf("%d of %d tasks failed", len(res.Failed), len(plan.Tasks))
	}
	return res, nil
}

// runTask executes a task and verifies its postconditions.
func (e *WorkflowExecutor) runTask(ctx context.Context, task planner.SubTask) (string, error) {
	output, err := e.runner.RunTask(ctx, task)
	if err != nil {
		return "", err
	}
	if err := e.checkPostconditions(task, output); err != nil {
		return "", err
	}
	return output, nil
}

// checkPostconditions verifies a task's postconditions against the
// workspace and the task output. The checker is a weak heuristic, so the
// default optimistic policy never retroactively fails a task that
// reported success: failed and unverifiable checks are logged only.
// Strict mode fails both.
func (e *WorkflowExecutor) checkPostconditions(task planner.SubTask, output string) error {
	for _, cond := range task.Postconditions {
		ok, known := e.evaluateCondition(cond, output)
		switch {
		case known && !ok:
			if e.config.Strict {
				return fmt.Errorf("postcondition not met: %s", cond)
			}
			e.logger.Warn("postcondition not met", map[string]interface{}{
				"task": task.ID, "condition": cond,
			})
		case !known && e.config.Strict:
			return fmt.Errorf("postcondition not verifiable: %s", cond)
		}
	}
	return nil
}

var condFileRe = regexp.MustCompile(`[\w./-]+\.\w+`)

// evaluateCondition returns whether the condition holds and whether it
// could be checked at all.
func (e *WorkflowExecutor) evaluateCondition(cond, output string) (ok, known bool) {
	lower := strings.ToLower(cond)
	outLower := strings.ToLower(output)

	if strings.Contains(lower, "exist") {
		if file := condFileRe.FindString(cond); file != "" {
			_, err := os.Stat(filepath.Join(e.config.Workspace, file))
			return err == nil, true
		}
	}
	if strings.Contains(lower, "test") && (strings.Contains(lower, "pass") || strings.Contains(lower, "succeed")) {
		passed := strings.Contains(outLower, "pass") || strings.Contains(outLower, "ok")
		return passed && !strings.Contains(outLower, "fail"), true
	}
	if strings.Contains(lower, "commit") {
		return strings.Contains(outLower, "commit"), true
	}
	return false, false
}

// replan asks the planner for a fresh plan covering what is still undone,
// carrying the failure context into the new request.
func (e *WorkflowExecutor) replan(ctx context.Context, plan *planner.TaskPlan, completed, failed map[string]bool) (*planner.TaskPlan, error) {
	if e.planner == nil {
		return nil, fmt.Errorf("no planner available")
	}

	var notes []string
	for _, task := range plan.Tasks {
		if failed[task.ID] {
			notes = append(notes, fmt.Sprintf("%q failed", task.Description))
		} else if completed[task.ID] {
			notes = append(notes, fmt.Sprintf("%q is already done", task.Description))
		}
	}
	request := plan.Request
	if len(notes) > 0 {
		request += "\nProgress so far: " + strings.Join(notes, "; ") + ". Plan only the remaining work."
	}
	return e.planner.Plan(ctx, request)
}

func (e *WorkflowExecutor) saveState(plan *planner.TaskPlan, state *State, completed, failed map[string]bool) {
	if e.store == nil {
		return
	}
	state.PlanID = plan.ID
	state.OriginalRequest = plan.Request
	state.CompletedTasks = sortedKeys(completed)
	state.FailedTasks = sortedKeys(failed)
	if data, err := json.Marshal(plan); err == nil {
		var raw map[string]interface{}
		if json.Unmarshal(data, &raw) == nil {
			state.Context["plan"] = raw
		}
	}
	if err := e.store.Save(state); err != nil {
		e.logger.Warn("failed to persist workflow state", map[string]interface{}{"error": err.Error()})
		return
	}
	e.logger.StateSaved(state.PlanID, len(state.CompletedTasks))
}

// stateForPlan starts a fresh state after a replan, keeping accumulated
// task outputs.
func (e *WorkflowExecutor) stateForPlan(plan *planner.TaskPlan, old *State) *State {
	return &State{
		PlanID:          plan.ID,
		OriginalRequest: plan.Request,
		Context:         old.Context,
	}
}

func (e *WorkflowExecutor) finish(result *Result, completed, failed map[string]bool, replans int) *Result {
	result.Completed = sortedKeys(completed)
	result.Failed = sortedKeys(failed)
	result.Replans = replans
	return result
}

// planFromState rebuilds the plan embedded in a persisted state.
func planFromState(state *State) (*planner.TaskPlan, error) {
	raw, ok := state.Context["plan"]
	if !ok {
		return nil, fmt.Errorf("state for plan %s carries no plan", state.PlanID)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode stored plan: %w", err)
	}
	var plan planner.TaskPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to decode stored plan: %w", err)
	}
	if len(plan.Tasks) == 0 {
		return nil, fmt.Errorf("stored plan %s has no tasks", state.PlanID)
	}
	return &plan, nil
}

func pendingTasks(plan *planner.TaskPlan, completed, failed map[string]bool) []planner.SubTask {
	var out []planner.SubTask
	for _, task := range plan.Tasks {
		if !completed[task.ID] && !failed[task.ID] {
			out = append(out, task)
		}
	}
	return out
}

func missingDeps(task planner.SubTask, completed map[string]bool) []string {
	var out []string
	for _, dep := range task.Dependencies {
		if !completed[dep] {
			out = append(out, dep)
		}
	}
	return out
}

func taskIDs(tasks []planner.SubTask) []string {
	ids := make([]string, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
	}
	return ids
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	// Deterministic order keeps persisted state diffable.
	sort.Strings(out)
	return out
}
