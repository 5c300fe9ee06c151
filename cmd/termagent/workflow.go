package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/openclaw/termagent/internal/llm"
)

// Run lists workflows that still have pending tasks.
func (c *WorkflowListCmd) Run(rt *runtime) error {
	executor := rt.newWorkflowExecutor(nil)
	states, err := executor.ListActive()
	if err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Println("No interrupted workflows.")
		return nil
	}
	for _, state := range states {
		fmt.Printf("%-20s %s  (%d done, %d failed)  %s\n",
			state.PlanID,
			state.Timestamp.Format("2006-01-02 15:04"),
			len(state.CompletedTasks), len(state.FailedTasks),
			truncateRequest(state.OriginalRequest, 60))
	}
	return nil
}

// Run resumes an interrupted workflow, defaulting to the newest one.
func (c *WorkflowResumeCmd) Run(rt *runtime) error {
	provider, err := rt.provider()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return rt.resumeWorkflow(ctx, provider, c.PlanID)
}

// Run shows the persisted state of one workflow.
func (c *WorkflowStatusCmd) Run(rt *runtime) error {
	state, err := rt.wfStore.Load(c.PlanID)
	if err != nil {
		return err
	}
	fmt.Printf("Plan:      %s\n", state.PlanID)
	fmt.Printf("Request:   %s\n", state.OriginalRequest)
	fmt.Printf("Saved:     %s\n", state.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Printf("Completed: %s\n", listOrNone(state.CompletedTasks))
	fmt.Printf("Failed:    %s\n", listOrNone(state.FailedTasks))
	return nil
}

// resumeWorkflow continues an interrupted workflow. An empty planID
// picks the most recently saved one.
func (rt *runtime) resumeWorkflow(ctx context.Context, provider llm.Provider, planID string) error {
	executor := rt.newWorkflowExecutor(provider)

	if planID == "" {
		states, err := executor.ListActive()
		if err != nil {
			return err
		}
		if len(states) == 0 {
			return fmt.Errorf("no interrupted workflows to resume")
		}
		planID = states[0].PlanID
	}

	fmt.Fprintf(os.Stderr, "Resuming workflow %s\n", planID)
	res, err := executor.Resume(ctx, planID)
	if err != nil {
		return err
	}
	return rt.printWorkflowResult(res.Completed, res.Failed, res.Replans, res.Err)
}

func listOrNone(ids []string) string {
	if len(ids) == 0 {
		return "(none)"
	}
	return strings.Join(ids, ", ")
}

func truncateRequest(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
