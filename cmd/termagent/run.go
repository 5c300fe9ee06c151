package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/openclaw/termagent/internal/llm"
	"github.com/openclaw/termagent/internal/loop"
	"github.com/openclaw/termagent/internal/perception"
	"github.com/openclaw/termagent/internal/router"
	"github.com/openclaw/termagent/internal/session"
	"github.com/openclaw/termagent/internal/tools"
	"github.com/openclaw/termagent/internal/trace"
)

// Run handles a request end to end: route it, then dispatch to the
// matching handler.
func (c *RunCmd) Run(rt *runtime) error {
	request := strings.TrimSpace(strings.Join(c.Request, " "))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The router degrades to pure heuristics when no provider is
	// configured, so a missing API key only blocks model-backed routes.
	provider, providerErr := rt.provider()

	rtr, err := rt.newRouter(provider)
	if err != nil {
		return err
	}

	if c.Watch {
		if err := rt.startWatchers(ctx); err != nil {
			return err
		}
	}

	decision := rtr.Route(ctx, request)
	switch decision.Route {
	case router.RouteBlocked:
		return fmt.Errorf("refusing to run: %s", decision.Reason)

	case router.RouteUnclear:
		fmt.Println("I need more to go on. Try one of:")
		for _, s := range decision.Suggestions {
			fmt.Printf("  - %s\n", s)
		}
		return nil

	case router.RouteTerminal:
		return rt.runTerminal(ctx, decision.Command)

	case router.RoutePipeline:
		if providerErr != nil {
			rt.logger.Warn("running pipeline without a model", map[string]interface{}{"error": providerErr.Error()})
		}
		pipeline, err := rtr.Pipeline(decision.Pipeline)
		if err != nil {
			return err
		}
		return rt.runPipeline(ctx, provider, pipeline)

	case router.RouteResume:
		if providerErr != nil {
			return providerErr
		}
		return rt.resumeWorkflow(ctx, provider, "")

	case router.RouteWorkflow:
		if providerErr != nil {
			return providerErr
		}
		return rt.runWorkflow(ctx, provider, request)

	default: // RouteLoop
		if providerErr != nil {
			return providerErr
		}
		return rt.runLoop(ctx, provider, request)
	}
}

// startWatchers begins filesystem and git watching for the workspace.
// Changes go to stderr and to any sinks registered later (the loop's
// short-term memory, for model-backed runs).
func (rt *runtime) startWatchers(ctx context.Context) error {
	rt.addChangeSink(func(change perception.Change) {
		fmt.Fprintf(os.Stderr, "  ~ %s %s\n", change.Op, change.Path)
	})

	debounce := time.Duration(rt.cfg.Perception.DebounceMS) * time.Millisecond
	watcher, err := perception.NewWatcher(rt.cfg.Agent.Workspace, debounce, rt.notifyChange, rt.logger)
	if err != nil {
		return err
	}
	for _, path := range rt.cfg.Perception.Paths {
		if err := watcher.Add(path); err != nil {
			rt.logger.Warn("cannot watch path", map[string]interface{}{"path": path, "error": err.Error()})
		}
	}
	go watcher.Run(ctx)

	// Not every workspace is a git repository.
	if gw, err := perception.NewGitWatcher(rt.cfg.Agent.Workspace, 0, rt.notifyChange, rt.logger); err == nil {
		go gw.Run(ctx)
	}
	return nil
}

// runTerminal runs a literal shell command through the terminal tool.
func (rt *runtime) runTerminal(ctx context.Context, command string) error {
	tool, ok := rt.registry.Get("terminal_cmd")
	if !ok {
		return fmt.Errorf("terminal tool not registered")
	}
	out, err := tool.Execute(ctx, map[string]interface{}{"command": command})
	if err != nil {
		return err
	}
	res, ok := out.(*tools.ExecResult)
	if !ok {
		fmt.Println(out)
		return nil
	}
	if res.Stdout != "" {
		fmt.Print(res.Stdout)
	}
	if res.Stderr != "" {
		fmt.Fprint(os.Stderr, res.Stderr)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("exit status %d", res.ExitCode)
	}
	return nil
}

// runPipeline executes a named pipeline.
func (rt *runtime) runPipeline(ctx context.Context, provider llm.Provider, pipeline router.Pipeline) error {
	fmt.Fprintf(os.Stderr, "Running pipeline: %s\n", pipeline.Name)

	runner := router.NewPipelineRunner(rt.registry, provider, rt.logger)
	res, err := runner.Run(ctx, pipeline)
	for _, step := range res.Steps {
		status := "ok"
		if step.Err != nil {
			status = "failed"
		}
		fmt.Fprintf(os.Stderr, "  %-12s %s\n", step.Tool, status)
	}
	if err != nil {
		return err
	}
	if res.Message != "" {
		fmt.Println(res.Message)
	}
	return nil
}

// runWorkflow plans and executes a composite request.
func (rt *runtime) runWorkflow(ctx context.Context, provider llm.Provider, request string) error {
	plan, err := rt.newPlanner(provider).Plan(ctx, request)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Plan %s: %d tasks\n", plan.ID, len(plan.Tasks))
	for _, task := range plan.Tasks {
		fmt.Fprintf(os.Stderr, "  %-8s %-14s %s\n", task.ID, task.Type, task.Description)
	}

	res, err := rt.newWorkflowExecutor(provider).Execute(ctx, plan)
	if err != nil {
		return err
	}
	return rt.printWorkflowResult(res.Completed, res.Failed, res.Replans, res.Err)
}

func (rt *runtime) printWorkflowResult(completed, failed []string, replans int, resErr error) error {
	fmt.Fprintf(os.Stderr, "\nCompleted %d task(s)", len(completed))
	if replans > 0 {
		fmt.Fprintf(os.Stderr, " after %d replan(s)", replans)
	}
	fmt.Fprintln(os.Stderr)
	if len(failed) > 0 {
		fmt.Fprintf(os.Stderr, "Failed: %s\n", strings.Join(failed, ", "))
	}
	if resErr != nil {
		return resErr
	}
	return nil
}

// runLoop handles a single-run request with trace recording and session
// logging.
func (rt *runtime) runLoop(ctx context.Context, provider llm.Provider, request string) error {
	rec, err := rt.traces.StartRun(request, rt.cfg.LLM.Model)
	if err != nil {
		return err
	}

	var sess *session.Session
	if rt.sessions != nil {
		sess, _ = rt.sessions.Create(request, "loop")
	}

	cl := rt.newControlLoop(provider)
	rt.addChangeSink(func(change perception.Change) {
		cl.Observe(fmt.Sprintf("%s %s", change.Op, change.Path))
	})
	cl.SetCallbacks(loop.Callbacks{
		OnDecision: func(d *loop.Decision) {
			rec.RecordStep(trace.Step{Kind: "decision", Tool: d.Tool})
			if sess != nil {
				sess.AddEvent(session.Event{Type: "decision", Tool: d.Tool, Input: d.Input})
			}
		},
		OnToolResult: func(res *loop.StepResult) {
			kind := "tool"
			if res.Overridden {
				kind = "override"
			}
			step := trace.Step{Kind: kind, Tool: res.Tool, Input: res.Input, Output: res.Output}
			event := session.Event{Type: kind, Tool: res.Tool, Content: res.Output}
			if res.Err != nil {
				step.Error = res.Err.Error()
				event.Error = res.Err.Error()
			}
			rec.RecordStep(step)
			if sess != nil {
				sess.AddEvent(event)
			}
		},
	})

	res, runErr := cl.Run(ctx, request)

	status := "finished"
	answer := res.Answer
	if res.State == loop.StateFailed {
		status = "failed"
		if res.Err != nil {
			answer = res.Err.Error()
		}
	}
	rec.RecordStep(trace.Step{Kind: "finish", Output: answer})
	rec.Finish(status, answer, res.Calls)
	if keep := rt.cfg.Storage.MaxRuns; keep > 0 {
		rt.traces.CleanupOld(keep)
	}

	if sess != nil {
		sess.Status = session.StatusFinished
		if res.State == loop.StateFailed {
			sess.Status = session.StatusFailed
			if res.Err != nil {
				sess.Error = res.Err.Error()
			}
		}
		sess.Result = res.Answer
		sess.Calls = res.Calls
		rt.sessions.Update(sess)
	}

	if runErr != nil {
		return runErr
	}
	if res.Clarification != "" {
		fmt.Println(res.Clarification)
		for _, s := range res.Suggestions {
			fmt.Printf("  - %s\n", s)
		}
		return nil
	}
	fmt.Println(res.Answer)
	return nil
}

// Run plans a request and prints the plan without executing anything.
func (c *PlanCmd) Run(rt *runtime) error {
	provider, err := rt.provider()
	if err != nil {
		return err
	}
	request := strings.TrimSpace(strings.Join(c.Request, " "))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	plan, err := rt.newPlanner(provider).Plan(ctx, request)
	if err != nil {
		return err
	}

	source := "model"
	if plan.Heuristic {
		source = "heuristic"
	}
	fmt.Printf("Plan %s (%s)\n", plan.ID, source)
	for _, task := range plan.Tasks {
		deps := ""
		if len(task.Dependencies) > 0 {
			deps = " <- " + strings.Join(task.Dependencies, ", ")
		}
		fmt.Printf("  %-8s %-14s %s%s\n", task.ID, task.Type, task.Description, deps)
	}
	return nil
}
