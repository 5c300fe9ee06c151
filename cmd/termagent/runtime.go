package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openclaw/termagent/internal/config"
	"github.com/openclaw/termagent/internal/llm"
	"github.com/openclaw/termagent/internal/logging"
	"github.com/openclaw/termagent/internal/loop"
	"github.com/openclaw/termagent/internal/perception"
	"github.com/openclaw/termagent/internal/planner"
	"github.com/openclaw/termagent/internal/router"
	"github.com/openclaw/termagent/internal/session"
	"github.com/openclaw/termagent/internal/telemetry"
	"github.com/openclaw/termagent/internal/tools"
	"github.com/openclaw/termagent/internal/trace"
	"github.com/openclaw/termagent/internal/workflow"
)

// runtime wires the assistant's components for one CLI invocation.
// The LLM provider is created lazily so commands that never talk to a
// model (replay, runs, version) work without an API key.
type runtime struct {
	cli      *CLI
	cfg      *config.Config
	logger   *logging.Logger
	policy   *tools.Policy
	registry *tools.Registry

	traces   *trace.Store
	wfStore  *workflow.Store
	sessions *session.SQLiteManager // nil when session logging is off

	providerOnce sync.Once
	providerVal  llm.Provider
	providerErr  error

	sinkMu      sync.Mutex
	changeSinks []perception.ChangeHandler
}

// addChangeSink registers a consumer of workspace change events.
func (rt *runtime) addChangeSink(h perception.ChangeHandler) {
	rt.sinkMu.Lock()
	rt.changeSinks = append(rt.changeSinks, h)
	rt.sinkMu.Unlock()
}

// notifyChange fans a change event out to every registered sink.
func (rt *runtime) notifyChange(change perception.Change) {
	rt.sinkMu.Lock()
	sinks := make([]perception.ChangeHandler, len(rt.changeSinks))
	copy(sinks, rt.changeSinks)
	rt.sinkMu.Unlock()
	for _, sink := range sinks {
		sink(change)
	}
}

func newRuntime(cli *CLI) (*runtime, error) {
	var cfg *config.Config
	var err error
	if cli.Config != "" {
		cfg, err = config.LoadFile(cli.Config)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}

	if cli.Model != "" {
		cfg.LLM.Model = cli.Model
		cfg.LLM.Provider = "" // re-infer from the override
	}
	if cli.Workspace != "" {
		cfg.Agent.Workspace = cli.Workspace
	}
	if cfg.Agent.Workspace == "" {
		cfg.Agent.Workspace, _ = os.Getwd()
	}
	if !filepath.IsAbs(cfg.Agent.Workspace) {
		cfg.Agent.Workspace, _ = filepath.Abs(cfg.Agent.Workspace)
	}

	logger := logging.New()
	logger.SetOutput(os.Stderr)
	if cli.Verbose {
		logger.SetLevel(logging.LevelDebug)
		telemetry.SetDebug(true)
	}

	storagePath := cfg.StoragePath()
	if err := os.MkdirAll(storagePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	traces, err := trace.NewStore(cfg.RunsDir())
	if err != nil {
		return nil, err
	}
	wfStore, err := workflow.NewStore(cfg.WorkflowStateDir())
	if err != nil {
		return nil, err
	}

	var sessions *session.SQLiteManager
	if cfg.Storage.SessionLog {
		sessions, err = session.NewSQLiteManager(filepath.Join(storagePath, "sessions.db"))
		if err != nil {
			logger.Warn("session log unavailable", map[string]interface{}{"error": err.Error()})
			sessions = nil
		}
	}

	policy := tools.NewPolicy()
	registry := tools.NewBuiltinRegistry(cfg.Agent.Workspace, policy)

	return &runtime{
		cli:      cli,
		cfg:      cfg,
		logger:   logger,
		policy:   policy,
		registry: registry,
		traces:   traces,
		wfStore:  wfStore,
		sessions: sessions,
	}, nil
}

// Close releases runtime resources.
func (rt *runtime) Close() {
	if rt.sessions != nil {
		rt.sessions.Close()
	}
}

// provider builds the configured LLM provider on first use.
func (rt *runtime) provider() (llm.Provider, error) {
	rt.providerOnce.Do(func() {
		if rt.cfg.LLM.Model == "" {
			rt.providerErr = fmt.Errorf("no model configured; set llm.model in termagent.toml or pass --model")
			return
		}
		retry := llm.RetryConfig{MaxRetries: rt.cfg.LLM.MaxRetries}
		if rt.cfg.LLM.RetryBackoff != "" {
			if d, err := time.ParseDuration(rt.cfg.LLM.RetryBackoff); err == nil {
				retry.MaxBackoff = d
			}
		}
		rt.providerVal, rt.providerErr = llm.NewProvider(llm.Config{
			Provider:  rt.cfg.LLM.Provider,
			Model:     rt.cfg.LLM.Model,
			APIKey:    rt.cfg.GetAPIKey(),
			BaseURL:   rt.cfg.LLM.BaseURL,
			MaxTokens: rt.cfg.LLM.MaxTokens,
			Retry:     retry,
		})
	})
	return rt.providerVal, rt.providerErr
}

// newControlLoop builds a fresh control loop with the configured guard
// ceilings. Each loop owns its own tracker and memory so concurrent
// workflow tasks never share run state.
func (rt *runtime) newControlLoop(provider llm.Provider) *loop.ControlLoop {
	limits := rt.cfg.Limits
	tracker := loop.NewCallTracker(loop.TrackerConfig{
		MaxConsecutive:      limits.MaxConsecutiveCalls,
		MaxTotal:            limits.MaxTotalCalls,
		Window:              limits.RepetitionWindow,
		RepetitionThreshold: limits.RepetitionThreshold,
		BurstCalls:          limits.BurstCalls,
		BurstWindow:         time.Duration(limits.BurstWindowMS) * time.Millisecond,
	})
	memory := loop.NewShortTermMemory(limits.MemorySize)

	decision := loop.NewDecisionStep(provider, rt.registry, rt.logger)
	execution := loop.NewExecutionStep(rt.registry, tracker, memory, loop.ExecPolicy{
		StatusCheckTool: rt.cfg.Workflow.StatusCheckTool,
		SuggestedNext: map[string]string{
			"git_status": "git_commit",
			"git_add":    "git_status",
			"write_file": "read_file",
			"edit_file":  "read_file",
		},
	}, rt.logger)

	return loop.NewControlLoop(decision, execution, tracker, memory, rt.registry, rt.logger)
}

// newPlanner builds a task planner.
func (rt *runtime) newPlanner(provider llm.Provider) *planner.Planner {
	return planner.New(provider, rt.logger)
}

// newRouter builds the request router with the configured pipelines.
func (rt *runtime) newRouter(provider llm.Provider) (*router.Router, error) {
	pipelinesFile := rt.cfg.Pipelines.File
	if pipelinesFile == "" {
		pipelinesFile = filepath.Join(rt.cfg.Agent.Workspace, "pipelines.yaml")
	}
	pipelines, err := router.LoadPipelines(pipelinesFile)
	if err != nil {
		return nil, err
	}
	return router.New(provider, rt.policy, pipelines, rt.logger), nil
}

// newWorkflowExecutor builds the workflow executor. Task output feeds
// back through a per-task control loop.
func (rt *runtime) newWorkflowExecutor(provider llm.Provider) *workflow.WorkflowExecutor {
	runner := workflow.RunnerFunc(func(ctx context.Context, task planner.SubTask) (string, error) {
		return rt.runTask(ctx, provider, task)
	})
	return workflow.NewExecutor(rt.newPlanner(provider), runner, rt.wfStore, workflow.Config{
		MaxReplans: rt.cfg.Workflow.MaxReplans,
		Strict:     rt.cfg.Workflow.Postconditions == "strict",
		Workspace:  rt.cfg.Agent.Workspace,
	}, rt.logger)
}

// runTask executes one workflow subtask through its own control loop.
func (rt *runtime) runTask(ctx context.Context, provider llm.Provider, task planner.SubTask) (string, error) {
	request := task.Description
	for key, value := range task.Parameters {
		request += fmt.Sprintf("\n%s: %v", key, value)
	}

	res, err := rt.newControlLoop(provider).Run(ctx, request)
	if err != nil {
		return "", err
	}
	if res.Clarification != "" {
		return "", fmt.Errorf("task needs clarification: %s", res.Clarification)
	}
	return res.Answer, nil
}
