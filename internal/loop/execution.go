package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openclaw/termagent/internal/logging"
	"github.com/openclaw/termagent/internal/tools"
)

// StepResult is the outcome of executing one decision.
type StepResult struct {
	Tool           string
	Input          string // canonical input
	Output         string
	Err            *TaskError
	Verdict        Verdict
	Overridden     bool
	OverrideReason string
	Finished       bool   // the step decided the run is over
	FinalAnswer    string // set when Finished
}

// ExecPolicy configures the override behavior when the tracker flags a call.
type ExecPolicy struct {
	StatusCheckTool string            // redirect target for a flagged, already-seen input
	SuggestedNext   map[string]string // per-tool redirect on a flagged call
}

// ExecutionStep runs decided tool calls, guarded by the tracker and memory.
type ExecutionStep struct {
	registry *tools.Registry
	tracker  *CallTracker
	memory   *ShortTermMemory
	policy   ExecPolicy
	logger   *logging.Logger

	redirected bool // at most one redirect per run
}

// NewExecutionStep creates an execution step.
func NewExecutionStep(registry *tools.Registry, tracker *CallTracker, memory *ShortTermMemory, policy ExecPolicy, logger *logging.Logger) *ExecutionStep {
	if logger == nil {
		logger = logging.New()
	}
	return &ExecutionStep{
		registry: registry,
		tracker:  tracker,
		memory:   memory,
		policy:   policy,
		logger:   logger.WithComponent("exec"),
	}
}

// Reset clears per-run state. Safe to call repeatedly.
func (e *ExecutionStep) Reset() {
	e.redirected = false
}

// Execute runs the decided tool call, applying override policies when the
// tracker flags the call.
func (e *ExecutionStep) Execute(ctx context.Context, d *Decision) *StepResult {
	input := CanonicalInput(d.Input)
	res := &StepResult{Tool: d.Tool, Input: input}

	// Frequency is read before the call is recorded, so it counts prior
	// attempts only.
	priorAttempts := e.memory.InputFrequency(input)
	seen := priorAttempts > 0

	res.Verdict = e.tracker.Record(d.Tool, input)
	switch res.Verdict {
	case VerdictOK:
		e.run(ctx, d.Tool, d.Input, res)
		return res

	case VerdictTotalLimit:
		e.logger.LoopDetected(res.Verdict.String(), d.Tool, e.tracker.TotalCalls())
		res.Finished = true
		res.FinalAnswer = e.bestEffortAnswer("the call budget is exhausted")
		res.Err = NewTaskError(KindLoopDetected, "execute",
			fmt.Errorf("total call ceiling reached"))
		return res

	default:
		e.logger.LoopDetected(res.Verdict.String(), d.Tool, e.tracker.TotalCalls())
		return e.override(ctx, d, seen, res)
	}
}

// override applies the loop-break policies, in order: a flagged status
// check answered from its last known result, one redirect to the
// status-check tool for an input we have already seen, one redirect to a
// configured follow-up tool, otherwise a synthesized best-effort finish.
func (e *ExecutionStep) override(ctx context.Context, d *Decision, seen bool, res *StepResult) *StepResult {
	// A repeated status check whose result we already hold never needs
	// another model round-trip: a clean state concludes the run, a dirty
	// one moves on to the configured follow-up (typically committing).
	if seen && d.Tool == e.policy.StatusCheckTool && e.policy.StatusCheckTool != "" {
		last := e.memory.LastOutput(d.Tool)
		if isCleanStatus(last) {
			res.Overridden = true
			res.OverrideReason = "state already known to be clean"
			res.Finished = true
			res.FinalAnswer = fmt.Sprintf("Nothing left to do; the last check reported a clean state:\n%s", last)
			return res
		}
		if next, ok := e.policy.SuggestedNext[d.Tool]; ok && !e.redirected {
			if _, registered := e.registry.Get(next); registered {
				e.redirected = true
				res.Overridden = true
				res.OverrideReason = fmt.Sprintf("state is dirty; moving from %s to %s", d.Tool, next)
				e.run(ctx, next, d.Input, res)
				return res
			}
		}
	}

	if !e.redirected && seen && e.policy.StatusCheckTool != "" && d.Tool != e.policy.StatusCheckTool {
		if _, ok := e.registry.Get(e.policy.StatusCheckTool); ok {
			e.redirected = true
			res.Overridden = true
			res.OverrideReason = "repeated input; checking current state instead"
			e.run(ctx, e.policy.StatusCheckTool, map[string]interface{}{}, res)
			return res
		}
	}

	if next, ok := e.policy.SuggestedNext[d.Tool]; ok && !e.redirected {
		if _, registered := e.registry.Get(next); registered {
			e.redirected = true
			res.Overridden = true
			res.OverrideReason = fmt.Sprintf("redirected from %s to %s", d.Tool, next)
			e.run(ctx, next, d.Input, res)
			return res
		}
	}

	res.Finished = true
	res.FinalAnswer = e.bestEffortAnswer("a repetition loop was detected")
	res.Err = NewTaskError(KindLoopDetected, "execute",
		fmt.Errorf("tool %s flagged: %s", d.Tool, res.Verdict))
	return res
}

// isCleanStatus reports whether a status-check output describes a state
// with nothing pending.
func isCleanStatus(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "working tree clean") ||
		strings.Contains(lower, "nothing to commit") ||
		strings.Contains(lower, "up to date")
}

// run executes a tool and records the interaction in memory.
func (e *ExecutionStep) run(ctx context.Context, tool string, args map[string]interface{}, res *StepResult) {
	t, ok := e.registry.Get(tool)
	if !ok {
		res.Err = NewTaskError(KindCommandNotFound, "execute",
			fmt.Errorf("tool %q is not registered", tool))
		return
	}

	res.Tool = tool
	input := CanonicalInput(args)

	e.logger.ToolCall(tool)
	start := time.Now()
	out, err := t.Execute(ctx, args)
	e.logger.ToolResult(tool, time.Since(start), err)

	if err != nil {
		res.Err = Classify("execute "+tool, err)
		e.memory.Add(input, "ERROR: "+err.Error(), tool)
		return
	}

	res.Output = Stringify(out)
	e.memory.Add(input, res.Output, tool)
}

// bestEffortAnswer summarizes what was accomplished before stopping.
func (e *ExecutionStep) bestEffortAnswer(reason string) string {
	summary := e.memory.Summary(5)
	if summary == "" {
		return fmt.Sprintf("Stopped because %s, before any tool produced results.", reason)
	}
	return fmt.Sprintf("Stopped because %s. Based on what ran so far:\n%s", reason, summary)
}

// CanonicalInput renders tool arguments deterministically so equal inputs
// compare equal. encoding/json sorts map keys.
func CanonicalInput(args map[string]interface{}) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(data)
}

// Stringify renders a tool result for the transcript and memory.
func Stringify(v interface{}) string {
	switch out := v.(type) {
	case nil:
		return ""
	case string:
		return out
	case *tools.ExecResult:
		s := out.Stdout
		if out.Stderr != "" {
			if s != "" {
				s += "\n"
			}
			s += out.Stderr
		}
		if out.ExitCode != 0 {
			s += fmt.Sprintf("\n(exit code %d)", out.ExitCode)
		}
		return s
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
