package loop

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/openclaw/termagent/internal/llm"
	"github.com/openclaw/termagent/internal/logging"
	"github.com/openclaw/termagent/internal/telemetry"
	"github.com/openclaw/termagent/internal/tools"
)

// State is the control loop state.
type State int

const (
	StateDeciding State = iota
	StateExecuting
	StateFinished
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateExecuting:
		return "executing"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return "deciding"
	}
}

// Result is the outcome of a control-loop run.
type Result struct {
	State         State
	Answer        string
	Calls         int
	Clarification string
	Suggestions   []string
	Err           *TaskError
}

// Callbacks let callers observe the run without coupling the loop to
// storage backends.
type Callbacks struct {
	OnDecision   func(d *Decision)
	OnToolResult func(res *StepResult)
}

// ControlLoop drives the decide/execute cycle for a single request.
type ControlLoop struct {
	decision  *DecisionStep
	execution *ExecutionStep
	tracker   *CallTracker
	memory    *ShortTermMemory
	registry  *tools.Registry
	logger    *logging.Logger
	callbacks Callbacks
	maxCalls  int
}

// NewControlLoop wires a control loop from its parts.
func NewControlLoop(decision *DecisionStep, execution *ExecutionStep, tracker *CallTracker, memory *ShortTermMemory, registry *tools.Registry, logger *logging.Logger) *ControlLoop {
	if logger == nil {
		logger = logging.New()
	}
	return &ControlLoop{
		decision:  decision,
		execution: execution,
		tracker:   tracker,
		memory:    memory,
		registry:  registry,
		logger:    logger.WithComponent("loop"),
		maxCalls:  DefaultTrackerConfig().MaxTotal,
	}
}

// SetCallbacks installs run observers.
func (c *ControlLoop) SetCallbacks(cb Callbacks) {
	c.callbacks = cb
}

// Observe records an out-of-band note (a workspace file change, a git
// ref update) into short-term memory so it can inform a synthesized
// answer. Safe to call while Run is in progress.
func (c *ControlLoop) Observe(note string) {
	c.memory.Add("observation", note, "perception")
}

// Run executes the loop for one request. It always terminates: tool
// executions are bounded by the tracker's total ceiling and every
// non-tool decision is terminal.
func (c *ControlLoop) Run(ctx context.Context, request string) (*Result, error) {
	ctx, span := telemetry.GetTracer().StartSpan(ctx, "loop.run")
	defer span.End()

	start := time.Now()
	c.logger.RunStart(request)

	messages := []llm.Message{
		{Role: "system", Content: c.buildSystemPrompt()},
		{Role: "user", Content: request},
	}

	for {
		if err := ctx.Err(); err != nil {
			return c.terminate(StateFailed, &Result{
				Err: NewTaskError(KindExecution, "run", err),
			}, start, span)
		}

		d, err := c.decision.Decide(ctx, messages)
		if err != nil {
			return c.terminate(StateFailed, &Result{
				Err: Classify("decide", err),
			}, start, span)
		}
		if c.callbacks.OnDecision != nil {
			c.callbacks.OnDecision(d)
		}

		switch d.Kind {
		case ActionFinish:
			return c.terminate(StateFinished, &Result{Answer: d.Answer}, start, span)

		case ActionFail:
			if d.Err != nil && d.Err.Kind.Soft() {
				return c.terminate(StateFinished, &Result{
					Clarification: c.clarificationFor(d.Err),
					Suggestions:   c.suggestionsFor(d.Tool, d.Err),
					Err:           d.Err,
				}, start, span)
			}
			return c.terminate(StateFailed, &Result{Err: d.Err}, start, span)

		case ActionRunTool:
			res := c.execution.Execute(ctx, d)
			if c.callbacks.OnToolResult != nil {
				c.callbacks.OnToolResult(res)
			}

			if res.Finished {
				// Loop detected or budget exhausted: best-effort finish.
				return c.terminate(StateFinished, &Result{
					Answer: res.FinalAnswer,
					Err:    res.Err,
				}, start, span)
			}

			messages = append(messages, llm.Message{Role: "assistant", Content: d.Raw})
			messages = append(messages, llm.Message{Role: "user", Content: c.observation(res)})
		}
	}
}

// terminate resets per-run state and builds the final result. The resets
// are idempotent, so terminating twice is harmless.
func (c *ControlLoop) terminate(state State, res *Result, start time.Time, span telemetry.Span) (*Result, error) {
	res.State = state
	res.Calls = c.tracker.TotalCalls()

	c.tracker.Reset()
	c.memory.Reset()
	c.execution.Reset()

	span.SetAttributes(
		attribute.String("loop.state", state.String()),
		attribute.Int("loop.calls", res.Calls),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
	}

	c.logger.RunComplete(state.String(), res.Calls, time.Since(start))
	if state == StateFailed && res.Err != nil {
		return res, res.Err
	}
	return res, nil
}

// observation renders a tool result back into the transcript.
func (c *ControlLoop) observation(res *StepResult) string {
	if res.Err != nil {
		return fmt.Sprintf("Observation (%s): ERROR: %v", res.Tool, res.Err)
	}
	out := res.Output
	if out == "" {
		out = "(no output)"
	}
	if res.Overridden {
		return fmt.Sprintf("Observation (%s, %s): %s", res.Tool, res.OverrideReason, out)
	}
	return fmt.Sprintf("Observation (%s): %s", res.Tool, out)
}

// buildSystemPrompt describes the tools and the directive format.
func (c *ControlLoop) buildSystemPrompt() string {
	var b strings.Builder
	b.WriteString("You are a terminal assistant for software projects. ")
	b.WriteString("To use a tool, reply with exactly one JSON object: ")
	b.WriteString(`{"tool": "<name>", "input": {...}}. `)
	b.WriteString("When the task is done, reply with \"Final Answer:\" followed by the answer.\n\n")
	b.WriteString("Available tools:\n")
	b.WriteString(c.registry.Describe())
	return b.String()
}

// clarificationFor turns a soft failure into a user-facing question.
func (c *ControlLoop) clarificationFor(err *TaskError) string {
	switch err.Kind {
	case KindCommandNotFound:
		return fmt.Sprintf("I tried to use a tool that does not exist (%v). Could you rephrase the request?", err.Err)
	case KindParsing:
		return "I could not produce a well-formed action for that request. Could you state it more concretely?"
	case KindAmbiguousInput:
		// The decision step extracts the model's own clarification question.
		if err.Err != nil {
			return err.Err.Error()
		}
		fallthrough
	default:
		return "The request is ambiguous. Could you clarify what you want to do?"
	}
}

// suggestionsFor proposes follow-ups for a soft failure. For an unknown
// tool name the list is ranked by closeness to what was attempted.
func (c *ControlLoop) suggestionsFor(tool string, err *TaskError) []string {
	switch err.Kind {
	case KindCommandNotFound:
		return c.closeMatches(tool)
	default:
		return []string{
			"name the file or directory to act on",
			"split the request into smaller steps",
		}
	}
}

// closeMatches ranks registered tool names by edit distance to the
// attempted name and keeps plausible near-misses. Without a close match
// the full catalog is offered.
func (c *ControlLoop) closeMatches(attempted string) []string {
	names := c.registry.Names()
	attempted = strings.ToLower(attempted)

	type scored struct {
		name string
		dist int
	}
	var near []scored
	for _, name := range names {
		lower := strings.ToLower(name)
		switch {
		case attempted == "":
		case lower == attempted:
			near = append(near, scored{name, 0})
		case strings.Contains(lower, attempted) || strings.Contains(attempted, lower):
			near = append(near, scored{name, 1})
		default:
			if d := editDistance(attempted, lower); d <= 3 {
				near = append(near, scored{name, 1 + d})
			}
		}
	}
	sort.SliceStable(near, func(i, j int) bool { return near[i].dist < near[j].dist })

	out := make([]string, 0, 3)
	for _, s := range near {
		out = append(out, "use "+s.name)
		if len(out) == 3 {
			break
		}
	}
	if len(out) > 0 {
		return out
	}
	out = make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, "use "+name)
	}
	return out
}

// editDistance is the Levenshtein distance between two strings.
func editDistance(a, b string) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = minInt(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func minInt(vals ...int) int {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
