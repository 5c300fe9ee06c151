package router

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openclaw/termagent/internal/llm"
	"github.com/openclaw/termagent/internal/logging"
	"github.com/openclaw/termagent/internal/tools"
)

// PipelineStep is one tool invocation in a pipeline.
type PipelineStep struct {
	Tool  string                 `yaml:"tool"`
	Input map[string]interface{} `yaml:"input,omitempty"`
	// MustSucceed aborts the pipeline when the step's command exits
	// non-zero. Tool errors always abort.
	MustSucceed bool `yaml:"must_succeed,omitempty"`
}

// Pipeline is a named, fixed sequence of tool invocations.
type Pipeline struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	Steps       []PipelineStep `yaml:"steps"`
}

// pipelineFile is the YAML document shape.
type pipelineFile struct {
	Pipelines []Pipeline `yaml:"pipelines"`
}

// generatedMessage marks a git_commit message slot the runner should fill
// from the staged diff.
const generatedMessage = "{generated}"

// DefaultPipelines returns the built-in pipelines.
func DefaultPipelines() map[string]Pipeline {
	return map[string]Pipeline{
		"commit_with_tests": {
			Name:        "commit_with_tests",
			Description: "Run the tests, stage everything, and commit with a generated message",
			Steps: []PipelineStep{
				{Tool: "run_tests", MustSucceed: true},
				{Tool: "git_add"},
				{Tool: "git_commit", Input: map[string]interface{}{"message": generatedMessage}},
			},
		},
		"message_with_tests": {
			Name:        "message_with_tests",
			Description: "Run the tests and propose a commit message without committing",
			Steps: []PipelineStep{
				{Tool: "run_tests", MustSucceed: true},
				{Tool: "git_diff"},
			},
		},
	}
}

// LoadPipelines reads pipeline definitions from a YAML file and merges
// them over the defaults. A missing file yields just the defaults.
func LoadPipelines(path string) (map[string]Pipeline, error) {
	pipelines := DefaultPipelines()
	if path == "" {
		return pipelines, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return pipelines, nil
		}
		return nil, fmt.Errorf("failed to read pipelines file: %w", err)
	}

	var file pipelineFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse pipelines file: %w", err)
	}
	for _, p := range file.Pipelines {
		if p.Name == "" {
			return nil, fmt.Errorf("pipeline without a name")
		}
		if len(p.Steps) == 0 {
			return nil, fmt.Errorf("pipeline %q has no steps", p.Name)
		}
		pipelines[p.Name] = p
	}
	return pipelines, nil
}

// StepOutcome records one executed pipeline step.
type StepOutcome struct {
	Tool   string
	Output string
	Err    error
}

// PipelineResult summarizes a pipeline run.
type PipelineResult struct {
	Pipeline string
	Steps    []StepOutcome
	// Message is the generated commit message, when one was produced.
	Message string
	Aborted bool
}

// PipelineRunner executes pipelines against a tool registry, generating
// commit messages from the diff when a step asks for one.
type PipelineRunner struct {
	registry *tools.Registry
	provider llm.Provider
	logger   *logging.Logger
}

// NewPipelineRunner creates a runner. The provider may be nil; generated
// commit messages then fall back to a fixed summary line.
func NewPipelineRunner(registry *tools.Registry, provider llm.Provider, logger *logging.Logger) *PipelineRunner {
	if logger == nil {
		logger = logging.New()
	}
	return &PipelineRunner{
		registry: registry,
		provider: provider,
		logger:   logger.WithComponent("pipeline"),
	}
}

// Run executes the pipeline step by step, stopping at the first tool
// error or failed must-succeed step.
func (r *PipelineRunner) Run(ctx context.Context, p Pipeline) (*PipelineResult, error) {
	result := &PipelineResult{Pipeline: p.Name}

	for _, step := range p.Steps {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		input := cloneInput(step.Input)
		if step.Tool == "git_commit" && input["message"] == generatedMessage {
			msg, err := r.generateCommitMessage(ctx)
			if err != nil {
				result.Aborted = true
				result.Steps = append(result.Steps, StepOutcome{Tool: step.Tool, Err: err})
				return result, err
			}
			input["message"] = msg
			result.Message = msg
		}

		tool, ok := r.registry.Get(step.Tool)
		if !ok {
			err := fmt.Errorf("pipeline %q references unknown tool %q", p.Name, step.Tool)
			result.Aborted = true
			return result, err
		}

		r.logger.ToolCall(step.Tool)
		out, err := tool.Execute(ctx, input)
		outcome := StepOutcome{Tool: step.Tool, Output: stringifyOutput(out), Err: err}
		result.Steps = append(result.Steps, outcome)

		if err != nil {
			result.Aborted = true
			return result, fmt.Errorf("pipeline %q step %q failed: %w", p.Name, step.Tool, err)
		}
		if step.MustSucceed {
			if exec, ok := out.(*tools.ExecResult); ok && exec.ExitCode != 0 {
				result.Aborted = true
				return result, fmt.Errorf("pipeline %q aborted: %q exited with %d", p.Name, step.Tool, exec.ExitCode)
			}
		}
	}
	return result, nil
}

// generateCommitMessage builds a conventional commit subject line from
// the staged diff.
func (r *PipelineRunner) generateCommitMessage(ctx context.Context) (string, error) {
	diff := r.stagedDiff(ctx)
	if r.provider == nil {
		return "chore: update working tree", nil
	}

	resp, err := r.provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: commitMessagePrompt},
			{Role: "user", Content: "Diff:\n" + diff},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate commit message: %w", err)
	}

	msg := tools.NormalizeCommitMessage(llm.Sanitize(resp.Content))
	if strings.TrimSpace(msg) == "" {
		msg = "chore: update working tree"
	}
	return msg, nil
}

const commitMessagePrompt = `Write a conventional commit subject line for this diff.
One line, at most 72 characters, in the form type(scope): summary.
Respond with only the subject line.`

func (r *PipelineRunner) stagedDiff(ctx context.Context) string {
	tool, ok := r.registry.Get("git_diff")
	if !ok {
		return ""
	}
	out, err := tool.Execute(ctx, map[string]interface{}{"staged": true})
	if err != nil {
		return ""
	}
	return stringifyOutput(out)
}

func stringifyOutput(out interface{}) string {
	switch v := out.(type) {
	case nil:
		return ""
	case string:
		return v
	case *tools.ExecResult:
		return v.Stdout
	default:
		return fmt.Sprintf("%v", v)
	}
}

func cloneInput(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
