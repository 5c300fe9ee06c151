package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// ExecResult is the structured result of a shell command.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// defaultCmdTimeout bounds shell commands that the model forgot to bound.
const defaultCmdTimeout = 2 * time.Minute

// runCommand executes a shell command in the workspace.
func runCommand(ctx context.Context, workspace, command string) (*ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCmdTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if workspace != "" {
		cmd.Dir = workspace
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("command failed to start: %w", err)
	}
	return result, nil
}

type terminalCmdTool struct {
	workspace string
	policy    *Policy
}

func (t *terminalCmdTool) Name() string        { return "terminal_cmd" }
func (t *terminalCmdTool) Description() string { return "Run a shell command in the workspace" }
func (t *terminalCmdTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"command": "shell command to execute",
	}
}

func (t *terminalCmdTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	command, err := stringArg(args, "command")
	if err != nil {
		return nil, err
	}
	if err := t.policy.CheckCommand(command); err != nil {
		return nil, err
	}
	return runCommand(ctx, t.workspace, command)
}

type runTestsTool struct {
	workspace string
}

func (t *runTestsTool) Name() string        { return "run_tests" }
func (t *runTestsTool) Description() string { return "Run the project test suite" }
func (t *runTestsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"command": "test command (default: auto-detected from the project)",
	}
}

func (t *runTestsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	command := optionalStringArg(args, "command", "")
	if command == "" {
		command = detectTestCommand(t.workspace)
	}
	return runCommand(ctx, t.workspace, command)
}

// detectTestCommand picks a test runner based on project markers.
func detectTestCommand(workspace string) string {
	markers := []struct {
		file string
		cmd  string
	}{
		{"go.mod", "go test ./..."},
		{"package.json", "npm test"},
		{"pytest.ini", "pytest"},
		{"pyproject.toml", "pytest"},
		{"Makefile", "make test"},
	}
	for _, m := range markers {
		if fileExists(workspace, m.file) {
			return m.cmd
		}
	}
	return "pytest"
}
