package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxSubjectLen caps commit subject lines per conventional commit practice.
const maxSubjectLen = 72

func fileExists(workspace, name string) bool {
	_, err := os.Stat(filepath.Join(workspace, name))
	return err == nil
}

// runGit executes a git subcommand and returns combined output.
func runGit(ctx context.Context, workspace string, args ...string) (string, error) {
	result, err := runCommand(ctx, workspace, "git "+strings.Join(args, " "))
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("git %s failed: %s", args[0], strings.TrimSpace(result.Stderr))
	}
	out := result.Stdout
	if out == "" {
		out = result.Stderr
	}
	return strings.TrimSpace(out), nil
}

type gitStatusTool struct {
	workspace string
}

func (t *gitStatusTool) Name() string        { return "git_status" }
func (t *gitStatusTool) Description() string { return "Show the working tree status" }
func (t *gitStatusTool) Parameters() map[string]interface{} {
	return map[string]interface{}{}
}

func (t *gitStatusTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	out, err := runGit(ctx, t.workspace, "status", "--short", "--branch")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return "working tree clean", nil
	}
	return out, nil
}

type gitAddTool struct {
	workspace string
}

func (t *gitAddTool) Name() string        { return "git_add" }
func (t *gitAddTool) Description() string { return "Stage files for commit" }
func (t *gitAddTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"paths": "space-separated paths to stage (default: all changes)",
	}
}

func (t *gitAddTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	paths := optionalStringArg(args, "paths", "-A")
	out, err := runGit(ctx, t.workspace, "add", paths)
	if err != nil {
		return nil, err
	}
	if out == "" {
		out = "staged " + paths
	}
	return out, nil
}

type gitCommitTool struct {
	workspace string
}

func (t *gitCommitTool) Name() string        { return "git_commit" }
func (t *gitCommitTool) Description() string { return "Create a commit with the staged changes" }
func (t *gitCommitTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"message": "commit message (subject line capped at 72 characters)",
	}
}

func (t *gitCommitTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	message, err := stringArg(args, "message")
	if err != nil {
		return nil, err
	}
	message = NormalizeCommitMessage(message)
	if message == "" {
		return nil, fmt.Errorf("commit message is empty")
	}
	return runGit(ctx, t.workspace, "commit", "-m", shellQuote(message))
}

type gitDiffTool struct {
	workspace string
}

func (t *gitDiffTool) Name() string        { return "git_diff" }
func (t *gitDiffTool) Description() string { return "Show unstaged or staged changes" }
func (t *gitDiffTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"staged": "\"true\" to diff the index instead of the working tree",
	}
}

func (t *gitDiffTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	gitArgs := []string{"diff"}
	if optionalStringArg(args, "staged", "") == "true" {
		gitArgs = append(gitArgs, "--cached")
	}
	out, err := runGit(ctx, t.workspace, gitArgs...)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return "no changes", nil
	}
	return out, nil
}

// NormalizeCommitMessage keeps only the first line of a generated message
// and caps it at the conventional subject length.
func NormalizeCommitMessage(message string) string {
	message = strings.TrimSpace(message)
	if i := strings.IndexByte(message, '\n'); i >= 0 {
		message = message[:i]
	}
	message = strings.Trim(message, "\"'` ")
	if len(message) > maxSubjectLen {
		message = strings.TrimSpace(message[:maxSubjectLen])
	}
	return message
}

// shellQuote single-quotes a string for sh -c usage.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
