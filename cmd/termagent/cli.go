// Package main defines the CLI structure using kong.
package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Run       RunCmd       `cmd:"" default:"withargs" help:"Handle a request (command, question, or multi-step task)"`
	Plan      PlanCmd      `cmd:"" help:"Show the task plan for a request without executing it"`
	Workflow  WorkflowCmd  `cmd:"" help:"Inspect and resume multi-step workflows"`
	Replay    ReplayCmd    `cmd:"" help:"Replay a recorded run"`
	Runs      RunsCmd      `cmd:"" help:"List recorded runs"`
	Sessions  SessionsCmd  `cmd:"" help:"List recent sessions"`
	Providers ProvidersCmd `cmd:"" help:"List available models from the catalog"`
	Version   VersionCmd   `cmd:"" help:"Show version information"`

	Config    string `help:"Config file path"`
	Workspace string `help:"Workspace directory"`
	Model     string `help:"Model override (e.g. claude-sonnet-4-5)"`
	Verbose   bool   `short:"v" help:"Enable debug logging"`
}

// RunCmd handles a single request end to end.
type RunCmd struct {
	Request []string `arg:"" help:"The request to handle"`
	Watch   bool     `help:"Report workspace file changes during the run"`
}

// PlanCmd plans a request without executing it.
type PlanCmd struct {
	Request []string `arg:"" help:"The request to plan"`
}

// WorkflowCmd groups workflow subcommands.
type WorkflowCmd struct {
	List   WorkflowListCmd   `cmd:"" help:"List interrupted workflows"`
	Resume WorkflowResumeCmd `cmd:"" help:"Resume an interrupted workflow"`
	Status WorkflowStatusCmd `cmd:"" help:"Show the state of a workflow"`
}

// WorkflowListCmd lists workflows with pending tasks.
type WorkflowListCmd struct{}

// WorkflowResumeCmd resumes a workflow by plan ID, defaulting to the
// most recently interrupted one.
type WorkflowResumeCmd struct {
	PlanID string `arg:"" optional:"" help:"Plan ID (defaults to the newest interrupted workflow)"`
}

// WorkflowStatusCmd shows one workflow's persisted state.
type WorkflowStatusCmd struct {
	PlanID string `arg:"" help:"Plan ID"`
}

// ReplayCmd replays a recorded run.
type ReplayCmd struct {
	RunID   string `arg:"" optional:"" help:"Run ID (defaults to the newest run)"`
	Verbose int    `short:"v" type:"counter" help:"Show tool inputs and outputs"`
	NoPager bool   `help:"Print to stdout instead of the pager"`
}

// RunsCmd lists recorded runs.
type RunsCmd struct {
	Limit int `default:"20" help:"Maximum runs to list"`
}

// SessionsCmd lists recent sessions from the session log.
type SessionsCmd struct {
	Limit int `default:"10" help:"Maximum sessions to list"`
}

// ProvidersCmd lists models known to the catalog.
type ProvidersCmd struct {
	Provider string `help:"Only show models from this provider"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
