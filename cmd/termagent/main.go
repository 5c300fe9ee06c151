// Package main is the entry point for the termagent CLI.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("termagent"),
		kong.Description("An LLM-driven assistant for terminal development workflows."),
		kong.UsageOnError(),
		kongVars(),
	)

	rt, err := newRuntime(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer rt.Close()

	if err := kctx.Run(rt); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// Run prints version information.
func (c *VersionCmd) Run(rt *runtime) error {
	fmt.Printf("termagent version %s (commit: %s, built: %s)\n", version, commit, buildTime)
	return nil
}
