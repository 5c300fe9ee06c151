package main

import (
	"context"
	"fmt"
	"os"

	"github.com/openclaw/termagent/internal/llm"
	"github.com/openclaw/termagent/internal/replay"
	"github.com/openclaw/termagent/internal/trace"
)

// Run replays a recorded run, defaulting to the newest one.
func (c *ReplayCmd) Run(rt *runtime) error {
	runID := c.RunID
	if runID == "" {
		runs, err := rt.traces.ListRuns()
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			return fmt.Errorf("no recorded runs")
		}
		runID = runs[0].RunID
	}

	run, err := rt.traces.LoadRun(runID)
	if err != nil {
		return err
	}

	r := replay.New(os.Stdout, c.Verbose)
	if c.NoPager {
		return r.Replay(run)
	}
	return r.ReplayInteractive(run)
}

// Run lists recorded runs, newest first.
func (c *RunsCmd) Run(rt *runtime) error {
	runs, err := rt.traces.ListRuns()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No recorded runs.")
		return nil
	}
	if c.Limit > 0 && len(runs) > c.Limit {
		runs = runs[:c.Limit]
	}
	for _, meta := range runs {
		fmt.Println(trace.Summary(meta))
	}
	return nil
}

// Run lists recent sessions from the session log.
func (c *SessionsCmd) Run(rt *runtime) error {
	if rt.sessions == nil {
		return fmt.Errorf("session log is disabled; enable storage.session_log in termagent.toml")
	}
	sessions, err := rt.sessions.Recent(c.Limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions recorded.")
		return nil
	}
	for _, sess := range sessions {
		fmt.Printf("%s  %-8s  %-8s  %2d calls  %s\n",
			sess.CreatedAt.Format("2006-01-02 15:04"),
			sess.Route, sess.Status, sess.Calls,
			truncateRequest(sess.Request, 48))
	}
	return nil
}

// Run lists models from the catalog, optionally filtered by provider.
func (c *ProvidersCmd) Run(rt *runtime) error {
	models, err := llm.ListAllModels(context.Background())
	if err != nil {
		return err
	}

	count := 0
	for _, m := range models {
		if c.Provider != "" && m.Provider != c.Provider {
			continue
		}
		reason := ""
		if m.CanReason {
			reason = "  [reasoning]"
		}
		fmt.Printf("%-40s %-12s %8dk ctx  $%.2f/$%.2f per 1M%s\n",
			m.ID, m.Provider, m.ContextWindow/1000,
			m.CostPer1MIn, m.CostPer1MOut, reason)
		count++
	}
	if count == 0 {
		return fmt.Errorf("no models found for provider %q", c.Provider)
	}
	return nil
}
