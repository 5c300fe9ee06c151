// Package replay renders recorded run traces as a readable timeline,
// either straight to a writer or inside an interactive pager.
package replay

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/openclaw/termagent/internal/trace"
)

var (
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")) // Gray - timestamps, metadata

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")) // White - values

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")) // Blue - tool activity

	overrideStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("11")) // Yellow - guard overrides

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	seqStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")).
			Width(5).
			Align(lipgloss.Right)

	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	divider = lipgloss.NewStyle().
		Foreground(lipgloss.Color("8")).
		Render(strings.Repeat("━", 60))
)

// Replayer formats run traces.
type Replayer struct {
	output    io.Writer
	verbosity int // 0=normal, 1=verbose (-v)
}

// New creates a replayer writing to output.
func New(output io.Writer, verbosity int) *Replayer {
	return &Replayer{output: output, verbosity: verbosity}
}

// Replay writes a formatted timeline of the run.
func (r *Replayer) Replay(rt *trace.RunTrace) error {
	meta := rt.Metadata

	fmt.Fprintln(r.output)
	fmt.Fprintf(r.output, "%s %s\n", titleStyle.Render("RUN"), valueStyle.Render(meta.RunID))
	fmt.Fprintln(r.output, divider)
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Request:"), valueStyle.Render(meta.Request))
	if meta.Model != "" {
		fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Model:  "), valueStyle.Render(meta.Model))
	}
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Started:"), valueStyle.Render(meta.StartedAt.Format(time.RFC3339)))
	fmt.Fprintln(r.output)

	fmt.Fprintf(r.output, "%s %s\n", titleStyle.Render("TIMELINE"),
		dimStyle.Render(fmt.Sprintf("(%d steps)", len(rt.Steps))))
	fmt.Fprintln(r.output, divider)

	for i, step := range rt.Steps {
		r.formatStep(i+1, step)
	}

	fmt.Fprintln(r.output)
	fmt.Fprintln(r.output, divider)
	switch meta.Status {
	case "finished":
		fmt.Fprintf(r.output, "%s %s\n", successStyle.Render("FINISHED"),
			dimStyle.Render(fmt.Sprintf("(%d tool calls)", meta.Calls)))
		if meta.Answer != "" {
			fmt.Fprintln(r.output, valueStyle.Render(meta.Answer))
		}
	case "failed":
		fmt.Fprintf(r.output, "%s %s\n", errorStyle.Render("FAILED:"), valueStyle.Render(meta.Answer))
	default:
		fmt.Fprintln(r.output, warnStyle.Render("RUNNING"))
	}
	fmt.Fprintln(r.output)

	return nil
}

func (r *Replayer) formatStep(seq int, step trace.Step) {
	ts := timeStyle.Render(step.At.Format("15:04:05"))
	seqNum := seqStyle.Render(fmt.Sprintf("%d", seq))

	switch step.Kind {
	case "decision":
		target := step.Tool
		if target == "" {
			target = "finish"
		}
		fmt.Fprintf(r.output, "%s │ %s │ %s %s\n", seqNum, ts,
			valueStyle.Render("DECISION:"), toolStyle.Render(target))

	case "tool":
		if step.Error != "" {
			fmt.Fprintf(r.output, "%s │ %s │ %s %s\n", seqNum, ts,
				toolStyle.Render("TOOL:"), errorStyle.Render(step.Tool+" FAILED"))
			r.printIndented(errorStyle.Render(step.Error))
		} else {
			fmt.Fprintf(r.output, "%s │ %s │ %s %s\n", seqNum, ts,
				toolStyle.Render("TOOL:"), valueStyle.Render(step.Tool))
		}
		if r.verbosity >= 1 && step.Input != "" {
			r.printIndented(dimStyle.Render("input: " + truncate(step.Input, 120)))
		}
		if r.verbosity >= 1 && step.Output != "" {
			r.printIndented(step.Output)
		}

	case "override":
		fmt.Fprintf(r.output, "%s │ %s │ %s %s\n", seqNum, ts,
			overrideStyle.Render("OVERRIDE:"), valueStyle.Render(step.Tool))
		if step.Output != "" {
			r.printIndented(dimStyle.Render(step.Output))
		}

	case "finish":
		fmt.Fprintf(r.output, "%s │ %s │ %s\n", seqNum, ts, successStyle.Render("FINISH"))
		if r.verbosity >= 1 && step.Output != "" {
			r.printIndented(step.Output)
		}

	default:
		fmt.Fprintf(r.output, "%s │ %s │ %s\n", seqNum, ts, dimStyle.Render(step.Kind))
	}
}

func (r *Replayer) printIndented(content string) {
	for _, line := range strings.Split(content, "\n") {
		fmt.Fprintf(r.output, "      │          │   %s\n", line)
	}
}

// ReplayInteractive renders the run into a scrollable pager.
func (r *Replayer) ReplayInteractive(rt *trace.RunTrace) error {
	var buf strings.Builder
	old := r.output
	r.output = &buf
	err := r.Replay(rt)
	r.output = old
	if err != nil {
		return err
	}

	title := fmt.Sprintf("Run: %s", rt.Metadata.RunID)
	return runPager(title, buf.String())
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
