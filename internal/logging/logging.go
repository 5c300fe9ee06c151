// Package logging provides structured logging for the assistant.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger provides structured logging to stdout.
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	runID     string
}

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// New creates a new Logger.
func New() *Logger {
	return &Logger{
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
		runID:     l.runID,
	}
}

// WithRunID returns a new logger with the given run ID.
func (l *Logger) WithRunID(runID string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: l.component,
		runID:     runID,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats a map of fields as key=value pairs.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	var parts []string
	for k, v := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return " " + strings.Join(parts, " ")
}

// log writes a log entry in traditional format: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// ToolCall logs a tool invocation. Args are not logged to avoid leaking
// file contents and commands into shared logs.
func (l *Logger) ToolCall(tool string) {
	l.Info("tool_call", map[string]interface{}{
		"tool": tool,
	})
}

// ToolResult logs a tool result.
func (l *Logger) ToolResult(tool string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"tool":     tool,
		"duration": duration.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Error("tool_error", fields)
	} else {
		l.Debug("tool_result", fields)
	}
}

// DecisionMade logs the outcome of a decision step.
func (l *Logger) DecisionMade(kind string, tool string) {
	fields := map[string]interface{}{
		"kind": kind,
	}
	if tool != "" {
		fields["tool"] = tool
	}
	l.Debug("decision", fields)
}

// LoopDetected logs a detected repetition or limit hit.
func (l *Logger) LoopDetected(reason, tool string, calls int) {
	l.Warn("loop_detected", map[string]interface{}{
		"reason": reason,
		"tool":   tool,
		"calls":  calls,
	})
}

// RunStart logs the start of a control-loop run.
func (l *Logger) RunStart(request string) {
	l.Info("run_start", map[string]interface{}{
		"request_len": len(request),
	})
}

// RunComplete logs the completion of a control-loop run.
func (l *Logger) RunComplete(status string, calls int, duration time.Duration) {
	l.Info("run_complete", map[string]interface{}{
		"status":   status,
		"calls":    calls,
		"duration": duration.String(),
	})
}

// PlanCreated logs a created task plan.
func (l *Logger) PlanCreated(planID string, tasks int, heuristic bool) {
	l.Info("plan_created", map[string]interface{}{
		"plan_id":   planID,
		"tasks":     tasks,
		"heuristic": heuristic,
	})
}

// TaskStart logs the start of a workflow task.
func (l *Logger) TaskStart(planID, taskID, taskType string) {
	l.Info("task_start", map[string]interface{}{
		"plan_id": planID,
		"task":    taskID,
		"type":    taskType,
	})
}

// TaskComplete logs the completion of a workflow task.
func (l *Logger) TaskComplete(planID, taskID string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"plan_id":  planID,
		"task":     taskID,
		"duration": duration.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("task_failed", fields)
		return
	}
	l.Info("task_complete", fields)
}

// TaskSkipped logs a task deferred because its dependencies are not met yet.
func (l *Logger) TaskSkipped(planID, taskID string, missing []string) {
	l.Debug("task_skipped", map[string]interface{}{
		"plan_id": planID,
		"task":    taskID,
		"missing": strings.Join(missing, ","),
	})
}

// StateSaved logs a persisted workflow state snapshot.
func (l *Logger) StateSaved(planID string, taskIndex int) {
	l.Debug("state_saved", map[string]interface{}{
		"plan_id": planID,
		"index":   taskIndex,
	})
}

// WorkflowResumed logs a workflow resumed from persisted state.
func (l *Logger) WorkflowResumed(planID string, completed, failed int) {
	l.Info("workflow_resumed", map[string]interface{}{
		"plan_id":   planID,
		"completed": completed,
		"failed":    failed,
	})
}

// RouteChosen logs the routing decision for a request.
func (l *Logger) RouteChosen(route string, confidence float64, llmUsed bool) {
	l.Debug("route_chosen", map[string]interface{}{
		"route":      route,
		"confidence": fmt.Sprintf("%.2f", confidence),
		"llm":        llmUsed,
	})
}

// CommandBlocked logs a command refused by the safety policy.
func (l *Logger) CommandBlocked(reason string) {
	l.Warn("command_blocked", map[string]interface{}{
		"reason": reason,
	})
}

// PerceptionEvent logs a filesystem or git change notification.
func (l *Logger) PerceptionEvent(kind, path string) {
	l.Debug("perception_event", map[string]interface{}{
		"kind": kind,
		"path": path,
	})
}
