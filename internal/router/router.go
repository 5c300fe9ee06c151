// Package router decides how an incoming request should be handled:
// direct terminal passthrough, a single assistant run, a planned
// workflow, a named pipeline, or a resume of interrupted work.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openclaw/termagent/internal/llm"
	"github.com/openclaw/termagent/internal/logging"
	"github.com/openclaw/termagent/internal/planner"
	"github.com/openclaw/termagent/internal/tools"
)

// Route names a handling strategy.
type Route string

const (
	RouteTerminal Route = "terminal" // run the text as a shell command
	RouteLoop     Route = "loop"     // one assistant run
	RouteWorkflow Route = "workflow" // plan and execute subtasks
	RoutePipeline Route = "pipeline" // named step sequence
	RouteResume   Route = "resume"   // continue interrupted workflow
	RouteBlocked  Route = "blocked"  // refused by policy
	RouteUnclear  Route = "unclear"  // needs clarification
)

var validRoutes = map[Route]bool{
	RouteTerminal: true, RouteLoop: true, RouteWorkflow: true,
	RoutePipeline: true, RouteResume: true,
}

// Decision is the routing outcome for one request.
type Decision struct {
	Route       Route
	Confidence  float64
	Reason      string
	Pipeline    string   // set for RoutePipeline
	Command     string   // set for RouteTerminal
	Suggestions []string // set for RouteUnclear
	LLMUsed     bool
}

// confidenceThreshold is the minimum model confidence before a model
// routing verdict overrides the heuristics.
const confidenceThreshold = 0.7

// passthroughCommands are first words that mark a request as a literal
// shell command rather than natural language.
var passthroughCommands = map[string]bool{
	"git": true, "ls": true, "cat": true, "grep": true, "find": true,
	"go": true, "npm": true, "npx": true, "python": true, "python3": true,
	"pytest": true, "make": true, "cargo": true, "docker": true,
	"pwd": true, "cd": true, "head": true, "tail": true, "wc": true,
	"which": true, "env": true, "diff": true,
	"rm": true, "mv": true, "cp": true, "chmod": true, "dd": true,
}

var resumePhrases = []string{
	"continue", "resume", "keep going", "pick up where", "carry on",
}

// Router classifies requests. The provider is optional; without one the
// heuristics alone decide.
type Router struct {
	provider  llm.Provider
	policy    *tools.Policy
	pipelines map[string]Pipeline
	logger    *logging.Logger
}

// New creates a router. A nil policy falls back to the default deny list.
func New(provider llm.Provider, policy *tools.Policy, pipelines map[string]Pipeline, logger *logging.Logger) *Router {
	if policy == nil {
		policy = tools.NewPolicy()
	}
	if pipelines == nil {
		pipelines = DefaultPipelines()
	}
	if logger == nil {
		logger = logging.New()
	}
	return &Router{
		provider:  provider,
		policy:    policy,
		pipelines: pipelines,
		logger:    logger.WithComponent("router"),
	}
}

// Route classifies a request. Heuristics run first; the model is only
// consulted for requests the heuristics cannot place, and its verdict
// only sticks above the confidence threshold.
func (r *Router) Route(ctx context.Context, request string) *Decision {
	trimmed := strings.TrimSpace(request)
	if trimmed == "" {
		return r.log(&Decision{
			Route:       RouteUnclear,
			Reason:      "empty request",
			Suggestions: clarifySuggestions(),
		})
	}

	if looksLikeCommand(trimmed) {
		if err := r.policy.CheckCommand(trimmed); err != nil {
			r.logger.CommandBlocked(trimmed)
			return r.log(&Decision{
				Route:      RouteBlocked,
				Confidence: 1.0,
				Reason:     err.Error(),
			})
		}
		return r.log(&Decision{
			Route:      RouteTerminal,
			Confidence: 1.0,
			Reason:     "literal shell command",
			Command:    trimmed,
		})
	}

	lower := strings.ToLower(trimmed)
	for _, phrase := range resumePhrases {
		if strings.HasPrefix(lower, phrase) {
			return r.log(&Decision{
				Route:      RouteResume,
				Confidence: 0.9,
				Reason:     "continuation phrasing",
			})
		}
	}

	if name := r.matchPipeline(lower); name != "" {
		return r.log(&Decision{
			Route:      RoutePipeline,
			Confidence: 0.9,
			Reason:     "matches pipeline " + name,
			Pipeline:   name,
		})
	}

	if planner.IsComposite(trimmed) {
		return r.log(&Decision{
			Route:      RouteWorkflow,
			Confidence: 0.8,
			Reason:     "composite request",
		})
	}

	if r.provider != nil {
		if d := r.modelRoute(ctx, trimmed); d != nil {
			return r.log(d)
		}
	}

	return r.log(&Decision{
		Route:      RouteLoop,
		Confidence: 0.6,
		Reason:     "default single run",
	})
}

func (r *Router) log(d *Decision) *Decision {
	r.logger.RouteChosen(string(d.Route), d.Confidence, d.LLMUsed)
	return d
}

// looksLikeCommand reports whether the request reads as a shell command
// rather than natural language.
func looksLikeCommand(request string) bool {
	fields := strings.Fields(request)
	if len(fields) == 0 {
		return false
	}
	first := strings.ToLower(fields[0])
	if !passthroughCommands[first] && !strings.ContainsAny(first, "/.") {
		return false
	}
	// Question words anywhere mean it is a question about the command,
	// not the command itself.
	lower := strings.ToLower(request)
	for _, w := range []string{"what ", "why ", "how ", "please", "can you", "could you", "?"} {
		if strings.Contains(lower, w) {
			return false
		}
	}
	return true
}

// matchPipeline maps request phrasing onto a configured pipeline.
func (r *Router) matchPipeline(lower string) string {
	hasTests := strings.Contains(lower, "test")
	hasCommit := strings.Contains(lower, "commit")
	wantsMessage := strings.Contains(lower, "commit message") || strings.Contains(lower, "message for")

	if wantsMessage && hasTests {
		if _, ok := r.pipelines["message_with_tests"]; ok {
			return "message_with_tests"
		}
	}
	if hasTests && hasCommit && !wantsMessage {
		if _, ok := r.pipelines["commit_with_tests"]; ok {
			return "commit_with_tests"
		}
	}
	return ""
}

// modelVerdict is the JSON shape the routing prompt asks for.
type modelVerdict struct {
	Route      string  `json:"route"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

const routeSystemPrompt = `Classify the request for a terminal development assistant.
Respond with only a JSON object: {"route": "...", "confidence": 0.0, "reason": "..."}
Valid routes: terminal (literal shell command), loop (single question or action),
workflow (multiple dependent steps), pipeline (test-then-commit flows),
resume (continue earlier work).`

// modelRoute asks the model to classify. Any failure, malformed output,
// or low confidence returns nil so the heuristics keep control.
func (r *Router) modelRoute(ctx context.Context, request string) *Decision {
	resp, err := r.provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: routeSystemPrompt},
			{Role: "user", Content: request},
		},
	})
	if err != nil {
		r.logger.Debug("route model call failed", map[string]interface{}{"error": err.Error()})
		return nil
	}

	raw := llm.ExtractJSON(llm.Sanitize(resp.Content))
	if raw == "" {
		return nil
	}
	var verdict modelVerdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return nil
	}
	route := Route(verdict.Route)
	if !validRoutes[route] || verdict.Confidence < confidenceThreshold {
		return nil
	}
	return &Decision{
		Route:      route,
		Confidence: verdict.Confidence,
		Reason:     verdict.Reason,
		LLMUsed:    true,
	}
}

func clarifySuggestions() []string {
	return []string{
		"describe what you want to do, e.g. \"run the tests and commit\"",
		"type a shell command directly, e.g. \"git status\"",
		"say \"resume\" to continue an interrupted workflow",
	}
}

// Pipeline lookup for the CLI.
func (r *Router) Pipeline(name string) (Pipeline, error) {
	p, ok := r.pipelines[name]
	if !ok {
		return Pipeline{}, fmt.Errorf("unknown pipeline %q", name)
	}
	return p, nil
}
