package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openclaw/termagent/internal/llm"
	"github.com/openclaw/termagent/internal/logging"
	"github.com/openclaw/termagent/internal/tools"
)

// ActionKind is what the decision step concluded.
type ActionKind int

const (
	ActionFinish ActionKind = iota
	ActionRunTool
	ActionFail
)

// String returns a log-friendly action name.
func (k ActionKind) String() string {
	switch k {
	case ActionRunTool:
		return "run_tool"
	case ActionFail:
		return "fail"
	default:
		return "finish"
	}
}

// Decision is the classified outcome of one model call.
type Decision struct {
	Kind   ActionKind
	Tool   string
	Input  map[string]interface{}
	Answer string
	Err    *TaskError
	Raw    string // sanitized model output, for the transcript
}

// finalAnswerMarker terminates the loop when it leads the response.
const finalAnswerMarker = "final answer:"

// directive is the JSON shape the model uses to request a tool.
type directive struct {
	Tool  string                 `json:"tool"`
	Input map[string]interface{} `json:"input"`
}

// Rule classifies a model response. Rules are tried in order and the first
// match wins.
type Rule interface {
	Name() string
	Apply(response string, reg *tools.Registry) (*Decision, bool)
}

// DefaultRules returns the standard rule order: final answer, ambiguity
// indicators, known tool directive, unknown tool directive, malformed
// directive, empty response, plain text fallback.
func DefaultRules() []Rule {
	return []Rule{
		finalAnswerRule{},
		ambiguityRule{},
		toolDirectiveRule{},
		unknownToolRule{},
		malformedDirectiveRule{},
		emptyResponseRule{},
		plainTextRule{},
	}
}

type finalAnswerRule struct{}

func (finalAnswerRule) Name() string { return "final_answer" }

func (finalAnswerRule) Apply(response string, _ *tools.Registry) (*Decision, bool) {
	lower := strings.ToLower(response)
	idx := strings.Index(lower, finalAnswerMarker)
	if idx < 0 {
		return nil, false
	}
	answer := strings.TrimSpace(response[idx+len(finalAnswerMarker):])
	return &Decision{Kind: ActionFinish, Answer: answer}, true
}

// ambiguityMarkers are phrases a model uses when it wants clarification
// instead of acting.
var ambiguityMarkers = []string{
	"could you clarify", "can you clarify", "please clarify",
	"do you mean", "did you mean", "please specify",
	"which file do you", "which one do you",
	"i need more information", "it is unclear", "it's unclear",
	"the request is ambiguous",
}

type ambiguityRule struct{}

func (ambiguityRule) Name() string { return "ambiguity" }

func (ambiguityRule) Apply(response string, _ *tools.Registry) (*Decision, bool) {
	// A parseable directive wins even when the surrounding chatter sounds
	// unsure.
	if _, ok := parseDirective(response); ok {
		return nil, false
	}
	lower := strings.ToLower(response)
	matched := false
	for _, marker := range ambiguityMarkers {
		if strings.Contains(lower, marker) {
			matched = true
			break
		}
	}
	if !matched {
		return nil, false
	}
	question := extractQuestion(response)
	if question == "" {
		question = strings.TrimSpace(response)
	}
	return &Decision{
		Kind: ActionFail,
		Err:  NewTaskError(KindAmbiguousInput, "decide", fmt.Errorf("%s", question)),
	}, true
}

// extractQuestion returns the first question sentence in the response.
func extractQuestion(s string) string {
	for _, part := range strings.SplitAfter(s, "?") {
		part = strings.TrimSpace(part)
		if !strings.HasSuffix(part, "?") {
			continue
		}
		// Drop sentence fragments before the question itself.
		if i := strings.LastIndexAny(part[:len(part)-1], ".!"); i >= 0 {
			part = strings.TrimSpace(part[i+1:])
		}
		return part
	}
	return ""
}

type toolDirectiveRule struct{}

func (toolDirectiveRule) Name() string { return "tool_directive" }

func (toolDirectiveRule) Apply(response string, reg *tools.Registry) (*Decision, bool) {
	d, ok := parseDirective(response)
	if !ok {
		return nil, false
	}
	if _, registered := reg.Get(d.Tool); !registered {
		return nil, false
	}
	input := d.Input
	if input == nil {
		input = map[string]interface{}{}
	}
	return &Decision{Kind: ActionRunTool, Tool: d.Tool, Input: input}, true
}

type unknownToolRule struct{}

func (unknownToolRule) Name() string { return "unknown_tool" }

func (unknownToolRule) Apply(response string, reg *tools.Registry) (*Decision, bool) {
	d, ok := parseDirective(response)
	if !ok {
		return nil, false
	}
	return &Decision{
		Kind: ActionFail,
		Tool: d.Tool,
		Err: NewTaskError(KindCommandNotFound, "decide",
			fmt.Errorf("tool %q is not registered", d.Tool)),
	}, true
}

type malformedDirectiveRule struct{}

func (malformedDirectiveRule) Name() string { return "malformed_directive" }

func (malformedDirectiveRule) Apply(response string, _ *tools.Registry) (*Decision, bool) {
	// Looks like an attempted directive but did not parse into one.
	if !strings.Contains(response, "{") {
		return nil, false
	}
	if !strings.Contains(response, `"tool"`) && !strings.HasPrefix(strings.TrimSpace(response), "{") {
		return nil, false
	}
	return &Decision{
		Kind: ActionFail,
		Err: NewTaskError(KindParsing, "decide",
			fmt.Errorf("response looks like a tool directive but could not be parsed")),
	}, true
}

type emptyResponseRule struct{}

func (emptyResponseRule) Name() string { return "empty_response" }

func (emptyResponseRule) Apply(response string, _ *tools.Registry) (*Decision, bool) {
	if strings.TrimSpace(response) != "" {
		return nil, false
	}
	return &Decision{
		Kind: ActionFail,
		Err:  NewTaskError(KindUnknown, "decide", fmt.Errorf("model returned an empty response")),
	}, true
}

type plainTextRule struct{}

func (plainTextRule) Name() string { return "plain_text" }

func (plainTextRule) Apply(response string, _ *tools.Registry) (*Decision, bool) {
	return &Decision{Kind: ActionFinish, Answer: strings.TrimSpace(response)}, true
}

// parseDirective extracts a tool directive from the response.
func parseDirective(response string) (*directive, bool) {
	raw := llm.ExtractJSON(response)
	if raw == "" {
		return nil, false
	}
	var d directive
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, false
	}
	if d.Tool == "" {
		return nil, false
	}
	return &d, true
}

// DecisionStep makes exactly one model call per invocation and classifies
// the response.
type DecisionStep struct {
	provider llm.Provider
	registry *tools.Registry
	rules    []Rule
	logger   *logging.Logger
}

// NewDecisionStep creates a decision step with the default rules.
func NewDecisionStep(provider llm.Provider, registry *tools.Registry, logger *logging.Logger) *DecisionStep {
	if logger == nil {
		logger = logging.New()
	}
	return &DecisionStep{
		provider: provider,
		registry: registry,
		rules:    DefaultRules(),
		logger:   logger.WithComponent("decision"),
	}
}

// SetRules replaces the rule table. Rules run in slice order.
func (s *DecisionStep) SetRules(rules []Rule) {
	s.rules = rules
}

// Decide runs one model call and classifies the response.
func (s *DecisionStep) Decide(ctx context.Context, messages []llm.Message) (*Decision, error) {
	resp, err := s.provider.Chat(ctx, llm.ChatRequest{Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("model call failed: %w", err)
	}

	d := s.classify(llm.Sanitize(resp.Content))
	s.logger.DecisionMade(d.Kind.String(), d.Tool)
	return d, nil
}

// classify applies the rule table to a sanitized response.
func (s *DecisionStep) classify(response string) *Decision {
	for _, rule := range s.rules {
		if d, ok := rule.Apply(response, s.registry); ok {
			d.Raw = response
			return d
		}
	}
	// The plain text fallback always matches; reaching here means the rule
	// table was replaced with one that has no fallback.
	return &Decision{
		Kind: ActionFail,
		Raw:  response,
		Err:  NewTaskError(KindUnknown, "decide", fmt.Errorf("no rule matched response")),
	}
}
