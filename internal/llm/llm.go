// Package llm defines the provider boundary for language model calls.
package llm

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// ChatRequest is a request to a language model.
type ChatRequest struct {
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// ChatResponse is a response from a language model.
type ChatResponse struct {
	Content      string
	Thinking     string
	Model        string
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// Provider is the interface all language model backends implement.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Name() string
}

// RetryConfig controls retry behavior for transient provider errors.
type RetryConfig struct {
	MaxRetries  int
	InitBackoff time.Duration
	MaxBackoff  time.Duration
}

var (
	thinkBlockRe = regexp.MustCompile(`(?is)<think>.*?</think>`)
	trailingFence = regexp.MustCompile("```$")
)

// Sanitize strips reasoning tags and markdown fences from a model response.
// Local models in particular tend to wrap answers in <think> blocks and
// code fences that must not reach parsers or the user.
func Sanitize(response string) string {
	response = strings.TrimSpace(thinkBlockRe.ReplaceAllString(response, ""))

	if strings.HasPrefix(response, "```") {
		lines := strings.Split(response, "\n")
		if len(lines) > 2 {
			response = strings.Join(lines[1:len(lines)-1], "\n")
		}
	}

	response = trailingFence.ReplaceAllString(response, "")
	return strings.TrimSpace(response)
}

// ExtractJSON pulls the first top-level JSON object out of free-form model
// output. Models frequently surround JSON with prose even when told not to.
func ExtractJSON(s string) string {
	s = Sanitize(s)
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}
