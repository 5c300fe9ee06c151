package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"charm.land/fantasy"
	"charm.land/fantasy/providers/anthropic"
	"charm.land/fantasy/providers/openai"
	"charm.land/fantasy/providers/openaicompat"
)

const backoffFactor = 2.0

var defaultRetry = RetryConfig{
	MaxRetries:  5,
	InitBackoff: 1 * time.Second,
	MaxBackoff:  60 * time.Second,
}

// withDefaults fills unset retry fields.
func (r RetryConfig) withDefaults() RetryConfig {
	if r.MaxRetries <= 0 {
		r.MaxRetries = defaultRetry.MaxRetries
	}
	if r.InitBackoff <= 0 {
		r.InitBackoff = defaultRetry.InitBackoff
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = defaultRetry.MaxBackoff
	}
	return r
}

// callClass sorts a provider error into a retry decision.
type callClass int

const (
	callPermanent callClass = iota // bad request, auth, anything else
	callTransient                  // rate limits and 5xx; retry with backoff
	callBilling                    // payment or quota problems; fail immediately
)

// Providers surface these conditions as free text, so the classifier works
// on message fragments rather than typed errors.
var (
	billingSignals = []string{
		"billing", "payment", "credits", "quota exceeded",
		"insufficient", "402", "subscription", "expired",
	}
	transientSignals = []string{
		"rate limit", "too many requests", "429", "overloaded", "capacity",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable",
		"gateway timeout", "temporarily unavailable",
	}
)

func classifyCallError(err error) callClass {
	if err == nil {
		return callPermanent
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range billingSignals {
		if strings.Contains(msg, sig) {
			return callBilling
		}
	}
	for _, sig := range transientSignals {
		if strings.Contains(msg, sig) {
			return callTransient
		}
	}
	return callPermanent
}

// FantasyAdapter wraps a fantasy.LanguageModel to implement our Provider interface.
type FantasyAdapter struct {
	model        fantasy.LanguageModel
	maxTokens    int
	providerName string
	retry        RetryConfig
}

// NewFantasyAdapter creates a new adapter wrapping a fantasy LanguageModel.
func NewFantasyAdapter(model fantasy.LanguageModel, maxTokens int, providerName string, retry RetryConfig) *FantasyAdapter {
	return &FantasyAdapter{
		model:        model,
		maxTokens:    maxTokens,
		providerName: providerName,
		retry:        retry,
	}
}

// Name returns the underlying provider name.
func (a *FantasyAdapter) Name() string {
	return a.providerName
}

// Chat implements the Provider interface using fantasy's Generate method.
func (a *FantasyAdapter) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	maxTokens := int64(a.maxTokens)
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	resp, err := a.generate(ctx, fantasy.Call{
		Prompt:          buildPrompt(req.Messages),
		MaxOutputTokens: &maxTokens,
	})
	if err != nil {
		return nil, err
	}

	result := &ChatResponse{
		StopReason:   string(resp.FinishReason),
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
		Model:        a.model.Model(),
	}

	for _, content := range resp.Content {
		switch c := content.(type) {
		case *fantasy.TextContent:
			result.Content += c.Text
		case fantasy.TextContent:
			result.Content += c.Text
		case *fantasy.ReasoningContent:
			result.Thinking += c.Text
		case fantasy.ReasoningContent:
			result.Thinking += c.Text
		}
	}

	return result, nil
}

// buildPrompt converts chat messages to a fantasy prompt. Unknown roles
// are dropped.
func buildPrompt(messages []Message) fantasy.Prompt {
	var prompt fantasy.Prompt
	for _, m := range messages {
		switch m.Role {
		case "system":
			prompt = append(prompt, fantasy.NewSystemMessage(m.Content))
		case "user":
			prompt = append(prompt, fantasy.NewUserMessage(m.Content))
		case "assistant":
			prompt = append(prompt, fantasy.Message{
				Role:    fantasy.MessageRoleAssistant,
				Content: []fantasy.MessagePart{fantasy.TextPart{Text: m.Content}},
			})
		}
	}
	return prompt
}

// generate calls the model, retrying transient failures with capped
// exponential backoff. Billing errors never retry.
func (a *FantasyAdapter) generate(ctx context.Context, call fantasy.Call) (*fantasy.Response, error) {
	retry := a.retry.withDefaults()
	backoff := retry.InitBackoff

	for attempt := 0; ; attempt++ {
		resp, err := a.model.Generate(ctx, call)
		if err == nil {
			return resp, nil
		}

		switch classifyCallError(err) {
		case callBilling:
			return nil, fmt.Errorf("billing/payment error (fatal): %w", err)
		case callPermanent:
			return nil, fmt.Errorf("generate failed: %w", err)
		}

		if attempt == retry.MaxRetries {
			return nil, fmt.Errorf("generate failed after %d retries: %w", retry.MaxRetries, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff = time.Duration(float64(backoff) * backoffFactor); backoff > retry.MaxBackoff {
			backoff = retry.MaxBackoff
		}
	}
}

// InferProviderFromModel returns the provider name based on model name patterns.
// This allows users to just specify a model name without explicitly setting the provider.
func InferProviderFromModel(model string) string {
	model = strings.ToLower(model)

	if strings.HasPrefix(model, "claude") {
		return "anthropic"
	}
	if strings.HasPrefix(model, "gpt-") ||
		strings.HasPrefix(model, "o1") ||
		strings.HasPrefix(model, "o3") ||
		strings.HasPrefix(model, "chatgpt") {
		return "openai"
	}
	if strings.HasPrefix(model, "llama") ||
		strings.HasPrefix(model, "qwen") ||
		strings.HasPrefix(model, "deepseek") {
		return "ollama"
	}
	if strings.HasPrefix(model, "mistral") ||
		strings.HasPrefix(model, "mixtral") ||
		strings.HasPrefix(model, "codestral") {
		return "mistral"
	}

	return ""
}

// Config holds provider construction settings.
type Config struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int
	Retry     RetryConfig
}

// createFantasyProvider creates a Fantasy provider for the given provider name,
// API key, and optional base URL.
func createFantasyProvider(providerName, apiKey, baseURL string) (fantasy.Provider, error) {
	switch providerName {
	case "anthropic":
		if baseURL != "" {
			return openaicompat.New(
				openaicompat.WithBaseURL(baseURL),
				openaicompat.WithAPIKey(apiKey),
				openaicompat.WithName("anthropic"),
			)
		}
		return anthropic.New(anthropic.WithAPIKey(apiKey))
	case "openai":
		if baseURL != "" {
			return openaicompat.New(
				openaicompat.WithBaseURL(baseURL),
				openaicompat.WithAPIKey(apiKey),
				openaicompat.WithName("openai"),
			)
		}
		return openai.New(openai.WithAPIKey(apiKey))
	case "mistral":
		url := "https://api.mistral.ai/v1"
		if baseURL != "" {
			url = baseURL
		}
		return openaicompat.New(
			openaicompat.WithBaseURL(url),
			openaicompat.WithAPIKey(apiKey),
			openaicompat.WithName("mistral"),
		)
	case "openai-compat", "openrouter", "litellm", "ollama", "lmstudio":
		// Generic OpenAI-compatible endpoint
		if baseURL == "" {
			return nil, fmt.Errorf("base_url is required for provider %s", providerName)
		}
		return openaicompat.New(
			openaicompat.WithBaseURL(baseURL),
			openaicompat.WithAPIKey(apiKey),
			openaicompat.WithName(providerName),
		)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerName)
	}
}

// NewProvider creates a provider based on the configuration.
// If Provider is empty, it will be inferred from the Model name.
func NewProvider(cfg Config) (Provider, error) {
	if cfg.Provider == "" && cfg.Model != "" {
		cfg.Provider = InferProviderFromModel(cfg.Model)
		if cfg.Provider == "" {
			return nil, fmt.Errorf("cannot determine provider for model %q; set provider explicitly", cfg.Model)
		}
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	fantasyProvider, err := createFantasyProvider(cfg.Provider, cfg.APIKey, cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s provider: %w", cfg.Provider, err)
	}

	model, err := fantasyProvider.LanguageModel(context.Background(), cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to get model %s: %w", cfg.Model, err)
	}

	return NewFantasyAdapter(model, cfg.MaxTokens, cfg.Provider, cfg.Retry), nil
}
