// Package llm wraps the language model providers behind one small
// interface: a system prompt and a user prompt in, text out.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Provider names.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderLMStudio  = "lmstudio"
	ProviderOllama    = "ollama"
)

// Providers lists the accepted provider names.
var Providers = []string{ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderLMStudio, ProviderOllama}

// Request is one completion request.
type Request struct {
	System    string
	User      string
	MaxTokens int
}

// Completer returns a model's text reply.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
	Name() string
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req Request) (string, error)

// Complete implements Completer.
func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Name implements Completer.
func (f CompleterFunc) Name() string { return "func" }

// Config selects and configures a provider.
type Config struct {
	Provider  string
	Model     string
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	MaxTokens int
}

const (
	defaultTimeout   = 30 * time.Second
	defaultMaxTokens = 1024
)

var defaultModels = map[string]string{
	ProviderOpenAI:    "gpt-4o-mini",
	ProviderAnthropic: "claude-3-5-haiku-latest",
	ProviderGemini:    "gemini-2.0-flash",
	ProviderLMStudio:  "local-model",
	ProviderOllama:    "llama3.1",
}

var localBaseURLs = map[string]string{
	ProviderLMStudio: "http://localhost:1234/v1",
	ProviderOllama:   "http://localhost:11434/v1",
}

// New creates the Completer for cfg.Provider. LM Studio and Ollama speak
// the OpenAI chat API and use the OpenAI client with a local base URL.
func New(cfg Config) (Completer, error) {
	provider := strings.ToLower(cfg.Provider)
	if cfg.Model == "" {
		cfg.Model = defaultModels[provider]
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}

	switch provider {
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai: api key is required")
		}
		return newOpenAI(provider, cfg), nil
	case ProviderLMStudio, ProviderOllama:
		if cfg.BaseURL == "" {
			cfg.BaseURL = localBaseURLs[provider]
		}
		if cfg.APIKey == "" {
			cfg.APIKey = provider // local servers ignore the key but the client requires one
		}
		return newOpenAI(provider, cfg), nil
	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic: api key is required")
		}
		return newAnthropic(cfg), nil
	case ProviderGemini:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("gemini: api key is required")
		}
		return newGemini(cfg)
	}
	return nil, fmt.Errorf("unknown llm provider %q (want one of %s)", cfg.Provider, strings.Join(Providers, ", "))
}

// StripFences removes a Markdown code fence around a reply and trims it
// to the outermost JSON object, if there is one.
func StripFences(reply string) string {
	s := strings.TrimSpace(reply)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	if i, j := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}'); i >= 0 && j > i {
		s = s[i : j+1]
	}
	return strings.TrimSpace(s)
}
