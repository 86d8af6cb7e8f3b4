package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrDisabled is returned by the disabled backend.
var ErrDisabled = errors.New("llm backend disabled")

// Usage reports token accounting when the backend provides it.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// Completion is the generated text plus optional usage.
type Completion struct {
	Text  string
	Usage *Usage
}

// TextGenerator generates text from a system prompt and user prompt.
// All LLM providers (OpenAI-compatible, Gemini, Ollama) implement this interface.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (Completion, error)
}

// Provider names accepted by NewGenerator.
const (
	ProviderOpenAI   = "openai"
	ProviderGemini   = "gemini"
	ProviderOllama   = "ollama"
	ProviderDisabled = "disabled"
)

// Config selects and configures a backend.
type Config struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
}

// NewGenerator builds the TextGenerator for cfg.Provider. An empty provider
// means disabled.
func NewGenerator(ctx context.Context, cfg Config) (TextGenerator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderDisabled:
		return DisabledGenerator{}, nil
	case ProviderOpenAI:
		return NewOpenAIGenerator(cfg.BaseURL, cfg.APIKey, cfg.Model)
	case ProviderGemini:
		return NewGeminiGenerator(ctx, cfg.BaseURL, cfg.APIKey, cfg.Model)
	case ProviderOllama:
		return NewOllamaGenerator(NewOllamaClient(cfg.BaseURL), cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// DisabledGenerator never calls out; every request fails with ErrDisabled.
type DisabledGenerator struct{}

func (DisabledGenerator) GenerateText(context.Context, string, string) (Completion, error) {
	return Completion{}, ErrDisabled
}
