package ai

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// TextGenerator generates text from a system prompt and user prompt.
// All LLM providers (OpenAI-compatible, Ollama, Gemini) implement this interface.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// GenerationOptions tune a provider for structured output.
type GenerationOptions struct {
	Temperature float64
	JSONMode    bool
	Timeout     time.Duration
}

// DefaultClassifierOptions asks for low-temperature JSON answers.
func DefaultClassifierOptions() GenerationOptions {
	return GenerationOptions{Temperature: 0.1, JSONMode: true, Timeout: 30 * time.Second}
}

// ProviderConfig selects and configures one LLM provider.
type ProviderConfig struct {
	Provider string // openai | ollama | gemini
	BaseURL  string
	APIKey   string
	Model    string
	Options  GenerationOptions
}

// NewGenerator builds the TextGenerator named by cfg.Provider.
func NewGenerator(cfg ProviderConfig) (TextGenerator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "openai", "openai-compat", "openai_compat":
		return NewOpenAICompatGenerator(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Options), nil
	case "ollama":
		return NewOllamaGenerator(NewOllamaClient(cfg.BaseURL, cfg.Options.Timeout), cfg.Model, cfg.Options), nil
	case "gemini":
		client, err := NewGeminiClient(cfg.APIKey, cfg.BaseURL, cfg.Options.Timeout)
		if err != nil {
			return nil, err
		}
		return NewGeminiGenerator(client, cfg.Model, cfg.Options), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

func clientTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}
