package providers

import (
	"fmt"
	"net/http"
	"os"

	"artifice/internal/config"
	"artifice/internal/llm"
	"artifice/internal/llm/anthropic"
	"artifice/internal/llm/google"
	openaillm "artifice/internal/llm/openai"
)

// Build resolves cfg.Assistant against cfg.Assistants and constructs the
// matching llm.Provider, reading its API key from the provider's usual
// environment variable. An assistant name with no matching entry in
// Assistants falls back to provider "openai" with just that name as the
// model, so `assistant: gpt-4o-mini` works without an assistants: block.
func Build(cfg config.Config, httpClient *http.Client) (llm.Provider, error) {
	agent, ok := cfg.Assistants[cfg.Assistant]
	if !ok {
		agent = config.AgentConfig{Provider: "openai", Model: cfg.Assistant}
	}

	switch agent.Provider {
	case "", "openai":
		return openaillm.New(config.OpenAIConfig{
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			BaseURL: agent.BaseURL,
			Model:   agent.Model,
		}, httpClient), nil
	case "local":
		return openaillm.New(config.OpenAIConfig{
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			BaseURL: agent.BaseURL,
			Model:   agent.Model,
			API:     "completions",
		}, httpClient), nil
	case "anthropic":
		return anthropic.New(config.AnthropicConfig{
			APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
			BaseURL: agent.BaseURL,
			Model:   agent.Model,
		}, httpClient), nil
	case "google":
		return google.New(config.GoogleConfig{
			APIKey:  os.Getenv("GEMINI_API_KEY"),
			BaseURL: agent.BaseURL,
			Model:   agent.Model,
		}, httpClient)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", agent.Provider)
	}
}
