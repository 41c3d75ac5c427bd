// Package oracle provides clients for the external analysis service.
// Every byte a client sends was built from tokenized material and
// validated by the gateway first; clients here are pure transport.
package oracle

import (
	"context"
	"fmt"
)

const (
	ProviderOpenAI   = "openai"
	ProviderOllama   = "ollama"
	ProviderScripted = "scripted"
)

// Request carries one analysis prompt.
type Request struct {
	System string
	User   string
}

// Client is the outbound port to the external analysis service.
type Client interface {
	GetName() string
	Analyze(ctx context.Context, req Request) (string, error)
}

// Config selects and parameterizes a provider.
type Config struct {
	Provider  string
	Model     string
	APIKey    string
	Endpoint  string
	MaxTokens int
}

// New constructs the configured provider client.
func New(cfg Config) (Client, error) {
	switch cfg.Provider {
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key")
		}
		return NewOpenAIClient(cfg.APIKey, cfg.Model, cfg.MaxTokens), nil
	case ProviderOllama:
		return NewOllamaClient(cfg.Endpoint, cfg.Model), nil
	case ProviderScripted:
		return NewScriptedClient(), nil
	default:
		return nil, fmt.Errorf("unknown oracle provider %q", cfg.Provider)
	}
}
