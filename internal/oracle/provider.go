package oracle

import (
	"context"
	"fmt"
	"time"
)

// Provider names accepted by New.
const (
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
	ProviderOpenAI    = "openai"
)

// Config selects and configures a provider.
type Config struct {
	Provider   string
	Model      string
	APIKey     string
	BaseURL    string
	MaxTokens  int64
	System     string
	AWSRegion  string
	AWSProfile string
	// Timeout bounds each call. Zero disables the bound.
	Timeout time.Duration
}

// New builds the configured provider wrapped with its timeout.
func New(ctx context.Context, cfg Config) (Oracle, error) {
	var o Oracle
	switch cfg.Provider {
	case "", ProviderAnthropic, ProviderBedrock:
		a, err := NewAnthropic(ctx, AnthropicConfig{
			Model:         cfg.Model,
			APIKey:        cfg.APIKey,
			MaxTokens:     cfg.MaxTokens,
			System:        cfg.System,
			UseAWSBedrock: cfg.Provider == ProviderBedrock,
			AWSRegion:     cfg.AWSRegion,
			AWSProfile:    cfg.AWSProfile,
		})
		if err != nil {
			return nil, err
		}
		o = a
	case ProviderOpenAI:
		oa, err := NewOpenAI(OpenAIConfig{
			Model:     cfg.Model,
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			MaxTokens: cfg.MaxTokens,
			System:    cfg.System,
		})
		if err != nil {
			return nil, err
		}
		o = oa
	default:
		return nil, fmt.Errorf("unknown oracle provider %q", cfg.Provider)
	}
	return WithTimeout(o, cfg.Timeout), nil
}
