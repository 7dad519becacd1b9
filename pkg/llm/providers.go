package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/openai"

	"datapilot/pkg/logger"
)

// Provider identifies a model backend.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
)

// Config holds everything needed to build a client for one model.
type Config struct {
	Model       string
	Temperature float64

	OpenAIAPIKey    string
	AnthropicAPIKey string
	GeminiAPIKey    string

	Logger logger.Logger
	Usage  UsageRecorder
}

// ProviderForModel infers the backend from the model identifier.
func ProviderForModel(model string) Provider {
	switch {
	case strings.HasPrefix(model, "claude"):
		return ProviderAnthropic
	case strings.HasPrefix(model, "gemini"):
		return ProviderGoogle
	default:
		return ProviderOpenAI
	}
}

// NewClient initialises a model client for the configured model.
func NewClient(ctx context.Context, cfg Config) (Client, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model id is required")
	}

	var model llms.Model
	var err error
	provider := ProviderForModel(cfg.Model)

	switch provider {
	case ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required for model %s", cfg.Model)
		}
		model, err = anthropic.New(
			anthropic.WithModel(cfg.Model),
			anthropic.WithToken(cfg.AnthropicAPIKey),
		)
	case ProviderGoogle:
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required for model %s", cfg.Model)
		}
		model, err = googleai.New(ctx,
			googleai.WithDefaultModel(cfg.Model),
			googleai.WithAPIKey(cfg.GeminiAPIKey),
		)
	default:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for model %s", cfg.Model)
		}
		model, err = openai.New(
			openai.WithModel(cfg.Model),
			openai.WithToken(cfg.OpenAIAPIKey),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s model %s: %w", provider, cfg.Model, err)
	}

	cfg.Logger.Infof("🤖 Initialized %s model: %s", provider, cfg.Model)
	return &client{
		model:   model,
		modelID: cfg.Model,
		temp:    cfg.Temperature,
		logger:  cfg.Logger,
		usage:   cfg.Usage,
	}, nil
}
