package judge

import (
	"context"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Generator is the part of an eino chat model the judge uses.
type Generator interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// Config configures the chat model and the call policy around it.
type Config struct {
	Provider    string // openai, deepseek, azure
	Model       string
	APIKey      string
	BaseURL     string
	APIVersion  string
	Temperature *float32
	MaxTokens   *int

	// Timeout bounds a single model call.
	Timeout time.Duration
	// RequestsPerSecond limits model calls across all tasks. 0 is unlimited.
	RequestsPerSecond float64
	Burst             int
	// MaxAttempts per entry, including the first call.
	MaxAttempts int
	// Backoff before the second attempt; doubles after each failure.
	Backoff time.Duration
}

type notConfiguredError struct{}

func (notConfiguredError) Error() string  { return "evaluator api key is not configured" }
func (notConfiguredError) Public() string { return "AI evaluator is not configured" }

// ErrNotConfigured is returned by NewChatModel when no API key is set.
var ErrNotConfigured error = notConfiguredError{}

// NewChatModel creates an OpenAI-compatible chat model from cfg.
func NewChatModel(ctx context.Context, cfg Config) (Generator, error) {
	if cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	return openai.NewChatModel(ctx, chatModelConfig(cfg))
}

// defaultAzureAPIVersion is used when the config names none.
const defaultAzureAPIVersion = "2024-06-01"

func chatModelConfig(cfg Config) *openai.ChatModelConfig {
	chatConfig := &openai.ChatModelConfig{
		Model:       cfg.Model,
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}
	switch cfg.Provider {
	case "azure":
		// Azure has no shared endpoint; BaseURL is the resource endpoint.
		chatConfig.ByAzure = true
		chatConfig.APIVersion = cfg.APIVersion
		if chatConfig.APIVersion == "" {
			chatConfig.APIVersion = defaultAzureAPIVersion
		}
	case "deepseek":
		if chatConfig.BaseURL == "" {
			chatConfig.BaseURL = "https://api.deepseek.com/v1"
		}
	default:
		if chatConfig.BaseURL == "" {
			chatConfig.BaseURL = "https://api.openai.com/v1"
		}
	}
	return chatConfig
}
