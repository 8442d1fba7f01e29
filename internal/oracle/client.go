// Package oracle is the decision gateway: it turns one inbound email plus
// thread history into a single normalized Decision via an LLM, with support
// for both Azure OpenAI (primary) and OpenAI platform (fallback).
package oracle

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"outreach/internal/config"
)

// Client wraps the OpenAI client with Azure OpenAI support and fallback capability
type Client struct {
	primary      *openai.Client
	fallback     *openai.Client
	gptModel     string
	providerName string
	logger       zerolog.Logger
}

// NewClient creates a new client with Azure as primary and OpenAI as fallback
func NewClient(cfg *config.Config, logger zerolog.Logger) (*Client, error) {
	client := &Client{logger: logger}

	// Try Azure OpenAI first (primary)
	if cfg.UseAzureOpenAI() {
		azureConfig := openai.DefaultAzureConfig(cfg.AzureOpenAIKey, cfg.AzureOpenAIEndpoint)
		client.primary = openai.NewClientWithConfig(azureConfig)
		client.gptModel = cfg.AzureOpenAIGPTDeployment
		client.providerName = "Azure OpenAI"

		logger.Info().Str("endpoint", cfg.AzureOpenAIEndpoint).Msg("oracle primary provider: Azure OpenAI")
	}

	// Setup OpenAI as fallback (or primary if Azure not configured)
	if cfg.HasOpenAIFallback() {
		client.fallback = openai.NewClient(cfg.OpenAIKey)

		if client.primary == nil {
			client.primary = client.fallback
			client.fallback = nil
			client.gptModel = string(openai.GPT4o)
			client.providerName = "OpenAI"

			logger.Info().Msg("oracle primary provider: OpenAI (Azure not configured)")
		} else {
			logger.Info().Msg("oracle fallback provider: OpenAI")
		}
	}

	if client.primary == nil {
		return nil, fmt.Errorf("no OpenAI provider configured: set AZURE_OPENAI_ENDPOINT + AZURE_OPENAI_KEY or OPENAI_API_KEY")
	}

	return client, nil
}

// CreateChatCompletion generates a chat completion, falling back to the
// secondary provider when the primary fails.
func (c *Client) CreateChatCompletion(ctx context.Context, messages []openai.ChatCompletionMessage, maxTokens int, temperature float32) (*openai.ChatCompletionResponse, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.gptModel,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}

	resp, err := c.primary.CreateChatCompletion(ctx, req)
	if err != nil && c.fallback != nil {
		c.logger.Warn().Err(err).Msg("oracle primary failed, trying fallback")
		req.Model = string(openai.GPT4o)
		resp, err = c.fallback.CreateChatCompletion(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("both providers failed: %v", err)
		}
		c.logger.Info().Msg("oracle fallback succeeded")
	} else if err != nil {
		return nil, err
	}

	return &resp, nil
}

// ProviderName returns the current primary provider name
func (c *Client) ProviderName() string {
	return c.providerName
}
