// Package provider constructs the chat model behind the streaming pipeline.
package provider

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"

	"github.com/parleyhq/parley/internal/config"
)

// Conversational answers rarely need more; the turn deadline would cut off
// longer generations anyway.
const defaultMaxTokens = 4096

// NewChatModel builds the configured provider's chat model. Parley only
// streams plain conversation, so the plain BaseChatModel surface is enough.
func NewChatModel(ctx context.Context, cfg config.LLMConfig) (model.BaseChatModel, error) {
	switch cfg.Provider {
	case "anthropic":
		c := &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: defaultMaxTokens,
		}
		if cfg.BaseURL != "" {
			c.BaseURL = &cfg.BaseURL
		}
		m, err := claude.NewChatModel(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}
		return m, nil

	case "openai":
		c := &openai.ChatModelConfig{
			APIKey: cfg.APIKey,
			Model:  cfg.Model,
		}
		if cfg.BaseURL != "" {
			c.BaseURL = cfg.BaseURL
		}
		m, err := openai.NewChatModel(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}
		return m, nil

	case "ollama":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		m, err := ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: baseURL,
			Model:   cfg.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}
		return m, nil

	default:
		return nil, fmt.Errorf("unsupported llm provider: %q (supported: anthropic, openai, ollama)", cfg.Provider)
	}
}
