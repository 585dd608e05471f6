package chat

import (
	"context"
	"fmt"
)

// Estimate is a rough pre-submission cost projection for a message.
type Estimate struct {
	PromptTokens  int     `json:"prompt_tokens"`
	EstimatedUSD  float64 `json:"estimated_usd"`
	Model         string  `json:"model"`
	HistoryTokens int     `json:"history_tokens"`
}

// Per-million-prompt-token prices. Coarse on purpose: the estimate endpoint
// exists to warn about unexpectedly large prompts, not to do billing.
var promptPricePerMTok = map[string]float64{
	"anthropic": 3.00,
	"openai":    2.50,
	"ollama":    0,
}

// EstimateCost projects the prompt size of sending message in the given
// conversation, counting stored history at roughly four bytes per token.
func (s *Service) EstimateCost(ctx context.Context, conversationID, message, providerName string) (*Estimate, error) {
	historyTokens := 0
	if conversationID != "" {
		msgs, err := s.messages.ListByConversation(ctx, conversationID)
		if err != nil {
			return nil, fmt.Errorf("load history for estimate: %w", err)
		}
		for _, m := range msgs {
			historyTokens += approxTokens(m.Content)
		}
	}

	prompt := historyTokens + approxTokens(message)
	price := promptPricePerMTok[providerName]
	return &Estimate{
		PromptTokens:  prompt,
		HistoryTokens: historyTokens,
		EstimatedUSD:  float64(prompt) * price / 1_000_000,
		Model:         s.modelName,
	}, nil
}

func approxTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}
