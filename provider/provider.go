// Package provider constructs ChatModel implementations from
// configuration. The core consumes only the interface.
package provider

import (
	"errors"
	"fmt"

	"github.com/mohammad-safakhou/deepscout/config"
	"github.com/mohammad-safakhou/deepscout/internal/agent/core"
	openai_provider "github.com/mohammad-safakhou/deepscout/provider/openai"
)

// NewChatModel builds the ChatModel from a configured provider of type
// openai or openai-compatible. Providers are visited in map iteration
// order, so with several configured the one chosen is not fixed, and
// reaching an anthropic entry first returns an error.
func NewChatModel(cfg config.LLMConfig) (core.ChatModel, error) {
	if len(cfg.Providers) == 0 {
		return nil, errors.New("no llm providers configured")
	}
	for name, p := range cfg.Providers {
		switch p.Type {
		case "openai", "openai-compatible":
			return openai_provider.NewClient(p), nil
		case "anthropic":
			return nil, fmt.Errorf("provider %q: anthropic client not implemented yet", name)
		}
	}
	return nil, errors.New("no supported llm provider found (expected type openai)")
}
