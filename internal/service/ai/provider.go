package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/schema"

	"github.com/drakyn/agent/backend/internal/config"
	"github.com/drakyn/agent/backend/internal/model/chat"
)

// Provider streams a completion for an ordered conversation history.
// The returned reader yields text fragments and io.EOF on exhaustion.
type Provider interface {
	Stream(ctx context.Context, history []chat.Message) (*schema.StreamReader[string], error)
}

// NewProvider builds the provider selected by cfg.Provider.
func NewProvider(ctx context.Context, cfg config.AIConfig) (Provider, error) {
	switch cfg.Provider {
	case config.ProviderArk:
		return NewArkProvider(ctx, cfg)
	case config.ProviderAnthropic:
		return NewAnthropicProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported ai provider %q", cfg.Provider)
	}
}
