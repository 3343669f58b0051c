package ai

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/drakyn/agent/backend/internal/config"
	"github.com/drakyn/agent/backend/internal/model/chat"
)

// AnthropicProvider streams completions from the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	cfg    config.AIConfig
}

func NewAnthropicProvider(cfg config.AIConfig, opts ...option.RequestOption) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("ai model is required")
	}
	if cfg.MaxTokens <= 0 {
		return nil, errors.New("ai max tokens must be positive")
	}

	opts = append([]option.RequestOption{option.WithAPIKey(cfg.APIKey)}, opts...)
	log.Info().Str("component", "ai").Str("provider", config.ProviderAnthropic).Str("model", cfg.Model).Msg("completion provider ready")
	return &AnthropicProvider{client: anthropic.NewClient(opts...), cfg: cfg}, nil
}

// Stream opens a streaming request and pipes text deltas into the returned reader.
// Cancelling ctx aborts the underlying HTTP stream.
func (p *AnthropicProvider) Stream(ctx context.Context, history []chat.Message) (*schema.StreamReader[string], error) {
	messages := buildAnthropicMessages(history)
	if len(messages) == 0 {
		return nil, errors.New("history has no messages with content")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.cfg.Model),
		MaxTokens: int64(p.cfg.MaxTokens),
		Messages:  messages,
	}
	if p.cfg.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: p.cfg.SystemPrompt}}
	}
	if p.cfg.Temperature != nil {
		params.Temperature = anthropic.Float(*p.cfg.Temperature)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	reader, writer := schema.Pipe[string](16)

	go func() {
		defer writer.Close()
		defer stream.Close()

		for stream.Next() {
			event, ok := stream.Current().AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			delta, ok := event.Delta.AsAny().(anthropic.TextDelta)
			if !ok || delta.Text == "" {
				continue
			}
			if closed := writer.Send(delta.Text, nil); closed {
				return
			}
		}
		if err := stream.Err(); err != nil {
			writer.Send("", errors.Wrap(err, "anthropic stream"))
		}
	}()

	return reader, nil
}

func buildAnthropicMessages(history []chat.Message) []anthropic.MessageParam {
	messages := make([]anthropic.MessageParam, 0, len(history))
	for _, msg := range history {
		if msg.Content == "" {
			continue
		}
		switch msg.Role {
		case chat.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case chat.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return messages
}
