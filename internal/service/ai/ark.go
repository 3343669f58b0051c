package ai

import (
	"context"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/drakyn/agent/backend/internal/config"
	"github.com/drakyn/agent/backend/internal/model/chat"
)

// ArkProvider streams completions from a Volcengine Ark model through an eino chain.
type ArkProvider struct {
	cfg   config.AIConfig
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewArkProvider compiles the system-prompt + history chain around the Ark chat model.
func NewArkProvider(ctx context.Context, cfg config.AIConfig) (*ArkProvider, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "create chat model")
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", false),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "compile chat chain")
	}

	log.Info().Str("component", "ai").Str("provider", config.ProviderArk).Str("model", cfg.Ark.Model).Msg("completion provider ready")
	return &ArkProvider{cfg: cfg, chain: runnable}, nil
}

// Stream runs the chain in streaming mode over the full history.
func (p *ArkProvider) Stream(ctx context.Context, history []chat.Message) (*schema.StreamReader[string], error) {
	input := map[string]any{
		"system":  p.cfg.SystemPrompt,
		"history": buildHistoryMessages(history),
	}

	stream, err := p.chain.Stream(ctx, input)
	if err != nil {
		return nil, errors.Wrap(err, "stream chat chain")
	}
	return contentStream(stream), nil
}

// contentStream projects message chunks onto their text, dropping empty chunks.
func contentStream(stream *schema.StreamReader[*schema.Message]) *schema.StreamReader[string] {
	return schema.StreamReaderWithConvert(stream, func(msg *schema.Message) (string, error) {
		if msg == nil || msg.Content == "" {
			return "", schema.ErrNoValue
		}
		return msg.Content, nil
	})
}

func buildHistoryMessages(messages []chat.Message) []*schema.Message {
	history := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		switch msg.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return history
}
