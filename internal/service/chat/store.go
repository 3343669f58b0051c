package chat

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/drakyn/agent/backend/internal/model/chat"
	"github.com/drakyn/agent/backend/internal/model/user"
)

var (
	ErrNotFound      = errors.New("conversation not found")
	ErrOwnerRequired = errors.New("owner is required")
	ErrInvalidRole   = errors.New("invalid message role")
)

// Store persists conversations and their append-only message logs.
// Implementations are safe for concurrent use across conversations; ordering
// within one conversation is the caller's responsibility.
type Store interface {
	CreateConversation(ctx context.Context, owner, title string) (chat.Conversation, error)
	GetConversation(ctx context.Context, id string) (chat.Conversation, error)
	ListConversations(ctx context.Context, owner string) ([]chat.Conversation, error)
	RenameConversation(ctx context.Context, id, owner, title string) error
	DeleteConversation(ctx context.Context, id, owner string) error

	Append(ctx context.Context, conversationID string, role chat.Role, content string) (chat.Message, error)
	List(ctx context.Context, conversationID string) ([]chat.Message, error)

	SaveOAuthToken(ctx context.Context, email string, token user.OAuthToken) error
	Close() error
}

func normalizeTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return chat.DefaultTitle
	}
	return title
}
