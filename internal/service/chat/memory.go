package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drakyn/agent/backend/internal/model/chat"
	"github.com/drakyn/agent/backend/internal/model/user"
)

// MemoryStore keeps conversations in process memory. Contents are lost on restart.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]chat.Conversation
	messages      map[string][]chat.Message
	tokens        map[string]user.OAuthToken
	nextID        int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]chat.Conversation),
		messages:      make(map[string][]chat.Message),
		tokens:        make(map[string]user.OAuthToken),
	}
}

func (s *MemoryStore) CreateConversation(_ context.Context, owner, title string) (chat.Conversation, error) {
	if owner == "" {
		return chat.Conversation{}, ErrOwnerRequired
	}

	now := time.Now().UTC()
	conv := chat.Conversation{
		ID:        uuid.NewString(),
		Owner:     owner,
		Title:     normalizeTitle(title),
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.messages[conv.ID] = make([]chat.Message, 0, 16)
	s.mu.Unlock()

	return conv, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return chat.Conversation{}, ErrNotFound
	}
	return conv, nil
}

func (s *MemoryStore) ListConversations(_ context.Context, owner string) ([]chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]chat.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		if conv.Owner == owner {
			out = append(out, conv)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *MemoryStore) RenameConversation(_ context.Context, id, owner, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok || conv.Owner != owner {
		return ErrNotFound
	}
	conv.Title = normalizeTitle(title)
	conv.UpdatedAt = time.Now().UTC()
	s.conversations[id] = conv
	return nil
}

func (s *MemoryStore) DeleteConversation(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok || conv.Owner != owner {
		return ErrNotFound
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	return nil
}

// Append adds a message to the conversation transcript.
func (s *MemoryStore) Append(_ context.Context, conversationID string, role chat.Role, content string) (chat.Message, error) {
	if !role.Valid() {
		return chat.Message{}, ErrInvalidRole
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return chat.Message{}, ErrNotFound
	}

	s.nextID++
	msg := chat.Message{
		ID:             s.nextID,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}

	s.messages[conversationID] = append(s.messages[conversationID], msg)
	conv.UpdatedAt = msg.CreatedAt
	s.conversations[conversationID] = conv
	return msg, nil
}

// List returns a copy of the transcript in append order.
func (s *MemoryStore) List(_ context.Context, conversationID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[conversationID]
	if !ok {
		return nil, ErrNotFound
	}

	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}

func (s *MemoryStore) SaveOAuthToken(_ context.Context, email string, token user.OAuthToken) error {
	if email == "" {
		return ErrOwnerRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.tokens[email]; ok && token.RefreshToken == "" {
		token.RefreshToken = prev.RefreshToken
	}
	s.tokens[email] = token
	return nil
}

func (s *MemoryStore) Close() error { return nil }
