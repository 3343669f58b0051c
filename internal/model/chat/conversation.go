package chat

import "time"

// DefaultTitle is used when a conversation is created without one.
const DefaultTitle = "New Conversation"

// Conversation is owned by a single user identity.
type Conversation struct {
	ID        string    `json:"id"`
	Owner     string    `json:"-"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
