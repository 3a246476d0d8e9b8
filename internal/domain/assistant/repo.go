package assistant

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrConversationNotFound = errors.New("conversation not found")

// Repository is the conversation store.
type Repository interface {
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error)
	// ListConversations returns a user's conversations, most recently
	// updated first.
	ListConversations(ctx context.Context, userID string, includeArchived bool, limit, offset int) ([]*Conversation, int, error)
	ArchiveConversation(ctx context.Context, id uuid.UUID) error

	// AppendMessages stores msgs in order and adds their count and tokens to
	// the conversation's counters, atomically.
	AppendMessages(ctx context.Context, conversationID uuid.UUID, msgs []*Message, tokens int64) error
	// RecentMessages returns up to limit of the newest messages, oldest first.
	RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]*Message, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*Message, int, error)
}
