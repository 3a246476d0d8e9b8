package assistant

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process conversation store for tests and demos.
type MemoryRepository struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]*Conversation
	messages      map[uuid.UUID][]*Message
	seq           int64

	// FailAppend, when set, is returned by AppendMessages.
	FailAppend error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		conversations: make(map[uuid.UUID]*Conversation),
		messages:      make(map[uuid.UUID][]*Message),
	}
}

func (r *MemoryRepository) CreateConversation(_ context.Context, c *Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	cp := *c
	r.conversations[c.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetConversation(_ context.Context, id uuid.UUID) (*Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryRepository) ListConversations(_ context.Context, userID string, includeArchived bool, limit, offset int) ([]*Conversation, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*Conversation
	for _, c := range r.conversations {
		if c.UserID == userID && (includeArchived || !c.Archived()) {
			cp := *c
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
	return page(all, limit, offset), len(all), nil
}

func (r *MemoryRepository) ArchiveConversation(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[id]
	if !ok {
		return ErrConversationNotFound
	}
	if c.ArchivedAt == nil {
		now := time.Now().UTC()
		c.ArchivedAt = &now
	}
	return nil
}

func (r *MemoryRepository) AppendMessages(_ context.Context, conversationID uuid.UUID, msgs []*Message, tokens int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailAppend != nil {
		return r.FailAppend
	}
	c, ok := r.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	now := time.Now().UTC()
	for _, m := range msgs {
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
		r.seq++
		m.Seq, m.ConversationID, m.CreatedAt = r.seq, conversationID, now
		cp := *m
		r.messages[conversationID] = append(r.messages[conversationID], &cp)
	}
	c.MessageCount += len(msgs)
	c.TokenCount += tokens
	c.UpdatedAt = now
	return nil
}

func (r *MemoryRepository) RecentMessages(_ context.Context, conversationID uuid.UUID, limit int) ([]*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.messages[conversationID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]*Message, 0, len(all))
	for _, m := range all {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryRepository) ListMessages(_ context.Context, conversationID uuid.UUID, limit, offset int) ([]*Message, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*Message, 0, len(r.messages[conversationID]))
	for _, m := range r.messages[conversationID] {
		cp := *m
		all = append(all, &cp)
	}
	return page(all, limit, offset), len(all), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
